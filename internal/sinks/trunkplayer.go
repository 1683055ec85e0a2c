package sinks

import (
	"context"
	"fmt"

	"github.com/snarg/tr-consumer/internal/call"
	"github.com/snarg/tr-consumer/internal/config"
)

// TrunkPlayer notifies a Trunk Player instance that the call's M4A landed in
// the archive's date-partitioned layout.
func (c *Client) TrunkPlayer(ctx context.Context, cfg config.TrunkPlayerConfig, rec *call.Record) error {
	t := rec.StartUTC()
	body := map[string]any{
		"auth_token": cfg.APIKey,
		"file_path":  fmt.Sprintf("%s/%d/%d/%d/", rec.ShortName, t.Year(), int(t.Month()), t.Day()),
		"file_name":  rec.BaseName(),
		"m4a":        true,
	}
	return c.postJSON(ctx, c.http, cfg.APIURL, "", body, "trunk player")
}
