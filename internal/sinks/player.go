package sinks

import (
	"context"

	"github.com/snarg/tr-consumer/internal/call"
	"github.com/snarg/tr-consumer/internal/config"
)

// Player posts the full call record to an iCAD Player, which streams the
// archived M4A from the call's audio URL.
func (c *Client) Player(ctx context.Context, cfg config.PlayerConfig, rec *call.Record) error {
	return c.postJSON(ctx, c.http, cfg.APIURL, cfg.APIKey, rec, "icad player")
}
