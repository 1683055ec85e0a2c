package sinks

import (
	"context"

	"github.com/snarg/tr-consumer/internal/call"
	"github.com/snarg/tr-consumer/internal/config"
)

// Alert posts the full call record to an iCAD Alerting instance. verify_ssl
// can be disabled for self-signed alerting hosts.
func (c *Client) Alert(ctx context.Context, cfg config.AlertingConfig, rec *call.Record) error {
	client := c.http
	if !cfg.VerifyTLS() {
		client = c.insecure
	}
	return c.postJSON(ctx, client, cfg.APIURL, cfg.APIKey, rec, "icad alerting")
}
