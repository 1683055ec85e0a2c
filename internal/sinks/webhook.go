package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/snarg/tr-consumer/internal/call"
	"github.com/snarg/tr-consumer/internal/config"
	"github.com/snarg/tr-consumer/internal/template"
)

// Webhook renders the configured URL, headers, and body against the call
// record and posts the result as JSON.
func (c *Client) Webhook(ctx context.Context, cfg config.WebhookConfig, rec *call.Record) error {
	if cfg.WebhookBody == nil {
		return errors.New("webhook: no body configured")
	}

	data, err := rec.AsMap()
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	data = template.Expand(data)

	url := template.RenderString(cfg.WebhookURL, data)
	headers := template.RenderStringMap(cfg.WebhookHeaders, data)

	body := make(map[string]any, len(cfg.WebhookBody))
	for k, v := range cfg.WebhookBody {
		body[template.RenderString(k, data)] = template.Render(v, data)
	}

	req, err := jsonRequest(ctx, url, body)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(c.http, req, "webhook")
}
