package sinks

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/snarg/tr-consumer/internal/call"
	"github.com/snarg/tr-consumer/internal/config"
)

// Dispatch posts the call to an iCAD Dispatch endpoint. The form matches the
// RDIO shape minus audioUrl, and the WAV is always attached.
func (c *Client) Dispatch(ctx context.Context, cfg config.DispatchConfig, tempDir string, rec *call.Record) error {
	wav, err := os.ReadFile(filepath.Join(tempDir, rec.Filename))
	if err != nil {
		return fmt.Errorf("dispatch: read wav: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	writeRdioFields(w, rec, cfg.APIKey, cfg.SystemID, false)
	if err := attachBytes(w, "audio", rec.Filename, "audio/x-wav", wav); err != nil {
		return fmt.Errorf("dispatch: attach wav: %w", err)
	}
	w.Close()

	return c.postMultipart(ctx, cfg.URL, w, &buf, nil, "dispatch")
}
