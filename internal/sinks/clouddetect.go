package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/snarg/tr-consumer/internal/call"
	"github.com/snarg/tr-consumer/internal/config"
)

// CloudDetect uploads the WAV and call record to an iCAD Cloud Detect
// endpoint, which runs tone detection remotely.
func (c *Client) CloudDetect(ctx context.Context, cfg config.CloudDetectConfig, tempDir string, rec *call.Record) error {
	wav, err := os.ReadFile(filepath.Join(tempDir, rec.Filename))
	if err != nil {
		return fmt.Errorf("cloud detect: read wav: %w", err)
	}
	callJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cloud detect: marshal call record: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := attachBytes(w, "audioFile", rec.Filename, "audio/x-wav", wav); err != nil {
		return fmt.Errorf("cloud detect: attach wav: %w", err)
	}
	if err := attachBytes(w, "jsonFile", rec.JSONName(), "application/json", callJSON); err != nil {
		return fmt.Errorf("cloud detect: attach json: %w", err)
	}
	w.Close()

	header := http.Header{}
	header.Set("Authorization", cfg.APIKey)
	return c.postMultipart(ctx, cfg.APIURL, w, &buf, header, "cloud detect")
}
