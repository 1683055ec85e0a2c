package sinks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/snarg/tr-consumer/internal/call"
	"github.com/snarg/tr-consumer/internal/config"
)

// Overridable in tests.
var broadcastifyCallsURL = "https://api.broadcastify.com/call-upload"

// Broadcastify uploads the call to Broadcastify Calls. The API is two-step:
// a metadata POST returns "0 <uploadUrl>", then the M4A is PUT to that URL.
func (c *Client) Broadcastify(ctx context.Context, cfg config.BroadcastifyConfig, tempDir string, rec *call.Record) error {
	m4a, err := os.ReadFile(filepath.Join(tempDir, rec.M4AName()))
	if err != nil {
		return fmt.Errorf("broadcastify: read m4a: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("apiKey", cfg.APIKey)
	w.WriteField("systemId", strconv.Itoa(cfg.SystemID))
	w.WriteField("callDuration", strconv.FormatFloat(rec.CallLength, 'f', -1, 64))
	w.WriteField("ts", strconv.FormatInt(int64(rec.StartTime), 10))
	w.WriteField("tg", strconv.Itoa(rec.Talkgroup))
	w.WriteField("freq", strconv.FormatFloat(rec.Freq, 'f', -1, 64))
	w.WriteField("enc", "m4a")
	if slot := cfg.Slot(); slot >= 0 {
		w.WriteField("slot", strconv.Itoa(slot))
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, broadcastifyCallsURL, &buf)
	if err != nil {
		return fmt.Errorf("broadcastify: create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("broadcastify: metadata post: %w", err)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("broadcastify: metadata status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	reply := strings.TrimSpace(string(body))
	if !strings.HasPrefix(reply, "0 ") {
		return fmt.Errorf("broadcastify: upload rejected: %s", reply)
	}
	uploadURL := strings.TrimSpace(reply[2:])

	put, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(m4a))
	if err != nil {
		return fmt.Errorf("broadcastify: create upload request: %w", err)
	}
	put.Header.Set("Content-Type", "audio/aac")
	return c.do(c.http, put, "broadcastify upload")
}
