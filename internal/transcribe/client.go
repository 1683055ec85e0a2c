// Package transcribe uploads call audio to an iCAD transcribe endpoint and
// returns the transcript document for the call record.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/tr-consumer/internal/call"
	"github.com/snarg/tr-consumer/internal/config"
)

// Client posts WAV audio plus call metadata to a transcribe API.
type Client struct {
	apiURL string
	apiKey string
	client *http.Client
	log    zerolog.Logger
}

func NewClient(cfg config.TranscribeConfig, log zerolog.Logger) *Client {
	return &Client{
		apiURL: cfg.APIURL,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: 60 * time.Second},
		log:    log.With().Str("component", "transcribe").Logger(),
	}
}

// Transcribe uploads the WAV and the call record and returns the endpoint's
// parsed JSON response. whisperCfg, when non-empty, is forwarded verbatim as
// the whisper_config_data form field so the endpoint can apply per-talkgroup
// model settings.
func (c *Client) Transcribe(ctx context.Context, wav []byte, rec *call.Record, whisperCfg json.RawMessage) (any, error) {
	callJSON, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal call record: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("audioFile", rec.Filename)
	if err != nil {
		return nil, fmt.Errorf("create audio part: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return nil, fmt.Errorf("write audio part: %w", err)
	}

	part, err = w.CreateFormFile("jsonFile", rec.JSONName())
	if err != nil {
		return nil, fmt.Errorf("create json part: %w", err)
	}
	if _, err := part.Write(callJSON); err != nil {
		return nil, fmt.Errorf("write json part: %w", err)
	}

	if len(whisperCfg) > 0 {
		w.WriteField("whisper_config_data", string(whisperCfg))
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcribe request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("transcribe API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	c.log.Info().Str("file", rec.Filename).Msg("audio transcribe complete")
	return result, nil
}

// Stub is the transcript value used when transcription is disabled or the
// talkgroup is not allowed.
func Stub() map[string]any {
	return map[string]any{
		"transcript":           "No Transcribe configured",
		"segments":             []any{},
		"process_time_seconds": 0,
		"addresses":            "",
	}
}
