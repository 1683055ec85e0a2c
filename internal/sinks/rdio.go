package sinks

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"

	"github.com/snarg/tr-consumer/internal/call"
	"github.com/snarg/tr-consumer/internal/config"
)

// writeRdioFields adds the text fields shared by the RDIO and dispatch sinks.
// audioUrl is an RDIO-only field; dispatch omits it.
func writeRdioFields(w *multipart.Writer, rec *call.Record, apiKey string, systemID int, withAudioURL bool) {
	w.WriteField("key", apiKey)
	w.WriteField("audioName", rec.Filename)
	w.WriteField("audioType", "audio/x-wav")
	if withAudioURL {
		w.WriteField("audioUrl", rec.AudioM4AURL)
	}
	w.WriteField("dateTime", rec.StartUTC().Format(rdioTimeLayout))
	w.WriteField("frequencies", jsonArray(rec.FreqList))
	w.WriteField("frequency", strconv.FormatFloat(rec.Freq, 'f', -1, 64))
	w.WriteField("patches", jsonArray(rec.Patches))
	w.WriteField("sources", jsonArray(rec.SrcList))
	w.WriteField("system", strconv.Itoa(systemID))
	w.WriteField("systemLabel", rec.ShortName)
	w.WriteField("talkgroup", strconv.Itoa(rec.Talkgroup))
	w.WriteField("talkgroupGroup", rec.TalkgroupGroup)
	w.WriteField("talkgroupLabel", rec.TalkgroupDescription)
	w.WriteField("talkgroupTag", rec.TalkgroupTag)
}

// Rdio posts the call to an RDIO-compatible endpoint. The WAV is attached
// unless remote storage is enabled and an archived M4A URL exists, in which
// case the endpoint fetches audio from the URL instead.
func (c *Client) Rdio(ctx context.Context, cfg config.RdioConfig, tempDir string, rec *call.Record) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	writeRdioFields(w, rec, cfg.RdioAPIKey, cfg.SystemID, true)

	attach := true
	if cfg.RemoteStorage.Bool() {
		if rec.AudioM4AURL != "" {
			attach = false
		} else {
			c.log.Warn().Str("url", cfg.RdioURL).
				Msg("no archived m4a url, falling back to rdio file upload")
		}
	}
	if attach {
		wav, err := os.ReadFile(filepath.Join(tempDir, rec.Filename))
		if err != nil {
			return fmt.Errorf("rdio: read wav: %w", err)
		}
		if err := attachBytes(w, "audio", rec.Filename, "audio/x-wav", wav); err != nil {
			return fmt.Errorf("rdio: attach wav: %w", err)
		}
	}
	w.Close()

	return c.postMultipart(ctx, cfg.RdioURL, w, &buf, nil, "rdio")
}
