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

// Overridable in tests.
var openmhzBaseURL = "https://api.openmhz.com"

// OpenMHZ uploads the M4A to the OpenMHZ call API using the trunk-recorder
// plugin's form layout.
func (c *Client) OpenMHZ(ctx context.Context, cfg config.OpenMHZConfig, tempDir string, rec *call.Record) error {
	m4a, err := os.ReadFile(filepath.Join(tempDir, rec.M4AName()))
	if err != nil {
		return fmt.Errorf("openmhz: read m4a: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := attachBytes(w, "call", rec.M4AName(), "audio/aac", m4a); err != nil {
		return fmt.Errorf("openmhz: attach m4a: %w", err)
	}
	w.WriteField("api_key", cfg.APIKey)
	w.WriteField("freq", strconv.FormatFloat(rec.Freq, 'f', -1, 64))
	w.WriteField("start_time", strconv.FormatInt(int64(rec.StartTime), 10))
	w.WriteField("stop_time", strconv.FormatInt(int64(rec.StopTime), 10))
	w.WriteField("call_length", strconv.FormatFloat(rec.CallLength, 'f', -1, 64))
	w.WriteField("talkgroup_num", strconv.Itoa(rec.Talkgroup))
	w.WriteField("emergency", strconv.Itoa(rec.Emergency))
	w.WriteField("error_count", strconv.Itoa(rec.ErrorCount()))
	w.WriteField("spike_count", strconv.Itoa(rec.SpikeCount()))
	w.WriteField("source_list", jsonArray(rec.SrcList))
	w.WriteField("freq_list", jsonArray(rec.FreqList))
	w.WriteField("patch_list", jsonArray(rec.Patches))
	w.Close()

	url := fmt.Sprintf("%s/%s/upload", openmhzBaseURL, cfg.ShortName)
	return c.postMultipart(ctx, url, w, &buf, nil, "openmhz")
}
