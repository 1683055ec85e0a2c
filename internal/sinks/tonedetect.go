package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"
	"sort"

	"github.com/snarg/tr-consumer/internal/call"
	"github.com/snarg/tr-consumer/internal/config"
)

// ToneDetectLegacy uploads the WAV to a first-generation iCAD tone-detect
// server. The call record rides along as flat form fields rather than a JSON
// part; composite values are JSON-encoded strings.
func (c *Client) ToneDetectLegacy(ctx context.Context, cfg config.LegacyDetectConfig, tempDir string, rec *call.Record) error {
	wav, err := os.ReadFile(filepath.Join(tempDir, rec.Filename))
	if err != nil {
		return fmt.Errorf("tone detect legacy: read wav: %w", err)
	}

	fields, err := flattenRecord(rec)
	if err != nil {
		return fmt.Errorf("tone detect legacy: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := attachBytes(w, "file", rec.Filename, "audio/x-wav", wav); err != nil {
		return fmt.Errorf("tone detect legacy: attach wav: %w", err)
	}
	for _, f := range fields {
		w.WriteField(f.key, f.value)
	}
	w.Close()

	return c.postMultipart(ctx, cfg.ICADURL, w, &buf, nil, "tone detect legacy")
}

type formField struct {
	key, value string
}

// flattenRecord renders every call record field as a form value, in sorted
// key order so requests are reproducible.
func flattenRecord(rec *call.Record) ([]formField, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal call record: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode call record: %w", err)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]formField, 0, len(keys))
	for _, k := range keys {
		out = append(out, formField{key: k, value: formValue(m[k])})
	}
	return out, nil
}

func formValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
