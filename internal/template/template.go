// Package template renders webhook payload templates against call data.
// Tokens use {dot.path} syntax; missing keys render as the empty string.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the human-readable form of the call start time exposed
// to templates as {timestamp}.
const TimestampLayout = "15:04 Jan 02 2006 MST"

// Render produces a rendered copy of an object tree. Strings are scanned for
// {path} tokens, maps have both keys and values rendered, lists are rendered
// element-wise, and everything else is copied through.
func Render(tmpl any, data map[string]any) any {
	switch t := tmpl.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[RenderString(k, data)] = Render(v, data)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = Render(v, data)
		}
		return out
	case string:
		return RenderString(t, data)
	default:
		return tmpl
	}
}

// RenderJSON parses a JSON template string, renders it, and re-encodes it.
func RenderJSON(tmpl string, data map[string]any) (string, error) {
	var tree any
	if err := json.Unmarshal([]byte(tmpl), &tree); err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	out, err := json.Marshal(Render(tree, data))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// RenderString replaces every {path} token in s. Replacement text is
// re-scanned, so a token may expand into further tokens.
func RenderString(s string, data map[string]any) string {
	for {
		start := strings.Index(s, "{")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "}")
		if end == -1 {
			break
		}
		end += start
		token := s[start+1 : end]
		s = s[:start] + stringify(resolve(data, token)) + s[end+1:]
	}
	return s
}

// RenderStringMap renders a flat string map, e.g. webhook headers.
func RenderStringMap(m map[string]string, data map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[RenderString(k, data)] = RenderString(v, data)
	}
	return out
}

// resolve walks a dot-separated path through nested maps. Missing keys and
// non-map intermediate values resolve to nil.
func resolve(data map[string]any, path string) any {
	var cur any = data
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[key]
		if !ok || cur == nil {
			return nil
		}
	}
	return cur
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// Expand returns a copy of data with the derived tokens templates may
// reference: timestamp, timestamp_epoch, transcript.segments_text,
// transcript.addresses_text, tones.report_text, tones.report_html.
func Expand(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+2)
	for k, v := range data {
		out[k] = v
	}

	if ts, ok := epochTime(out["start_time"]); ok {
		out["timestamp"] = ts.UTC().Format(TimestampLayout)
		out["timestamp_epoch"] = out["start_time"]
	}

	if tr, ok := out["transcript"].(map[string]any); ok {
		tr = cloneMap(tr)
		if segs, ok := tr["segments"].([]any); ok {
			texts := make([]string, 0, len(segs))
			for _, seg := range segs {
				m, ok := seg.(map[string]any)
				if !ok {
					continue
				}
				if text, ok := m["text"].(string); ok {
					texts = append(texts, text)
				}
			}
			tr["segments_text"] = strings.Join(texts, "\n")
		}
		if addrs, ok := tr["addresses"].([]any); ok {
			list := make([]string, 0, len(addrs))
			for _, a := range addrs {
				list = append(list, stringify(a))
			}
			tr["addresses_text"] = strings.Join(list, ", ")
		}
		out["transcript"] = tr
	}

	if tn, ok := out["tones"].(map[string]any); ok {
		tn = cloneMap(tn)
		tn["report_text"] = toneReport(tn, "\n")
		tn["report_html"] = toneReport(tn, "<br>")
		out["tones"] = tn
	}

	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func epochTime(v any) (time.Time, bool) {
	var epoch float64
	switch t := v.(type) {
	case float64:
		epoch = t
	case int:
		epoch = float64(t)
	case int64:
		epoch = float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		epoch = f
	default:
		return time.Time{}, false
	}
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * 1e9)
	return time.Unix(sec, nsec), true
}

// toneReport builds the human-readable tone listing used by alerting
// templates. Entries are the JSON form of the tones detector result.
func toneReport(tones map[string]any, sep string) string {
	var lines []string

	for _, entry := range asList(tones["two_tone"]) {
		a, b := pairFreqs(entry["detected"])
		lines = append(lines, fmt.Sprintf("Two-tone: %s/%s Hz", freq(a), freq(b)))
	}
	for _, entry := range asList(tones["long_tone"]) {
		f, _ := toFloat(entry["detected"])
		length, _ := toFloat(entry["length"])
		lines = append(lines, fmt.Sprintf("Long tone: %s Hz (%.1fs)", freq(f), length))
	}
	for _, entry := range asList(tones["hi_low_tone"]) {
		a, b := pairFreqs(entry["detected"])
		alt, _ := toFloat(entry["alternations"])
		lines = append(lines, fmt.Sprintf("Hi-low: %s/%s Hz x%d", freq(a), freq(b), int(alt)))
	}

	return strings.Join(lines, sep)
}

func asList(v any) []map[string]any {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func pairFreqs(v any) (float64, float64) {
	raw, ok := v.([]any)
	if !ok || len(raw) < 2 {
		return 0, 0
	}
	a, _ := toFloat(raw[0])
	b, _ := toFloat(raw[1])
	return a, b
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func freq(f float64) string {
	return strconv.FormatFloat(f, 'f', 1, 64)
}
