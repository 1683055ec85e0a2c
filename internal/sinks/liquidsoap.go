package sinks

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/tr-consumer/internal/call"
	"github.com/snarg/tr-consumer/internal/config"
	"github.com/snarg/tr-consumer/internal/template"
)

const liquidsoapTimeout = 3500 * time.Millisecond

// Liquidsoap stages the call audio into a directory the Liquidsoap host can
// read and pushes an annotated request onto its queue over the telnet server.
// The staged copy is deleted after the call should have aired.
func (c *Client) Liquidsoap(ctx context.Context, cfg config.LiquidsoapConfig, tempDir string, rec *call.Record) error {
	src, err := pickSource(cfg.PreferSource, tempDir, rec)
	if err != nil {
		return fmt.Errorf("liquidsoap: %w", err)
	}

	staged, err := stageFile(cfg.StagingDir, src, rec)
	if err != nil {
		return fmt.Errorf("liquidsoap: %w", err)
	}
	// The file must outlive scratch cleanup but not pile up on the
	// Liquidsoap host, so removal is scheduled even when the push fails.
	defer scheduleDelete(staged, deleteDelay(rec.CallLength, cfg.DeleteAfterSeconds), c.log)

	cmd := fmt.Sprintf("%s.push %s", cfg.QueueID, annotateURI(cfg.Metadata, rec, staged))

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	resp, err := sendLiquidsoapCmd(ctx, addr, cfg.Password, cmd)
	if err != nil {
		return fmt.Errorf("liquidsoap: %w", err)
	}
	if !pushAccepted(resp) {
		return fmt.Errorf("liquidsoap: unexpected response: %s", strings.TrimSpace(resp))
	}

	c.log.Info().Str("staged", filepath.Base(staged)).Str("queue", cfg.QueueID).Msg("liquidsoap enqueued")
	return nil
}

// pickSource returns the preferred artifact that exists in the scratch
// directory, falling back to the other encoding.
func pickSource(prefer, tempDir string, rec *call.Record) (string, error) {
	wav := filepath.Join(tempDir, rec.Filename)
	m4a := filepath.Join(tempDir, rec.M4AName())

	candidates := []string{wav, m4a}
	if strings.ToLower(prefer) == "m4a" {
		candidates = []string{m4a, wav}
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("no source audio for %s", rec.BaseName())
}

// stageFile copies src into the staging directory under a per-call unique
// name, so scratch cleanup cannot race the stream.
func stageFile(stagingDir, src string, rec *call.Record) (string, error) {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", stagingDir, err)
	}

	instance := rec.InstanceID
	if instance == "" {
		instance = strconv.FormatInt(int64(rec.StartTime), 10)
	}
	if instance == "0" {
		instance = strconv.FormatInt(time.Now().Unix(), 10)
	}
	staged := filepath.Join(stagingDir, fmt.Sprintf("%s_%s%s", instance, rec.BaseName(), filepath.Ext(src)))

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(staged)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", staged, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(staged)
		return "", fmt.Errorf("stage %s: %w", staged, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(staged)
		return "", fmt.Errorf("stage %s: %w", staged, err)
	}
	return staged, nil
}

// annotateURI builds annotate:k='v',...:path for the staged file. Metadata
// values are rendered against the call record; empty values are dropped.
func annotateURI(meta map[string]string, rec *call.Record, staged string) string {
	data, err := rec.AsMap()
	if err != nil {
		data = map[string]any{}
	}
	data = template.Expand(data)
	if rec.TalkgroupAlphaTag == "" {
		data["fallbackTG"] = fmt.Sprintf(" (TG %d)", rec.Talkgroup)
	} else {
		data["fallbackTG"] = ""
	}

	tmpl := func(key, fallback string) string {
		if v, ok := meta[key]; ok {
			return template.RenderString(v, data)
		}
		return template.RenderString(fallback, data)
	}

	rid := ""
	if len(rec.SrcList) > 0 {
		rid = strconv.FormatInt(rec.SrcList[0].Src, 10)
	}

	pairs := []struct{ k, v string }{
		{"title", tmpl("title", "{talkgroup_alpha_tag}{fallbackTG}")},
		{"artist", tmpl("artist", "{short_name}")},
		{"album", tmpl("album", "{short_name}")},
		{"genre", tmpl("genre", "Public Safety")},
		{"comment", tmpl("comment", "TG {talkgroup} | Len {call_length}s")},
		{"tgid", strconv.Itoa(rec.Talkgroup)},
		{"system", rec.ShortName},
		{"rid", rid},
		{"len", strconv.FormatFloat(rec.CallLength, 'f', -1, 64)},
	}

	var kv []string
	for _, p := range pairs {
		if p.v == "" {
			continue
		}
		kv = append(kv, fmt.Sprintf("%s='%s'", p.k, strings.ReplaceAll(p.v, "'", `\'`)))
	}
	return fmt.Sprintf("annotate:%s:%s", strings.Join(kv, ","), staged)
}

// sendLiquidsoapCmd speaks the Liquidsoap server protocol: read the optional
// banner, answer a password prompt when present, issue one command, and
// collect the response until the prompt or END marker.
func sendLiquidsoapCmd(ctx context.Context, addr, password, cmd string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	deadline := time.Now().Add(liquidsoapTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	// Liquidsoap sends no banner unless auth is on, so a read timeout here
	// just means no password prompt.
	banner := readAvailable(conn, 500*time.Millisecond)
	if strings.Contains(banner, "Password") && password != "" {
		if _, err := conn.Write([]byte(password + "\n")); err != nil {
			return "", fmt.Errorf("send password: %w", err)
		}
		readAvailable(conn, 500*time.Millisecond)
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}

	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
			if strings.Contains(sb.String(), "> ") || strings.Contains(sb.String(), "END") {
				break
			}
		}
		if err != nil {
			break
		}
	}
	return sb.String(), nil
}

// readAvailable reads whatever arrives within wait, returning "" on timeout.
func readAvailable(conn net.Conn, wait time.Duration) string {
	conn.SetReadDeadline(time.Now().Add(wait))
	buf := make([]byte, 4096)
	n, _ := conn.Read(buf)
	return string(buf[:n])
}

func pushAccepted(resp string) bool {
	if strings.Contains(resp, "Done") ||
		strings.Contains(resp, "queued") ||
		(strings.Contains(resp, "request") && strings.Contains(resp, "added")) ||
		strings.Contains(resp, "> ") {
		return true
	}
	// Modern servers answer a push with the bare request id before END.
	first := strings.TrimSpace(strings.SplitN(resp, "\n", 2)[0])
	if first == "" {
		return false
	}
	_, err := strconv.Atoi(first)
	return err == nil
}

// deleteDelay is how long a staged file is kept: at least 90s so the queue
// has time to air it, longer for long calls, plus a 20s buffer and any
// configured extra.
func deleteDelay(callLength, extra float64) time.Duration {
	base := math.Max(callLength, 90)
	if extra < 0 {
		extra = 0
	}
	return time.Duration((base + 20 + extra) * float64(time.Second))
}

func scheduleDelete(path string, delay time.Duration, log zerolog.Logger) {
	time.AfterFunc(delay, func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("file", path).Msg("staged file removal failed")
			return
		}
		log.Debug().Str("file", path).Msg("staged file removed")
	})
}
