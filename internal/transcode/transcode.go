// Package transcode drives ffmpeg to produce the M4A artifact for a call,
// optionally with two-pass EBU R128 loudness normalization.
package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const binary = "ffmpeg"

// ffmpegAvailable caches whether ffmpeg is in PATH (checked once at startup).
var ffmpegAvailable *bool

// CheckFFmpeg checks if ffmpeg is available in PATH. Call once at startup.
func CheckFFmpeg() bool {
	if ffmpegAvailable != nil {
		return *ffmpegAvailable
	}
	_, err := exec.LookPath(binary)
	avail := err == nil
	ffmpegAvailable = &avail
	return avail
}

// Error is a failed conversion. Stage is one of "probe", "first-pass",
// "encode".
type Error struct {
	Stage  string
	Err    error
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("transcode %s: %v: %s", e.Stage, e.Err, e.Detail)
	}
	return fmt.Sprintf("transcode %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Loudnorm holds EBU R128 loudness targets for the loudnorm filter.
type Loudnorm struct {
	I   float64
	TP  float64
	LRA float64
}

func (l Loudnorm) filter() string {
	return fmt.Sprintf("I=%g:TP=%g:LRA=%g", l.I, l.TP, l.LRA)
}

// Options mirror the audio_compression config block.
type Options struct {
	SampleRate int
	Bitrate    int
	// TwoPass runs a loudnorm measurement pass before encoding.
	TwoPass  bool
	Loudnorm Loudnorm
}

// Meta is the tag set embedded in the encoded file.
type Meta struct {
	Album   string
	Artist  string
	Date    string
	Genre   string
	Title   string
	Comment string
}

func (m Meta) args() []string {
	return []string{
		"-metadata", "album=" + m.Album,
		"-metadata", "artist=" + m.Artist,
		"-metadata", "date=" + m.Date,
		"-metadata", "genre=" + m.Genre,
		"-metadata", "title=" + m.Title,
		"-metadata", "comment=" + m.Comment,
		"-movflags", "frag_keyframe+empty_moov",
	}
}

// Convert encodes src, a WAV file, to a sibling .m4a and returns its path.
// The partial output is removed on failure.
func Convert(ctx context.Context, src string, opts Options, meta Meta) (string, error) {
	if _, err := os.Stat(src); err != nil {
		return "", &Error{Stage: "probe", Err: err}
	}
	if !CheckFFmpeg() {
		return "", &Error{Stage: "probe", Err: errors.New("ffmpeg not found in PATH")}
	}

	dst := strings.TrimSuffix(src, filepath.Ext(src)) + ".m4a"

	var args []string
	if opts.TwoPass {
		stats, err := measure(ctx, src, opts.Loudnorm)
		if err != nil {
			return "", err
		}
		args = secondPassArgs(src, dst, opts, meta, stats)
	} else {
		args = singlePassArgs(src, dst, opts, meta)
	}

	if _, stderr, err := runFFmpeg(ctx, args); err != nil {
		os.Remove(dst)
		return "", &Error{Stage: "encode", Err: err, Detail: tail(stderr)}
	}
	return dst, nil
}

func measure(ctx context.Context, src string, ln Loudnorm) (loudnormStats, error) {
	_, stderr, err := runFFmpeg(ctx, firstPassArgs(src, ln))
	if err != nil {
		return loudnormStats{}, &Error{Stage: "first-pass", Err: err, Detail: tail(stderr)}
	}
	stats, err := parseLoudnorm(stderr)
	if err != nil {
		return loudnormStats{}, &Error{Stage: "first-pass", Err: err}
	}
	return stats, nil
}

func firstPassArgs(src string, ln Loudnorm) []string {
	return []string{
		"-hide_banner", "-y",
		"-i", src,
		"-af", "loudnorm=" + ln.filter() + ":print_format=json",
		"-vn", "-sn",
		"-f", "null", "-",
	}
}

func secondPassArgs(src, dst string, opts Options, meta Meta, stats loudnormStats) []string {
	filter := fmt.Sprintf(
		"loudnorm=%s:measured_I=%s:measured_TP=%s:measured_LRA=%s:measured_thresh=%s:offset=%g:print_format=summary",
		opts.Loudnorm.filter(),
		stats.InputI, stats.InputTP, stats.InputLRA, stats.InputThresh, stats.Offset,
	)
	args := []string{
		"-hide_banner", "-y",
		"-i", src,
		"-af", filter,
		"-ar", strconv.Itoa(opts.SampleRate),
		"-ac", "1",
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", opts.Bitrate),
		"-vn", "-sn",
	}
	args = append(args, meta.args()...)
	return append(args, dst)
}

func singlePassArgs(src, dst string, opts Options, meta Meta) []string {
	args := []string{
		"-hide_banner", "-y",
		"-i", src,
		"-ar", strconv.Itoa(opts.SampleRate),
		"-ac", "1",
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", opts.Bitrate),
	}
	args = append(args, meta.args()...)
	return append(args, dst)
}

// loudnormStats is the JSON block the measurement pass prints on stderr.
// ffmpeg emits the numbers as strings; they are passed through verbatim to
// the second-pass filter.
type loudnormStats struct {
	InputI       string  `json:"input_i"`
	InputTP      string  `json:"input_tp"`
	InputLRA     string  `json:"input_lra"`
	InputThresh  string  `json:"input_thresh"`
	TargetOffset string  `json:"target_offset"`
	Offset       float64 `json:"-"`
}

var (
	jsonBlockRe = regexp.MustCompile(`(?s)\{.*?\}`)
	offsetRe    = regexp.MustCompile(`offset\s*:\s*([-\d.]+)`)
)

func parseLoudnorm(stderr string) (loudnormStats, error) {
	block := jsonBlockRe.FindString(stderr)
	if block == "" {
		return loudnormStats{}, errors.New("no loudnorm stats in encoder output")
	}

	var stats loudnormStats
	if err := json.Unmarshal([]byte(block), &stats); err != nil {
		return loudnormStats{}, fmt.Errorf("parse loudnorm stats: %w", err)
	}
	if stats.InputI == "" || stats.InputTP == "" || stats.InputLRA == "" || stats.InputThresh == "" {
		return loudnormStats{}, errors.New("loudnorm stats incomplete")
	}

	if stats.TargetOffset != "" {
		if v, err := strconv.ParseFloat(stats.TargetOffset, 64); err == nil {
			stats.Offset = v
		}
	} else if m := offsetRe.FindStringSubmatch(stderr); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			stats.Offset = v
		}
	}

	return stats, nil
}

func runFFmpeg(ctx context.Context, args []string) (string, string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// tail keeps error messages bounded when ffmpeg dumps a full log on stderr.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 300 {
		s = "..." + s[len(s)-300:]
	}
	return s
}
