package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/tr-consumer/internal/config"
)

// LocalBackend copies artifacts under the archive root on this host.
type LocalBackend struct {
	baseURL string
	log     zerolog.Logger
}

func NewLocal(cfg config.LocalConfig, log zerolog.Logger) *LocalBackend {
	return &LocalBackend{
		baseURL: cfg.BaseURL,
		log:     log.With().Str("component", "archive-local").Logger(),
	}
}

func (l *LocalBackend) Type() string { return "local" }

func (l *LocalBackend) UploadFile(ctx context.Context, src, dst, partition string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", filepath.Dir(dst), err)
	}
	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	return joinURL(l.baseURL, partition, filepath.Base(dst)), nil
}

// copyFile writes through a temp file and renames so readers never see a
// partial artifact.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, ".archive-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (l *LocalBackend) CleanFiles(ctx context.Context, root string, days int) (int, error) {
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	removed := 0
	var dirs []string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root {
				dirs = append(dirs, p)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !info.ModTime().After(cutoff) {
			if err := os.Remove(p); err == nil {
				removed++
				l.log.Debug().Str("file", p).Msg("removed aged archive file")
			}
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return removed, err
	}

	// Deepest directories first so emptied parents collapse too.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, d := range dirs {
		os.Remove(d) // fails when non-empty, which is fine
	}

	return removed, nil
}
