// Package archive uploads call artifacts to long-term storage and prunes
// aged files. All backends share one contract so the pipeline does not care
// where artifacts land.
package archive

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/tr-consumer/internal/config"
)

// Backend stores call artifacts somewhere URL-addressable.
type Backend interface {
	// UploadFile stores the local file src at dst and returns a publicly
	// reachable URL. partition is the date-based relative path used for
	// URL construction.
	UploadFile(ctx context.Context, src, dst, partition string) (string, error)

	// CleanFiles removes files older than days under root and prunes
	// directories left empty. Returns the number of files removed; remote
	// shell sweeps cannot count and report 0.
	CleanFiles(ctx context.Context, root string, days int) (int, error)

	// Type returns "local", "scp", "aws_s3", or "google_cloud".
	Type() string
}

// New creates the backend selected by archive_type.
func New(ctx context.Context, cfg config.ArchiveConfig, log zerolog.Logger) (Backend, error) {
	switch cfg.ArchiveType {
	case "local":
		return NewLocal(cfg.Local, log), nil
	case "scp":
		return NewSCP(cfg.SCP, log)
	case "aws_s3":
		return NewS3(ctx, cfg.AWSS3, log)
	case "google_cloud":
		return NewGCS(ctx, cfg.GoogleCloud, log)
	}
	return nil, fmt.Errorf("unknown archive_type %q", cfg.ArchiveType)
}

// URLs holds per-extension upload results. Empty means the artifact was
// missing or its upload failed.
type URLs struct {
	WAV  string
	M4A  string
	JSON string
}

// Partition returns short_name/YYYY/M/D for a call start time. The date is
// UTC with non-zero-padded month and day.
func Partition(shortName string, startTime float64) string {
	t := time.Unix(int64(startTime), 0).UTC()
	return path.Join(shortName, fmt.Sprintf("%d/%d/%d", t.Year(), int(t.Month()), t.Day()))
}

// Store uploads the configured artifact extensions for one call, then runs
// the retention sweep for the call's system when archive_days is set.
// Upload failures are logged per artifact; the other artifacts are still
// attempted.
func Store(ctx context.Context, b Backend, cfg config.ArchiveConfig, srcDir, shortName, wavName string, startTime float64, log zerolog.Logger) URLs {
	var out URLs

	partition := Partition(shortName, startTime)
	dstDir := path.Join(cfg.ArchivePath, partition)

	for _, ext := range cfg.ArchiveExtensions {
		name, target := artifactFor(wavName, ext, &out)
		if target == nil {
			log.Warn().Str("extension", ext).Msg("unknown archive extension")
			continue
		}

		src := path.Join(srcDir, name)
		if _, err := os.Stat(src); err != nil {
			log.Warn().Str("file", src).Msg("skipping archive, artifact missing")
			continue
		}

		fileURL, err := b.UploadFile(ctx, src, path.Join(dstDir, name), partition)
		if err != nil {
			log.Error().Err(err).
				Str("file", src).
				Str("backend", b.Type()).
				Msg("archive upload failed")
			continue
		}
		*target = fileURL
	}

	if cfg.ArchiveDays >= 1 {
		root := path.Join(cfg.ArchivePath, shortName)
		if n, err := b.CleanFiles(ctx, root, cfg.ArchiveDays); err != nil {
			log.Error().Err(err).Str("root", root).Msg("archive cleanup failed")
		} else if n > 0 {
			log.Info().Int("removed", n).Str("root", root).Msg("archive cleanup")
		}
	}

	return out
}

func artifactFor(wavName, ext string, out *URLs) (string, *string) {
	base := strings.TrimSuffix(wavName, ".wav")
	switch ext {
	case ".wav":
		return wavName, &out.WAV
	case ".m4a":
		return base + ".m4a", &out.M4A
	case ".json":
		return base + ".json", &out.JSON
	}
	return "", nil
}

// joinURL builds base/partition/escaped-filename for date-partitioned
// archives.
func joinURL(base, partition, filename string) string {
	base = strings.TrimSuffix(base, "/")
	return base + "/" + partition + "/" + url.PathEscape(filename)
}
