package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/snarg/tr-consumer/internal/config"
)

// GCSBackend stores artifacts in a Google Cloud Storage bucket.
type GCSBackend struct {
	bucket *storage.BucketHandle
	name   string
	log    zerolog.Logger
}

func NewGCS(ctx context.Context, cfg config.GCSConfig, log zerolog.Logger) (*GCSBackend, error) {
	if cfg.BucketName == "" {
		return nil, errors.New("google_cloud archive needs bucket_name")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}

	return &GCSBackend{
		bucket: client.Bucket(cfg.BucketName),
		name:   cfg.BucketName,
		log:    log.With().Str("component", "archive-gcs").Logger(),
	}, nil
}

func (g *GCSBackend) Type() string { return "google_cloud" }

func (g *GCSBackend) UploadFile(ctx context.Context, src, dst, partition string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()

	obj := g.bucket.Object(dst)
	w := obj.NewWriter(ctx)
	w.ContentType = contentTypeFor(src)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return "", fmt.Errorf("write gs://%s/%s: %w", g.name, dst, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("write gs://%s/%s: %w", g.name, dst, err)
	}

	if err := obj.ACL().Set(ctx, storage.AllUsers, storage.RoleReader); err != nil {
		return "", fmt.Errorf("set public acl on gs://%s/%s: %w", g.name, dst, err)
	}

	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", g.name, dst), nil
}

func (g *GCSBackend) CleanFiles(ctx context.Context, root string, days int) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	removed := 0

	it := g.bucket.Objects(ctx, &storage.Query{Prefix: root})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return removed, fmt.Errorf("list gs://%s/%s: %w", g.name, root, err)
		}
		if attrs.Updated.After(cutoff) {
			continue
		}
		if err := g.bucket.Object(attrs.Name).Delete(ctx); err != nil {
			g.log.Error().Err(err).Str("object", attrs.Name).Msg("gcs delete failed")
			continue
		}
		removed++
	}

	return removed, nil
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav":
		return "audio/x-wav"
	case ".m4a":
		return "audio/mp4"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
