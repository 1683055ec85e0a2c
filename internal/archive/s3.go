package archive

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/snarg/tr-consumer/internal/config"
)

// S3Backend stores artifacts in an S3 bucket. Objects are made public so the
// returned URLs are directly playable.
type S3Backend struct {
	client   *s3.Client
	bucket   string
	endpoint string
	log      zerolog.Logger
}

func NewS3(ctx context.Context, cfg config.S3Config, log zerolog.Logger) (*S3Backend, error) {
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.BucketName == "" {
		return nil, errors.New("s3 archive needs access_key_id, secret_access_key, and bucket_name")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Backend{
		client:   s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:   cfg.BucketName,
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		log:      log.With().Str("component", "archive-s3").Logger(),
	}, nil
}

func (s *S3Backend) Type() string { return "aws_s3" }

func (s *S3Backend) UploadFile(ctx context.Context, src, dst, partition string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", src, err)
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &dst,
		Body:        f,
		ContentType: aws.String(contentTypeFor(src)),
		ACL:         types.ObjectCannedACLPublicRead,
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", s.bucket, dst, err)
	}

	escaped := path.Dir(dst) + "/" + url.PathEscape(path.Base(dst))
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, escaped), nil
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, escaped), nil
}

func (s *S3Backend) CleanFiles(ctx context.Context, root string, days int) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	removed := 0

	prefix := root
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return removed, fmt.Errorf("list s3://%s/%s: %w", s.bucket, root, err)
		}
		for _, obj := range page.Contents {
			if obj.LastModified == nil || obj.LastModified.After(cutoff) {
				continue
			}
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: &s.bucket,
				Key:    obj.Key,
			}); err != nil {
				s.log.Error().Err(err).Str("key", *obj.Key).Msg("s3 delete failed")
				continue
			}
			removed++
		}
	}

	return removed, nil
}
