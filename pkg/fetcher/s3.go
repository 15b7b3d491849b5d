package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dtnitsch/lepi-pipeline/models"
)

// NewS3Client builds a MinIO client for s3:// references. It returns nil
// when no endpoint is configured.
func NewS3Client(cfg models.S3Config) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return client, nil
}

func (f *Fetcher) fetchS3(ctx context.Context, u *url.URL) ([]byte, error) {
	if f.s3 == nil {
		return nil, fmt.Errorf("%w: s3 reference %q but no s3 endpoint configured", ErrInvalidReference, u.String())
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("%w: s3 reference %q needs bucket and key", ErrInvalidReference, u.String())
	}

	var data []byte
	err := f.exec.Execute(ctx, "s3:"+bucket, func(ctx context.Context) error {
		obj, err := f.s3.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return classifyS3(err)
		}
		defer obj.Close()

		data, err = io.ReadAll(io.LimitReader(obj, f.maxBytes+1))
		if err != nil {
			return classifyS3(err)
		}
		if int64(len(data)) > f.maxBytes {
			return fmt.Errorf("%w: object exceeds %d bytes", ErrInvalidReference, f.maxBytes)
		}
		return nil
	}, classifyHTTP)
	if err != nil {
		return nil, Classify(err)
	}
	return data, nil
}

func classifyS3(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound", "AccessDenied":
		return fmt.Errorf("%w: %w", ErrInvalidReference, err)
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}
