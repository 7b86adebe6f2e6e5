package storage

import (
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Publisher mirrors a finished track's stems to remote storage. Publishing
// is best-effort: the local artifact tree stays authoritative.
type Publisher interface {
	Publish(ctx context.Context, track string, stems map[string]string) error
}

// S3Publisher uploads stems to an S3-compatible bucket (R2, minio, AWS).
type S3Publisher struct {
	client *minio.Client
	bucket string
	prefix string
}

type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

func NewS3Publisher(opts S3Options) (*S3Publisher, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("publisher requires an endpoint and a bucket")
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create object storage client: %w", err)
	}

	return &S3Publisher{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

func (p *S3Publisher) Publish(ctx context.Context, track string, stems map[string]string) error {
	for name, localPath := range stems {
		key := path.Join(p.prefix, track, name+".wav")
		_, err := p.client.FPutObject(ctx, p.bucket, key, localPath, minio.PutObjectOptions{
			ContentType: "audio/wav",
		})
		if err != nil {
			return fmt.Errorf("uploading %s: %w", key, err)
		}
	}
	return nil
}
