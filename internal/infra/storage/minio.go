package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultLinkTTL = 24 * time.Hour

type Store struct {
	client     *minio.Client
	bucketName string
	region     string
	linkTTL    time.Duration
}

// New connects to MinIO and makes sure the export bucket exists
func New(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string, useSSL bool) (*Store, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("minio: checking bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, fmt.Errorf("minio: creating bucket %s: %w", bucket, err)
		}
	}

	return &Store{client: cli, bucketName: bucket, region: region, linkTTL: defaultLinkTTL}, nil
}

// WithLinkTTL sets how long the download links returned by Put stay valid.
func (s *Store) WithLinkTTL(ttl time.Duration) *Store {
	if ttl > 0 {
		s.linkTTL = ttl
	}
	return s
}

// Put implements archive.ArtifactStore. Exports are private, so the returned
// URL is a presigned GET link.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucketName, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("minio: put %s: %w", key, err)
	}

	link, err := s.client.PresignedGetObject(ctx, s.bucketName, key, s.linkTTL, url.Values{})
	if err != nil {
		return "", fmt.Errorf("minio: presign %s: %w", key, err)
	}
	return link.String(), nil
}

// Check reports whether the export bucket is reachable.
func (s *Store) Check(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucketName)
	return err
}
