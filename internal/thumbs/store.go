// Package thumbs stores rendered project preview images in S3-compatible
// object storage. Uploads and deletes are best-effort side effects: callers
// log failures and carry on, because a missing preview must never block a
// document save.
package thumbs

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	PublicBaseURL string
}

// Store uploads and removes thumbnail objects keyed by project ID.
type Store struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// New connects to the object store and ensures the thumbnail bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	publicURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
	}

	return &Store{client: client, bucket: cfg.Bucket, publicURL: publicURL}, nil
}

func (s *Store) objectKey(projectID string) string {
	return "thumbs/" + projectID + ".png"
}

// Upload writes the preview image for a project, replacing any previous
// object, and returns its public URL.
func (s *Store) Upload(ctx context.Context, projectID string, image []byte) (string, error) {
	key := s.objectKey(projectID)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(image), int64(len(image)), minio.PutObjectOptions{
		ContentType: "image/png",
	})
	if err != nil {
		return "", fmt.Errorf("upload thumbnail %s: %w", key, err)
	}
	return fmt.Sprintf("%s/%s/%s", s.publicURL, s.bucket, key), nil
}

// Remove deletes the object a thumbnail URL points at. Unknown URLs are
// ignored rather than treated as errors.
func (s *Store) Remove(ctx context.Context, url string) error {
	marker := "/" + s.bucket + "/"
	idx := strings.Index(url, marker)
	if idx < 0 {
		return nil
	}
	key := url[idx+len(marker):]
	if key == "" {
		return nil
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove thumbnail %s: %w", key, err)
	}
	return nil
}
