// Package gcs archives summaries in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the bucket and optional object prefix.
type Config struct {
	Bucket string
	Prefix string
}

// ArchiveStore writes archived objects to a GCS bucket.
type ArchiveStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed archive.
func New(client *storage.Client, cfg Config) (*ArchiveStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	return &ArchiveStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName joins the configured prefix and p.
func (s *ArchiveStore) ObjectName(p string) string {
	if s.prefix == "" {
		return strings.TrimLeft(p, "/")
	}
	return path.Join(s.prefix, p)
}

// PutObject uploads body and returns a gs:// URI.
func (s *ArchiveStore) PutObject(ctx context.Context, p string, contentType string, body io.Reader) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("path is required")
	}
	name := s.ObjectName(p)
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	w.CacheControl = "no-cache"
	if _, err := io.Copy(w, body); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("upload %s: %w (close writer: %v)", name, err, closeErr)
		}
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}
