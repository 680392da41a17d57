// Package gcs implements a Google Cloud Storage blob store.
package gcs

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// Store writes archived payloads to a GCS bucket. Authentication uses
// Application Default Credentials.
type Store struct {
	client *storage.Client
	bucket string
}

// New initializes the GCS client and verifies the bucket is reachable so
// misconfiguration fails at startup instead of on the first archive write.
func New(ctx context.Context, bucket string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("checking gcs bucket %q: %w", bucket, err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// Put uploads the payload and returns its gs:// URI. Close must be called on
// the writer to finalize the upload.
func (s *Store) Put(ctx context.Context, path, contentType string, data []byte) (string, error) {
	w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("writing gcs object %q: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing gcs object %q: %w", path, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
