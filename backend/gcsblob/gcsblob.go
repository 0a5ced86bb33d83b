// Package gcsblob adapts Cloud Storage to the backend.Blobs interface.
package gcsblob

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// Store uploads media objects into a single bucket.
type Store struct {
	gcs    *storage.Client
	bucket string
}

func New(gcs *storage.Client, bucket string) *Store {
	return &Store{
		gcs:    gcs,
		bucket: bucket,
	}
}

// Upload writes data at path and returns the object's public URL.
func (s *Store) Upload(ctx context.Context, path string, data []byte) (string, error) {
	w := s.gcs.Bucket(s.bucket).Object(path).NewWriter(ctx)

	// No chunked resumption for media this small; a failed upload is
	// simply retried by the user.
	w.ChunkSize = 0

	if _, err := w.Write(data); err != nil {
		return "", fmt.Errorf("while writing media to object writer: %w", err)
	}

	if err := w.Close(); err != nil {
		return "", fmt.Errorf("while closing object writer: %w", err)
	}

	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, path), nil
}
