//go:build gcp

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore implements Store using Google Cloud Storage.
// Objects are keyed by <prefix><shard>/<hex digest>.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSStore creates a new GCS-backed artifact store using application
// default credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs artifact store: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *GCSStore) object(raw string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + blobKey(raw))
}

// Store uploads data unless the object already exists. The write is
// conditioned on the object not existing, so concurrent writers of the same
// bytes do not fail each other.
func (s *GCSStore) Store(ctx context.Context, data []byte) (string, error) {
	digest := Digest(data)
	raw, _ := ParseDigest(digest)

	obj := s.object(raw)
	if _, err := obj.Attrs(ctx); err == nil {
		return digest, nil
	}

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed for %s: %w", digest, err)
	}
	if err := w.Close(); err != nil {
		if exists, _ := s.Exists(ctx, digest); exists {
			return digest, nil
		}
		return "", fmt.Errorf("gcs close failed for %s: %w", digest, err)
	}
	return digest, nil
}

// Get downloads the object for digest.
func (s *GCSStore) Get(ctx context.Context, digest string) ([]byte, error) {
	raw, err := ParseDigest(digest)
	if err != nil {
		return nil, err
	}

	reader, err := s.object(raw).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", digest, err)
	}
	defer func() { _ = reader.Close() }()

	return io.ReadAll(reader)
}

// Exists reads the object attributes for digest.
func (s *GCSStore) Exists(ctx context.Context, digest string) (bool, error) {
	raw, err := ParseDigest(digest)
	if err != nil {
		return false, err
	}

	if _, err := s.object(raw).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

// Delete removes the object for digest.
func (s *GCSStore) Delete(ctx context.Context, digest string) error {
	raw, err := ParseDigest(digest)
	if err != nil {
		return err
	}

	err = s.object(raw).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed for %s: %w", digest, err)
	}
	return nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
