//go:build gcp

package artifacts

import "context"

const gcsLinked = true

func newGCSStore(ctx context.Context, cfg StorageConfig) (Store, error) {
	return NewGCSStore(ctx, GCSStoreConfig{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
}
