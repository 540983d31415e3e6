package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType represents the type of artifact storage backend.
type StoreType string

const (
	StoreTypeFS     StoreType = "fs"
	StoreTypeS3     StoreType = "s3"
	StoreTypeGCS    StoreType = "gcs"
	StoreTypeMemory StoreType = "memory"
)

// StorageConfig selects and configures an artifact backend.
type StorageConfig struct {
	Type    StoreType `yaml:"type"`
	DataDir string    `yaml:"data_dir"`

	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Prefix   string `yaml:"s3_prefix"`

	GCSBucket string `yaml:"gcs_bucket"`
	GCSPrefix string `yaml:"gcs_prefix"`
}

// StorageConfigFromEnv reads the storage configuration from environment
// variables.
//
// Environment variables:
//   - ARTIFACT_STORAGE_TYPE: "fs" (default), "s3", "gcs" or "memory"
//   - DATA_DIR: Base directory for filesystem store (default: "data")
//
// For S3:
//   - AWS_REGION or ARTIFACT_S3_REGION
//   - ARTIFACT_S3_BUCKET (required)
//   - ARTIFACT_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - ARTIFACT_S3_PREFIX (optional)
//
// For GCS:
//   - ARTIFACT_GCS_BUCKET (required)
//   - ARTIFACT_GCS_PREFIX (optional)
func StorageConfigFromEnv() StorageConfig {
	cfg := StorageConfig{
		Type:       StoreType(os.Getenv("ARTIFACT_STORAGE_TYPE")),
		DataDir:    os.Getenv("DATA_DIR"),
		S3Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
		S3Region:   os.Getenv("ARTIFACT_S3_REGION"),
		S3Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
		S3Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
		GCSBucket:  os.Getenv("ARTIFACT_GCS_BUCKET"),
		GCSPrefix:  os.Getenv("ARTIFACT_GCS_PREFIX"),
	}
	if cfg.S3Region == "" {
		cfg.S3Region = os.Getenv("AWS_REGION")
	}
	return cfg
}

// NewStoreFromEnv creates an artifact store based on environment variables.
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	return NewStore(ctx, StorageConfigFromEnv())
}

// NewStore creates the artifact store described by cfg.
func NewStore(ctx context.Context, cfg StorageConfig) (Store, error) {
	storeType := cfg.Type
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		return newFileStore(cfg)
	case StoreTypeS3:
		return newS3Store(ctx, cfg)
	case StoreTypeGCS:
		if !gcsLinked {
			return nil, ErrGCSNotLinked
		}
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, cfg)
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", storeType)
	}
}

func newFileStore(cfg StorageConfig) (Store, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "data"
	}
	return NewFileStore(filepath.Join(dataDir, "artifacts"))
}

func newS3Store(ctx context.Context, cfg StorageConfig) (Store, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
	}

	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   cfg.S3Bucket,
		Region:   region,
		Endpoint: cfg.S3Endpoint,
		Prefix:   cfg.S3Prefix,
	})
}
