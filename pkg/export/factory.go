package export

import (
	"context"
	"fmt"
	"os"
)

// StoreType selects the export storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv creates an export object store based on environment
// variables.
//
// Environment variables:
//   - EXPORT_STORAGE: "fs" (default), "s3", or "gcs"
//   - EXPORT_DIR: base directory for the filesystem store (default "./exports")
//
// For S3:
//   - EXPORT_S3_BUCKET (required)
//   - EXPORT_S3_REGION or AWS_REGION
//   - EXPORT_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - EXPORT_S3_PREFIX (optional)
//
// For GCS:
//   - EXPORT_GCS_BUCKET (required)
//   - EXPORT_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (ObjectStore, error) {
	storeType := StoreType(os.Getenv("EXPORT_STORAGE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		dir := os.Getenv("EXPORT_DIR")
		if dir == "" {
			dir = "./exports"
		}
		return NewFileStore(dir)
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported export storage type: %s", storeType)
	}
}

func newS3StoreFromEnv(ctx context.Context) (ObjectStore, error) {
	bucket := os.Getenv("EXPORT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("EXPORT_S3_BUCKET is required for S3 storage")
	}

	region := os.Getenv("EXPORT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("EXPORT_S3_ENDPOINT"),
		Prefix:   os.Getenv("EXPORT_S3_PREFIX"),
	})
}
