package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType names an export backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// NewStoreFromEnv creates an export store from environment variables.
//
//   - POLICY_EXPORT_TYPE: "fs" (default), "s3", or "gcs"
//   - DATA_DIR: base directory for the filesystem store (default "data")
//   - POLICY_EXPORT_S3_BUCKET, POLICY_EXPORT_S3_REGION (or AWS_REGION),
//     POLICY_EXPORT_S3_ENDPOINT, POLICY_EXPORT_PREFIX
//   - POLICY_EXPORT_GCS_BUCKET, POLICY_EXPORT_PREFIX
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("POLICY_EXPORT_TYPE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "policies"))
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported policy export type: %s", storeType)
	}
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("POLICY_EXPORT_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("POLICY_EXPORT_S3_BUCKET is required for S3 export")
	}

	region := os.Getenv("POLICY_EXPORT_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Store(ctx, S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("POLICY_EXPORT_S3_ENDPOINT"),
		Prefix:   os.Getenv("POLICY_EXPORT_PREFIX"),
	})
}
