//go:build gcp

package artifacts

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("POLICY_EXPORT_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("POLICY_EXPORT_GCS_BUCKET is required for GCS export")
	}
	return NewGCSStore(ctx, GCSStoreConfig{
		Bucket: bucket,
		Prefix: os.Getenv("POLICY_EXPORT_PREFIX"),
	})
}
