//go:build !gcp

package artifacts

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(context.Context) (Store, error) {
	return nil, fmt.Errorf("GCS export is not enabled in this build (use -tags gcp)")
}
