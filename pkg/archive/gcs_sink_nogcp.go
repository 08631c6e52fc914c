//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSSink(context.Context, string, string) (ObjectSink, error) {
	return nil, fmt.Errorf("GCS archive is not enabled in this build (use -tags gcp)")
}
