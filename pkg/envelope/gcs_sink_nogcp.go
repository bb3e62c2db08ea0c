//go:build !gcp

package envelope

import (
	"context"
	"fmt"
)

func newGCSSink(context.Context, string, string) (Sink, error) {
	return nil, fmt.Errorf("envelope: gcs sink is not enabled in this build (use -tags gcp)")
}
