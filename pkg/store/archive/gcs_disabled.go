//go:build !gcp

package archive

import (
	"context"
	"errors"
)

func newGCSStore(context.Context, string, string) (Store, error) {
	return nil, errors.New("archive: gcs support not compiled in, rebuild with -tags gcp")
}
