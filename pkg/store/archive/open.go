package archive

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend kinds.
const (
	KindNone = "none"
	KindFS   = "fs"
	KindS3   = "s3"
	KindGCS  = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Kind     string
	DataDir  string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// Open builds the configured store. KindNone returns a nil store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Kind {
	case KindNone:
		return nil, nil
	case "", KindFS:
		return NewFileStore(filepath.Join(cfg.DataDir, "archive"))
	case KindS3:
		return NewS3Store(ctx, S3Config{Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case KindGCS:
		return newGCSStore(ctx, cfg.Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unsupported archive kind: %s", cfg.Kind)
	}
}
