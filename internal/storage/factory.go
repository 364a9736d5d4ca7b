// Package storage maps virtual paths to mounted buckets and builds the
// provider for each bucket configuration.
package storage

import (
	"context"
	"fmt"

	"github.com/fruitsalade/objstore/internal/objstore"
	"github.com/fruitsalade/objstore/internal/objstore/local"
	"github.com/fruitsalade/objstore/internal/objstore/minio"
	"github.com/fruitsalade/objstore/internal/objstore/s3"
)

// ProviderFactory builds a provider for one bucket configuration.
type ProviderFactory func(ctx context.Context, cfg objstore.BucketConfig) (objstore.Provider, error)

// NewProvider creates the driver for cfg.Platform and wraps it in the shared
// caching and locking layer. For local disk the endpoint is the base
// directory and the bucket a directory below it.
func NewProvider(ctx context.Context, cfg objstore.BucketConfig, opts objstore.Options) (objstore.Provider, error) {
	var (
		d   objstore.Driver
		err error
	)
	switch cfg.Platform {
	case objstore.PlatformS3:
		d, err = s3.New(ctx, cfg)
	case objstore.PlatformMinIO:
		d, err = minio.New(cfg)
	case objstore.PlatformLocal:
		d, err = local.New(local.Config{BaseDir: cfg.Endpoint, Bucket: cfg.Bucket, CreateDirs: true})
	default:
		return nil, fmt.Errorf("unknown platform: %q", cfg.Platform)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s driver: %w", cfg.Platform, err)
	}
	return objstore.NewBucket(cfg, d, opts), nil
}

// Factory returns a ProviderFactory bound to opts.
func Factory(opts objstore.Options) ProviderFactory {
	return func(ctx context.Context, cfg objstore.BucketConfig) (objstore.Provider, error) {
		return NewProvider(ctx, cfg, opts)
	}
}
