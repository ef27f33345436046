// Package providers builds the storage backend selected by configuration.
package providers

import (
	"context"
	"fmt"

	"github.com/rescale/chunkup/internal/api"
	"github.com/rescale/chunkup/internal/cloud"
	"github.com/rescale/chunkup/internal/cloud/providers/azure"
	"github.com/rescale/chunkup/internal/cloud/providers/s3"
	"github.com/rescale/chunkup/internal/config"
	"github.com/rescale/chunkup/internal/logging"
)

// NewStorageService returns the StorageService for cfg.Backend.
func NewStorageService(ctx context.Context, cfg *config.Config, logger *logging.Logger) (cloud.StorageService, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	switch cfg.Backend {
	case config.BackendAPI, "":
		return api.NewClient(cfg, api.WithLogger(logger))
	case config.BackendS3:
		if cfg.S3Bucket == "" {
			return nil, config.ErrMissingBucket
		}
		client, err := s3.NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s3.NewProvider(client, cfg.S3Bucket, cfg.S3Prefix, logger), nil
	case config.BackendAzure:
		return azure.NewProvider(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownBackend, cfg.Backend)
	}
}
