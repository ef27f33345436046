package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/rescale/chunkup/internal/api"
	"github.com/rescale/chunkup/internal/cloud"
	"github.com/rescale/chunkup/internal/cloud/providers/azure"
	"github.com/rescale/chunkup/internal/cloud/providers/s3"
	"github.com/rescale/chunkup/internal/config"
)

func TestNewStorageService(t *testing.T) {
	ctx := context.Background()

	cfg := config.New()
	cfg.APIBaseURL = "https://storage.example.com/api"
	svc, err := NewStorageService(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("api backend: %v", err)
	}
	if _, ok := svc.(*api.Client); !ok {
		t.Errorf("api backend returned %T", svc)
	}

	cfg = config.New()
	cfg.Backend = config.BackendS3
	cfg.S3Bucket = "bucket"
	cfg.S3Region = "us-east-1"
	cfg.S3AccessKey = "AKIDEXAMPLE"
	cfg.S3SecretKey = "secret"
	svc, err = NewStorageService(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("s3 backend: %v", err)
	}
	if _, ok := svc.(*s3.Provider); !ok {
		t.Errorf("s3 backend returned %T", svc)
	}
	if _, ok := svc.(cloud.ChunkPolicyProvider); !ok {
		t.Error("s3 provider should carry its own chunk policy")
	}

	cfg = config.New()
	cfg.Backend = config.BackendAzure
	cfg.AzureSASURL = "https://account.blob.core.windows.net/uploads?sv=2022-11-02&sig=abc"
	svc, err = NewStorageService(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("azure backend: %v", err)
	}
	if _, ok := svc.(*azure.Provider); !ok {
		t.Errorf("azure backend returned %T", svc)
	}
}

func TestNewStorageService_Errors(t *testing.T) {
	ctx := context.Background()

	cfg := config.New()
	cfg.Backend = "ftp"
	if _, err := NewStorageService(ctx, cfg, nil); !errors.Is(err, config.ErrUnknownBackend) {
		t.Errorf("unknown backend: got %v", err)
	}

	cfg = config.New()
	cfg.Backend = config.BackendS3
	if _, err := NewStorageService(ctx, cfg, nil); !errors.Is(err, config.ErrMissingBucket) {
		t.Errorf("missing bucket: got %v", err)
	}

	cfg = config.New()
	cfg.Backend = config.BackendAzure
	cfg.AzureSASURL = "https://account.blob.core.windows.net/uploads/blob.bin?sig=abc"
	if _, err := NewStorageService(ctx, cfg, nil); err == nil {
		t.Error("expected error for a blob-level SAS URL")
	}
}
