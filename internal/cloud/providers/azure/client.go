// Package azure implements cloud.StorageService on Azure block blobs.
//
// An upload task is the uncommitted block list of the blob objects/<fingerprint>
// under the configured prefix. Chunk i is staged as a block with a fixed ID
// derived from i, so re-staging replaces the block and the block list alone
// tells which chunks the service holds.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/rescale/chunkup/internal/cloud"
	"github.com/rescale/chunkup/internal/config"
	inthttp "github.com/rescale/chunkup/internal/http"
)

// BlobAPI is the subset of *blockblob.Client used by the provider.
type BlobAPI interface {
	GetProperties(ctx context.Context, o *blob.GetPropertiesOptions) (blob.GetPropertiesResponse, error)
	GetBlockList(ctx context.Context, listType blockblob.BlockListType, o *blockblob.GetBlockListOptions) (blockblob.GetBlockListResponse, error)
	StageBlock(ctx context.Context, base64BlockID string, body io.ReadSeekCloser, o *blockblob.StageBlockOptions) (blockblob.StageBlockResponse, error)
	CommitBlockList(ctx context.Context, base64BlockIDs []string, o *blockblob.CommitBlockListOptions) (blockblob.CommitBlockListResponse, error)
}

// NewContainerClient builds a container client from a container-level SAS
// URL. The shared optimized HTTP client is the transport so proxy settings
// apply.
func NewContainerClient(cfg *config.Config) (*container.Client, error) {
	if cfg.AzureSASURL == "" {
		return nil, fmt.Errorf("azure SAS URL is empty")
	}
	parts, err := azblob.ParseURL(cfg.AzureSASURL)
	if err != nil {
		return nil, fmt.Errorf("invalid azure SAS URL: %w", err)
	}
	if parts.ContainerName == "" || parts.BlobName != "" {
		return nil, fmt.Errorf("azure SAS URL must address a container")
	}

	httpClient, err := inthttp.CreateOptimizedClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	client, err := container.NewClientWithNoCredential(cfg.AzureSASURL, &container.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: httpClient,
			Retry:     policy.RetryOptions{MaxRetries: int32(cfg.HTTPRetries)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}
	return client, nil
}

// mapError translates SDK errors into the cloud error taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var cerr *cloud.Error
	if errors.As(err, &cerr) {
		return err
	}
	return cloud.NewError(classify(err), op, err)
}

func classify(err error) cloud.Kind {
	switch {
	case bloberror.HasCode(err, bloberror.InvalidBlockList, bloberror.InvalidBlockID, bloberror.BlobNotFound):
		return cloud.KindConflict
	case bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure,
		bloberror.AuthorizationPermissionMismatch, bloberror.InsufficientAccountPermissions):
		return cloud.KindAuth
	case bloberror.HasCode(err, bloberror.ServerBusy, bloberror.OperationTimedOut, bloberror.InternalError):
		return cloud.KindTransient
	case bloberror.HasCode(err, bloberror.BlockCountExceedsLimit, bloberror.RequestBodyTooLarge,
		bloberror.ContainerNotFound):
		return cloud.KindFatal
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.StatusCode; {
		case code == 401 || code == 403:
			return cloud.KindAuth
		case code == 409 || code == 412:
			return cloud.KindConflict
		case code == 429 || code == 408 || code >= 500:
			return cloud.KindTransient
		}
	}
	return cloud.KindOf(err)
}
