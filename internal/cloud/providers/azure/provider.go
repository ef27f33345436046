package azure

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"

	"github.com/rescale/chunkup/internal/cloud"
	"github.com/rescale/chunkup/internal/config"
	"github.com/rescale/chunkup/internal/constants"
	"github.com/rescale/chunkup/internal/logging"
	"github.com/rescale/chunkup/internal/models"
)

const (
	metaFingerprint = "fingerprint"
	metaFileName    = "filename"
	metaParent      = "parent"

	blockIDPrefix = "block-"
)

// Provider implements cloud.StorageService on one container.
type Provider struct {
	blobFor func(key string) BlobAPI
	prefix  string
	logger  *logging.Logger
}

// NewProvider creates a provider from the [storage] section of cfg.
func NewProvider(cfg *config.Config, logger *logging.Logger) (*Provider, error) {
	client, err := NewContainerClient(cfg)
	if err != nil {
		return nil, err
	}
	return newProvider(func(key string) BlobAPI {
		return client.NewBlockBlobClient(key)
	}, cfg.AzurePrefix, logger), nil
}

func newProvider(blobFor func(string) BlobAPI, prefix string, logger *logging.Logger) *Provider {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Provider{blobFor: blobFor, prefix: prefix, logger: logger}
}

// BlobName returns the blob the object with fingerprint is stored as.
func (p *Provider) BlobName(fingerprint string) string {
	return path.Join(p.prefix, "objects", fingerprint)
}

// blockID is fixed per chunk index and identical in length for every index,
// as the service requires within one blob.
func blockID(idx int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s%010d", blockIDPrefix, idx)))
}

func blockIndex(id string) (int, bool) {
	raw, err := base64.StdEncoding.DecodeString(id)
	if err != nil {
		return 0, false
	}
	s, ok := strings.CutPrefix(string(raw), blockIDPrefix)
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(s)
	return idx, err == nil
}

// CheckInstant implements cloud.StorageService.
func (p *Provider) CheckInstant(ctx context.Context, req cloud.CheckRequest) (*cloud.CheckResult, error) {
	ref, err := p.committed(ctx, req.Fingerprint)
	if err != nil || ref == nil {
		return &cloud.CheckResult{}, err
	}
	if ref.Name == "" {
		ref.Name = req.FileName
	}
	return &cloud.CheckResult{Exists: true, FileRef: ref}, nil
}

// committed returns the committed blob for fingerprint, or nil when none
// exists.
func (p *Provider) committed(ctx context.Context, fingerprint string) (*models.FileRef, error) {
	name := p.BlobName(fingerprint)
	props, err := p.blobFor(name).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, nil
		}
		return nil, mapError("get-properties", err)
	}
	ref := &models.FileRef{ID: name, Name: metadata(props.Metadata, metaFileName)}
	if props.ContentLength != nil {
		ref.Size = *props.ContentLength
	}
	return ref, nil
}

// metadata looks up key case-insensitively; the service may return
// metadata names with different casing than they were written.
func metadata(md map[string]*string, key string) string {
	for k, v := range md {
		if strings.EqualFold(k, key) && v != nil {
			return *v
		}
	}
	return ""
}

// RegisterOrResume implements cloud.StorageService. The task ID is the blob
// name; the uncommitted block list is the set of stored chunks.
func (p *Provider) RegisterOrResume(ctx context.Context, req cloud.RegisterRequest) (*cloud.RegisterResult, error) {
	if req.TotalChunks > constants.MaxAzureBlocks {
		return nil, cloud.NewError(cloud.KindFatal, "register",
			fmt.Errorf("%d chunks exceed the Azure limit of %d blocks", req.TotalChunks, constants.MaxAzureBlocks))
	}
	name := p.BlobName(req.Fingerprint)
	stored, err := p.stagedBlocks(ctx, name, req.ChunkSize, req.FileSize, req.TotalChunks)
	if err != nil {
		return nil, err
	}
	if len(stored) > 0 {
		p.logger.Debug().Str("blob", name).Int("blocks", len(stored)).Msg("resuming staged blocks")
	}
	return &cloud.RegisterResult{TaskID: name, UploadedChunks: stored}, nil
}

// stagedBlocks returns the sorted chunk indices staged for name. With a
// positive chunkSize, blocks whose length does not fit the layout are left
// out so they get staged again.
func (p *Provider) stagedBlocks(ctx context.Context, name string, chunkSize, fileSize int64, total int) ([]int, error) {
	resp, err := p.blobFor(name).GetBlockList(ctx, blockblob.BlockListTypeUncommitted, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, nil
		}
		return nil, mapError("get-block-list", err)
	}
	var out []int
	for _, b := range resp.UncommittedBlocks {
		if b == nil || b.Name == nil || b.Size == nil {
			continue
		}
		idx, ok := blockIndex(*b.Name)
		if !ok || idx < 0 || idx >= total {
			continue
		}
		if chunkSize > 0 && *b.Size != min(chunkSize, fileSize-int64(idx)*chunkSize) {
			continue
		}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out, nil
}

// UploadChunk implements cloud.StorageService.
func (p *Provider) UploadChunk(ctx context.Context, req cloud.ChunkRequest) error {
	_, err := p.blobFor(req.TaskID).StageBlock(ctx, blockID(req.Index), streaming.NopCloser(req.Body), nil)
	return mapError("stage-block", err)
}

// Merge implements cloud.StorageService. A blob already committed for the
// fingerprint is returned as is.
func (p *Provider) Merge(ctx context.Context, req cloud.MergeRequest) (*models.FileRef, error) {
	ref, err := p.committed(ctx, req.Fingerprint)
	if err != nil {
		return nil, err
	}
	if ref != nil && ref.Size == req.FileSize {
		ref.Name = req.FileName
		return ref, nil
	}

	stored, err := p.stagedBlocks(ctx, req.TaskID, 0, req.FileSize, req.TotalChunks)
	if err != nil {
		return nil, err
	}
	if len(stored) != req.TotalChunks {
		return nil, cloud.NewError(cloud.KindConflict, "merge",
			fmt.Errorf("blob %s holds %d of %d blocks", req.TaskID, len(stored), req.TotalChunks))
	}

	ids := make([]string, req.TotalChunks)
	for i := range ids {
		ids[i] = blockID(i)
	}
	_, err = p.blobFor(req.TaskID).CommitBlockList(ctx, ids, &blockblob.CommitBlockListOptions{
		Metadata: map[string]*string{
			metaFingerprint: &req.Fingerprint,
			metaFileName:    &req.FileName,
			metaParent:      &req.ParentFolderID,
		},
	})
	if err != nil {
		return nil, mapError("commit-block-list", err)
	}
	return &models.FileRef{ID: req.TaskID, Name: req.FileName, Size: req.FileSize}, nil
}

// CancelTask implements cloud.StorageService. Uncommitted blocks cannot be
// deleted individually; the service discards them after a week.
func (p *Provider) CancelTask(_ context.Context, req cloud.CancelRequest) error {
	p.logger.Debug().Str("blob", req.TaskID).Msg("leaving staged blocks for service expiry")
	return nil
}

var _ cloud.StorageService = (*Provider)(nil)
