package s3

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rescale/chunkup/internal/chunker"
	"github.com/rescale/chunkup/internal/cloud"
	"github.com/rescale/chunkup/internal/constants"
	"github.com/rescale/chunkup/internal/logging"
	"github.com/rescale/chunkup/internal/models"
)

// Object metadata written at registration.
const (
	metaFingerprint = "fingerprint"
	metaFileName    = "filename"
	metaParent      = "parent"
)

// Provider implements cloud.StorageService on one bucket.
type Provider struct {
	api    API
	bucket string
	prefix string
	logger *logging.Logger
}

// NewProvider creates a provider. A nil logger discards output.
func NewProvider(api API, bucket, prefix string, logger *logging.Logger) *Provider {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Provider{api: api, bucket: bucket, prefix: prefix, logger: logger}
}

// ObjectKey returns the key the object with fingerprint is stored under.
func (p *Provider) ObjectKey(fingerprint string) string {
	return path.Join(p.prefix, "objects", fingerprint)
}

// ChunkPolicy implements cloud.ChunkPolicyProvider. S3 rejects parts below
// 5 MiB except the last one.
func (p *Provider) ChunkPolicy() chunker.Policy {
	return chunker.Policy{
		MinChunkSize: constants.MinPartSize,
		MaxChunkSize: constants.MaxS3ChunkSize,
		Step:         constants.S3ChunkStep,
		TargetChunks: constants.DefaultTargetChunks,
	}
}

// CheckInstant implements cloud.StorageService.
func (p *Provider) CheckInstant(ctx context.Context, req cloud.CheckRequest) (*cloud.CheckResult, error) {
	ref, err := p.headObject(ctx, req.Fingerprint)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return &cloud.CheckResult{}, nil
	}
	if ref.Name == "" {
		ref.Name = req.FileName
	}
	return &cloud.CheckResult{Exists: true, FileRef: ref}, nil
}

func (p *Provider) headObject(ctx context.Context, fingerprint string) (*models.FileRef, error) {
	key := p.ObjectKey(fingerprint)
	out, err := p.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, mapError("head-object", err)
	}
	return &models.FileRef{
		ID:   key,
		Name: out.Metadata[metaFileName],
		Size: aws.ToInt64(out.ContentLength),
	}, nil
}

// RegisterOrResume implements cloud.StorageService. An open multipart
// upload of the object key is resumed; the newest wins when several exist.
func (p *Provider) RegisterOrResume(ctx context.Context, req cloud.RegisterRequest) (*cloud.RegisterResult, error) {
	if req.TotalChunks > constants.MaxS3Parts {
		return nil, cloud.NewError(cloud.KindFatal, "register",
			fmt.Errorf("%d chunks exceed the S3 limit of %d parts", req.TotalChunks, constants.MaxS3Parts))
	}
	key := p.ObjectKey(req.Fingerprint)

	uploadID, err := p.findUpload(ctx, key)
	if err != nil {
		return nil, err
	}
	if uploadID != "" {
		parts, err := p.listParts(ctx, key, uploadID)
		if err == nil {
			uploaded := uploadedIndices(parts, req.ChunkSize, req.FileSize, req.TotalChunks)
			p.logger.Debug().
				Str("key", key).
				Str("upload_id", uploadID).
				Int("parts", len(uploaded)).
				Msg("resuming multipart upload")
			return &cloud.RegisterResult{TaskID: uploadID, UploadedChunks: uploaded}, nil
		}
		if !isConflict(err) {
			return nil, err
		}
		// Completed or aborted between listing calls; start over
	}

	out, err := p.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Metadata: map[string]string{
			metaFingerprint: req.Fingerprint,
			metaFileName:    req.FileName,
			metaParent:      req.ParentFolderID,
		},
	})
	if err != nil {
		return nil, mapError("create-multipart-upload", err)
	}
	return &cloud.RegisterResult{TaskID: aws.ToString(out.UploadId)}, nil
}

func (p *Provider) findUpload(ctx context.Context, key string) (string, error) {
	var newest *types.MultipartUpload
	input := &s3.ListMultipartUploadsInput{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(key),
	}
	for {
		out, err := p.api.ListMultipartUploads(ctx, input)
		if err != nil {
			return "", mapError("list-multipart-uploads", err)
		}
		for i := range out.Uploads {
			u := &out.Uploads[i]
			if aws.ToString(u.Key) != key {
				continue
			}
			if newest == nil || aws.ToTime(u.Initiated).After(aws.ToTime(newest.Initiated)) {
				newest = u
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		input.KeyMarker = out.NextKeyMarker
		input.UploadIdMarker = out.NextUploadIdMarker
	}
	if newest == nil {
		return "", nil
	}
	return aws.ToString(newest.UploadId), nil
}

func (p *Provider) listParts(ctx context.Context, key, uploadID string) ([]types.Part, error) {
	var parts []types.Part
	paginator := s3.NewListPartsPaginator(p.api, &s3.ListPartsInput{
		Bucket:   aws.String(p.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError("list-parts", err)
		}
		parts = append(parts, page.Parts...)
	}
	return parts, nil
}

// uploadedIndices converts stored parts into chunk indices. Parts whose size
// does not match the chunk layout are ignored and will be sent again.
func uploadedIndices(parts []types.Part, chunkSize, fileSize int64, total int) []int {
	var out []int
	for _, part := range parts {
		idx := int(aws.ToInt32(part.PartNumber)) - 1
		if idx < 0 || idx >= total {
			continue
		}
		want := min(chunkSize, fileSize-int64(idx)*chunkSize)
		if aws.ToInt64(part.Size) != want {
			continue
		}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// UploadChunk implements cloud.StorageService.
func (p *Provider) UploadChunk(ctx context.Context, req cloud.ChunkRequest) error {
	_, err := p.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(p.ObjectKey(req.Fingerprint)),
		UploadId:      aws.String(req.TaskID),
		PartNumber:    aws.Int32(int32(req.Index + 1)),
		Body:          req.Body,
		ContentLength: aws.Int64(req.Length),
	})
	return mapError("upload-part", err)
}

// Merge implements cloud.StorageService. When the multipart upload is
// already gone but the object exists, the earlier merge is reported.
func (p *Provider) Merge(ctx context.Context, req cloud.MergeRequest) (*models.FileRef, error) {
	key := p.ObjectKey(req.Fingerprint)

	parts, err := p.listParts(ctx, key, req.TaskID)
	if err != nil {
		if isConflict(err) {
			return p.alreadyMerged(ctx, req, err)
		}
		return nil, err
	}
	if len(parts) != req.TotalChunks {
		return nil, cloud.NewError(cloud.KindConflict, "merge",
			fmt.Errorf("upload %s holds %d of %d parts", req.TaskID, len(parts), req.TotalChunks))
	}

	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})
	completed := make([]types.CompletedPart, len(parts))
	for i, part := range parts {
		completed[i] = types.CompletedPart{PartNumber: part.PartNumber, ETag: part.ETag}
	}

	_, err = p.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(p.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(req.TaskID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		if isNoSuchUpload(err) {
			return p.alreadyMerged(ctx, req, mapError("complete-multipart-upload", err))
		}
		return nil, mapError("complete-multipart-upload", err)
	}
	return &models.FileRef{ID: key, Name: req.FileName, Size: req.FileSize}, nil
}

func (p *Provider) alreadyMerged(ctx context.Context, req cloud.MergeRequest, cause error) (*models.FileRef, error) {
	ref, err := p.headObject(ctx, req.Fingerprint)
	if err != nil {
		return nil, err
	}
	if ref == nil || ref.Size != req.FileSize {
		return nil, cause
	}
	ref.Name = req.FileName
	return ref, nil
}

// CancelTask implements cloud.StorageService.
func (p *Provider) CancelTask(ctx context.Context, req cloud.CancelRequest) error {
	_, err := p.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(p.bucket),
		Key:      aws.String(p.ObjectKey(req.Fingerprint)),
		UploadId: aws.String(req.TaskID),
	})
	if err != nil && !isNoSuchUpload(err) {
		return mapError("abort-multipart-upload", err)
	}
	return nil
}

func isConflict(err error) bool {
	return cloud.KindOf(err) == cloud.KindConflict
}

var (
	_ cloud.StorageService      = (*Provider)(nil)
	_ cloud.ChunkPolicyProvider = (*Provider)(nil)
)
