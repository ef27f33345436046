// Package cloud defines the contract between the upload engine and a remote
// storage service, plus the error taxonomy every backend maps onto.
//
// Backends live under providers/ (S3, Azure) and internal/api (the storage
// platform's HTTP chunk endpoints). All of them implement StorageService.
package cloud

import (
	"context"
	"io"

	"github.com/rescale/chunkup/internal/chunker"
	"github.com/rescale/chunkup/internal/models"
)

// StorageService is the remote side of a chunked upload.
type StorageService interface {
	// CheckInstant reports whether content with the fingerprint already exists.
	// It has no side effects.
	CheckInstant(ctx context.Context, req CheckRequest) (*CheckResult, error)

	// RegisterOrResume creates an upload task or returns the existing one for
	// the same fingerprint along with the chunk indices already stored.
	// Calling it repeatedly for an interrupted task returns the same TaskID.
	RegisterOrResume(ctx context.Context, req RegisterRequest) (*RegisterResult, error)

	// UploadChunk stores one chunk. Re-sending a stored chunk is harmless.
	UploadChunk(ctx context.Context, req ChunkRequest) error

	// Merge assembles the stored chunks into the final object. It is keyed by
	// TaskID and returns the same FileRef when the task was already merged.
	Merge(ctx context.Context, req MergeRequest) (*models.FileRef, error)

	// CancelTask lets the service reclaim partial state for a task.
	CancelTask(ctx context.Context, req CancelRequest) error
}

// ChunkPolicyProvider is implemented by backends with their own part size limits.
type ChunkPolicyProvider interface {
	ChunkPolicy() chunker.Policy
}

// CheckRequest is the input of CheckInstant.
type CheckRequest struct {
	Fingerprint string
	FileName    string
	FileSize    int64
}

// CheckResult is the output of CheckInstant.
type CheckResult struct {
	Exists  bool
	FileRef *models.FileRef
}

// RegisterRequest is the input of RegisterOrResume.
type RegisterRequest struct {
	Fingerprint    string
	FileName       string
	FileSize       int64
	ParentFolderID string
	ChunkSize      int64
	TotalChunks    int
}

// RegisterResult is the output of RegisterOrResume.
type RegisterResult struct {
	TaskID         string
	UploadedChunks []int
}

// ChunkRequest carries one chunk to UploadChunk. Body is positioned at the
// start of the chunk and may be rewound with Seek for retries.
type ChunkRequest struct {
	TaskID      string
	Fingerprint string
	Index       int
	Offset      int64
	Length      int64
	Digest      string // optional per-chunk digest
	Body        io.ReadSeeker
}

// MergeRequest is the input of Merge.
type MergeRequest struct {
	TaskID         string
	Fingerprint    string
	FileName       string
	ParentFolderID string
	FileSize       int64
	TotalChunks    int
}

// CancelRequest is the input of CancelTask.
type CancelRequest struct {
	TaskID      string
	Fingerprint string
}
