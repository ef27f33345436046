package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rescale/chunkup/internal/cloud/state"
	"github.com/rescale/chunkup/internal/models"
)

const recordVersion = 1

// Record is the persisted form of an unfinished task, stored under its
// fingerprint. It lets a later session reopen the file and resume.
type Record struct {
	Version        int              `json:"version"`
	Fingerprint    string           `json:"fingerprint"`
	HashAlgorithm  string           `json:"hash_algorithm"`
	TaskID         string           `json:"task_id,omitempty"`
	FileName       string           `json:"file_name"`
	FileSize       int64            `json:"file_size"`
	ParentFolderID string           `json:"parent_folder_id"`
	SourcePath     string           `json:"source_path,omitempty"`
	ChunkSize      int64            `json:"chunk_size"`
	TotalChunks    int              `json:"total_chunks"`
	AckedChunks    []int            `json:"acked_chunks,omitempty"`
	AckedBytes     int64            `json:"acked_bytes"`
	State          models.TaskState `json:"state"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func newRecord(t *models.UploadTask) Record {
	snap := t.Snapshot()
	return Record{
		Version:        recordVersion,
		Fingerprint:    snap.Fingerprint,
		HashAlgorithm:  snap.HashAlgorithm,
		TaskID:         snap.TaskID,
		FileName:       snap.FileName,
		FileSize:       snap.FileSize,
		ParentFolderID: snap.ParentFolderID,
		SourcePath:     snap.SourcePath,
		ChunkSize:      snap.ChunkSize,
		TotalChunks:    len(snap.Chunks),
		AckedChunks:    snap.AckedIndices(),
		AckedBytes:     snap.AckedBytes(),
		State:          snap.State,
		CreatedAt:      snap.CreatedAt,
		UpdatedAt:      time.Now(),
	}
}

// Progress returns the acked fraction recorded at the last save.
func (r Record) Progress() float64 {
	if r.FileSize == 0 {
		return 0
	}
	return float64(r.AckedBytes) / float64(r.FileSize)
}

// matches reports whether r describes a task compatible with the given
// content, so its chunk layout can be reused.
func (r Record) matches(algorithm string, fileSize int64) bool {
	return r.HashAlgorithm == algorithm && r.FileSize == fileSize && r.ChunkSize > 0
}

func saveRecord(ctx context.Context, store state.Store, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode upload record: %w", err)
	}
	return store.Put(ctx, r.Fingerprint, data)
}

// loadRecord returns the record for fingerprint. A missing record is
// reported as state.ErrNotFound.
func loadRecord(ctx context.Context, store state.Store, fingerprint string) (Record, error) {
	data, err := store.Get(ctx, fingerprint)
	if err != nil {
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("corrupt upload record %s: %w", fingerprint, err)
	}
	if r.Version != recordVersion {
		return Record{}, fmt.Errorf("upload record %s has unsupported version %d", fingerprint, r.Version)
	}
	if r.Fingerprint != fingerprint {
		return Record{}, fmt.Errorf("upload record %s is stored under the wrong key", r.Fingerprint)
	}
	return r, nil
}

func deleteRecord(ctx context.Context, store state.Store, fingerprint string) error {
	if err := store.Delete(ctx, fingerprint); err != nil && !errors.Is(err, state.ErrNotFound) {
		return err
	}
	return nil
}
