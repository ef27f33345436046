// Package models holds the upload task data model shared by the engine packages.
package models

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// ChunkDescriptor identifies one contiguous byte range of a file.
// Index is the sole identity of a chunk and is stable across sessions.
type ChunkDescriptor struct {
	Index  int         `json:"index"`
	Offset int64       `json:"offset"`
	Length int64       `json:"length"`
	Status ChunkStatus `json:"status"`
}

// End returns the offset one past the last byte of the chunk.
func (c ChunkDescriptor) End() int64 {
	return c.Offset + c.Length
}

// FileRef identifies a finished object on the storage service.
type FileRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// ChunkProgress is delivered to progress sinks on every chunk state change.
type ChunkProgress struct {
	ChunkIndex       int
	Status           ChunkStatus
	BytesTransferred int64 // bytes of this chunk confirmed by the service
	Attempt          int   // 1-based attempt number
	AckedBytes       int64 // task-wide bytes of acked chunks
	TotalBytes       int64
	Err              error // set when Status is ChunkFailed
}

// UploadTask is the state of one file upload. It is owned by a single
// coordinator; chunk statuses are changed only through its methods.
// Thread-safe: use the provided methods to read and update fields.
type UploadTask struct {
	ID             string // Local handle ID
	TaskID         string // Remote task ID from register-or-resume
	Fingerprint    string
	HashAlgorithm  string
	FileName       string
	FileSize       int64
	ParentFolderID string
	SourcePath     string
	ChunkSize      int64
	Chunks         []ChunkDescriptor
	ChunkDigests   []string // optional, one per chunk
	State          TaskState
	FileRef        *FileRef
	CreatedAt      time.Time
	UpdatedAt      time.Time

	mu sync.RWMutex
}

// NewUploadTask creates a task in StateCreated.
func NewUploadTask(id, fileName string, fileSize int64, parentFolderID string) *UploadTask {
	now := time.Now()
	return &UploadTask{
		ID:             id,
		FileName:       fileName,
		FileSize:       fileSize,
		ParentFolderID: parentFolderID,
		State:          StateCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// GetState returns the current state (thread-safe).
func (t *UploadTask) GetState() TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.State
}

// SetState moves the task to next if the transition is legal and returns the
// previous state.
func (t *UploadTask) SetState(next TaskState) (TaskState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.State
	if !prev.CanTransition(next) {
		return prev, fmt.Errorf("illegal state transition %s -> %s", prev, next)
	}
	t.State = next
	t.UpdatedAt = time.Now()
	return prev, nil
}

// SetFingerprint records the content digest. A fingerprint never changes once set.
func (t *UploadTask) SetFingerprint(algorithm, digest string, chunkDigests []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Fingerprint != "" && t.Fingerprint != digest {
		return fmt.Errorf("fingerprint already set for task %s", t.ID)
	}
	t.Fingerprint = digest
	t.HashAlgorithm = algorithm
	t.ChunkDigests = chunkDigests
	return nil
}

// GetFingerprint returns the content digest (thread-safe).
func (t *UploadTask) GetFingerprint() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Fingerprint
}

// SetChunks installs the chunk layout. The layout is fixed for the task's lifetime.
func (t *UploadTask) SetChunks(chunkSize int64, chunks []ChunkDescriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Chunks != nil && t.ChunkSize != chunkSize {
		return fmt.Errorf("chunk size of task %s cannot change from %d to %d", t.ID, t.ChunkSize, chunkSize)
	}
	t.ChunkSize = chunkSize
	t.Chunks = chunks
	return nil
}

// SetRemote records the remote task ID.
func (t *UploadTask) SetRemote(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.TaskID = taskID
	t.UpdatedAt = time.Now()
}

// GetRemote returns the remote task ID (thread-safe).
func (t *UploadTask) GetRemote() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.TaskID
}

// SetFileRef records the finished object.
func (t *UploadTask) SetFileRef(ref *FileRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.FileRef = ref
}

// ApplyResume rebuilds chunk statuses from the service's view at the start of
// a listing round: uploaded indices become Acked, everything else Pending.
func (t *UploadTask) ApplyResume(uploaded []int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	done := make(map[int]bool, len(uploaded))
	for _, idx := range uploaded {
		if idx < 0 || idx >= len(t.Chunks) {
			return fmt.Errorf("service reported chunk %d outside 0..%d", idx, len(t.Chunks)-1)
		}
		done[idx] = true
	}
	for i := range t.Chunks {
		if done[i] {
			t.Chunks[i].Status = ChunkAcked
		} else {
			t.Chunks[i].Status = ChunkPending
		}
	}
	t.UpdatedAt = time.Now()
	return nil
}

// SetChunkStatus moves chunk idx to status. It returns false when the move is
// not legal or the index is unknown.
func (t *UploadTask) SetChunkStatus(idx int, status ChunkStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.Chunks) {
		return false
	}
	if !t.Chunks[idx].Status.CanTransition(status) {
		return false
	}
	t.Chunks[idx].Status = status
	t.UpdatedAt = time.Now()
	return true
}

// Chunk returns a copy of chunk idx.
func (t *UploadTask) Chunk(idx int) (ChunkDescriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx < 0 || idx >= len(t.Chunks) {
		return ChunkDescriptor{}, false
	}
	return t.Chunks[idx], true
}

// ChunkDigest returns the digest of chunk idx, or "" when none was computed.
func (t *UploadTask) ChunkDigest(idx int) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx < 0 || idx >= len(t.ChunkDigests) {
		return ""
	}
	return t.ChunkDigests[idx]
}

// ChunkCount returns the number of chunks.
func (t *UploadTask) ChunkCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.Chunks)
}

// AckedBytes returns the total length of acked chunks.
func (t *UploadTask) AckedBytes() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ackedBytesLocked()
}

func (t *UploadTask) ackedBytesLocked() int64 {
	var n int64
	for _, c := range t.Chunks {
		if c.Status == ChunkAcked {
			n += c.Length
		}
	}
	return n
}

// Progress returns acked bytes over file size in [0, 1].
func (t *UploadTask) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.FileSize == 0 {
		if t.State == StateCompleted {
			return 1
		}
		return 0
	}
	return float64(t.ackedBytesLocked()) / float64(t.FileSize)
}

// AckedIndices returns the sorted indices of acked chunks.
func (t *UploadTask) AckedIndices() []int {
	return t.indices(func(s ChunkStatus) bool { return s == ChunkAcked })
}

// UnackedIndices returns the sorted indices of chunks not yet acked.
func (t *UploadTask) UnackedIndices() []int {
	return t.indices(func(s ChunkStatus) bool { return s != ChunkAcked })
}

func (t *UploadTask) indices(match func(ChunkStatus) bool) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, 0, len(t.Chunks))
	for _, c := range t.Chunks {
		if match(c.Status) {
			out = append(out, c.Index)
		}
	}
	return out
}

// AllAcked reports whether every chunk is acked. A task with no chunks is
// trivially complete.
func (t *UploadTask) AllAcked() bool {
	return len(t.UnackedIndices()) == 0
}

// Snapshot returns a deep copy safe to read without locking.
func (t *UploadTask) Snapshot() *UploadTask {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := &UploadTask{
		ID:             t.ID,
		TaskID:         t.TaskID,
		Fingerprint:    t.Fingerprint,
		HashAlgorithm:  t.HashAlgorithm,
		FileName:       t.FileName,
		FileSize:       t.FileSize,
		ParentFolderID: t.ParentFolderID,
		SourcePath:     t.SourcePath,
		ChunkSize:      t.ChunkSize,
		Chunks:         slices.Clone(t.Chunks),
		ChunkDigests:   slices.Clone(t.ChunkDigests),
		State:          t.State,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	if t.FileRef != nil {
		ref := *t.FileRef
		c.FileRef = &ref
	}
	return c
}
