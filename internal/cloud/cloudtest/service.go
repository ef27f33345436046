// Package cloudtest provides an in-memory cloud.StorageService for tests,
// with failure injection and call recording.
package cloudtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rescale/chunkup/internal/chunker"
	"github.com/rescale/chunkup/internal/cloud"
	"github.com/rescale/chunkup/internal/models"
)

type task struct {
	id          string
	fingerprint string
	chunks      map[int][]byte
	merged      *models.FileRef
}

type injected struct {
	err   error
	times int // <0 means forever
}

// Service is an in-memory storage service. The zero value is not usable;
// call New.
type Service struct {
	mu      sync.Mutex
	objects map[string]objectEntry
	tasks   map[string]*task
	byFP    map[string]string
	nextID  int

	chunkFailures map[int][]injected
	opFailures    map[string][]injected

	// BeforeUpload, if set, runs before each chunk is stored. A non-nil
	// error fails the attempt.
	BeforeUpload func(ctx context.Context, req cloud.ChunkRequest) error

	// Policy is returned by ChunkPolicy when non-zero.
	Policy chunker.Policy

	calls    map[string]int
	attempts map[int]int
	uploads  []int
}

type objectEntry struct {
	ref  models.FileRef
	data []byte
}

// Operation names used by Fail and Calls.
const (
	OpCheck    = "check"
	OpRegister = "register"
	OpUpload   = "upload"
	OpMerge    = "merge"
	OpCancel   = "cancel"
)

// New returns an empty Service.
func New() *Service {
	return &Service{
		objects:       make(map[string]objectEntry),
		tasks:         make(map[string]*task),
		byFP:          make(map[string]string),
		chunkFailures: make(map[int][]injected),
		opFailures:    make(map[string][]injected),
		calls:         make(map[string]int),
		attempts:      make(map[int]int),
	}
}

// ChunkPolicy implements cloud.ChunkPolicyProvider.
func (s *Service) ChunkPolicy() chunker.Policy {
	if s.Policy == (chunker.Policy{}) {
		return chunker.DefaultPolicy()
	}
	return s.Policy
}

// FailChunk makes the next times attempts to upload chunk idx return err.
// A negative times fails every attempt.
func (s *Service) FailChunk(idx int, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkFailures[idx] = append(s.chunkFailures[idx], injected{err: err, times: times})
}

// Fail makes the next times calls of op return err.
func (s *Service) Fail(op string, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opFailures[op] = append(s.opFailures[op], injected{err: err, times: times})
}

func pop(queue []injected) ([]injected, error) {
	if len(queue) == 0 {
		return queue, nil
	}
	head := &queue[0]
	err := head.err
	if head.times > 0 {
		head.times--
		if head.times == 0 {
			queue = queue[1:]
		}
	}
	return queue, err
}

// enter records a call of op and returns an injected failure, if any.
// Must be called with mu held.
func (s *Service) enter(op string) error {
	s.calls[op]++
	var err error
	s.opFailures[op], err = pop(s.opFailures[op])
	return err
}

// PutObject stores finished content directly, as if uploaded earlier.
func (s *Service) PutObject(fingerprint string, name string, data []byte) models.FileRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeObjectLocked(fingerprint, name, data)
}

func (s *Service) storeObjectLocked(fingerprint, name string, data []byte) models.FileRef {
	s.nextID++
	ref := models.FileRef{ID: fmt.Sprintf("file-%d", s.nextID), Name: name, Size: int64(len(data))}
	s.objects[fingerprint] = objectEntry{ref: ref, data: data}
	return ref
}

// SeedTask registers an unmerged task for fingerprint holding the given
// chunk indices of data, as if a previous run had uploaded them.
func (s *Service) SeedTask(fingerprint string, data []byte, chunkSize int64, uploaded ...int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.newTaskLocked(fingerprint)
	for _, idx := range uploaded {
		start := int64(idx) * chunkSize
		end := min(start+chunkSize, int64(len(data)))
		t.chunks[idx] = append([]byte(nil), data[start:end]...)
	}
	return t.id
}

func (s *Service) newTaskLocked(fingerprint string) *task {
	s.nextID++
	t := &task{
		id:          fmt.Sprintf("task-%d", s.nextID),
		fingerprint: fingerprint,
		chunks:      make(map[int][]byte),
	}
	s.tasks[t.id] = t
	s.byFP[fingerprint] = t.id
	return t
}

// ExpireTask drops a task, so later calls against it report a conflict.
func (s *Service) ExpireTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[taskID]; ok {
		delete(s.byFP, t.fingerprint)
		delete(s.tasks, taskID)
	}
}

// CheckInstant implements cloud.StorageService.
func (s *Service) CheckInstant(ctx context.Context, req cloud.CheckRequest) (*cloud.CheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCheck); err != nil {
		return nil, err
	}
	if obj, ok := s.objects[req.Fingerprint]; ok {
		ref := obj.ref
		return &cloud.CheckResult{Exists: true, FileRef: &ref}, nil
	}
	return &cloud.CheckResult{}, nil
}

// RegisterOrResume implements cloud.StorageService.
func (s *Service) RegisterOrResume(ctx context.Context, req cloud.RegisterRequest) (*cloud.RegisterResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpRegister); err != nil {
		return nil, err
	}
	if id, ok := s.byFP[req.Fingerprint]; ok {
		if t := s.tasks[id]; t.merged == nil {
			return &cloud.RegisterResult{TaskID: id, UploadedChunks: sortedKeys(t.chunks)}, nil
		}
	}
	t := s.newTaskLocked(req.Fingerprint)
	return &cloud.RegisterResult{TaskID: t.id}, nil
}

// UploadChunk implements cloud.StorageService.
func (s *Service) UploadChunk(ctx context.Context, req cloud.ChunkRequest) error {
	s.mu.Lock()
	s.attempts[req.Index]++
	s.uploads = append(s.uploads, req.Index)
	err := s.enter(OpUpload)
	if err == nil {
		s.chunkFailures[req.Index], err = pop(s.chunkFailures[req.Index])
	}
	before := s.BeforeUpload
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if before != nil {
		if err := before(ctx, req); err != nil {
			return err
		}
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		return cloud.NewError(cloud.KindSourceRead, "upload-chunk", err)
	}
	if int64(len(data)) != req.Length {
		return cloud.NewError(cloud.KindFatal, "upload-chunk",
			fmt.Errorf("chunk %d: got %d bytes, want %d", req.Index, len(data), req.Length))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[req.TaskID]
	if !ok || t.merged != nil {
		return cloud.NewError(cloud.KindConflict, "upload-chunk", fmt.Errorf("task %s is not open", req.TaskID))
	}
	t.chunks[req.Index] = data
	return nil
}

// Merge implements cloud.StorageService.
func (s *Service) Merge(ctx context.Context, req cloud.MergeRequest) (*models.FileRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpMerge); err != nil {
		return nil, err
	}
	t, ok := s.tasks[req.TaskID]
	if !ok {
		return nil, cloud.NewError(cloud.KindConflict, "merge", fmt.Errorf("task %s not found", req.TaskID))
	}
	if t.merged != nil {
		ref := *t.merged
		return &ref, nil
	}
	if len(t.chunks) != req.TotalChunks {
		return nil, cloud.NewError(cloud.KindConflict, "merge",
			fmt.Errorf("task %s holds %d of %d chunks", req.TaskID, len(t.chunks), req.TotalChunks))
	}

	var buf bytes.Buffer
	for i := 0; i < req.TotalChunks; i++ {
		part, ok := t.chunks[i]
		if !ok {
			return nil, cloud.NewError(cloud.KindConflict, "merge", fmt.Errorf("chunk %d missing", i))
		}
		buf.Write(part)
	}
	ref := s.storeObjectLocked(t.fingerprint, req.FileName, buf.Bytes())
	t.merged = &ref
	out := ref
	return &out, nil
}

// CancelTask implements cloud.StorageService.
func (s *Service) CancelTask(ctx context.Context, req cloud.CancelRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCancel); err != nil {
		return err
	}
	if t, ok := s.tasks[req.TaskID]; ok && t.merged == nil {
		delete(s.byFP, t.fingerprint)
		delete(s.tasks, req.TaskID)
	}
	return nil
}

// Calls returns how many times op was invoked.
func (s *Service) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Attempts returns how many upload attempts chunk idx received.
func (s *Service) Attempts(idx int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[idx]
}

// Uploaded returns the distinct chunk indices that received an upload attempt, sorted.
func (s *Service) Uploaded() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[int][]byte)
	for _, idx := range s.uploads {
		seen[idx] = nil
	}
	return sortedKeys(seen)
}

// Object returns the merged content stored under fingerprint.
func (s *Service) Object(fingerprint string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[fingerprint]
	return obj.data, ok
}

// StoredChunks returns the chunk indices currently held by a task.
func (s *Service) StoredChunks(taskID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	return sortedKeys(t.chunks)
}

func sortedKeys(m map[int][]byte) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

var (
	_ cloud.StorageService      = (*Service)(nil)
	_ cloud.ChunkPolicyProvider = (*Service)(nil)
)
