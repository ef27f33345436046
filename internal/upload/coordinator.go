package upload

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rescale/chunkup/internal/chunker"
	"github.com/rescale/chunkup/internal/cloud"
	"github.com/rescale/chunkup/internal/cloud/state"
	"github.com/rescale/chunkup/internal/fingerprint"
	"github.com/rescale/chunkup/internal/localfs"
	"github.com/rescale/chunkup/internal/logging"
	"github.com/rescale/chunkup/internal/models"
	"github.com/rescale/chunkup/internal/transfer"
)

// ErrInvalidState is returned by Pause, Resume and Cancel when the task is
// not in a state the operation applies to.
var ErrInvalidState = errors.New("operation not valid in the current task state")

// StartOption configures one task.
type StartOption func(*startOptions)

type startOptions struct {
	concurrency int
	sourcePath  string
	onProgress  transfer.ProgressFunc
	onHash      fingerprint.ProgressFunc
	onState     func(from, to models.TaskState)
}

// WithConcurrency sets how many chunks of the task transfer at once.
func WithConcurrency(n int) StartOption {
	return func(o *startOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithProgress sets a callback for chunk status changes. Calls are serialized.
func WithProgress(fn transfer.ProgressFunc) StartOption {
	return func(o *startOptions) { o.onProgress = fn }
}

// WithHashProgress sets a callback receiving the bytes fingerprinted so far.
func WithHashProgress(fn fingerprint.ProgressFunc) StartOption {
	return func(o *startOptions) { o.onHash = fn }
}

// WithStateCallback sets a callback for every state transition. It runs on
// the coordinator goroutine.
func WithStateCallback(fn func(from, to models.TaskState)) StartOption {
	return func(o *startOptions) { o.onState = fn }
}

// WithSourcePath records the path the source was opened from, so the
// persisted record can reopen it.
func WithSourcePath(path string) StartOption {
	return func(o *startOptions) { o.sourcePath = path }
}

// Result is the terminal outcome of a task.
type Result struct {
	State   models.TaskState
	FileRef *models.FileRef
	Instant bool         // completed by the dedup probe
	Err     *cloud.Error // set when State is StateFailed
}

// Coordinator drives one upload task. All state transitions happen on its
// own goroutine; the exported methods only signal it.
type Coordinator struct {
	engine *Engine
	task   *models.UploadTask
	src    localfs.Source
	opts   startOptions
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	stop      chan struct{} // closed by Pause; replaced every upload round
	pausing   bool
	canceling bool
	resumeCh  chan struct{}
	history   []models.TaskState

	done   chan struct{}
	result Result

	// Owned by the run goroutine
	chunkSize int64
	conflicts int
	release   func()
	unlock    func()
	claimed   string
	lastSave  time.Time
	started   time.Time
}

// ID returns the local handle id.
func (c *Coordinator) ID() string { return c.task.ID }

// State returns the current state.
func (c *Coordinator) State() models.TaskState { return c.task.GetState() }

// Snapshot returns a copy of the task.
func (c *Coordinator) Snapshot() *models.UploadTask { return c.task.Snapshot() }

// History returns every state the task has been in, in order.
func (c *Coordinator) History() []models.TaskState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.history)
}

// Done is closed when the task reaches a terminal state.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Wait blocks until the task is terminal or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return Result{State: c.State()}, ctx.Err()
	}
}

// Pause stops dispatching new chunks. Chunks in flight finish, then the
// task enters StatePaused and gives back its global slot. Valid only while
// uploading; no request is sent to the service.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task.GetState() != models.StateUploading {
		return fmt.Errorf("%w: pause in %s", ErrInvalidState, c.task.GetState())
	}
	c.pausing = true
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	return nil
}

// Resume continues a paused task. The task re-lists the stored chunks
// before sending any.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.task.GetState() != models.StatePaused {
		return fmt.Errorf("%w: resume in %s", ErrInvalidState, c.task.GetState())
	}
	select {
	case c.resumeCh <- struct{}{}:
	default:
	}
	return nil
}

// Cancel stops the task, notifies the service and deletes the persisted
// record. Valid in any non-terminal state.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	if c.task.GetState().IsTerminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: cancel in %s", ErrInvalidState, c.task.GetState())
	}
	c.canceling = true
	c.mu.Unlock()
	c.cancel()
	return nil
}

func (c *Coordinator) cancelRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceling
}

// transition moves the task to next and notifies observers.
func (c *Coordinator) transition(next models.TaskState) error {
	c.mu.Lock()
	prev, err := c.setStateLocked(next)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.notify(prev, next)
	return nil
}

func (c *Coordinator) setStateLocked(next models.TaskState) (models.TaskState, error) {
	prev, err := c.task.SetState(next)
	if err != nil {
		return prev, cloud.NewError(cloud.KindFatal, "transition", err)
	}
	c.history = append(c.history, next)
	return prev, nil
}

func (c *Coordinator) notify(prev, next models.TaskState) {
	c.logger.Debug().Str("from", string(prev)).Str("to", string(next)).Msg("state change")
	c.engine.bus.PublishStateChange(c.task.ID, c.task.FileName, prev, next)
	if c.opts.onState != nil {
		c.opts.onState(prev, next)
	}
}

// beginUpload enters StateUploading with a fresh stop channel. A pause
// requested during an earlier round halts this one immediately.
func (c *Coordinator) beginUpload() (<-chan struct{}, error) {
	c.mu.Lock()
	c.stop = make(chan struct{})
	if c.pausing {
		close(c.stop)
	}
	stop := c.stop
	prev, err := c.setStateLocked(models.StateUploading)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.notify(prev, models.StateUploading)
	return stop, nil
}

// beginMerge enters StateMerging. A pause that arrived after the last chunk
// was sent is dropped in the same step, so Pause cannot see Uploading again
// with a stale flag.
func (c *Coordinator) beginMerge() error {
	c.mu.Lock()
	c.pausing = false
	prev, err := c.setStateLocked(models.StateMerging)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.notify(prev, models.StateMerging)
	return nil
}

func (c *Coordinator) run() {
	defer close(c.done)
	defer c.cancel()
	ref, instant, err := c.drive()
	c.finish(ref, instant, err)
}

func (c *Coordinator) drive() (*models.FileRef, bool, error) {
	release, err := c.engine.manager.Acquire(c.ctx)
	if err != nil {
		return nil, false, cloud.NewError(cloud.KindCanceled, "acquire-slot", err)
	}
	c.release = release

	if err := c.transition(models.StateHashing); err != nil {
		return nil, false, err
	}
	if err := c.hash(); err != nil {
		return nil, false, err
	}

	if err := c.transition(models.StateProbingDedup); err != nil {
		return nil, false, err
	}
	probe, err := c.engine.dedup.CheckExists(c.ctx, c.task.GetFingerprint(), c.task.FileSize, c.task.FileName)
	if err != nil {
		return nil, false, err
	}
	if probe.Exists {
		c.logger.Info().Str("file_id", probe.FileRef.ID).Msg("content already stored, skipping transfer")
		return probe.FileRef, true, nil
	}

	chunks, err := chunker.Split(c.task.FileSize, c.chunkSize)
	if err != nil {
		return nil, false, cloud.NewError(cloud.KindFatal, "split", err)
	}
	if err := c.task.SetChunks(c.chunkSize, chunks); err != nil {
		return nil, false, cloud.NewError(cloud.KindFatal, "split", err)
	}

	for {
		if err := c.transition(models.StateListing); err != nil {
			return nil, false, err
		}
		if err := c.list(); err != nil {
			return nil, false, err
		}

		stop, err := c.beginUpload()
		if err != nil {
			return nil, false, err
		}
		res, err := c.engine.transferor.Run(c.ctx, transfer.Job{
			Task:        c.task,
			Source:      c.src,
			Concurrency: c.opts.concurrency,
			Stop:        stop,
			OnProgress:  c.onChunk,
		})
		if err != nil {
			if c.relist(err) {
				continue
			}
			return nil, false, err
		}
		if res.Halted {
			if err := c.pause(); err != nil {
				return nil, false, err
			}
			continue
		}

		if err := c.beginMerge(); err != nil {
			return nil, false, err
		}
		ref, err := c.engine.finalizer.Merge(c.ctx, cloud.MergeRequest{
			TaskID:         c.task.GetRemote(),
			Fingerprint:    c.task.GetFingerprint(),
			FileName:       c.task.FileName,
			ParentFolderID: c.task.ParentFolderID,
			FileSize:       c.task.FileSize,
			TotalChunks:    c.task.ChunkCount(),
		})
		if err != nil {
			if c.relist(err) {
				continue
			}
			return nil, false, err
		}
		return ref, false, nil
	}
}

// hash computes the fingerprint, picks the chunk size and takes the
// fingerprint lock. A persisted record for the same content fixes the
// chunk size, keeping the layout of the session that registered the task.
func (c *Coordinator) hash() error {
	policy := c.engine.cfg.policy(c.engine.svc)
	if err := policy.Validate(); err != nil {
		return cloud.NewError(cloud.KindFatal, "chunk-policy", err)
	}
	c.chunkSize = policy.ChunkSize(c.task.FileSize)

	var opts []fingerprint.Option
	if c.engine.cfg.ChunkDigests && c.task.FileSize > 0 {
		opts = append(opts, fingerprint.WithChunkDigests(c.chunkSize))
	}
	hasher, err := fingerprint.New(c.engine.cfg.HashAlgorithm, opts...)
	if err != nil {
		return cloud.NewError(cloud.KindFatal, "hash", err)
	}

	size := c.task.FileSize
	res, err := hasher.Digest(c.ctx, c.src, func(hashed int64) {
		c.engine.bus.PublishProgress(c.task.ID, c.task.FileName, "hashing", hashed, size)
		if c.opts.onHash != nil {
			c.opts.onHash(hashed)
		}
	})
	if err != nil {
		return cloud.AsError("hash", err)
	}

	digests := res.Chunks
	rec, err := loadRecord(c.ctx, c.engine.store, res.Digest)
	switch {
	case err == nil && rec.matches(res.Algorithm, size):
		if rec.ChunkSize != c.chunkSize {
			c.chunkSize = rec.ChunkSize
			digests = nil
		}
		if c.task.SourcePath == "" {
			c.task.SourcePath = rec.SourcePath
		}
		c.logger.Info().Str("fingerprint", res.Digest).Int("acked", len(rec.AckedChunks)).Msg("found resumable upload record")
	case err != nil && !errors.Is(err, state.ErrNotFound):
		c.logger.Warn().Err(err).Msg("ignoring unreadable upload record")
	}

	if err := c.task.SetFingerprint(res.Algorithm, res.Digest, digests); err != nil {
		return cloud.NewError(cloud.KindFatal, "hash", err)
	}
	c.logger.Info().Str("fingerprint", res.Digest).Str("algorithm", res.Algorithm).Msg("fingerprint computed")
	return c.lock(res.Digest)
}

// lock takes the inter-process lock on the fingerprint when the store
// supports it.
func (c *Coordinator) lock(fp string) error {
	locker, ok := c.engine.store.(state.Locker)
	if !ok {
		return nil
	}
	unlock, err := locker.Lock(c.ctx, fp)
	if err != nil {
		if errors.Is(err, state.ErrLocked) {
			return cloud.NewError(cloud.KindFatal, "lock", fmt.Errorf("%w: fingerprint %s", ErrTaskInUse, fp))
		}
		return cloud.AsError("lock", err)
	}
	c.unlock = unlock
	return nil
}

// list registers or resumes the remote task and rebuilds chunk statuses
// from the service's view.
func (c *Coordinator) list() error {
	reg, err := c.engine.resume.RegisterOrResume(c.ctx, cloud.RegisterRequest{
		Fingerprint:    c.task.GetFingerprint(),
		FileName:       c.task.FileName,
		FileSize:       c.task.FileSize,
		ParentFolderID: c.task.ParentFolderID,
		ChunkSize:      c.chunkSize,
		TotalChunks:    c.task.ChunkCount(),
	})
	if err != nil {
		return err
	}

	if c.claimed != reg.TaskID {
		if err := c.engine.claim(reg.TaskID, c); err != nil {
			return err
		}
		if c.claimed != "" {
			c.engine.unclaim(c.claimed, c)
		}
		c.claimed = reg.TaskID
	}
	c.task.SetRemote(reg.TaskID)

	if err := c.task.ApplyResume(reg.UploadedChunks); err != nil {
		return cloud.NewError(cloud.KindFatal, "register", err)
	}
	c.logger.Info().
		Str("task_id", reg.TaskID).
		Int("stored", len(reg.UploadedChunks)).
		Int("total", c.task.ChunkCount()).
		Msg("upload task registered")
	c.engine.bus.PublishProgress(c.task.ID, c.task.FileName, "uploading", c.task.AckedBytes(), c.task.FileSize)
	c.save(true)
	return nil
}

// relist reports whether err is a server conflict that should send the
// task back to registration, counting the attempt.
func (c *Coordinator) relist(err error) bool {
	if cloud.KindOf(err) != cloud.KindConflict || c.ctx.Err() != nil {
		return false
	}
	if c.conflicts >= c.engine.cfg.MaxConflictRetries {
		c.logger.Warn().Int("attempts", c.conflicts).Err(err).Msg("giving up after repeated server conflicts")
		return false
	}
	c.conflicts++
	c.logger.Warn().Int("attempt", c.conflicts).Err(err).Msg("server conflict, registering again")
	return true
}

// pause parks the task until Resume or cancellation, without holding a
// global slot.
func (c *Coordinator) pause() error {
	if err := c.transition(models.StatePaused); err != nil {
		return err
	}
	c.save(true)
	c.releaseSlot()
	c.logger.Info().Float64("progress", c.task.Progress()).Msg("upload paused")

	select {
	case <-c.resumeCh:
	case <-c.ctx.Done():
		return cloud.NewError(cloud.KindCanceled, "pause", c.ctx.Err())
	}

	c.mu.Lock()
	c.pausing = false
	c.mu.Unlock()

	release, err := c.engine.manager.Acquire(c.ctx)
	if err != nil {
		return cloud.NewError(cloud.KindCanceled, "acquire-slot", err)
	}
	c.release = release
	c.logger.Info().Msg("upload resumed")
	return nil
}

func (c *Coordinator) onChunk(p models.ChunkProgress) {
	c.engine.bus.PublishChunk(c.task.ID, p)
	if p.Status == models.ChunkAcked {
		c.engine.bus.PublishProgress(c.task.ID, c.task.FileName, "uploading", p.AckedBytes, p.TotalBytes)
		c.save(false)
	}
	if c.opts.onProgress != nil {
		c.opts.onProgress(p)
	}
}

// save persists the task record, at most once per SaveInterval unless forced.
func (c *Coordinator) save(force bool) {
	if !force && time.Since(c.lastSave) < c.engine.cfg.SaveInterval {
		return
	}
	c.lastSave = time.Now()
	if err := saveRecord(context.WithoutCancel(c.ctx), c.engine.store, newRecord(c.task)); err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist upload record")
	}
}

func (c *Coordinator) forget() {
	if err := deleteRecord(context.WithoutCancel(c.ctx), c.engine.store, c.task.GetFingerprint()); err != nil {
		c.logger.Warn().Err(err).Msg("failed to delete upload record")
	}
}

func (c *Coordinator) releaseSlot() {
	if c.release != nil {
		c.release()
		c.release = nil
	}
}

// finish moves the task to its terminal state. An explicit Cancel ends in
// StateCanceled and notifies the service. Cancellation of the parent
// context before work started, or while paused, also ends in
// StateCanceled but keeps the record. Every other error ends in
// StateFailed.
func (c *Coordinator) finish(ref *models.FileRef, instant bool, err error) {
	defer func() {
		c.releaseSlot()
		if c.unlock != nil {
			c.unlock()
		}
		if c.claimed != "" {
			c.engine.unclaim(c.claimed, c)
		}
	}()

	current := c.task.GetState()
	interrupted := c.ctx.Err() != nil
	explicit := c.cancelRequested()

	switch {
	case err == nil:
		c.task.SetFileRef(ref)
		c.terminate(models.StateCompleted)
		if c.task.GetFingerprint() != "" {
			c.forget()
		}
		c.logger.Info().Str("file_id", ref.ID).Bool("instant", instant).Msg("upload completed")
		c.engine.bus.PublishComplete(c.task.ID, c.task.FileName, *ref, instant, time.Since(c.started))
		c.result = Result{State: models.StateCompleted, FileRef: ref, Instant: instant}
		return

	case explicit && interrupted:
		c.terminate(models.StateCanceled)
		if remote := c.task.GetRemote(); remote != "" {
			if cerr := c.engine.finalizer.Cancel(c.ctx, cloud.CancelRequest{
				TaskID:      remote,
				Fingerprint: c.task.GetFingerprint(),
			}); cerr != nil {
				c.logger.Warn().Err(cerr).Msg("cancel notification failed")
			}
		}
		if c.task.GetFingerprint() != "" {
			c.forget()
		}
		c.logger.Info().Msg("upload canceled")
		c.result = Result{State: models.StateCanceled}
		return

	case !current.CanTransition(models.StateFailed):
		// Created or Paused: nothing was in flight
		c.terminate(models.StateCanceled)
		c.logger.Info().Str("from", string(current)).Msg("upload interrupted")
		c.result = Result{State: models.StateCanceled}
		return
	}

	cerr := cloud.AsError(string(current), err)
	if interrupted && cerr.Kind != cloud.KindCanceled {
		cerr = cloud.NewError(cloud.KindCanceled, cerr.Op, err).WithChunks(cerr.Chunks)
	}
	if len(cerr.Chunks) == 0 && c.task.ChunkCount() > 0 {
		if unacked := c.task.UnackedIndices(); len(unacked) > 0 {
			cerr = cerr.WithChunks(unacked)
		}
	}

	c.terminate(models.StateFailed)
	c.logger.Error().Str("kind", cerr.Kind.String()).Ints("unacked", cerr.Chunks).Err(err).Msg("upload failed")
	c.engine.bus.PublishFailure(c.task.ID, c.task.FileName, cerr.Kind.String(), cerr.Chunks, cerr)
	c.result = Result{State: models.StateFailed, Err: cerr}
}

// terminate enters a terminal state.
func (c *Coordinator) terminate(next models.TaskState) {
	if err := c.transition(next); err != nil {
		c.logger.Error().Err(err).Msg("terminal transition rejected")
	}
}
