// Package upload drives resumable chunked uploads.
//
// An Engine starts one Coordinator per file. The Coordinator fingerprints
// the file, skips the transfer when the service already holds the content,
// registers or resumes the remote task, sends the missing chunks and merges
// them. Unfinished tasks are persisted by fingerprint so a later session
// can pick them up.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rescale/chunkup/internal/cloud"
	"github.com/rescale/chunkup/internal/cloud/state"
	"github.com/rescale/chunkup/internal/constants"
	"github.com/rescale/chunkup/internal/events"
	inthttp "github.com/rescale/chunkup/internal/http"
	"github.com/rescale/chunkup/internal/localfs"
	"github.com/rescale/chunkup/internal/logging"
	"github.com/rescale/chunkup/internal/models"
	"github.com/rescale/chunkup/internal/transfer"
)

// ErrTaskInUse is returned when a second driver is started for a remote
// task or fingerprint that already has one.
var ErrTaskInUse = errors.New("upload task already has an active driver")

// Engine owns the collaborators shared by all tasks.
type Engine struct {
	svc        cloud.StorageService
	store      state.Store
	manager    *transfer.Manager
	bus        *events.EventBus
	logger     *logging.Logger
	cfg        Config
	transferor *transfer.Transferor

	dedup     *DedupProbe
	resume    *ResumeIndex
	finalizer *Finalizer

	mu     sync.Mutex
	active map[string]*Coordinator // remote task id -> driver
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the record store. The default keeps records in memory.
func WithStore(s state.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithManager sets the global task cap shared with other engines.
func WithManager(m *transfer.Manager) Option {
	return func(e *Engine) { e.manager = m }
}

// WithEventBus sets the bus state, progress and terminal events go to.
func WithEventBus(b *events.EventBus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithConfig replaces the default engine configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// NewEngine creates an Engine uploading to svc.
func NewEngine(svc cloud.StorageService, opts ...Option) *Engine {
	e := &Engine{
		svc:    svc,
		cfg:    DefaultConfig(),
		active: make(map[string]*Coordinator),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = state.NewMemoryStore()
	}
	if e.manager == nil {
		e.manager = transfer.NewManager(constants.DefaultMaxConcurrentTasks)
	}
	if e.bus == nil {
		e.bus = events.NewEventBus(constants.EventBusDefaultBuffer)
	}
	if e.logger == nil {
		e.logger = logging.NewNop()
	}
	if e.cfg.Concurrency < 1 {
		e.cfg.Concurrency = constants.DefaultConcurrency
	}

	e.transferor = transfer.NewTransferor(svc, transfer.Config{
		Retry:        e.cfg.Retry,
		ChunkTimeout: e.cfg.ChunkTimeout,
	}, e.logger)

	call := remoteCall{retry: e.cfg.Retry, timeout: e.cfg.RequestTimeout, logger: e.logger}
	e.dedup = &DedupProbe{svc: svc, call: call}
	e.resume = &ResumeIndex{svc: svc, call: call}
	e.finalizer = &Finalizer{
		svc:  svc,
		call: call,
		// One attempt; cancellation is best effort
		cancelCall: remoteCall{
			retry:   inthttp.Config{MaxRetries: 0},
			timeout: e.cfg.CancelTimeout,
			logger:  e.logger,
		},
	}
	return e
}

// Events returns the engine's event bus.
func (e *Engine) Events() *events.EventBus { return e.bus }

// Subscribe returns a channel receiving events of one type.
func (e *Engine) Subscribe(t events.EventType) <-chan events.Event {
	return e.bus.Subscribe(t)
}

// Start begins uploading src into parentFolderID and returns its handle
// immediately. The task waits in StateCreated for a global slot. ctx bounds
// the whole task; use Coordinator.Cancel to cancel it explicitly.
func (e *Engine) Start(ctx context.Context, src localfs.Source, parentFolderID string, opts ...StartOption) *Coordinator {
	o := startOptions{concurrency: e.cfg.Concurrency}
	if p, ok := src.(interface{ Path() string }); ok {
		o.sourcePath = p.Path()
	}
	for _, opt := range opts {
		opt(&o)
	}

	task := models.NewUploadTask(uuid.NewString(), src.Name(), src.Size(), parentFolderID)
	task.SourcePath = o.sourcePath

	runCtx, cancel := context.WithCancel(ctx)
	c := &Coordinator{
		engine:   e,
		task:     task,
		src:      src,
		opts:     o,
		logger:   e.logger.Task(task.ID),
		ctx:      runCtx,
		cancel:   cancel,
		resumeCh: make(chan struct{}, 1),
		history:  []models.TaskState{models.StateCreated},
		done:     make(chan struct{}),
		started:  time.Now(),
	}
	c.logger.Info().
		Str("file", task.FileName).
		Int64("size", task.FileSize).
		Str("parent", parentFolderID).
		Msg("upload created")

	go c.run()
	return c
}

// claim registers c as the driver of the remote task. A task id may be
// driven by one coordinator at a time.
func (e *Engine) claim(taskID string, c *Coordinator) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if owner, ok := e.active[taskID]; ok && owner != c {
		return cloud.NewError(cloud.KindFatal, "register",
			fmt.Errorf("%w: remote task %s is driven by %s", ErrTaskInUse, taskID, owner.task.ID))
	}
	e.active[taskID] = c
	return nil
}

func (e *Engine) unclaim(taskID string, c *Coordinator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[taskID] == c {
		delete(e.active, taskID)
	}
}

// Pending returns the persisted records of unfinished uploads, most
// recently updated first. Records past the resume age are dropped.
func (e *Engine) Pending(ctx context.Context) ([]Record, error) {
	keys, err := e.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list upload records: %w", err)
	}

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		r, err := loadRecord(ctx, e.store, key)
		if err != nil {
			if !errors.Is(err, state.ErrNotFound) {
				e.logger.Warn().Str("key", key).Err(err).Msg("skipping unreadable upload record")
			}
			continue
		}
		if time.Since(r.UpdatedAt) > constants.MaxResumeAge {
			e.logger.Info().Str("fingerprint", key).Msg("dropping expired upload record")
			if err := deleteRecord(ctx, e.store, key); err != nil {
				e.logger.Warn().Str("fingerprint", key).Err(err).Msg("failed to delete expired upload record")
			}
			continue
		}
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return records, nil
}

// Discard abandons the persisted upload with fingerprint: the remote task
// is canceled and the record deleted.
func (e *Engine) Discard(ctx context.Context, fingerprint string) error {
	r, err := loadRecord(ctx, e.store, fingerprint)
	if err != nil {
		return err
	}
	if locker, ok := e.store.(state.Locker); ok {
		unlock, err := locker.Lock(ctx, fingerprint)
		if err != nil {
			if errors.Is(err, state.ErrLocked) {
				return fmt.Errorf("%w: %v", ErrTaskInUse, err)
			}
			return err
		}
		defer unlock()
	}
	if r.TaskID != "" {
		if err := e.finalizer.Cancel(ctx, cloud.CancelRequest{TaskID: r.TaskID, Fingerprint: r.Fingerprint}); err != nil {
			e.logger.Warn().Str("task_id", r.TaskID).Err(err).Msg("cancel notification failed")
		}
	}
	return deleteRecord(ctx, e.store, fingerprint)
}
