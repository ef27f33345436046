// Package transfer moves chunks of one upload task to the storage service
// with bounded parallelism, and caps how many tasks transfer at once.
package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rescale/chunkup/internal/cloud"
	"github.com/rescale/chunkup/internal/constants"
	inthttp "github.com/rescale/chunkup/internal/http"
	"github.com/rescale/chunkup/internal/localfs"
	"github.com/rescale/chunkup/internal/logging"
	"github.com/rescale/chunkup/internal/models"
)

// Config controls per-chunk retry and timeout behavior.
type Config struct {
	Retry        inthttp.Config
	ChunkTimeout time.Duration // per attempt; 0 disables
}

// DefaultConfig returns the default retry policy and a 10 minute chunk timeout.
func DefaultConfig() Config {
	return Config{
		Retry:        inthttp.DefaultConfig(),
		ChunkTimeout: constants.ChunkTimeout,
	}
}

// ProgressFunc receives chunk status changes. Calls are serialized.
type ProgressFunc func(models.ChunkProgress)

// Job describes one dispatch round.
type Job struct {
	Task        *models.UploadTask
	Source      localfs.Source
	Concurrency int
	// Stop, when closed, prevents new chunks from being dispatched. Chunks
	// already in flight run to completion.
	Stop       <-chan struct{}
	OnProgress ProgressFunc
}

// Result summarizes a dispatch round.
type Result struct {
	// Dispatched lists the chunk indices sent during the round, in the
	// order they were taken from the queue.
	Dispatched []int
	// Halted is true when Stop closed before every chunk was acked.
	Halted bool
}

// Transferor sends the unacked chunks of a task.
type Transferor struct {
	svc    cloud.StorageService
	cfg    Config
	logger *logging.Logger
}

// NewTransferor creates a Transferor. A nil logger discards output.
func NewTransferor(svc cloud.StorageService, cfg Config, logger *logging.Logger) *Transferor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Transferor{svc: svc, cfg: cfg, logger: logger}
}

// Run sends every chunk of job.Task that is not acked, in index order, with
// job.Concurrency workers. Transient failures are retried with backoff; any
// other failure stops all workers. On error the returned *cloud.Error
// carries the indices still unacked.
func (t *Transferor) Run(ctx context.Context, job Job) (Result, error) {
	task := job.Task
	pending := task.UnackedIndices()
	if len(pending) == 0 {
		return Result{}, nil
	}

	concurrency := job.Concurrency
	if concurrency <= 0 {
		concurrency = constants.DefaultConcurrency
	}
	concurrency = min(concurrency, constants.MaxConcurrency, len(pending))

	var (
		mu         sync.Mutex
		cursor     int
		dispatched []int
		progressMu sync.Mutex
	)
	stopped := func() bool {
		if job.Stop == nil {
			return false
		}
		select {
		case <-job.Stop:
			return true
		default:
			return false
		}
	}
	next := func(ctx context.Context) (int, bool) {
		mu.Lock()
		defer mu.Unlock()
		if cursor >= len(pending) || ctx.Err() != nil || stopped() {
			return 0, false
		}
		idx := pending[cursor]
		cursor++
		dispatched = append(dispatched, idx)
		return idx, true
	}
	report := func(p models.ChunkProgress) {
		if job.OnProgress == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		p.AckedBytes = task.AckedBytes()
		p.TotalBytes = task.FileSize
		job.OnProgress(p)
	}

	log := t.logger.Task(task.ID)
	log.Debug().Int("chunks", len(pending)).Int("workers", concurrency).Msg("dispatching chunks")

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < concurrency; w++ {
		g.Go(func() error {
			for {
				idx, ok := next(gctx)
				if !ok {
					return nil
				}
				if err := t.sendChunk(gctx, job, idx, report); err != nil {
					return err
				}
			}
		})
	}
	err := g.Wait()

	mu.Lock()
	res := Result{Dispatched: dispatched}
	mu.Unlock()

	unacked := task.UnackedIndices()
	if len(unacked) > 0 && ctx.Err() != nil {
		// A canceled parent wins over whatever the interrupted workers saw.
		err = cloud.NewError(cloud.KindCanceled, "upload-chunk", ctx.Err())
	}
	if err != nil {
		return res, cloud.AsError("upload-chunk", err).WithChunks(unacked)
	}
	res.Halted = len(unacked) > 0 && stopped()
	return res, nil
}

func (t *Transferor) sendChunk(ctx context.Context, job Job, idx int, report func(models.ChunkProgress)) error {
	task := job.Task
	desc, ok := task.Chunk(idx)
	if !ok {
		return cloud.NewError(cloud.KindFatal, "upload-chunk", fmt.Errorf("chunk %d is not part of the task", idx))
	}
	taskID := task.GetRemote()
	fingerprint := task.GetFingerprint()
	digest := task.ChunkDigest(idx)

	retry := t.cfg.Retry
	retry.OnRetry = func(attempt int, err error, errType inthttp.ErrorType) {
		t.logger.Debug().
			Str("task", task.ID).
			Int("chunk", idx).
			Int("attempt", attempt).
			Str("class", inthttp.ErrorTypeName(errType)).
			Err(err).
			Msg("retrying chunk")
	}

	attempt := 0
	return inthttp.ExecuteWithRetry(ctx, retry, func() error {
		attempt++
		task.SetChunkStatus(idx, models.ChunkInFlight)
		report(models.ChunkProgress{ChunkIndex: idx, Status: models.ChunkInFlight, Attempt: attempt})

		chunkCtx, cancel := ctx, context.CancelFunc(func() {})
		if t.cfg.ChunkTimeout > 0 {
			chunkCtx, cancel = context.WithTimeout(ctx, t.cfg.ChunkTimeout)
		}
		err := t.svc.UploadChunk(chunkCtx, cloud.ChunkRequest{
			TaskID:      taskID,
			Fingerprint: fingerprint,
			Index:       idx,
			Offset:      desc.Offset,
			Length:      desc.Length,
			Digest:      digest,
			Body:        &chunkBody{r: localfs.Section(job.Source, desc.Offset, desc.Length)},
		})
		cancel()

		if err != nil {
			task.SetChunkStatus(idx, models.ChunkFailed)
			report(models.ChunkProgress{ChunkIndex: idx, Status: models.ChunkFailed, Attempt: attempt, Err: err})
			return err
		}
		task.SetChunkStatus(idx, models.ChunkAcked)
		report(models.ChunkProgress{
			ChunkIndex:       idx,
			Status:           models.ChunkAcked,
			BytesTransferred: desc.Length,
			Attempt:          attempt,
		})
		return nil
	})
}

// chunkBody tags local read failures so they are not mistaken for network
// errors by the backends.
type chunkBody struct {
	r *io.SectionReader
}

func (b *chunkBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		err = cloud.NewError(cloud.KindSourceRead, "read chunk", err)
	}
	return n, err
}

func (b *chunkBody) Seek(offset int64, whence int) (int64, error) {
	return b.r.Seek(offset, whence)
}
