package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/chunkup/internal/chunker"
	"github.com/rescale/chunkup/internal/cloud"
	"github.com/rescale/chunkup/internal/cloud/cloudtest"
	"github.com/rescale/chunkup/internal/cloud/state"
	"github.com/rescale/chunkup/internal/events"
	inthttp "github.com/rescale/chunkup/internal/http"
	"github.com/rescale/chunkup/internal/localfs"
	"github.com/rescale/chunkup/internal/models"
	"github.com/rescale/chunkup/internal/transfer"
)

const smallChunk = 16

var errBlip = cloud.NewError(cloud.KindTransient, "upload-chunk", errors.New("connection reset by peer"))

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = inthttp.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	cfg.RequestTimeout = time.Second
	cfg.ChunkTimeout = time.Second
	cfg.CancelTimeout = time.Second
	cfg.SaveInterval = 0
	return cfg
}

// smallService returns a service whose policy always yields 16-byte chunks.
func smallService() *cloudtest.Service {
	svc := cloudtest.New()
	svc.Policy = chunker.Policy{MinChunkSize: smallChunk, MaxChunkSize: smallChunk, Step: smallChunk, TargetChunks: 50}
	return svc
}

func newTestEngine(svc cloud.StorageService, opts ...Option) *Engine {
	return NewEngine(svc, append([]Option{WithConfig(testConfig())}, opts...)...)
}

func content(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7) ^ seed
	}
	return data
}

func waitResult(t *testing.T, c *Coordinator) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	res, err := c.Wait(ctx)
	require.NoError(t, err, "task did not finish, state %s", c.State())
	return res
}

// stateWaiter signals when a task enters a given state.
type stateWaiter struct {
	mu    sync.Mutex
	chans map[models.TaskState]chan struct{}
}

func newStateWaiter(states ...models.TaskState) *stateWaiter {
	w := &stateWaiter{chans: make(map[models.TaskState]chan struct{})}
	for _, s := range states {
		w.chans[s] = make(chan struct{}, 8)
	}
	return w
}

func (w *stateWaiter) callback(_, to models.TaskState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.chans[to]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (w *stateWaiter) wait(t *testing.T, s models.TaskState) {
	t.Helper()
	select {
	case <-w.chans[s]:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for state %s", s)
	}
}

func assertLegalHistory(t *testing.T, history []models.TaskState) {
	t.Helper()
	require.NotEmpty(t, history)
	assert.Equal(t, models.StateCreated, history[0])
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i-1].CanTransition(history[i]),
			"illegal transition %s -> %s in %v", history[i-1], history[i], history)
	}
	assert.True(t, history[len(history)-1].IsTerminal(), "history %v does not end terminal", history)
}

func TestScenarioA_FullUpload(t *testing.T) {
	svc := cloudtest.New()
	data := content(12*1024*1024, 1)
	engine := newTestEngine(svc)

	c := engine.Start(context.Background(), localfs.FromBytes("a.bin", data), "root")
	res := waitResult(t, c)

	require.Equal(t, models.StateCompleted, res.State, "err: %v", res.Err)
	assert.False(t, res.Instant)
	require.NotNil(t, res.FileRef)

	snap := c.Snapshot()
	assert.Equal(t, int64(512*1024), snap.ChunkSize)
	assert.Len(t, snap.Chunks, 24)
	assert.Len(t, svc.Uploaded(), 24)
	assert.Equal(t, 24, svc.Calls(cloudtest.OpUpload))

	stored, ok := svc.Object(snap.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, data, stored)

	sum := md5.Sum(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), snap.Fingerprint)

	assert.Equal(t, []models.TaskState{
		models.StateCreated, models.StateHashing, models.StateProbingDedup, models.StateListing,
		models.StateUploading, models.StateMerging, models.StateCompleted,
	}, c.History())

	pending, err := engine.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestScenarioB_InstantUpload(t *testing.T) {
	svc := smallService()
	data := content(10*smallChunk, 2)
	engine := newTestEngine(svc)

	first := waitResult(t, engine.Start(context.Background(), localfs.FromBytes("a.bin", data), "root"))
	require.Equal(t, models.StateCompleted, first.State)
	uploads := svc.Calls(cloudtest.OpUpload)

	completed := engine.Subscribe(events.EventTaskCompleted)
	c := engine.Start(context.Background(), localfs.FromBytes("copy-of-a.bin", data), "other")
	second := waitResult(t, c)

	require.Equal(t, models.StateCompleted, second.State)
	assert.True(t, second.Instant)
	assert.Equal(t, first.FileRef.ID, second.FileRef.ID)
	assert.Equal(t, uploads, svc.Calls(cloudtest.OpUpload), "no chunk may be sent")
	assert.Equal(t, 1, svc.Calls(cloudtest.OpRegister))
	assert.Equal(t, []models.TaskState{
		models.StateCreated, models.StateHashing, models.StateProbingDedup, models.StateCompleted,
	}, c.History())

	select {
	case ev := <-completed:
		assert.True(t, ev.(*events.CompleteEvent).Instant)
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
}

// pauseAt pauses the coordinator from the progress callback once n chunks
// are acked. With one worker no further chunk is dispatched.
type pauseAt struct {
	n     int
	acked atomic.Int32
	ready chan struct{}
	c     *Coordinator
}

func newPauseAt(n int) *pauseAt {
	return &pauseAt{n: n, ready: make(chan struct{})}
}

func (p *pauseAt) start(c *Coordinator) {
	p.c = c
	close(p.ready)
}

func (p *pauseAt) progress(cp models.ChunkProgress) {
	if cp.Status != models.ChunkAcked {
		return
	}
	if int(p.acked.Add(1)) == p.n {
		<-p.ready
		_ = p.c.Pause()
	}
}

func TestScenarioC_ResumeInLaterSession(t *testing.T) {
	svc := smallService()
	store := state.NewMemoryStore()
	data := content(24*smallChunk, 3)

	// Session one: pause after 10 of 24 chunks, then the session ends
	ctx, endSession := context.WithCancel(context.Background())
	pauser := newPauseAt(10)
	states := newStateWaiter(models.StatePaused)
	engine := newTestEngine(svc, WithStore(store))
	c := engine.Start(ctx, localfs.FromBytes("a.bin", data), "root",
		WithConcurrency(1),
		WithProgress(pauser.progress),
		WithStateCallback(states.callback),
	)
	pauser.start(c)
	states.wait(t, models.StatePaused)
	assert.Len(t, c.Snapshot().AckedIndices(), 10)

	endSession()
	res := waitResult(t, c)
	assert.Equal(t, models.StateCanceled, res.State)
	assert.Zero(t, svc.Calls(cloudtest.OpCancel), "ending the session must not cancel the remote task")

	pending, err := engine.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	rec := pending[0]
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, rec.AckedChunks)
	assert.Equal(t, int64(smallChunk), rec.ChunkSize)
	sent := svc.Calls(cloudtest.OpUpload)
	assert.Equal(t, 10, sent)

	// Session two: a changed chunk policy must not change the layout of a
	// registered task
	cfg := testConfig()
	cfg.MinChunkSize = 4 * smallChunk
	cfg.MaxChunkSize = 4 * smallChunk
	engine2 := NewEngine(svc, WithStore(store), WithConfig(cfg))
	c2 := engine2.Start(context.Background(), localfs.FromBytes("a.bin", data), "root")
	res2 := waitResult(t, c2)

	require.Equal(t, models.StateCompleted, res2.State, "err: %v", res2.Err)
	assert.Equal(t, rec.TaskID, c2.Snapshot().TaskID)
	assert.Equal(t, 14, svc.Calls(cloudtest.OpUpload)-sent)
	for idx := 0; idx < 10; idx++ {
		assert.Equal(t, 1, svc.Attempts(idx), "chunk %d sent again", idx)
	}
	stored, ok := svc.Object(rec.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, data, stored)

	pending, err = engine2.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPauseAndResume(t *testing.T) {
	svc := smallService()
	data := content(12*smallChunk, 4)
	pauser := newPauseAt(5)
	states := newStateWaiter(models.StatePaused)
	engine := newTestEngine(svc)

	c := engine.Start(context.Background(), localfs.FromBytes("a.bin", data), "root",
		WithConcurrency(1),
		WithProgress(pauser.progress),
		WithStateCallback(states.callback),
	)
	pauser.start(c)
	states.wait(t, models.StatePaused)

	assert.Equal(t, 5, svc.Calls(cloudtest.OpUpload))
	assert.ErrorIs(t, c.Pause(), ErrInvalidState)
	assert.Eventually(t, func() bool { return engine.manager.GetStats().Active == 0 },
		time.Second, time.Millisecond, "paused task must give back its slot")

	require.NoError(t, c.Resume())
	res := waitResult(t, c)

	require.Equal(t, models.StateCompleted, res.State)
	assert.Equal(t, 12, svc.Calls(cloudtest.OpUpload))
	assert.Equal(t, 2, svc.Calls(cloudtest.OpRegister), "resume must re-list stored chunks")
	assert.Contains(t, c.History(), models.StatePaused)
	assertLegalHistory(t, c.History())
}

func TestScenarioD_TransientChunkFailure(t *testing.T) {
	svc := smallService()
	svc.FailChunk(7, errBlip, 2)
	data := content(24*smallChunk, 5)

	res := waitResult(t, newTestEngine(svc).Start(context.Background(), localfs.FromBytes("a.bin", data), "root"))

	require.Equal(t, models.StateCompleted, res.State, "err: %v", res.Err)
	assert.Equal(t, 3, svc.Attempts(7))
}

func TestRetriesExhausted(t *testing.T) {
	svc := smallService()
	svc.FailChunk(3, errBlip, -1)
	data := content(8*smallChunk, 6)
	engine := newTestEngine(svc)
	failures := engine.Subscribe(events.EventTaskFailed)

	res := waitResult(t, engine.Start(context.Background(), localfs.FromBytes("a.bin", data), "root", WithConcurrency(1)))

	require.Equal(t, models.StateFailed, res.State)
	require.NotNil(t, res.Err)
	assert.Equal(t, cloud.KindTransient, res.Err.Kind)
	assert.Contains(t, res.Err.Chunks, 3)
	assert.NotContains(t, res.Err.Chunks, 0)
	assert.Equal(t, 4, svc.Attempts(3))

	select {
	case ev := <-failures:
		fe := ev.(*events.FailureEvent)
		assert.Equal(t, "transient", fe.Kind)
		assert.Contains(t, fe.Chunks, 3)
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
	select {
	case ev := <-failures:
		t.Fatalf("second failure event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	pending, err := engine.Pending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1, "failed task stays resumable")
}

func TestNonRetriableChunkFailure(t *testing.T) {
	tests := []struct {
		name string
		kind cloud.Kind
		is   error
	}{
		{"auth", cloud.KindAuth, cloud.ErrAuth},
		{"quota", cloud.KindQuota, cloud.ErrQuotaExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := smallService()
			svc.FailChunk(2, cloud.NewError(tt.kind, "upload-chunk", errors.New("rejected")), 1)
			data := content(6*smallChunk, 7)

			res := waitResult(t, newTestEngine(svc).Start(context.Background(), localfs.FromBytes("a.bin", data), "root"))

			require.Equal(t, models.StateFailed, res.State)
			assert.ErrorIs(t, res.Err, tt.is)
			assert.Equal(t, 1, svc.Attempts(2))
		})
	}
}

type unreadable struct{ size int64 }

func (u unreadable) ReadAt([]byte, int64) (int, error) { return 0, errors.New("input/output error") }
func (u unreadable) Name() string                      { return "bad.bin" }
func (u unreadable) Size() int64                       { return u.size }

func TestSourceReadFailure(t *testing.T) {
	svc := smallService()
	c := newTestEngine(svc).Start(context.Background(), unreadable{size: 100}, "root")
	res := waitResult(t, c)

	require.Equal(t, models.StateFailed, res.State)
	assert.ErrorIs(t, res.Err, cloud.ErrSourceRead)
	assert.Equal(t, []models.TaskState{models.StateCreated, models.StateHashing, models.StateFailed}, c.History())
	assert.Zero(t, svc.Calls(cloudtest.OpCheck))
}

func TestMergeConflictRelists(t *testing.T) {
	svc := smallService()
	svc.Fail(cloudtest.OpMerge, cloud.NewError(cloud.KindConflict, "merge", errors.New("chunk count mismatch")), 1)
	data := content(5*smallChunk, 8)

	c := newTestEngine(svc).Start(context.Background(), localfs.FromBytes("a.bin", data), "root")
	res := waitResult(t, c)

	require.Equal(t, models.StateCompleted, res.State, "err: %v", res.Err)
	assert.Equal(t, 2, svc.Calls(cloudtest.OpRegister))
	assert.Equal(t, 5, svc.Calls(cloudtest.OpUpload), "stored chunks are not sent again")
	assertLegalHistory(t, c.History())
}

func TestConflictRetriesCapped(t *testing.T) {
	svc := smallService()
	svc.Fail(cloudtest.OpMerge, cloud.NewError(cloud.KindConflict, "merge", errors.New("expired")), -1)
	data := content(3*smallChunk, 9)
	engine := newTestEngine(svc)

	res := waitResult(t, engine.Start(context.Background(), localfs.FromBytes("a.bin", data), "root"))

	require.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, cloud.KindConflict, res.Err.Kind)
	assert.Equal(t, 1+engine.cfg.MaxConflictRetries, svc.Calls(cloudtest.OpRegister))
}

func TestExpiredTaskStartsOver(t *testing.T) {
	svc := smallService()
	data := content(8*smallChunk, 10)
	var expired atomic.Bool
	svc.BeforeUpload = func(_ context.Context, req cloud.ChunkRequest) error {
		if req.Index == 5 && expired.CompareAndSwap(false, true) {
			svc.ExpireTask(req.TaskID)
		}
		return nil
	}

	c := newTestEngine(svc).Start(context.Background(), localfs.FromBytes("a.bin", data), "root", WithConcurrency(1))
	res := waitResult(t, c)

	require.Equal(t, models.StateCompleted, res.State, "err: %v", res.Err)
	assert.Equal(t, 2, svc.Calls(cloudtest.OpRegister))
	stored, ok := svc.Object(c.Snapshot().Fingerprint)
	require.True(t, ok)
	assert.Equal(t, data, stored)
}

// blockChunk makes uploads of idx wait for their context and reports when
// the first one starts.
func blockChunk(svc *cloudtest.Service, idx int) <-chan struct{} {
	entered := make(chan struct{})
	var once sync.Once
	svc.BeforeUpload = func(ctx context.Context, req cloud.ChunkRequest) error {
		if req.Index != idx {
			return nil
		}
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return ctx.Err()
	}
	return entered
}

func TestCancelNotifiesService(t *testing.T) {
	svc := smallService()
	entered := blockChunk(svc, 2)
	data := content(6*smallChunk, 11)
	engine := newTestEngine(svc)

	c := engine.Start(context.Background(), localfs.FromBytes("a.bin", data), "root", WithConcurrency(1))
	<-entered
	require.NoError(t, c.Cancel())
	res := waitResult(t, c)

	assert.Equal(t, models.StateCanceled, res.State)
	assert.Nil(t, res.Err)
	assert.Equal(t, 1, svc.Calls(cloudtest.OpCancel))
	assert.Empty(t, svc.StoredChunks(c.Snapshot().TaskID), "service reclaimed the task")
	assert.ErrorIs(t, c.Cancel(), ErrInvalidState)

	pending, err := engine.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestParentContextInterruptsUpload(t *testing.T) {
	svc := smallService()
	entered := blockChunk(svc, 2)
	data := content(6*smallChunk, 12)
	engine := newTestEngine(svc)

	ctx, cancel := context.WithCancel(context.Background())
	c := engine.Start(ctx, localfs.FromBytes("a.bin", data), "root", WithConcurrency(1))
	<-entered
	cancel()
	res := waitResult(t, c)

	require.Equal(t, models.StateFailed, res.State)
	assert.Equal(t, cloud.KindCanceled, res.Err.Kind)
	assert.Equal(t, []int{2, 3, 4, 5}, res.Err.Chunks)
	assert.Zero(t, svc.Calls(cloudtest.OpCancel))

	pending, err := engine.Pending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestCancelWhileWaitingForSlot(t *testing.T) {
	svc := smallService()
	manager := transfer.NewManager(1)
	release, err := manager.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	c := newTestEngine(svc, WithManager(manager)).Start(context.Background(), localfs.FromBytes("a.bin", content(32, 13)), "root")
	assert.Equal(t, models.StateCreated, c.State())
	require.NoError(t, c.Cancel())
	res := waitResult(t, c)

	assert.Equal(t, models.StateCanceled, res.State)
	assert.Equal(t, []models.TaskState{models.StateCreated, models.StateCanceled}, c.History())
	assert.Zero(t, svc.Calls(cloudtest.OpCheck))
}

func TestInvalidHandleOperations(t *testing.T) {
	svc := smallService()
	c := newTestEngine(svc).Start(context.Background(), localfs.FromBytes("a.bin", content(40, 14)), "root")
	assert.ErrorIs(t, c.Resume(), ErrInvalidState)

	res := waitResult(t, c)
	require.Equal(t, models.StateCompleted, res.State)
	assert.ErrorIs(t, c.Pause(), ErrInvalidState)
	assert.ErrorIs(t, c.Resume(), ErrInvalidState)
	assert.ErrorIs(t, c.Cancel(), ErrInvalidState)
}

// plainStore hides the Locker implementation of the wrapped store.
type plainStore struct{ state.Store }

func TestSecondDriverRejected(t *testing.T) {
	tests := []struct {
		name  string
		store state.Store
	}{
		{"fingerprint lock", state.NewMemoryStore()},
		{"remote task claim", plainStore{state.NewMemoryStore()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := smallService()
			entered := make(chan struct{})
			gate := make(chan struct{})
			var once sync.Once
			svc.BeforeUpload = func(ctx context.Context, req cloud.ChunkRequest) error {
				once.Do(func() { close(entered) })
				<-gate
				return nil
			}
			data := content(4*smallChunk, 15)
			engine := newTestEngine(svc, WithStore(tt.store))

			first := engine.Start(context.Background(), localfs.FromBytes("a.bin", data), "root")
			<-entered
			second := waitResult(t, engine.Start(context.Background(), localfs.FromBytes("a.bin", data), "root"))
			close(gate)

			require.Equal(t, models.StateFailed, second.State)
			assert.ErrorIs(t, second.Err, ErrTaskInUse)
			assert.Equal(t, cloud.KindFatal, second.Err.Kind)

			res := waitResult(t, first)
			assert.Equal(t, models.StateCompleted, res.State)
		})
	}
}

func TestZeroByteFile(t *testing.T) {
	svc := smallService()
	c := newTestEngine(svc).Start(context.Background(), localfs.FromBytes("empty", nil), "root")
	res := waitResult(t, c)

	require.Equal(t, models.StateCompleted, res.State, "err: %v", res.Err)
	assert.Zero(t, svc.Calls(cloudtest.OpUpload))
	assert.Equal(t, 1, svc.Calls(cloudtest.OpMerge))
	assert.Equal(t, 1.0, c.Snapshot().Progress())
}

func TestChunkDigestsSent(t *testing.T) {
	svc := smallService()
	data := content(3*smallChunk+5, 16)
	var mu sync.Mutex
	digests := make(map[int]string)
	svc.BeforeUpload = func(_ context.Context, req cloud.ChunkRequest) error {
		mu.Lock()
		defer mu.Unlock()
		digests[req.Index] = req.Digest
		return nil
	}
	cfg := testConfig()
	cfg.ChunkDigests = true

	res := waitResult(t, NewEngine(svc, WithConfig(cfg)).Start(context.Background(), localfs.FromBytes("a.bin", data), "root"))
	require.Equal(t, models.StateCompleted, res.State)

	require.Len(t, digests, 4)
	for idx, got := range digests {
		end := min((idx+1)*smallChunk, len(data))
		sum := md5.Sum(data[idx*smallChunk : end])
		assert.Equal(t, hex.EncodeToString(sum[:]), got, "chunk %d", idx)
	}
}

func TestProgressEvents(t *testing.T) {
	svc := smallService()
	data := content(4*smallChunk, 17)
	engine := newTestEngine(svc)
	var mu sync.Mutex
	var acked []int64
	record := func(p models.ChunkProgress) {
		if p.Status == models.ChunkAcked {
			mu.Lock()
			acked = append(acked, p.AckedBytes)
			mu.Unlock()
		}
	}

	res := waitResult(t, engine.Start(context.Background(), localfs.FromBytes("a.bin", data), "root", WithProgress(record)))
	require.Equal(t, models.StateCompleted, res.State)

	require.Len(t, acked, 4)
	for i := 1; i < len(acked); i++ {
		assert.Greater(t, acked[i], acked[i-1], "acked bytes must grow")
	}
	assert.Equal(t, int64(len(data)), acked[len(acked)-1])
}

func TestRandomEventsKeepStateMachineLegal(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 25; run++ {
		svc := smallService()
		delay := time.Duration(rng.Intn(300)) * time.Microsecond
		svc.BeforeUpload = func(ctx context.Context, _ cloud.ChunkRequest) error {
			select {
			case <-time.After(delay):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if rng.Intn(4) == 0 {
			svc.FailChunk(rng.Intn(10), errBlip, 1)
		}
		data := content(10*smallChunk, byte(run))
		c := newTestEngine(svc).Start(context.Background(), localfs.FromBytes("a.bin", data), "root",
			WithConcurrency(1+rng.Intn(3)))

		ops := rng.Intn(40)
	loop:
		for i := 0; ; i++ {
			select {
			case <-c.Done():
				break loop
			default:
			}
			switch op := rng.Intn(20); {
			case i >= ops:
				_ = c.Resume()
			case op == 0:
				_ = c.Cancel()
			case op < 10:
				_ = c.Pause()
			default:
				_ = c.Resume()
			}
			time.Sleep(time.Duration(rng.Intn(500)) * time.Microsecond)
		}

		res := waitResult(t, c)
		assertLegalHistory(t, c.History())
		assert.Contains(t, []models.TaskState{models.StateCompleted, models.StateCanceled}, res.State,
			"run %d ended %s: %v", run, res.State, res.Err)
		if res.State == models.StateCompleted {
			stored, ok := svc.Object(c.Snapshot().Fingerprint)
			require.True(t, ok)
			assert.Equal(t, data, stored)
		}
	}
}

// uploadingCoordinator returns a coordinator parked in StateUploading with an
// open stop channel, without a run goroutine.
func uploadingCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	engine := newTestEngine(smallService())
	task := models.NewUploadTask("t1", "a.bin", 0, "root")
	for _, s := range []models.TaskState{models.StateHashing, models.StateProbingDedup, models.StateListing} {
		_, err := task.SetState(s)
		require.NoError(t, err)
	}
	c := &Coordinator{engine: engine, task: task, logger: engine.logger.Task(task.ID)}
	_, err := c.beginUpload()
	require.NoError(t, err)
	return c
}

func TestPause_Repeated(t *testing.T) {
	c := uploadingCoordinator(t)

	require.NoError(t, c.Pause())
	require.NotPanics(t, func() { assert.NoError(t, c.Pause()) })
	select {
	case <-c.stop:
	default:
		t.Fatal("stop channel should be closed after Pause")
	}
}

func TestPause_AfterLastChunkThenMerge(t *testing.T) {
	c := uploadingCoordinator(t)

	// Pause lands after the transferor already finished the round.
	require.NoError(t, c.Pause())
	require.NoError(t, c.beginMerge())

	assert.False(t, c.pausing, "merge drops the late pause")
	assert.ErrorIs(t, c.Pause(), ErrInvalidState)
	assert.Equal(t, models.StateMerging, c.State())
}

func TestPause_StopAlreadyClosed(t *testing.T) {
	c := uploadingCoordinator(t)
	close(c.stop)

	require.NotPanics(t, func() { assert.NoError(t, c.Pause()) })
	assert.True(t, c.pausing)
}
