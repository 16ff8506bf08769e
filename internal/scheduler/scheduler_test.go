package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
	"github.com/JakeFAU/readlater-archiver/internal/browser"
	"github.com/JakeFAU/readlater-archiver/internal/capture"
	"github.com/JakeFAU/readlater-archiver/internal/events"
	"github.com/JakeFAU/readlater-archiver/internal/policy/ratelimit"
	queuememory "github.com/JakeFAU/readlater-archiver/internal/queue/memory"
	"github.com/JakeFAU/readlater-archiver/internal/storage/memory"
	"github.com/JakeFAU/readlater-archiver/internal/storage/storetest"
)

const testPrefix = "archives"

type captureFunc func(ctx context.Context, job archive.Job) (archive.CaptureResult, error)

func (f captureFunc) Capture(ctx context.Context, job archive.Job) (archive.CaptureResult, error) {
	return f(ctx, job)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) kinds(itemID string) []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Kind
	for _, evt := range r.events {
		if evt.ItemID == itemID {
			out = append(out, evt.Kind)
		}
	}
	return out
}

type harness struct {
	sched   *Scheduler
	store   archive.ItemStore
	blobs   *memory.BlobStore
	clock   *storetest.Clock
	emitter *recordingEmitter
	cancel  context.CancelFunc
	done    chan struct{}
}

func fakeLauncher(context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return ctx, cancel, nil
}

func newHarness(t *testing.T, size int, launcher browser.Launcher, capturer archive.Capturer, store archive.ItemStore) *harness {
	t.Helper()
	clock := storetest.NewClock()
	if store == nil {
		store = memory.NewItemStore(clock)
	}
	if launcher == nil {
		launcher = fakeLauncher
	}
	pool, err := browser.NewPool(size, launcher, nil)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	h := &harness{
		store:   store,
		blobs:   memory.NewBlobStore(),
		clock:   clock,
		emitter: &recordingEmitter{},
		done:    make(chan struct{}),
	}
	h.sched, err = New(Config{
		Concurrency:    size,
		CaptureTimeout: time.Second,
		WriteTimeout:   time.Second,
		StaleAfter:     5 * time.Minute,
		Prefix:         testPrefix,
	}, queuememory.NewQueue(), pool, capturer, store, h.blobs, h.emitter, clock, nil)
	require.NoError(t, err)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		h.sched.Run(ctx)
	}()
	t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

func (h *harness) save(t *testing.T, id string) archive.Item {
	t.Helper()
	it := storetest.NewItem(t, h.clock, id, "alice", "https://example.com/"+id, "")
	require.NoError(t, h.store.Create(context.Background(), it))
	require.NoError(t, h.sched.Enqueue(context.Background(), archive.JobFor(it, h.clock.Now())))
	return it
}

func (h *harness) waitStatus(t *testing.T, id string, status archive.Status) archive.Item {
	t.Helper()
	var got archive.Item
	require.Eventually(t, func() bool {
		it, err := h.store.Get(context.Background(), "alice", id)
		if err != nil {
			return false
		}
		got = it
		return it.Status == status
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

// writeArtifacts stores the two required artifacts the way the worker lays them out.
func writeArtifacts(ctx context.Context, blobs archive.BlobStore, job archive.Job) (archive.CaptureResult, error) {
	base := capture.AttemptPrefix(testPrefix, job.ItemID, job.Attempt)
	shot, err := blobs.PutObject(ctx, base+capture.ScreenshotPNG, "image/png", bytes.NewReader([]byte("png")))
	if err != nil {
		return archive.CaptureResult{}, err
	}
	pdf, err := blobs.PutObject(ctx, base+capture.PDFFile, "application/pdf", bytes.NewReader([]byte("pdf")))
	if err != nil {
		return archive.CaptureResult{}, err
	}
	return archive.CaptureResult{
		Title:      "Captured " + job.ItemID,
		FinalURL:   job.URL,
		StatusCode: 200,
		Artifacts: archive.Artifacts{
			ScreenshotRef: shot,
			PDFRef:        pdf,
			ExtractedText: "body text for " + job.ItemID,
		},
	}, nil
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	pool, err := browser.NewPool(1, fakeLauncher, nil)
	require.NoError(t, err)
	_, err = New(Config{}, nil, pool, captureFunc(nil), memory.NewItemStore(nil), memory.NewBlobStore(), nil, storetest.NewClock(), nil)
	require.Error(t, err)
	_, err = New(Config{}, queuememory.NewQueue(), nil, captureFunc(nil), memory.NewItemStore(nil), memory.NewBlobStore(), nil, storetest.NewClock(), nil)
	require.Error(t, err)
}

func TestSchedulerBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var (
		running atomic.Int32
		peak    atomic.Int32
	)
	var blobs archive.BlobStore
	capturer := captureFunc(func(ctx context.Context, job archive.Job) (archive.CaptureResult, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		return writeArtifacts(ctx, blobs, job)
	})
	h := newHarness(t, 2, nil, capturer, nil)
	blobs = h.blobs
	h.start(t)

	const jobs = 7
	for i := 0; i < jobs; i++ {
		h.save(t, fmt.Sprintf("item-%d", i))
	}
	for i := 0; i < jobs; i++ {
		it := h.waitStatus(t, fmt.Sprintf("item-%d", i), archive.StatusCompleted)
		require.NoError(t, it.CheckPayload())
		assert.Equal(t, fmt.Sprintf("Captured item-%d", i), it.Title)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, []events.Kind{events.KindCaptureStarted, events.KindCaptureCompleted}, h.emitter.kinds("item-0"))
	require.Eventually(t, func() bool { return h.sched.Outstanding() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerTimeoutThenRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var blobs archive.BlobStore
	capturer := captureFunc(func(ctx context.Context, job archive.Job) (archive.CaptureResult, error) {
		if calls.Add(1) == 1 {
			return archive.CaptureResult{}, archive.NewCaptureError(archive.FailureTimeout, "page did not load within 45s", context.DeadlineExceeded)
		}
		return writeArtifacts(ctx, blobs, job)
	})
	h := newHarness(t, 1, nil, capturer, nil)
	blobs = h.blobs
	h.start(t)

	h.save(t, "slow")
	failed := h.waitStatus(t, "slow", archive.StatusFailed)
	assert.Contains(t, failed.FailureReason, "timeout")
	require.NoError(t, failed.CheckPayload())

	retried, err := h.store.ResetForRetry(context.Background(), "alice", "slow")
	require.NoError(t, err)
	require.Equal(t, archive.StatusPending, retried.Status)
	require.NoError(t, h.sched.Enqueue(context.Background(), archive.JobFor(retried, h.clock.Now())))

	done := h.waitStatus(t, "slow", archive.StatusCompleted)
	assert.Equal(t, 2, done.Attempt)
	assert.Empty(t, done.FailureReason)
	assert.Equal(t, "memory://archives/slow/2/screenshot.png", done.ScreenshotRef)
}

func TestSchedulerDeleteMidCapture(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var blobs archive.BlobStore
	capturer := captureFunc(func(ctx context.Context, job archive.Job) (archive.CaptureResult, error) {
		res, err := writeArtifacts(ctx, blobs, job)
		close(started)
		<-release
		return res, err
	})
	h := newHarness(t, 1, nil, capturer, nil)
	blobs = h.blobs
	h.start(t)

	h.save(t, "doomed")
	<-started
	_, err := h.store.Delete(context.Background(), "alice", "doomed")
	require.NoError(t, err)
	close(release)

	require.Eventually(t, func() bool {
		return len(h.blobs.Keys()) == 0
	}, 2*time.Second, 5*time.Millisecond)
	_, err = h.store.Get(context.Background(), "alice", "doomed")
	require.ErrorIs(t, err, archive.ErrNotFound)
	assert.Equal(t, []events.Kind{events.KindCaptureStarted}, h.emitter.kinds("doomed"))
}

// failingStore rejects completed writes so the storage fallback path runs.
type failingStore struct {
	*memory.ItemStore
}

func (s failingStore) UpdateStatus(ctx context.Context, id string, attempt int, outcome archive.Outcome) (archive.Item, error) {
	if outcome.Status == archive.StatusCompleted {
		return archive.Item{}, errors.New("disk full")
	}
	return s.ItemStore.UpdateStatus(ctx, id, attempt, outcome)
}

func TestSchedulerStorageFailureMarksFailed(t *testing.T) {
	t.Parallel()

	var blobs archive.BlobStore
	capturer := captureFunc(func(ctx context.Context, job archive.Job) (archive.CaptureResult, error) {
		return writeArtifacts(ctx, blobs, job)
	})
	store := failingStore{ItemStore: memory.NewItemStore(nil)}
	h := newHarness(t, 1, nil, capturer, store)
	blobs = h.blobs
	h.start(t)

	h.save(t, "unlucky")
	it := h.waitStatus(t, "unlucky", archive.StatusFailed)
	assert.Equal(t, "storage error: could not record capture result", it.FailureReason)
	assert.Empty(t, h.blobs.Keys())
}

func TestSchedulerLaunchFailure(t *testing.T) {
	t.Parallel()

	launcher := func(context.Context) (context.Context, context.CancelFunc, error) {
		return nil, nil, errors.New("chrome not found")
	}
	capturer := captureFunc(func(context.Context, archive.Job) (archive.CaptureResult, error) {
		t.Error("capturer must not run without a browser")
		return archive.CaptureResult{}, nil
	})
	h := newHarness(t, 1, launcher, capturer, nil)
	h.start(t)

	h.save(t, "nobrowser")
	it := h.waitStatus(t, "nobrowser", archive.StatusFailed)
	assert.Equal(t, "resource exhausted: could not start browser", it.FailureReason)
	assert.Equal(t, []events.Kind{events.KindCaptureFailed}, h.emitter.kinds("nobrowser"))
}

func TestSchedulerShutdownLeavesPending(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	capturer := captureFunc(func(ctx context.Context, _ archive.Job) (archive.CaptureResult, error) {
		close(started)
		<-ctx.Done()
		return archive.CaptureResult{}, archive.NewCaptureError(archive.FailureInternal, "canceled", ctx.Err())
	})
	h := newHarness(t, 1, nil, capturer, nil)
	h.start(t)

	h.save(t, "interrupted")
	<-started
	h.stop()

	it, err := h.store.Get(context.Background(), "alice", "interrupted")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusPending, it.Status)
}

func TestSchedulerReconcile(t *testing.T) {
	t.Parallel()

	var blobs archive.BlobStore
	capturer := captureFunc(func(ctx context.Context, job archive.Job) (archive.CaptureResult, error) {
		return writeArtifacts(ctx, blobs, job)
	})
	h := newHarness(t, 1, nil, capturer, nil)
	blobs = h.blobs

	for _, id := range []string{"stuck-1", "stuck-2"} {
		it := storetest.NewItem(t, h.clock, id, "alice", "https://example.com/"+id, "")
		require.NoError(t, h.store.Create(context.Background(), it))
	}
	n, err := h.sched.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "fresh pending items are not stale")

	h.clock.Advance(10 * time.Minute)
	n, err = h.sched.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = h.sched.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "queued attempts are not enqueued twice")

	h.start(t)
	h.waitStatus(t, "stuck-1", archive.StatusCompleted)
	h.waitStatus(t, "stuck-2", archive.StatusCompleted)
}

func TestSchedulerSweepRecoversItemsLeftByPreviousRun(t *testing.T) {
	t.Parallel()

	clock := storetest.NewClock()
	store := memory.NewItemStore(clock)

	// First process: the capture is interrupted by shutdown.
	started := make(chan struct{})
	first := newHarness(t, 1, nil, captureFunc(func(ctx context.Context, _ archive.Job) (archive.CaptureResult, error) {
		close(started)
		<-ctx.Done()
		return archive.CaptureResult{}, archive.NewCaptureError(archive.FailureInternal, "canceled", ctx.Err())
	}), store)
	it := storetest.NewItem(t, clock, "restarted", "alice", "https://example.com/restarted", "")
	require.NoError(t, store.Create(context.Background(), it))
	require.NoError(t, first.sched.Enqueue(context.Background(), archive.JobFor(it, clock.Now())))
	first.start(t)
	<-started
	first.stop()

	// Second process starts before the item is stale, so the startup sweep
	// finds nothing; the periodic sweep must pick it up later.
	var blobs archive.BlobStore
	second := newHarness(t, 1, nil, captureFunc(func(ctx context.Context, job archive.Job) (archive.CaptureResult, error) {
		return writeArtifacts(ctx, blobs, job)
	}), store)
	blobs = second.blobs
	second.sched.clock = clock
	second.sched.cfg.ReconcileInterval = 10 * time.Millisecond

	n, err := second.sched.Reconcile(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	second.start(t)

	time.Sleep(30 * time.Millisecond)
	got, err := store.Get(context.Background(), "alice", "restarted")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusPending, got.Status, "not stale yet")

	clock.Advance(6 * time.Minute)
	require.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), "alice", "restarted")
		return err == nil && got.Status == archive.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, second.sched.Outstanding())
}

func TestNewDerivesReconcileInterval(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, nil, captureFunc(func(context.Context, archive.Job) (archive.CaptureResult, error) {
		return archive.CaptureResult{}, nil
	}), nil)
	assert.Equal(t, 150*time.Second, h.sched.cfg.ReconcileInterval)
}

func TestSchedulerSiteRateLimitWaitsBeforeLeasingBrowser(t *testing.T) {
	t.Parallel()

	var (
		mu        sync.Mutex
		starts    []time.Time
		remaining []time.Duration
	)
	var blobs archive.BlobStore
	capturer := captureFunc(func(ctx context.Context, job archive.Job) (archive.CaptureResult, error) {
		deadline, _ := ctx.Deadline()
		mu.Lock()
		starts = append(starts, time.Now())
		remaining = append(remaining, time.Until(deadline))
		mu.Unlock()
		return writeArtifacts(ctx, blobs, job)
	})
	var launches []time.Time
	launcher := func(ctx context.Context) (context.Context, context.CancelFunc, error) {
		mu.Lock()
		launches = append(launches, time.Now())
		mu.Unlock()
		return fakeLauncher(ctx)
	}
	h := newHarness(t, 2, launcher, capturer, nil)
	blobs = h.blobs
	// One capture per 300ms for the site; the capture budget is 1s.
	h.sched.limiter = ratelimit.New(ratelimit.Config{QPS: 1 / 0.3, Burst: 1})
	h.start(t)

	h.save(t, "first")
	h.save(t, "second")
	h.waitStatus(t, "first", archive.StatusCompleted)
	h.waitStatus(t, "second", archive.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 2)
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), 200*time.Millisecond)
	for _, r := range remaining {
		assert.Greater(t, r, 800*time.Millisecond, "throttling must not eat the capture budget")
	}
	// The throttled job launched its browser only after the wait.
	require.Len(t, launches, 2)
	assert.GreaterOrEqual(t, launches[1].Sub(launches[0]), 200*time.Millisecond)
}
