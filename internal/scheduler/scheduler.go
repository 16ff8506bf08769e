// Package scheduler owns admission control for captures. It runs a fixed set
// of dispatch loops over the capture queue, leases one browser per capture
// from a bounded pool and writes every outcome back to the item store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
	"github.com/JakeFAU/readlater-archiver/internal/browser"
	"github.com/JakeFAU/readlater-archiver/internal/capture"
	"github.com/JakeFAU/readlater-archiver/internal/events"
	"github.com/JakeFAU/readlater-archiver/internal/logging"
	"github.com/JakeFAU/readlater-archiver/internal/metrics"
	"github.com/JakeFAU/readlater-archiver/internal/policy/ratelimit"
)

// Config controls dispatch and write-back behavior.
type Config struct {
	// Concurrency is the number of dispatch loops. It should match the
	// browser pool size; extra loops only wait on Acquire.
	Concurrency    int
	CaptureTimeout time.Duration
	WriteTimeout   time.Duration
	StaleAfter     time.Duration
	ReconcileBatch int
	// ReconcileInterval is how often Run sweeps for stale pending items.
	// Zero means StaleAfter/2; negative disables the sweep.
	ReconcileInterval time.Duration
	// DomainQPS spaces captures of the same site. The wait happens before a
	// browser is leased and does not count against CaptureTimeout. Zero
	// disables it.
	DomainQPS float64
	// Prefix is the artifact key prefix used for cleanup of orphaned attempts.
	Prefix string
}

const (
	defaultCaptureTimeout = 90 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultStaleAfter     = 5 * time.Minute
	defaultReconcileBatch = 500
)

const tracerName = "github.com/JakeFAU/readlater-archiver/internal/scheduler"

type jobKey struct {
	id      string
	attempt int
}

// Scheduler dispatches queued capture jobs to the capturer.
type Scheduler struct {
	cfg      Config
	queue    archive.Queue
	pool     *browser.Pool
	capturer archive.Capturer
	store    archive.ItemStore
	blobs    archive.BlobStore
	emitter  events.Emitter
	clock    archive.Clock
	logger   *zap.Logger
	limiter  *ratelimit.Limiter

	mu      sync.Mutex
	tracked map[jobKey]struct{}
}

// New constructs a Scheduler. emitter and logger may be nil.
func New(
	cfg Config,
	queue archive.Queue,
	pool *browser.Pool,
	capturer archive.Capturer,
	store archive.ItemStore,
	blobs archive.BlobStore,
	emitter events.Emitter,
	clock archive.Clock,
	logger *zap.Logger,
) (*Scheduler, error) {
	switch {
	case queue == nil:
		return nil, errors.New("queue is required")
	case pool == nil:
		return nil, errors.New("browser pool is required")
	case capturer == nil:
		return nil, errors.New("capturer is required")
	case store == nil:
		return nil, errors.New("item store is required")
	case blobs == nil:
		return nil, errors.New("blob store is required")
	case clock == nil:
		return nil, errors.New("clock is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = pool.Size()
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = defaultCaptureTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.ReconcileBatch <= 0 {
		cfg.ReconcileBatch = defaultReconcileBatch
	}
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = cfg.StaleAfter / 2
	}
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &Scheduler{
		cfg:      cfg,
		queue:    queue,
		pool:     pool,
		capturer: capturer,
		store:    store,
		blobs:    blobs,
		emitter:  emitter,
		clock:    clock,
		logger:   logging.OrNop(logger).Named("scheduler"),
		limiter:  ratelimit.New(ratelimit.Config{QPS: cfg.DomainQPS, Burst: 1}),
		tracked:  make(map[jobKey]struct{}),
	}, nil
}

// Enqueue adds a job. A job for an attempt already queued or running is
// accepted and ignored.
func (s *Scheduler) Enqueue(ctx context.Context, job archive.Job) error {
	_, err := s.enqueue(ctx, job)
	return err
}

func (s *Scheduler) enqueue(ctx context.Context, job archive.Job) (bool, error) {
	key := jobKey{id: job.ItemID, attempt: job.Attempt}
	s.mu.Lock()
	if _, ok := s.tracked[key]; ok {
		s.mu.Unlock()
		s.logger.Debug("job already tracked", logging.ItemFields(job.ItemID, job.Owner, job.Attempt)...)
		return false, nil
	}
	s.tracked[key] = struct{}{}
	s.mu.Unlock()

	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.untrack(key)
		return false, fmt.Errorf("queue enqueue: %w", err)
	}
	metrics.SetQueueDepth(s.queue.Len())
	return true, nil
}

// Outstanding reports jobs that are queued or running.
func (s *Scheduler) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked)
}

func (s *Scheduler) untrack(key jobKey) {
	s.mu.Lock()
	delete(s.tracked, key)
	s.mu.Unlock()
}

// Run starts the dispatch loops and the stale-pending sweep, and blocks until
// ctx is done and every loop has returned. Jobs interrupted by shutdown stay
// pending until a later sweep picks them up.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if s.cfg.ReconcileInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.watchStale(ctx, s.cfg.ReconcileInterval)
		}()
	}
	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			s.loop(ctx, s.logger.With(zap.Int("worker", idx)))
		}(i)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, logger *zap.Logger) {
	for {
		job, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("dispatch loop stopping", zap.Error(err))
			}
			return
		}
		metrics.SetQueueDepth(s.queue.Len())
		s.process(ctx, job, logger.With(logging.ItemFields(job.ItemID, job.Owner, job.Attempt)...))
	}
}

func (s *Scheduler) process(ctx context.Context, job archive.Job, logger *zap.Logger) {
	key := jobKey{id: job.ItemID, attempt: job.Attempt}
	defer s.untrack(key)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "capture", trace.WithAttributes(
		attribute.String("item_id", job.ItemID),
		attribute.Int("attempt", job.Attempt),
	))
	defer span.End()

	if err := s.limiter.Wait(ctx, job.URL); err != nil {
		if ctx.Err() != nil {
			logger.Info("capture not started before shutdown; item stays pending")
			return
		}
		s.finish(ctx, job, archive.CaptureResult{}, archive.NewCaptureError(archive.FailureTimeout, "site rate limit wait failed", err), s.clock.Now(), logger)
		return
	}

	start := s.clock.Now()
	sess, err := s.pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, browser.ErrPoolClosed) {
			logger.Info("capture not started before shutdown; item stays pending")
			return
		}
		logger.Error("browser session unavailable", zap.Error(err))
		s.finish(ctx, job, archive.CaptureResult{}, archive.NewCaptureError(archive.FailureResources, "could not start browser", err), start, logger)
		return
	}

	s.emitter.Emit(events.Event{
		Kind:    events.KindCaptureStarted,
		ItemID:  job.ItemID,
		Owner:   job.Owner,
		TS:      s.clock.Now(),
		Status:  archive.StatusPending,
		Attempt: job.Attempt,
		URL:     job.URL,
	})
	metrics.IncActiveCaptures()

	captureCtx, cancel := context.WithTimeout(trace.ContextWithSpan(sess.Context(), span), s.cfg.CaptureTimeout)
	stopForward := forwardCancel(ctx, cancel)
	result, captureErr := s.capturer.Capture(captureCtx, job)
	stopForward()
	cancel()
	sess.Release()
	metrics.DecActiveCaptures()
	if captureErr != nil {
		span.RecordError(captureErr)
		span.SetStatus(codes.Error, string(archive.AsCaptureError(captureErr).Kind))
	}

	if captureErr != nil && ctx.Err() != nil {
		logger.Info("capture interrupted by shutdown; item stays pending", zap.Error(captureErr))
		if err := s.blobs.DeletePrefix(context.WithoutCancel(ctx), capture.AttemptPrefix(s.cfg.Prefix, job.ItemID, job.Attempt)); err != nil {
			logger.Warn("cleanup of interrupted attempt failed", zap.Error(err))
		}
		return
	}
	s.finish(ctx, job, result, captureErr, start, logger)
}

// finish writes the terminal outcome of one attempt. The write runs on a
// context detached from shutdown so a finished capture is never lost.
func (s *Scheduler) finish(
	ctx context.Context,
	job archive.Job,
	result archive.CaptureResult,
	captureErr error,
	start time.Time,
	logger *zap.Logger,
) {
	var (
		outcome archive.Outcome
		kind    archive.FailureKind
	)
	if captureErr != nil {
		ce := archive.AsCaptureError(captureErr)
		kind = ce.Kind
		outcome = archive.Failed(ce.Reason())
		logger.Info("capture failed", zap.String("kind", string(ce.Kind)), zap.String("reason", ce.Reason()), zap.Error(ce.Err))
	} else {
		outcome = archive.Completed(result)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
	defer cancel()

	item, err := s.store.UpdateStatus(writeCtx, job.ItemID, job.Attempt, outcome)
	if err != nil && !isDropped(err) && outcome.Status == archive.StatusCompleted {
		logger.Error("recording capture result failed", zap.Error(err))
		s.discardAttempt(writeCtx, job, logger)
		storageErr := archive.NewCaptureError(archive.FailureStorage, "could not record capture result", err)
		kind = storageErr.Kind
		outcome = archive.Failed(storageErr.Reason())
		item, err = s.store.UpdateStatus(writeCtx, job.ItemID, job.Attempt, outcome)
	}

	elapsed := s.clock.Now().Sub(start)
	switch {
	case err == nil:
	case isDropped(err):
		logger.Debug("dropping outcome for superseded attempt", zap.Error(err))
		s.cleanupSuperseded(writeCtx, job, logger)
		return
	default:
		logger.Error("could not record capture failure; reconciliation will retry", zap.Error(err))
		return
	}

	evt := events.ForItem(events.KindCaptureCompleted, item, s.clock.Now())
	evt.Dur = elapsed
	label := "completed"
	if item.Status == archive.StatusFailed {
		evt.Kind = events.KindCaptureFailed
		evt.FailureKind = kind
		label = "failed"
	}
	s.emitter.Emit(evt)
	metrics.ObserveCapture(label, string(kind), elapsed)
	logger.Info("capture recorded", zap.String("status", string(item.Status)), zap.Duration("elapsed", elapsed))
}

func isDropped(err error) bool {
	return errors.Is(err, archive.ErrStaleUpdate) || errors.Is(err, archive.ErrNotFound)
}

// cleanupSuperseded removes the attempt's artifacts unless they are the ones
// the item currently references.
func (s *Scheduler) cleanupSuperseded(ctx context.Context, job archive.Job, logger *zap.Logger) {
	current, err := s.store.Get(ctx, job.Owner, job.ItemID)
	switch {
	case errors.Is(err, archive.ErrNotFound):
	case err != nil:
		logger.Warn("could not inspect superseded item", zap.Error(err))
		return
	case current.Attempt == job.Attempt:
		return
	}
	s.discardAttempt(ctx, job, logger)
}

func (s *Scheduler) discardAttempt(ctx context.Context, job archive.Job, logger *zap.Logger) {
	if err := s.blobs.DeletePrefix(ctx, capture.AttemptPrefix(s.cfg.Prefix, job.ItemID, job.Attempt)); err != nil {
		logger.Warn("artifact cleanup failed", zap.Error(err))
	}
}

// Reconcile re-enqueues pending items whose last update is older than the
// stale threshold. It returns the number of jobs enqueued.
func (s *Scheduler) Reconcile(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.StaleAfter)
	items, err := s.store.ListStalePending(ctx, cutoff, s.cfg.ReconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale pending: %w", err)
	}
	enqueued := 0
	for _, it := range items {
		added, err := s.enqueue(ctx, archive.JobFor(it, s.clock.Now()))
		if err != nil {
			return enqueued, fmt.Errorf("re-enqueue %s: %w", it.ID, err)
		}
		if added {
			enqueued++
		}
	}
	if enqueued > 0 {
		s.logger.Info("re-enqueued stale pending items", zap.Int("count", enqueued), zap.Time("cutoff", cutoff))
	}
	metrics.ObserveReconciled(enqueued)
	return enqueued, nil
}

// watchStale runs Reconcile every interval until ctx ends. Items left pending
// by a previous process become stale after StaleAfter and are re-enqueued by
// the first sweep after that.
func (s *Scheduler) watchStale(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("periodic reconcile failed", zap.Error(err))
			}
		}
	}
}

// forwardCancel cancels the capture when parent ends. The capture context is
// rooted in the browser session, not in parent.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
