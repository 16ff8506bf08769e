// Package browser manages the bounded set of headless Chrome sessions used for
// captures. Each session is a separate browser process with its own profile,
// so state never leaks between jobs.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("browser pool closed")

// ErrLaunch wraps failures to start a browser.
var ErrLaunch = errors.New("browser launch failed")

// Launcher starts one isolated browser and returns a context bound to it. The
// cancel function tears the browser down.
type Launcher func(ctx context.Context) (context.Context, context.CancelFunc, error)

// Pool hands out at most size concurrent sessions.
type Pool struct {
	launch Launcher
	slots  chan struct{}
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	active map[*Session]struct{}
}

// Session is one leased browser. Release must be called exactly once; extra
// calls are ignored.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc
	pool   *Pool
	once   sync.Once
}

// NewPool builds a pool with size slots.
func NewPool(size int, launch Launcher, logger *zap.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be > 0")
	}
	if launch == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		launch: launch,
		slots:  make(chan struct{}, size),
		logger: logger,
		active: make(map[*Session]struct{}),
	}, nil
}

// Size reports the slot count.
func (p *Pool) Size() int {
	return cap(p.slots)
}

// InUse reports how many sessions are currently leased.
func (p *Pool) InUse() int {
	return len(p.slots)
}

// Acquire waits for a free slot and launches a browser in it.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}

	browserCtx, cancel, err := p.launch(ctx)
	if err != nil {
		<-p.slots
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	s := &Session{ctx: browserCtx, cancel: cancel, pool: p}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		<-p.slots
		return nil, ErrPoolClosed
	}
	p.active[s] = struct{}{}
	p.mu.Unlock()
	return s, nil
}

// Close tears down every leased browser. Sessions released afterwards are no-ops.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.active))
	for s := range p.active {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		s.Release()
	}
	if len(sessions) > 0 {
		p.logger.Info("closed leased browser sessions", zap.Int("count", len(sessions)))
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Context returns the browser-bound context. Tabs created from it belong to
// this session's browser.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Release shuts the browser down and frees the slot.
func (s *Session) Release() {
	s.once.Do(func() {
		s.cancel()
		s.pool.mu.Lock()
		delete(s.pool.active, s)
		s.pool.mu.Unlock()
		<-s.pool.slots
	})
}
