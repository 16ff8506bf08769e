package browser

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChromeLauncherTimesOut(t *testing.T) {
	t.Parallel()

	startCtx := make(chan context.Context, 1)
	launch := newChromeLauncher(ChromeConfig{LaunchTimeout: 30 * time.Millisecond}, func(ctx context.Context) error {
		startCtx <- ctx
		<-ctx.Done()
		return ctx.Err()
	})

	_, _, err := launch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out after 30ms")

	// The half-started browser is torn down.
	bctx := <-startCtx
	select {
	case <-bctx.Done():
	case <-time.After(time.Second):
		t.Fatal("browser context not canceled after launch timeout")
	}
}

func TestChromeLauncherStartFailure(t *testing.T) {
	t.Parallel()

	startCtx := make(chan context.Context, 1)
	launch := newChromeLauncher(ChromeConfig{}, func(ctx context.Context) error {
		startCtx <- ctx
		return errors.New("exec: chrome not found")
	})

	_, _, err := launch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome not found")
	require.Error(t, (<-startCtx).Err())
}

func TestChromeLauncherHonoursCallerContext(t *testing.T) {
	t.Parallel()

	launch := newChromeLauncher(ChromeConfig{LaunchTimeout: time.Minute}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := launch(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestChromeLauncherReleaseCancelsSession(t *testing.T) {
	t.Parallel()

	launch := newChromeLauncher(ChromeConfig{}, func(context.Context) error { return nil })
	pool, err := NewPool(1, launch, nil)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Context().Err())
	// The session is a chromedp context, not the caller's.
	assert.NotNil(t, chromedp.FromContext(s.Context()))

	s.Release()
	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("session context still live after Release")
	}
	assert.Equal(t, 0, pool.InUse())
}

func TestChromeLauncherRealBrowser(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a real browser")
	}
	var execPath string
	for _, name := range []string{"headless-shell", "chromium", "chromium-browser", "google-chrome"} {
		if p, err := exec.LookPath(name); err == nil {
			execPath = p
			break
		}
	}
	if execPath == "" {
		t.Skip("no Chrome binary on PATH")
	}

	pool, err := NewPool(1, NewChromeLauncher(ChromeConfig{
		ExecPath:      execPath,
		Headless:      true,
		NoSandbox:     true,
		LaunchTimeout: 30 * time.Second,
	}), nil)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	var title string
	require.NoError(t, chromedp.Run(s.Context(), chromedp.Navigate("about:blank"), chromedp.Title(&title)))
	s.Release()
	require.Error(t, s.Context().Err())
}
