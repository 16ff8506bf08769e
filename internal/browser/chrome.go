package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// ChromeConfig controls how Chrome processes are started.
type ChromeConfig struct {
	ExecPath      string
	Headless      bool
	NoSandbox     bool
	WindowWidth   int
	WindowHeight  int
	UserAgent     string
	LaunchTimeout time.Duration
}

// NewChromeLauncher returns a Launcher that starts a fresh Chrome process per
// session with a throwaway profile.
func NewChromeLauncher(cfg ChromeConfig) Launcher {
	return newChromeLauncher(cfg, func(browserCtx context.Context) error {
		return chromedp.Run(browserCtx)
	})
}

// newChromeLauncher takes the call that brings the browser up, so the timeout
// and teardown paths can run without a Chrome binary.
func newChromeLauncher(cfg ChromeConfig, start func(browserCtx context.Context) error) Launcher {
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	return func(ctx context.Context) (context.Context, context.CancelFunc, error) {
		// The browser outlives the acquiring request; Release owns teardown.
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx)
		cancel := func() {
			browserCancel()
			allocCancel()
		}

		started := make(chan error, 1)
		go func() {
			started <- start(browserCtx)
		}()

		timer := time.NewTimer(cfg.LaunchTimeout)
		defer timer.Stop()
		select {
		case err := <-started:
			if err != nil {
				cancel()
				return nil, nil, fmt.Errorf("start chrome: %w", err)
			}
			return browserCtx, cancel, nil
		case <-timer.C:
			cancel()
			return nil, nil, fmt.Errorf("start chrome: timed out after %s", cfg.LaunchTimeout)
		case <-ctx.Done():
			cancel()
			return nil, nil, fmt.Errorf("start chrome: %w", ctx.Err())
		}
	}
}

func allocatorOptions(cfg ChromeConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("mute-audio", true),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}
