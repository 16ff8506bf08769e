package capture

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
)

// A4 in inches.
const (
	paperWidth  = 8.27
	paperHeight = 11.69
)

// Page is everything one browser navigation produced.
type Page struct {
	Title          string
	FinalURL       string
	StatusCode     int
	HTML           string
	Screenshot     []byte
	ScreenshotType string
	PDF            []byte
	Settled        bool
}

// Renderer drives a browser through one capture.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (Page, error)
}

// RendererConfig controls the chromedp renderer.
type RendererConfig struct {
	NavigationTimeout time.Duration
	SettleTimeout     time.Duration
	SettleQuiet       time.Duration
	StepTimeout       time.Duration
	ViewportWidth     int
	ViewportHeight    int
	UserAgent         string
	ScreenshotQuality int
}

// ChromedpRenderer renders pages in a tab of the browser carried by ctx. The
// caller is expected to pass a context derived from a browser.Session.
type ChromedpRenderer struct {
	cfg    RendererConfig
	logger *zap.Logger
}

// NewChromedpRenderer applies defaults to cfg.
func NewChromedpRenderer(cfg RendererConfig, logger *zap.Logger) *ChromedpRenderer {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 10 * time.Second
	}
	if cfg.SettleQuiet <= 0 {
		cfg.SettleQuiet = 500 * time.Millisecond
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 20 * time.Second
	}
	if cfg.ViewportWidth <= 0 || cfg.ViewportHeight <= 0 {
		cfg.ViewportWidth, cfg.ViewportHeight = 1280, 800
	}
	if cfg.ScreenshotQuality <= 0 || cfg.ScreenshotQuality > 100 {
		cfg.ScreenshotQuality = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromedpRenderer{cfg: cfg, logger: logger}
}

// Render navigates to rawURL and collects the DOM, a full-page screenshot and a PDF.
func (r *ChromedpRenderer) Render(ctx context.Context, rawURL string) (Page, error) {
	tabCtx, cancelTab := chromedp.NewContext(ctx)
	defer cancelTab()

	meta := newResponseMeta()
	settle := newSettleTracker()
	chromedp.ListenTarget(tabCtx, func(ev any) {
		meta.captureEvent(ev)
		settle.observe(ev)
	})

	// The first Run allocates the tab, so it must use tabCtx itself.
	if err := chromedp.Run(tabCtx, r.setupAction()); err != nil {
		return Page{}, Classify("browser setup", err)
	}

	if err := r.step(tabCtx, r.cfg.NavigationTimeout, chromedp.Navigate(rawURL)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Page{}, archive.NewCaptureError(archive.FailureTimeout,
				fmt.Sprintf("page did not load within %s", r.cfg.NavigationTimeout), err)
		}
		return Page{}, Classify("navigation", err)
	}

	var out Page
	out.Settled = settle.wait(tabCtx, r.cfg.SettleQuiet, r.cfg.SettleTimeout)
	if !out.Settled {
		r.logger.Debug("network did not settle, capturing anyway", zap.String("url", rawURL))
	}

	var location string
	err := r.step(tabCtx, r.cfg.StepTimeout,
		chromedp.Title(&out.Title),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &out.HTML, chromedp.ByQuery),
	)
	if err != nil {
		return Page{}, Classify("dom extraction", err)
	}

	if err := r.step(tabCtx, r.cfg.StepTimeout, chromedp.FullScreenshot(&out.Screenshot, r.cfg.ScreenshotQuality)); err != nil {
		return Page{}, Classify("screenshot", err)
	}
	out.ScreenshotType = "image/png"
	if r.cfg.ScreenshotQuality < 100 {
		out.ScreenshotType = "image/jpeg"
	}

	if err := r.step(tabCtx, r.cfg.StepTimeout, printToPDF(&out.PDF)); err != nil {
		return Page{}, Classify("pdf render", err)
	}

	out.StatusCode, out.FinalURL = meta.snapshotWithFallbacks(rawURL, location)
	return out, nil
}

func (r *ChromedpRenderer) step(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return chromedp.Run(stepCtx, actions...)
}

func (r *ChromedpRenderer) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetDeviceMetricsOverride(int64(r.cfg.ViewportWidth), int64(r.cfg.ViewportHeight), 1, false).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func printToPDF(res *[]byte) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		buf, _, err := page.PrintToPDF().
			WithPrintBackground(true).
			WithPaperWidth(paperWidth).
			WithPaperHeight(paperHeight).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("print to pdf: %w", err)
		}
		*res = buf
		return nil
	})
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshotWithFallbacks prefers the browser's location over the last document
// response, which may belong to an iframe.
func (m *responseMeta) snapshotWithFallbacks(requestURL, location string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()

	switch {
	case location != "" && location != "about:blank":
		url = location
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

// settleTracker counts in-flight requests to detect network idle.
type settleTracker struct {
	mu           sync.Mutex
	inflight     map[network.RequestID]struct{}
	lastActivity time.Time
	now          func() time.Time
}

func newSettleTracker() *settleTracker {
	return &settleTracker{
		inflight:     make(map[network.RequestID]struct{}),
		lastActivity: time.Now(),
		now:          time.Now,
	}
}

func (t *settleTracker) observe(ev any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.inflight[e.RequestID] = struct{}{}
	case *network.EventLoadingFinished:
		delete(t.inflight, e.RequestID)
	case *network.EventLoadingFailed:
		delete(t.inflight, e.RequestID)
	default:
		return
	}
	t.lastActivity = t.now()
}

func (t *settleTracker) idle(quiet time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) == 0 && t.now().Sub(t.lastActivity) >= quiet
}

// wait blocks until the network has been idle for quiet, or gives up after
// timeout. It reports whether the page settled.
func (t *settleTracker) wait(ctx context.Context, quiet, timeout time.Duration) bool {
	poll := quiet / 5
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if t.idle(quiet) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}
