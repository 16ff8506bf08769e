package capture

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// Preflighter checks a URL before a browser is spent on it.
type Preflighter interface {
	Check(ctx context.Context, rawURL string) error
}

// PreflightConfig controls the HEAD request.
type PreflightConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// CollyPreflight issues a HEAD request through colly so DNS, TLS and
// connection failures are reported before navigation. Any HTTP status passes:
// plenty of sites reject HEAD yet render fine in a browser.
type CollyPreflight struct {
	cfg  PreflightConfig
	base *colly.Collector
}

// NewCollyPreflight builds a colly-backed Preflighter.
func NewCollyPreflight(cfg PreflightConfig) *CollyPreflight {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &CollyPreflight{cfg: cfg, base: c}
}

// Check returns a classified *archive.CaptureError when the host cannot be reached.
func (p *CollyPreflight) Check(ctx context.Context, rawURL string) error {
	collector := p.base.Clone()

	done := make(chan error, 1)
	go func() {
		done <- collector.Head(rawURL)
	}()

	select {
	case <-ctx.Done():
		return Classify("preflight", fmt.Errorf("preflight canceled: %w", ctx.Err()))
	case err := <-done:
		if err != nil {
			return Classify("preflight", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
