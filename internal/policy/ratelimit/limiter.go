// Package ratelimit implements a per-site token bucket so captures of the same
// site are spaced out. Hosts sharing a registrable domain share a bucket.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
	"github.com/JakeFAU/readlater-archiver/internal/metrics"
)

// Config holds rate limiter configuration. A QPS of zero or less disables
// limiting.
type Config struct {
	QPS   float64
	Burst int
}

// Limiter manages per-site rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.QPS)
	if cfg.QPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Enabled reports whether Wait can ever block.
func (l *Limiter) Enabled() bool {
	return l != nil && l.limit != rate.Inf
}

// SiteKey returns the bucket key for rawURL: the registrable domain
// (eTLD+1) when one exists, else the bare host.
func SiteKey(rawURL string) string {
	host := archive.HostOf(rawURL)
	if host == "" {
		return "unknown"
	}
	if net.ParseIP(host) != nil {
		return host
	}
	if site, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return site
	}
	return host
}

// Wait blocks until a token is available for the site of rawURL.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	if !l.Enabled() {
		return nil
	}
	key := SiteKey(rawURL)
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not worth a histogram sample.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(rawURL, d)
	}
	return nil
}

// Hosts reports how many sites have a bucket.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
