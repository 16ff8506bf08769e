package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiterWaitSpacesSameHost(t *testing.T) {
	// 10 QPS with burst 1 means one token every 100ms.
	l := New(Config{QPS: 10, Burst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://test.com/a"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "https://test.com/b"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}

	start = time.Now()
	if err := l.Wait(ctx, "https://other.example/"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur > 50*time.Millisecond {
		t.Errorf("other host should not wait, took %v", dur)
	}
	if l.Hosts() != 2 {
		t.Fatalf("expected 2 host buckets, got %d", l.Hosts())
	}
}

func TestLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	if l.Enabled() {
		t.Fatal("zero QPS should disable limiting")
	}
	for i := 0; i < 5; i++ {
		if err := l.Wait(context.Background(), "https://example.com/"); err != nil {
			t.Fatal(err)
		}
	}
	if l.Hosts() != 0 {
		t.Fatalf("disabled limiter should not allocate buckets, got %d", l.Hosts())
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{QPS: 0.001, Burst: 1})
	if err := l.Wait(context.Background(), "https://slow.example/"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "https://slow.example/again"); err == nil {
		t.Fatal("expected the wait to fail before the next token")
	}
}

func TestSiteKey(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://www.example.com/a":    "example.com",
		"https://blog.example.com/b":   "example.com",
		"https://news.bbc.co.uk/story": "bbc.co.uk",
		"http://127.0.0.1:8080/page":   "127.0.0.1",
		"http://localhost/":            "localhost",
		"not a url at all":             "unknown",
	}
	for raw, want := range cases {
		if got := SiteKey(raw); got != want {
			t.Errorf("SiteKey(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestLimiterSharesBucketAcrossSubdomains(t *testing.T) {
	t.Parallel()

	l := New(Config{QPS: 100, Burst: 1})
	ctx := context.Background()
	for _, raw := range []string{"https://www.example.com/", "https://cdn.example.com/", "https://example.com/"} {
		if err := l.Wait(ctx, raw); err != nil {
			t.Fatal(err)
		}
	}
	if l.Hosts() != 1 {
		t.Fatalf("expected subdomains to share one bucket, got %d", l.Hosts())
	}
}
