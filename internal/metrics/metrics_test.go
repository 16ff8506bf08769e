package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if capturesTotal == nil || activeCaptures == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveCapture(t *testing.T) {
	Init()
	before := testutil.ToFloat64(capturesTotal.WithLabelValues("failed", "timeout"))
	okBefore := testutil.ToFloat64(capturesTotal.WithLabelValues("completed", "none"))

	ObserveCapture("failed", "timeout", 3*time.Second)
	ObserveCapture("completed", "", time.Second)

	if got := testutil.ToFloat64(capturesTotal.WithLabelValues("failed", "timeout")); got != before+1 {
		t.Errorf("expected failed/timeout to grow by 1, got %f -> %f", before, got)
	}
	if got := testutil.ToFloat64(capturesTotal.WithLabelValues("completed", "none")); got != okBefore+1 {
		t.Errorf("expected completed/none to grow by 1, got %f -> %f", okBefore, got)
	}
}

func TestActiveCapturesGauge(t *testing.T) {
	Init()
	base := testutil.ToFloat64(activeCaptures)
	IncActiveCaptures()
	IncActiveCaptures()
	DecActiveCaptures()
	if got := testutil.ToFloat64(activeCaptures); got != base+1 {
		t.Errorf("expected gauge %f, got %f", base+1, got)
	}
	DecActiveCaptures()
}

func TestCountersAndGauges(t *testing.T) {
	Init()
	SetQueueDepth(7)
	if got := testutil.ToFloat64(queueDepth); got != 7 {
		t.Errorf("expected queue depth 7, got %f", got)
	}

	created := testutil.ToFloat64(itemsCreatedTotal)
	ObserveItemCreated()
	if got := testutil.ToFloat64(itemsCreatedTotal); got != created+1 {
		t.Errorf("expected items created to grow by 1")
	}

	bulk := testutil.ToFloat64(bulkOperationsTotal.WithLabelValues("delete", "not_found"))
	ObserveBulkItem("delete", "not_found")
	if got := testutil.ToFloat64(bulkOperationsTotal.WithLabelValues("delete", "not_found")); got != bulk+1 {
		t.Errorf("expected bulk counter to grow by 1")
	}

	reconciled := testutil.ToFloat64(reconciledItemsTotal)
	ObserveReconciled(3)
	if got := testutil.ToFloat64(reconciledItemsTotal); got != reconciled+3 {
		t.Errorf("expected reconciled to grow by 3")
	}

	ObserveRateLimitDelay("https://example.com/a", 200*time.Millisecond)
	if n := testutil.CollectAndCount(rateLimitDelaySeconds); n <= 0 {
		t.Errorf("expected rate limit histogram to be observed")
	}
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
