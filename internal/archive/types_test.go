package archive

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewItemDefaults(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	it, err := NewItem("id-1", "alice", "https://Example.com:443/a#frag", "", now)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, it.Status)
	assert.False(t, it.IsRead)
	assert.Equal(t, 1, it.Attempt)
	assert.Equal(t, "https://example.com/a", it.URL)
	assert.Equal(t, it.URL, it.Title)
	assert.True(t, it.Artifacts().Empty())
	assert.Empty(t, it.FailureReason)
	require.NoError(t, it.CheckPayload())
}

func TestNewItemRejectsBadInput(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cases := map[string]struct {
		id, owner, url string
	}{
		"not a url":    {"id", "alice", "not-a-url"},
		"ftp scheme":   {"id", "alice", "ftp://example.com"},
		"missing host": {"id", "alice", "https://"},
		"empty url":    {"id", "alice", "   "},
		"credentials":  {"id", "alice", "https://user:pw@example.com"},
		"missing id":   {"", "alice", "https://example.com"},
		"no owner":     {"id", "", "https://example.com"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := NewItem(tc.id, tc.owner, tc.url, "", now)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
		})
	}
}

func TestOutcomeApplyKeepsUserTitle(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	withTitle, err := NewItem("a", "alice", "https://example.com", "My title", now)
	require.NoError(t, err)
	noTitle, err := NewItem("b", "alice", "https://example.com", "", now)
	require.NoError(t, err)

	out := Completed(CaptureResult{
		Title:    "Page title",
		FinalURL: "https://example.com/home",
		Artifacts: Artifacts{
			ScreenshotRef: "s.png",
			PDFRef:        "p.pdf",
			ExtractedText: "body",
		},
	})
	require.NoError(t, out.Validate())

	got := out.Apply(withTitle, now.Add(time.Second))
	assert.Equal(t, "My title", got.Title)
	require.NoError(t, got.CheckPayload())

	got = out.Apply(noTitle, now.Add(time.Second))
	assert.Equal(t, "Page title", got.Title)
	assert.Equal(t, "https://example.com/home", got.FinalURL)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, got.UpdatedAt.After(noTitle.UpdatedAt))
}

func TestOutcomeExclusivePayload(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	it, err := NewItem("a", "alice", "https://example.com", "", now)
	require.NoError(t, err)

	completed := Completed(CaptureResult{Artifacts: Artifacts{ScreenshotRef: "s", PDFRef: "p"}}).Apply(it, now)
	failed := Failed("navigation timeout").Apply(completed, now)
	require.NoError(t, failed.CheckPayload())
	assert.Empty(t, failed.ScreenshotRef)
	assert.Equal(t, "navigation timeout", failed.FailureReason)

	bad := Outcome{Status: StatusCompleted, Artifacts: Artifacts{ScreenshotRef: "s"}}
	require.Error(t, bad.Validate())
	require.Error(t, Outcome{Status: StatusPending}.Validate())
	require.Error(t, Outcome{Status: StatusFailed}.Validate())
	require.Error(t, Outcome{Status: StatusFailed, FailureReason: "x", Artifacts: Artifacts{PDFRef: "p"}}.Validate())
}

func TestResetForRetryClearsPayload(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	it, err := NewItem("a", "alice", "https://example.com", "", now)
	require.NoError(t, err)
	failed := Failed("dns error").Apply(it, now)

	reset := failed.ResetForRetry(now.Add(time.Minute))
	assert.Equal(t, StatusPending, reset.Status)
	assert.Equal(t, 2, reset.Attempt)
	assert.Empty(t, reset.FailureReason)
	require.NoError(t, reset.CheckPayload())
}

func TestFailedTruncatesReason(t *testing.T) {
	t.Parallel()

	out := Failed(strings.Repeat("é", 600))
	assert.LessOrEqual(t, len(out.FailureReason), MaxReasonLength)
	assert.True(t, strings.HasPrefix(out.FailureReason, "é"))
	assert.Equal(t, "capture failed", Failed("  ").FailureReason)
}

func TestCaptureErrorReason(t *testing.T) {
	t.Parallel()

	cause := errors.New("context deadline exceeded")
	ce := NewCaptureError(FailureTimeout, "page did not load within 45s", cause)
	assert.Equal(t, "timeout: page did not load within 45s", ce.Reason())
	assert.ErrorIs(t, ce, cause)

	wrapped := AsCaptureError(errors.New("boom"))
	assert.Equal(t, FailureInternal, wrapped.Kind)
	assert.Same(t, ce, AsCaptureError(ce))
	assert.Nil(t, AsCaptureError(nil))
	assert.Equal(t, "storage error", NewCaptureError(FailureStorage, "", nil).Reason())
}

func TestExcerpt(t *testing.T) {
	t.Parallel()

	it := Item{ExtractedText: "  hello world  "}
	assert.Equal(t, "hello world", it.Excerpt(50))
	assert.Equal(t, "hello…", it.Excerpt(5))
}
