// Package storetest holds the behavioural suite every archive.ItemStore
// implementation must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
)

// Clock is a settable clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory builds a fresh, empty store driven by clock.
type Factory func(t *testing.T, clock archive.Clock) archive.ItemStore

// Run executes the suite against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	cases := map[string]func(t *testing.T, store archive.ItemStore, clock *Clock){
		"CreateAndGet":               testCreateAndGet,
		"OwnerScoping":               testOwnerScoping,
		"ListOrderingAndPaging":      testListOrderingAndPaging,
		"ListFilters":                testListFilters,
		"SearchBodyText":             testSearchBodyText,
		"SearchFoldsUnicodeCase":     testSearchFoldsUnicodeCase,
		"UpdateStatusMonotonic":      testUpdateStatusMonotonic,
		"UpdateStatusMissingItem":    testUpdateStatusMissingItem,
		"UpdateStatusKeepsUserTitle": testUpdateStatusKeepsUserTitle,
		"SetRead":                    testSetRead,
		"ResetForRetry":              testResetForRetry,
		"Delete":                     testDelete,
		"ListStalePending":           testListStalePending,
		"ConcurrentWritesOneWinner":  testConcurrentWritesOneWinner,
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			clock := NewClock()
			store := factory(t, clock)
			t.Cleanup(func() { _ = store.Close() })
			fn(t, store, clock)
		})
	}
}

// NewItem builds a pending item for tests.
func NewItem(t *testing.T, clock archive.Clock, id, owner, url, title string) archive.Item {
	t.Helper()
	it, err := archive.NewItem(id, owner, url, title, clock.Now())
	require.NoError(t, err)
	return it
}

// CompletedOutcome is a valid success payload.
func CompletedOutcome(text string) archive.Outcome {
	return archive.Completed(archive.CaptureResult{
		Title:    "Captured title",
		FinalURL: "https://example.com/final",
		Artifacts: archive.Artifacts{
			ScreenshotRef: "memory://shot.png",
			PDFRef:        "memory://page.pdf",
			ContentRef:    "memory://content.html",
			ExtractedText: text,
		},
	})
}

func testCreateAndGet(t *testing.T, store archive.ItemStore, clock *Clock) {
	ctx := context.Background()
	it := NewItem(t, clock, "id-1", "alice", "https://example.com", "")
	require.NoError(t, store.Create(ctx, it))

	got, err := store.Get(ctx, "alice", "id-1")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusPending, got.Status)
	assert.False(t, got.IsRead)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, "https://example.com", got.URL)
	assert.True(t, got.Artifacts().Empty())
	assert.Empty(t, got.FailureReason)
	assert.True(t, got.CreatedAt.Equal(clock.Now()))

	require.Error(t, store.Create(ctx, it), "duplicate id must be rejected")
}

func testOwnerScoping(t *testing.T, store archive.ItemStore, clock *Clock) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewItem(t, clock, "id-1", "alice", "https://example.com", "")))

	_, err := store.Get(ctx, "bob", "id-1")
	require.ErrorIs(t, err, archive.ErrNotFound)
	_, err = store.SetRead(ctx, "bob", "id-1", true)
	require.ErrorIs(t, err, archive.ErrNotFound)
	_, err = store.Delete(ctx, "bob", "id-1")
	require.ErrorIs(t, err, archive.ErrNotFound)

	items, err := store.List(ctx, "bob", archive.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = store.Get(ctx, "alice", "id-1")
	require.NoError(t, err)
}

func testListOrderingAndPaging(t *testing.T, store archive.ItemStore, clock *Clock) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Create(ctx, NewItem(t, clock, fmt.Sprintf("id-%d", i), "alice", fmt.Sprintf("https://example.com/%d", i), "")))
		clock.Advance(time.Minute)
	}

	items, err := store.List(ctx, "alice", archive.ListFilter{})
	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.Equal(t, "id-4", items[0].ID)
	assert.Equal(t, "id-0", items[4].ID)

	page, err := store.List(ctx, "alice", archive.ListFilter{Skip: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "id-3", page[0].ID)
	assert.Equal(t, "id-2", page[1].ID)

	empty, err := store.List(ctx, "alice", archive.ListFilter{Skip: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = store.List(ctx, "alice", archive.ListFilter{Skip: -1})
	require.ErrorIs(t, err, archive.ErrValidation)
}

func testListFilters(t *testing.T, store archive.ItemStore, clock *Clock) {
	ctx := context.Background()
	old := NewItem(t, clock, "old", "alice", "https://old.example.com", "Old news")
	require.NoError(t, store.Create(ctx, old))
	clock.Advance(10 * 24 * time.Hour)
	fresh := NewItem(t, clock, "fresh", "alice", "https://fresh.example.com", "Fresh news")
	require.NoError(t, store.Create(ctx, fresh))
	_, err := store.SetRead(ctx, "alice", "old", true)
	require.NoError(t, err)

	unread, err := store.List(ctx, "alice", archive.ListFilter{ReadState: archive.ReadUnread})
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "fresh", unread[0].ID)

	read, err := store.List(ctx, "alice", archive.ListFilter{ReadState: archive.ReadRead})
	require.NoError(t, err)
	require.Len(t, read, 1)
	assert.Equal(t, "old", read[0].ID)

	recent, err := store.List(ctx, "alice", archive.ListFilter{MaxAgeDays: 3})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "fresh", recent[0].ID)

	byTitle, err := store.List(ctx, "alice", archive.ListFilter{Search: "OLD NEWS"})
	require.NoError(t, err)
	require.Len(t, byTitle, 1)
	assert.Equal(t, "old", byTitle[0].ID)

	byStatus, err := store.List(ctx, "alice", archive.ListFilter{Status: archive.StatusFailed})
	require.NoError(t, err)
	assert.Empty(t, byStatus)

	wildcard, err := store.List(ctx, "alice", archive.ListFilter{Search: "%"})
	require.NoError(t, err)
	assert.Empty(t, wildcard, "LIKE wildcards must be matched literally")
}

func testSearchBodyText(t *testing.T, store archive.ItemStore, clock *Clock) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewItem(t, clock, "body", "alice", "https://a.example.com", "Plain title")))
	require.NoError(t, store.Create(ctx, NewItem(t, clock, "other", "alice", "https://b.example.com", "Another title")))
	_, err := store.UpdateStatus(ctx, "body", 1, CompletedOutcome("the marmalade sandwich recipe"))
	require.NoError(t, err)

	items, err := store.List(ctx, "alice", archive.ListFilter{Search: "Marmalade"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "body", items[0].ID)
}

func testSearchFoldsUnicodeCase(t *testing.T, store archive.ItemStore, clock *Clock) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewItem(t, clock, "de", "alice", "https://de.example.com/artikel", "Reisebericht")))
	require.NoError(t, store.Create(ctx, NewItem(t, clock, "en", "alice", "https://en.example.com/story", "Travelogue")))
	_, err := store.UpdateStatus(ctx, "de", 1, CompletedOutcome("Über die Brücke nach ÅLESUND"))
	require.NoError(t, err)

	for _, query := range []string{"über", "ÜBER", "brücke", "ålesund"} {
		items, err := store.List(ctx, "alice", archive.ListFilter{Search: query})
		require.NoError(t, err, query)
		require.Len(t, items, 1, query)
		assert.Equal(t, "de", items[0].ID, query)
	}
}

func testUpdateStatusMonotonic(t *testing.T, store archive.ItemStore, clock *Clock) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewItem(t, clock, "id-1", "alice", "https://example.com", "")))
	created := clock.Now()
	clock.Advance(time.Second)

	done, err := store.UpdateStatus(ctx, "id-1", 1, CompletedOutcome("body"))
	require.NoError(t, err)
	assert.Equal(t, archive.StatusCompleted, done.Status)
	assert.True(t, done.UpdatedAt.After(created))
	require.NoError(t, done.CheckPayload())

	// A late write for the same attempt must not clobber the terminal state.
	_, err = store.UpdateStatus(ctx, "id-1", 1, archive.Failed("late"))
	require.ErrorIs(t, err, archive.ErrStaleUpdate)

	got, err := store.Get(ctx, "alice", "id-1")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusCompleted, got.Status)
	assert.Empty(t, got.FailureReason)
	assert.Equal(t, "memory://shot.png", got.ScreenshotRef)

	_, err = store.UpdateStatus(ctx, "id-1", 1, archive.Outcome{Status: archive.StatusPending})
	require.Error(t, err)
}

func testUpdateStatusMissingItem(t *testing.T, store archive.ItemStore, _ *Clock) {
	_, err := store.UpdateStatus(context.Background(), "ghost", 1, archive.Failed("timeout"))
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func testUpdateStatusKeepsUserTitle(t *testing.T, store archive.ItemStore, clock *Clock) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewItem(t, clock, "titled", "alice", "https://example.com/a", "Mine")))
	require.NoError(t, store.Create(ctx, NewItem(t, clock, "untitled", "alice", "https://example.com/b", "")))

	titled, err := store.UpdateStatus(ctx, "titled", 1, CompletedOutcome("x"))
	require.NoError(t, err)
	assert.Equal(t, "Mine", titled.Title)

	untitled, err := store.UpdateStatus(ctx, "untitled", 1, CompletedOutcome("x"))
	require.NoError(t, err)
	assert.Equal(t, "Captured title", untitled.Title)
	assert.Equal(t, "https://example.com/final", untitled.FinalURL)
}

func testSetRead(t *testing.T, store archive.ItemStore, clock *Clock) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewItem(t, clock, "id-1", "alice", "https://example.com", "")))
	clock.Advance(time.Minute)

	it, err := store.SetRead(ctx, "alice", "id-1", true)
	require.NoError(t, err)
	assert.True(t, it.IsRead)
	assert.True(t, it.UpdatedAt.Equal(clock.Now()))
	assert.Equal(t, archive.StatusPending, it.Status, "read state is independent of status")

	it, err = store.SetRead(ctx, "alice", "id-1", false)
	require.NoError(t, err)
	assert.False(t, it.IsRead)

	_, err = store.SetRead(ctx, "alice", "missing", true)
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func testResetForRetry(t *testing.T, store archive.ItemStore, clock *Clock) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewItem(t, clock, "id-1", "alice", "https://example.com", "")))

	_, err := store.ResetForRetry(ctx, "alice", "id-1")
	require.ErrorIs(t, err, archive.ErrInvalidState, "pending items cannot be retried")

	_, err = store.UpdateStatus(ctx, "id-1", 1, archive.Failed("navigation timeout"))
	require.NoError(t, err)

	reset, err := store.ResetForRetry(ctx, "alice", "id-1")
	require.NoError(t, err)
	assert.Equal(t, archive.StatusPending, reset.Status)
	assert.Equal(t, 2, reset.Attempt)
	assert.Empty(t, reset.FailureReason)
	require.NoError(t, reset.CheckPayload())

	// The superseded attempt can no longer write.
	_, err = store.UpdateStatus(ctx, "id-1", 1, CompletedOutcome("stale"))
	require.ErrorIs(t, err, archive.ErrStaleUpdate)

	done, err := store.UpdateStatus(ctx, "id-1", 2, CompletedOutcome("fresh"))
	require.NoError(t, err)
	assert.Equal(t, archive.StatusCompleted, done.Status)

	_, err = store.ResetForRetry(ctx, "alice", "id-1")
	require.ErrorIs(t, err, archive.ErrInvalidState, "completed items cannot be retried")

	_, err = store.ResetForRetry(ctx, "bob", "id-1")
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func testDelete(t *testing.T, store archive.ItemStore, clock *Clock) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewItem(t, clock, "id-1", "alice", "https://example.com", "")))

	removed, err := store.Delete(ctx, "alice", "id-1")
	require.NoError(t, err)
	assert.Equal(t, "id-1", removed.ID)

	_, err = store.Get(ctx, "alice", "id-1")
	require.ErrorIs(t, err, archive.ErrNotFound)
	_, err = store.Delete(ctx, "alice", "id-1")
	require.ErrorIs(t, err, archive.ErrNotFound)

	// Completion of an in-flight capture after deletion is dropped.
	_, err = store.UpdateStatus(ctx, "id-1", 1, CompletedOutcome("late"))
	require.ErrorIs(t, err, archive.ErrNotFound)
	_, err = store.Get(ctx, "alice", "id-1")
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func testListStalePending(t *testing.T, store archive.ItemStore, clock *Clock) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewItem(t, clock, "stale", "alice", "https://example.com/1", "")))
	require.NoError(t, store.Create(ctx, NewItem(t, clock, "done", "alice", "https://example.com/2", "")))
	_, err := store.UpdateStatus(ctx, "done", 1, archive.Failed("dns error"))
	require.NoError(t, err)
	clock.Advance(time.Hour)
	require.NoError(t, store.Create(ctx, NewItem(t, clock, "fresh", "bob", "https://example.com/3", "")))

	stale, err := store.ListStalePending(ctx, clock.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "stale", stale[0].ID)
}

func testConcurrentWritesOneWinner(t *testing.T, store archive.ItemStore, clock *Clock) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewItem(t, clock, "id-1", "alice", "https://example.com", "")))

	const writers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		applied  int
		rejected int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome := archive.Failed(fmt.Sprintf("writer %d", i))
			if i%2 == 0 {
				outcome = CompletedOutcome(fmt.Sprintf("writer %d", i))
			}
			_, err := store.UpdateStatus(ctx, "id-1", 1, outcome)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				applied++
			} else {
				rejected++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
	assert.Equal(t, writers-1, rejected)

	got, err := store.Get(ctx, "alice", "id-1")
	require.NoError(t, err)
	require.NoError(t, got.CheckPayload())
}
