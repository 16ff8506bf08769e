package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
	"github.com/JakeFAU/readlater-archiver/internal/storage/storetest"
)

var itemColumns = []string{
	"id", "owner_id", "url", "final_url", "title", "status", "is_read", "attempt",
	"screenshot_ref", "pdf_ref", "content_ref", "extracted_text", "failure_reason", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*ItemStore, pgxmock.PgxPoolIface, *storetest.Clock) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	clock := storetest.NewClock()
	store, err := NewItemStoreWithDB(mock, "", clock)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	return store, mock, clock
}

func itemRow(mock pgxmock.PgxPoolIface, it archive.Item) *pgxmock.Rows {
	return mock.NewRows(itemColumns).AddRow(
		it.ID, it.Owner, it.URL, it.FinalURL, it.Title, string(it.Status), it.IsRead, it.Attempt,
		it.ScreenshotRef, it.PDFRef, it.ContentRef, it.ExtractedText, it.FailureReason, it.CreatedAt, it.UpdatedAt,
	)
}

func pendingItem(t *testing.T, clock archive.Clock) archive.Item {
	t.Helper()
	return storetest.NewItem(t, clock, "item-1", "owner-a", "https://example.com/a", "")
}

func TestNewItemStoreWithDBRejectsBadTable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewItemStoreWithDB(mock, "items; DROP TABLE x", storetest.NewClock())
	require.Error(t, err)

	_, err = NewItemStoreWithDB(nil, "", storetest.NewClock())
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	store, mock, _ := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS archive_items").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS archive_items_owner_created_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS archive_items_pending_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
}

func TestCreate(t *testing.T) {
	store, mock, clock := newMockStore(t)
	it := pendingItem(t, clock)

	mock.ExpectExec("INSERT INTO archive_items").
		WithArgs(it.ID, it.Owner, it.URL, "", it.URL, "pending", false, 1, "", "", "", "", "", it.CreatedAt, it.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Create(context.Background(), it))
}

func TestCreateRejectsNonPending(t *testing.T) {
	store, _, clock := newMockStore(t)
	it := pendingItem(t, clock)
	it.Status = archive.StatusCompleted

	err := store.Create(context.Background(), it)
	require.ErrorIs(t, err, archive.ErrValidation)
}

func TestGet(t *testing.T) {
	store, mock, clock := newMockStore(t)
	it := pendingItem(t, clock)

	mock.ExpectQuery("SELECT .* FROM archive_items WHERE id = \\$1 AND owner_id = \\$2").
		WithArgs(it.ID, it.Owner).
		WillReturnRows(itemRow(mock, it))

	got, err := store.Get(context.Background(), it.Owner, it.ID)
	require.NoError(t, err)
	assert.Equal(t, it, got)
}

func TestGetNotFound(t *testing.T) {
	store, mock, _ := newMockStore(t)

	mock.ExpectQuery("SELECT .* FROM archive_items").
		WithArgs("missing", "owner-a").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), "owner-a", "missing")
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestListPassesFilters(t *testing.T) {
	store, mock, clock := newMockStore(t)
	it := pendingItem(t, clock)

	mock.ExpectQuery("ORDER BY created_at DESC, id DESC").
		WithArgs("owner-a", pgxmock.AnyArg(), "failed", pgxmock.AnyArg(), `%50\%%`, 10, 20).
		WillReturnRows(itemRow(mock, it))

	items, err := store.List(context.Background(), "owner-a", archive.ListFilter{
		ReadState:  archive.ReadUnread,
		Status:     archive.StatusFailed,
		Search:     "50%",
		MaxAgeDays: 7,
		Skip:       20,
		Limit:      10,
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, it.ID, items[0].ID)
}

func TestListDefaults(t *testing.T) {
	store, mock, _ := newMockStore(t)

	mock.ExpectQuery("SELECT .* FROM archive_items").
		WithArgs("owner-a", pgxmock.AnyArg(), "", pgxmock.AnyArg(), "", archive.DefaultPageSize, 0).
		WillReturnRows(mock.NewRows(itemColumns))

	items, err := store.List(context.Background(), "owner-a", archive.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestUpdateStatusApplied(t *testing.T) {
	store, mock, clock := newMockStore(t)
	it := pendingItem(t, clock)
	outcome := storetest.CompletedOutcome("body text")

	done := it
	done.Status = archive.StatusCompleted
	done.Title = "Captured title"
	done.FinalURL = "https://example.com/final"
	done.ScreenshotRef = outcome.Artifacts.ScreenshotRef
	done.PDFRef = outcome.Artifacts.PDFRef
	done.ContentRef = outcome.Artifacts.ContentRef
	done.ExtractedText = outcome.Artifacts.ExtractedText

	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND attempt = $2 AND status = 'pending'")).
		WithArgs(it.ID, 1, "completed", "Captured title", "https://example.com/final",
			outcome.Artifacts.ScreenshotRef, outcome.Artifacts.PDFRef, outcome.Artifacts.ContentRef,
			outcome.Artifacts.ExtractedText, "", clock.Now()).
		WillReturnRows(itemRow(mock, done))

	got, err := store.UpdateStatus(context.Background(), it.ID, 1, outcome)
	require.NoError(t, err)
	assert.Equal(t, archive.StatusCompleted, got.Status)
	assert.Equal(t, "Captured title", got.Title)
}

func TestUpdateStatusStale(t *testing.T) {
	store, mock, _ := newMockStore(t)

	mock.ExpectQuery("UPDATE archive_items SET").
		WithArgs("item-1", 1, "failed", "", "", "", "", "", "", "boom", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("item-1").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(true))

	_, err := store.UpdateStatus(context.Background(), "item-1", 1, archive.Failed("boom"))
	require.ErrorIs(t, err, archive.ErrStaleUpdate)
}

func TestUpdateStatusDeletedItem(t *testing.T) {
	store, mock, _ := newMockStore(t)

	mock.ExpectQuery("UPDATE archive_items SET").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("item-1").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(false))

	_, err := store.UpdateStatus(context.Background(), "item-1", 1, archive.Failed("boom"))
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestUpdateStatusRejectsPendingOutcome(t *testing.T) {
	store, _, _ := newMockStore(t)

	_, err := store.UpdateStatus(context.Background(), "item-1", 1, archive.Outcome{Status: archive.StatusPending})
	require.Error(t, err)
}

func TestUpdateStatusDatabaseError(t *testing.T) {
	store, mock, _ := newMockStore(t)

	mock.ExpectQuery("UPDATE archive_items SET").
		WillReturnError(errors.New("connection reset"))

	_, err := store.UpdateStatus(context.Background(), "item-1", 1, archive.Failed("boom"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, archive.ErrStaleUpdate)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestSetRead(t *testing.T) {
	store, mock, clock := newMockStore(t)
	it := pendingItem(t, clock)
	it.IsRead = true

	mock.ExpectQuery("UPDATE archive_items SET").
		WithArgs(it.ID, it.Owner, true, clock.Now()).
		WillReturnRows(itemRow(mock, it))

	got, err := store.SetRead(context.Background(), it.Owner, it.ID, true)
	require.NoError(t, err)
	assert.True(t, got.IsRead)
}

func TestResetForRetryInvalidState(t *testing.T) {
	store, mock, clock := newMockStore(t)
	it := pendingItem(t, clock)

	mock.ExpectQuery(regexp.QuoteMeta("attempt = attempt + 1")).
		WithArgs(it.ID, it.Owner, clock.Now()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT .* FROM archive_items WHERE id").
		WithArgs(it.ID, it.Owner).
		WillReturnRows(itemRow(mock, it))

	_, err := store.ResetForRetry(context.Background(), it.Owner, it.ID)
	require.ErrorIs(t, err, archive.ErrInvalidState)
}

func TestResetForRetryMissing(t *testing.T) {
	store, mock, _ := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("attempt = attempt + 1")).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT .* FROM archive_items WHERE id").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.ResetForRetry(context.Background(), "owner-a", "nope")
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestDelete(t *testing.T) {
	store, mock, clock := newMockStore(t)
	it := pendingItem(t, clock)

	mock.ExpectQuery("DELETE FROM archive_items").
		WithArgs(it.ID, it.Owner).
		WillReturnRows(itemRow(mock, it))

	got, err := store.Delete(context.Background(), it.Owner, it.ID)
	require.NoError(t, err)
	assert.Equal(t, it.ID, got.ID)
}

func TestListStalePending(t *testing.T) {
	store, mock, clock := newMockStore(t)
	it := pendingItem(t, clock)
	cutoff := clock.Now().Add(-5 * time.Minute)

	mock.ExpectQuery("ORDER BY updated_at ASC").
		WithArgs(cutoff, 25).
		WillReturnRows(itemRow(mock, it))

	items, err := store.ListStalePending(context.Background(), cutoff, 25)
	require.NoError(t, err)
	require.Len(t, items, 1)
}
