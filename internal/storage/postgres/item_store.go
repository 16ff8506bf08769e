// Package postgres provides the Postgres-backed archive item store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "archive_items"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of pgxpool.Pool used by the store.
type DB interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ItemStore persists archive items in Postgres. Status writes are guarded in
// SQL by the (status, attempt) pair so concurrent writers never clobber a
// terminal state.
type ItemStore struct {
	db    DB
	table string
	clock archive.Clock
}

// NewItemStore connects a pool using cfg.
func NewItemStore(ctx context.Context, cfg Config, clock archive.Clock) (*ItemStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewItemStoreWithDB(pool, cfg.Table, clock)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewItemStoreWithDB constructs a store from an existing pool (primarily for testing).
func NewItemStoreWithDB(db DB, table string, clock archive.Clock) (*ItemStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ItemStore{db: db, table: table, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *ItemStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.db.Close()
	return nil
}

// EnsureSchema creates the table and indexes when missing.
func (s *ItemStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	url            TEXT NOT NULL,
	final_url      TEXT NOT NULL DEFAULT '',
	title          VARCHAR(255) NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'completed', 'failed')),
	is_read        BOOLEAN NOT NULL DEFAULT FALSE,
	attempt        INTEGER NOT NULL DEFAULT 1,
	screenshot_ref TEXT NOT NULL DEFAULT '',
	pdf_ref        TEXT NOT NULL DEFAULT '',
	content_ref    TEXT NOT NULL DEFAULT '',
	extracted_text TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_owner_created_idx ON %[1]s (owner_id, created_at DESC, id DESC)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_pending_idx ON %[1]s (updated_at) WHERE status = 'pending'`, s.table),
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

const columns = `id, owner_id, url, final_url, title, status, is_read, attempt,
	screenshot_ref, pdf_ref, content_ref, extracted_text, failure_reason, created_at, updated_at`

// Create inserts a pending item.
func (s *ItemStore) Create(ctx context.Context, item archive.Item) error {
	if item.Status != archive.StatusPending {
		return fmt.Errorf("%w: new items must be pending", archive.ErrValidation)
	}
	if _, err := archive.NormalizeURL(item.URL); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`, s.table, columns)
	_, err := s.db.Exec(ctx, query,
		item.ID,
		item.Owner,
		item.URL,
		item.FinalURL,
		item.Title,
		string(item.Status),
		item.IsRead,
		item.Attempt,
		item.ScreenshotRef,
		item.PDFRef,
		item.ContentRef,
		item.ExtractedText,
		item.FailureReason,
		item.CreatedAt,
		item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert archive item: %w", err)
	}
	return nil
}

// Get returns the owner's item.
func (s *ItemStore) Get(ctx context.Context, owner, id string) (archive.Item, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 AND owner_id = $2`, columns, s.table)
	it, err := scanItem(s.db.QueryRow(ctx, query, id, owner))
	if err != nil {
		return archive.Item{}, notFound(err, "get archive item")
	}
	return it, nil
}

// List returns the owner's items newest first.
func (s *ItemStore) List(ctx context.Context, owner string, filter archive.ListFilter) ([]archive.Item, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return nil, err
	}
	var cutoff *time.Time
	if c, ok := filter.Cutoff(s.clock.Now()); ok {
		cutoff = &c
	}
	pattern := ""
	if filter.Search != "" {
		pattern = "%" + archive.EscapeLike(filter.Search) + "%"
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE owner_id = $1
	AND ($2::boolean IS NULL OR is_read = $2)
	AND ($3::text = '' OR status = $3)
	AND ($4::timestamptz IS NULL OR created_at >= $4)
	AND ($5::text = '' OR title ILIKE $5 ESCAPE '\' OR url ILIKE $5 ESCAPE '\' OR extracted_text ILIKE $5 ESCAPE '\')
ORDER BY created_at DESC, id DESC
LIMIT $6 OFFSET $7`, columns, s.table)

	rows, err := s.db.Query(ctx, query, owner, filter.ReadFlag(), string(filter.Status), cutoff, pattern, filter.Limit, filter.Skip)
	if err != nil {
		return nil, fmt.Errorf("list archive items: %w", err)
	}
	return collectItems(rows)
}

// UpdateStatus applies a terminal outcome to the current pending attempt.
func (s *ItemStore) UpdateStatus(ctx context.Context, id string, attempt int, outcome archive.Outcome) (archive.Item, error) {
	if err := outcome.Validate(); err != nil {
		return archive.Item{}, err
	}
	query := fmt.Sprintf(`UPDATE %s SET
	status = $3,
	title = CASE WHEN title = url AND $4 <> '' THEN $4 ELSE title END,
	final_url = CASE WHEN $5 <> '' THEN $5 ELSE final_url END,
	screenshot_ref = $6,
	pdf_ref = $7,
	content_ref = $8,
	extracted_text = $9,
	failure_reason = $10,
	updated_at = $11
WHERE id = $1 AND attempt = $2 AND status = 'pending'
RETURNING %s`, s.table, columns)

	it, err := scanItem(s.db.QueryRow(ctx, query,
		id,
		attempt,
		string(outcome.Status),
		outcome.Title,
		outcome.FinalURL,
		outcome.Artifacts.ScreenshotRef,
		outcome.Artifacts.PDFRef,
		outcome.Artifacts.ContentRef,
		outcome.Artifacts.ExtractedText,
		outcome.FailureReason,
		s.clock.Now(),
	))
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return archive.Item{}, fmt.Errorf("update archive status: %w", err)
	}

	var exists bool
	existsQuery := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.table)
	if err := s.db.QueryRow(ctx, existsQuery, id).Scan(&exists); err != nil {
		return archive.Item{}, fmt.Errorf("check archive item: %w", err)
	}
	if !exists {
		return archive.Item{}, archive.ErrNotFound
	}
	return archive.Item{}, fmt.Errorf("%w: item %s is no longer pending at attempt %d", archive.ErrStaleUpdate, id, attempt)
}

// SetRead toggles the read flag. updated_at only moves on an actual change.
func (s *ItemStore) SetRead(ctx context.Context, owner, id string, isRead bool) (archive.Item, error) {
	query := fmt.Sprintf(`UPDATE %s SET
	updated_at = CASE WHEN is_read <> $3 THEN $4 ELSE updated_at END,
	is_read = $3
WHERE id = $1 AND owner_id = $2
RETURNING %s`, s.table, columns)
	it, err := scanItem(s.db.QueryRow(ctx, query, id, owner, isRead, s.clock.Now()))
	if err != nil {
		return archive.Item{}, notFound(err, "set read flag")
	}
	return it, nil
}

// ResetForRetry starts a new attempt for a failed item.
func (s *ItemStore) ResetForRetry(ctx context.Context, owner, id string) (archive.Item, error) {
	query := fmt.Sprintf(`UPDATE %s SET
	status = 'pending',
	attempt = attempt + 1,
	final_url = '',
	screenshot_ref = '',
	pdf_ref = '',
	content_ref = '',
	extracted_text = '',
	failure_reason = '',
	updated_at = $3
WHERE id = $1 AND owner_id = $2 AND status = 'failed'
RETURNING %s`, s.table, columns)
	it, err := scanItem(s.db.QueryRow(ctx, query, id, owner, s.clock.Now()))
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return archive.Item{}, fmt.Errorf("reset archive item: %w", err)
	}
	current, getErr := s.Get(ctx, owner, id)
	if getErr != nil {
		return archive.Item{}, getErr
	}
	return archive.Item{}, fmt.Errorf("%w: retry requires a failed item, %s is %s", archive.ErrInvalidState, id, current.Status)
}

// Delete removes the owner's item.
func (s *ItemStore) Delete(ctx context.Context, owner, id string) (archive.Item, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND owner_id = $2 RETURNING %s`, s.table, columns)
	it, err := scanItem(s.db.QueryRow(ctx, query, id, owner))
	if err != nil {
		return archive.Item{}, notFound(err, "delete archive item")
	}
	return it, nil
}

// ListStalePending returns pending items last touched before olderThan, oldest first.
func (s *ItemStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]archive.Item, error) {
	if limit <= 0 {
		limit = archive.MaxPageSize
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE status = 'pending' AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2`, columns, s.table)
	rows, err := s.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	return collectItems(rows)
}

func scanItem(row pgx.Row) (archive.Item, error) {
	var (
		it     archive.Item
		status string
	)
	err := row.Scan(
		&it.ID,
		&it.Owner,
		&it.URL,
		&it.FinalURL,
		&it.Title,
		&status,
		&it.IsRead,
		&it.Attempt,
		&it.ScreenshotRef,
		&it.PDFRef,
		&it.ContentRef,
		&it.ExtractedText,
		&it.FailureReason,
		&it.CreatedAt,
		&it.UpdatedAt,
	)
	if err != nil {
		return archive.Item{}, err
	}
	it.Status = archive.Status(strings.TrimSpace(status))
	it.CreatedAt = it.CreatedAt.UTC()
	it.UpdatedAt = it.UpdatedAt.UTC()
	return it, nil
}

func collectItems(rows pgx.Rows) ([]archive.Item, error) {
	defer rows.Close()
	items := make([]archive.Item, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archive item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archive items: %w", err)
	}
	return items, nil
}

func notFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
