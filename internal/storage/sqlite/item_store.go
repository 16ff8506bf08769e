// Package sqlite provides a single-node archive item store on SQLite via GORM.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config locates the database file.
type Config struct {
	Path  string
	Table string
}

// itemRow is the persisted shape of an archive item.
type itemRow struct {
	ID            string    `gorm:"column:id;primaryKey;size:64"`
	OwnerID       string    `gorm:"column:owner_id;not null;index:idx_owner_created,priority:1"`
	URL           string    `gorm:"column:url;not null"`
	FinalURL      string    `gorm:"column:final_url;not null;default:''"`
	Title         string    `gorm:"column:title;size:255;not null"`
	Status        string    `gorm:"column:status;size:16;not null;index:idx_status_updated,priority:1"`
	IsRead        bool      `gorm:"column:is_read;not null;default:false"`
	Attempt       int       `gorm:"column:attempt;not null;default:1"`
	ScreenshotRef string    `gorm:"column:screenshot_ref;not null;default:''"`
	PDFRef        string    `gorm:"column:pdf_ref;not null;default:''"`
	ContentRef    string    `gorm:"column:content_ref;not null;default:''"`
	ExtractedText string    `gorm:"column:extracted_text;type:text;not null;default:''"`
	FailureReason string    `gorm:"column:failure_reason;not null;default:''"`
	SearchText    string    `gorm:"column:search_text;type:text;not null;default:''"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime:false;not null;index:idx_owner_created,priority:2"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime:false;not null;index:idx_status_updated,priority:2"`
}

func toRow(it archive.Item) itemRow {
	return itemRow{
		ID:            it.ID,
		OwnerID:       it.Owner,
		URL:           it.URL,
		FinalURL:      it.FinalURL,
		Title:         it.Title,
		Status:        string(it.Status),
		IsRead:        it.IsRead,
		Attempt:       it.Attempt,
		ScreenshotRef: it.ScreenshotRef,
		PDFRef:        it.PDFRef,
		ContentRef:    it.ContentRef,
		ExtractedText: it.ExtractedText,
		FailureReason: it.FailureReason,
		SearchText:    searchText(it),
		CreatedAt:     it.CreatedAt.UTC(),
		UpdatedAt:     it.UpdatedAt.UTC(),
	}
}

// searchText is the lowercased haystack for List searches. SQLite's LIKE only
// folds ASCII, so case folding happens here with full Unicode rules.
func searchText(it archive.Item) string {
	return strings.ToLower(strings.Join([]string{it.Title, it.URL, it.ExtractedText}, "\x1f"))
}

func (r itemRow) item() archive.Item {
	return archive.Item{
		ID:            r.ID,
		Owner:         r.OwnerID,
		URL:           r.URL,
		FinalURL:      r.FinalURL,
		Title:         r.Title,
		Status:        archive.Status(r.Status),
		IsRead:        r.IsRead,
		Attempt:       r.Attempt,
		ScreenshotRef: r.ScreenshotRef,
		PDFRef:        r.PDFRef,
		ContentRef:    r.ContentRef,
		ExtractedText: r.ExtractedText,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

// ItemStore persists archive items in a SQLite file. All access goes through a
// single connection, so writers are serialized by the driver.
type ItemStore struct {
	db    *gorm.DB
	table string
	clock archive.Clock
}

// NewItemStore opens (creating if needed) the database at cfg.Path.
func NewItemStore(cfg Config, clock archive.Clock) (*ItemStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.Table == "" {
		cfg.Table = "archive_items"
	}
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if err := db.Exec(pragma).Error; err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return &ItemStore{db: db, table: cfg.Table, clock: clock}, nil
}

// EnsureSchema creates or migrates the items table and fills search_text for
// rows written before the column existed.
func (s *ItemStore) EnsureSchema(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Table(s.table).AutoMigrate(&itemRow{}); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	var rows []itemRow
	res := s.tx(ctx).Where("search_text = ''").FindInBatches(&rows, 200, func(_ *gorm.DB, _ int) error {
		for _, r := range rows {
			err := s.tx(ctx).Where("id = ?", r.ID).Update("search_text", searchText(r.item())).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if res.Error != nil {
		return fmt.Errorf("backfill search text: %w", res.Error)
	}
	return nil
}

// Close releases the connection.
func (s *ItemStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *ItemStore) tx(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table)
}

// Create inserts a pending item.
func (s *ItemStore) Create(ctx context.Context, item archive.Item) error {
	if item.Status != archive.StatusPending {
		return fmt.Errorf("%w: new items must be pending", archive.ErrValidation)
	}
	if _, err := archive.NormalizeURL(item.URL); err != nil {
		return err
	}
	row := toRow(item)
	if err := s.tx(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert archive item: %w", err)
	}
	return nil
}

// Get returns the owner's item.
func (s *ItemStore) Get(ctx context.Context, owner, id string) (archive.Item, error) {
	return s.get(s.tx(ctx), owner, id)
}

func (s *ItemStore) get(db *gorm.DB, owner, id string) (archive.Item, error) {
	var row itemRow
	err := db.Table(s.table).Where("id = ? AND owner_id = ?", id, owner).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return archive.Item{}, archive.ErrNotFound
	}
	if err != nil {
		return archive.Item{}, fmt.Errorf("get archive item: %w", err)
	}
	return row.item(), nil
}

// List returns the owner's items newest first.
func (s *ItemStore) List(ctx context.Context, owner string, filter archive.ListFilter) ([]archive.Item, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return nil, err
	}
	q := s.tx(ctx).Where("owner_id = ?", owner)
	if flag := filter.ReadFlag(); flag != nil {
		q = q.Where("is_read = ?", *flag)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if cutoff, ok := filter.Cutoff(s.clock.Now()); ok {
		q = q.Where("created_at >= ?", cutoff.UTC())
	}
	if filter.Search != "" {
		pattern := "%" + archive.EscapeLike(strings.ToLower(filter.Search)) + "%"
		q = q.Where(`search_text LIKE ? ESCAPE '\'`, pattern)
	}

	var rows []itemRow
	err = q.Order("created_at DESC").Order("id DESC").Limit(filter.Limit).Offset(filter.Skip).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list archive items: %w", err)
	}
	return toItems(rows), nil
}

// UpdateStatus applies a terminal outcome to the current pending attempt.
func (s *ItemStore) UpdateStatus(ctx context.Context, id string, attempt int, outcome archive.Outcome) (archive.Item, error) {
	if err := outcome.Validate(); err != nil {
		return archive.Item{}, err
	}
	var updated archive.Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row itemRow
		err := tx.Table(s.table).Where("id = ?", id).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return archive.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load archive item: %w", err)
		}
		current := row.item()
		if current.Status != archive.StatusPending || current.Attempt != attempt {
			return fmt.Errorf("%w: item %s is %s at attempt %d", archive.ErrStaleUpdate, id, current.Status, current.Attempt)
		}
		next := toRow(outcome.Apply(current, s.clock.Now()))
		res := tx.Table(s.table).
			Where("id = ? AND attempt = ? AND status = ?", id, attempt, string(archive.StatusPending)).
			Updates(map[string]any{
				"status":         next.Status,
				"title":          next.Title,
				"final_url":      next.FinalURL,
				"screenshot_ref": next.ScreenshotRef,
				"pdf_ref":        next.PDFRef,
				"content_ref":    next.ContentRef,
				"extracted_text": next.ExtractedText,
				"failure_reason": next.FailureReason,
				"search_text":    next.SearchText,
				"updated_at":     next.UpdatedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("update archive status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: item %s changed concurrently", archive.ErrStaleUpdate, id)
		}
		updated = next.item()
		return nil
	})
	if err != nil {
		return archive.Item{}, err
	}
	return updated, nil
}

// SetRead toggles the read flag. updated_at only moves on an actual change.
func (s *ItemStore) SetRead(ctx context.Context, owner, id string, isRead bool) (archive.Item, error) {
	var out archive.Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		it, err := s.get(tx, owner, id)
		if err != nil {
			return err
		}
		if it.IsRead == isRead {
			out = it
			return nil
		}
		it.IsRead = isRead
		it.UpdatedAt = s.clock.Now().UTC()
		if err := tx.Table(s.table).Where("id = ?", id).
			Updates(map[string]any{"is_read": isRead, "updated_at": it.UpdatedAt}).Error; err != nil {
			return fmt.Errorf("set read flag: %w", err)
		}
		out = it
		return nil
	})
	return out, err
}

// ResetForRetry starts a new attempt for a failed item.
func (s *ItemStore) ResetForRetry(ctx context.Context, owner, id string) (archive.Item, error) {
	var out archive.Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		it, err := s.get(tx, owner, id)
		if err != nil {
			return err
		}
		if it.Status != archive.StatusFailed {
			return fmt.Errorf("%w: retry requires a failed item, %s is %s", archive.ErrInvalidState, id, it.Status)
		}
		next := toRow(it.ResetForRetry(s.clock.Now()))
		if err := tx.Table(s.table).Where("id = ?", id).Select("*").Updates(&next).Error; err != nil {
			return fmt.Errorf("reset archive item: %w", err)
		}
		out = next.item()
		return nil
	})
	return out, err
}

// Delete removes the owner's item.
func (s *ItemStore) Delete(ctx context.Context, owner, id string) (archive.Item, error) {
	var out archive.Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		it, err := s.get(tx, owner, id)
		if err != nil {
			return err
		}
		if err := tx.Table(s.table).Where("id = ?", id).Delete(&itemRow{}).Error; err != nil {
			return fmt.Errorf("delete archive item: %w", err)
		}
		out = it
		return nil
	})
	return out, err
}

// ListStalePending returns pending items last touched before olderThan, oldest first.
func (s *ItemStore) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]archive.Item, error) {
	if limit <= 0 {
		limit = archive.MaxPageSize
	}
	var rows []itemRow
	err := s.tx(ctx).
		Where("status = ? AND updated_at < ?", string(archive.StatusPending), olderThan.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	return toItems(rows), nil
}

func toItems(rows []itemRow) []archive.Item {
	items := make([]archive.Item, 0, len(rows))
	for _, r := range rows {
		items = append(items, r.item())
	}
	return items
}
