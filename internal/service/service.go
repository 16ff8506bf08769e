// Package service implements the archive operations exposed to clients:
// saving URLs, listing and searching, read-state changes, bulk edits, retry
// and delete. Captures run asynchronously; every call returns as soon as the
// store reflects the change.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
	"github.com/JakeFAU/readlater-archiver/internal/capture"
	"github.com/JakeFAU/readlater-archiver/internal/events"
	"github.com/JakeFAU/readlater-archiver/internal/logging"
	"github.com/JakeFAU/readlater-archiver/internal/metrics"
)

// DefaultMaxBulkIDs bounds the ids accepted by one bulk call.
const DefaultMaxBulkIDs = 500

// Config controls service limits.
type Config struct {
	// Prefix is the artifact key prefix shared with the capture worker.
	Prefix     string
	MaxBulkIDs int
}

// Service is the archive API layer.
type Service struct {
	cfg      Config
	store    archive.ItemStore
	blobs    archive.BlobStore
	enqueuer archive.Enqueuer
	ids      archive.IDGenerator
	clock    archive.Clock
	emitter  events.Emitter
	logger   *zap.Logger
}

// New constructs a Service. emitter and logger may be nil.
func New(
	cfg Config,
	store archive.ItemStore,
	blobs archive.BlobStore,
	enqueuer archive.Enqueuer,
	ids archive.IDGenerator,
	clock archive.Clock,
	emitter events.Emitter,
	logger *zap.Logger,
) (*Service, error) {
	if store == nil || blobs == nil {
		return nil, errors.New("item and blob stores are required")
	}
	if enqueuer == nil {
		return nil, errors.New("enqueuer is required")
	}
	if ids == nil || clock == nil {
		return nil, errors.New("id generator and clock are required")
	}
	if cfg.MaxBulkIDs <= 0 {
		cfg.MaxBulkIDs = DefaultMaxBulkIDs
	}
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		blobs:    blobs,
		enqueuer: enqueuer,
		ids:      ids,
		clock:    clock,
		emitter:  emitter,
		logger:   logging.OrNop(logger).Named("service"),
	}, nil
}

// Save validates rawURL, stores a pending item and queues its capture. The
// returned item is always pending; a queueing failure is logged and left to
// reconciliation.
func (s *Service) Save(ctx context.Context, owner, rawURL, title string) (archive.Item, error) {
	if err := requireOwner(owner); err != nil {
		return archive.Item{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return archive.Item{}, fmt.Errorf("generate id: %w", err)
	}
	item, err := archive.NewItem(id, owner, rawURL, title, s.clock.Now())
	if err != nil {
		return archive.Item{}, err
	}
	if err := s.store.Create(ctx, item); err != nil {
		return archive.Item{}, fmt.Errorf("create item: %w", err)
	}
	metrics.ObserveItemCreated()
	s.emitter.Emit(events.ForItem(events.KindCreated, item, s.clock.Now()))

	if err := s.enqueuer.Enqueue(ctx, archive.JobFor(item, s.clock.Now())); err != nil {
		s.logger.Error("enqueue capture failed; item left for reconciliation",
			append(logging.ItemFields(item.ID, owner, item.Attempt), zap.Error(err))...)
	}
	return item, nil
}

// Get returns one item.
func (s *Service) Get(ctx context.Context, owner, id string) (archive.Item, error) {
	if err := requireOwner(owner); err != nil {
		return archive.Item{}, err
	}
	item, err := s.store.Get(ctx, owner, id)
	if err != nil {
		return archive.Item{}, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// Open returns an item for reading. Opening a completed unread item marks it
// read.
func (s *Service) Open(ctx context.Context, owner, id string) (archive.Item, error) {
	item, err := s.Get(ctx, owner, id)
	if err != nil {
		return archive.Item{}, err
	}
	if item.Status != archive.StatusCompleted || item.IsRead {
		return item, nil
	}
	return s.SetRead(ctx, owner, id, true)
}

// Page is one page of list results.
type Page struct {
	Items []archive.Item
	// HasPending tells pollers whether any item on the page still awaits a
	// terminal state.
	HasPending bool
	Skip       int
	Limit      int
}

// List returns the owner's items matching filter, newest first.
func (s *Service) List(ctx context.Context, owner string, filter archive.ListFilter) (Page, error) {
	if err := requireOwner(owner); err != nil {
		return Page{}, err
	}
	normalized, err := filter.Normalize()
	if err != nil {
		return Page{}, err
	}
	items, err := s.store.List(ctx, owner, normalized)
	if err != nil {
		return Page{}, fmt.Errorf("list items: %w", err)
	}
	page := Page{Items: items, Skip: normalized.Skip, Limit: normalized.Limit}
	for _, it := range items {
		if it.Status == archive.StatusPending {
			page.HasPending = true
			break
		}
	}
	return page, nil
}

// SetRead changes the read flag of one item.
func (s *Service) SetRead(ctx context.Context, owner, id string, isRead bool) (archive.Item, error) {
	if err := requireOwner(owner); err != nil {
		return archive.Item{}, err
	}
	item, err := s.store.SetRead(ctx, owner, id, isRead)
	if err != nil {
		return archive.Item{}, fmt.Errorf("set read: %w", err)
	}
	s.emitter.Emit(events.ForItem(events.KindUpdated, item, s.clock.Now()))
	return item, nil
}

// Retry starts a new capture attempt for a failed item. The id stays the same
// and artifacts of earlier attempts are removed.
func (s *Service) Retry(ctx context.Context, owner, id string) (archive.Item, error) {
	if err := requireOwner(owner); err != nil {
		return archive.Item{}, err
	}
	item, err := s.store.ResetForRetry(ctx, owner, id)
	if err != nil {
		return archive.Item{}, fmt.Errorf("retry: %w", err)
	}
	s.removeArtifacts(ctx, item)
	s.emitter.Emit(events.ForItem(events.KindRetryQueued, item, s.clock.Now()))
	if err := s.enqueuer.Enqueue(ctx, archive.JobFor(item, s.clock.Now())); err != nil {
		s.logger.Error("enqueue retry failed; item left for reconciliation",
			append(logging.ItemFields(item.ID, owner, item.Attempt), zap.Error(err))...)
	}
	return item, nil
}

// Delete removes the item and its artifacts. A capture still running for it
// finishes and its write is dropped.
func (s *Service) Delete(ctx context.Context, owner, id string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	item, err := s.store.Delete(ctx, owner, id)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	s.removeArtifacts(ctx, item)
	s.emitter.Emit(events.ForItem(events.KindDeleted, item, s.clock.Now()))
	return nil
}

func (s *Service) removeArtifacts(ctx context.Context, item archive.Item) {
	prefix := capture.ArtifactPrefix(s.cfg.Prefix, item.ID)
	if err := s.blobs.DeletePrefix(context.WithoutCancel(ctx), prefix); err != nil {
		s.logger.Warn("artifact removal failed",
			append(logging.ItemFields(item.ID, item.Owner, item.Attempt), zap.String("prefix", prefix), zap.Error(err))...)
	}
}

func requireOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: owner is required", archive.ErrValidation)
	}
	return nil
}
