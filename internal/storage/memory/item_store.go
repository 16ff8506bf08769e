// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
)

// ItemStore keeps archive items in a map guarded by a single lock, which
// serializes every write to an item.
type ItemStore struct {
	mu    sync.RWMutex
	items map[string]archive.Item
	clock archive.Clock
}

// NewItemStore creates an empty store. A nil clock uses time.Now in UTC.
func NewItemStore(clock archive.Clock) *ItemStore {
	if clock == nil {
		clock = utcClock{}
	}
	return &ItemStore{
		items: make(map[string]archive.Item),
		clock: clock,
	}
}

// Create inserts a pending item.
func (s *ItemStore) Create(_ context.Context, item archive.Item) error {
	if item.Status != archive.StatusPending {
		return fmt.Errorf("%w: new items must be pending", archive.ErrValidation)
	}
	if _, err := archive.NormalizeURL(item.URL); err != nil {
		return err
	}
	if err := item.CheckPayload(); err != nil {
		return fmt.Errorf("%w: %v", archive.ErrValidation, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("item %s already exists", item.ID)
	}
	s.items[item.ID] = item
	return nil
}

// Get returns the owner's item.
func (s *ItemStore) Get(_ context.Context, owner, id string) (archive.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owned(owner, id)
}

// List returns the owner's items newest first.
func (s *ItemStore) List(_ context.Context, owner string, filter archive.ListFilter) ([]archive.Item, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	s.mu.RLock()
	matched := make([]archive.Item, 0)
	for _, it := range s.items {
		if it.Owner == owner && filter.Matches(it, now) {
			matched = append(matched, it)
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(matched)
	if filter.Skip >= len(matched) {
		return []archive.Item{}, nil
	}
	end := filter.Skip + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[filter.Skip:end], nil
}

// UpdateStatus applies a terminal outcome to the current pending attempt.
func (s *ItemStore) UpdateStatus(_ context.Context, id string, attempt int, outcome archive.Outcome) (archive.Item, error) {
	if err := outcome.Validate(); err != nil {
		return archive.Item{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return archive.Item{}, archive.ErrNotFound
	}
	if it.Status != archive.StatusPending || it.Attempt != attempt {
		return archive.Item{}, fmt.Errorf("%w: item %s is %s at attempt %d", archive.ErrStaleUpdate, id, it.Status, it.Attempt)
	}
	it = outcome.Apply(it, s.clock.Now())
	s.items[id] = it
	return it, nil
}

// SetRead toggles the read flag.
func (s *ItemStore) SetRead(_ context.Context, owner, id string, isRead bool) (archive.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.owned(owner, id)
	if err != nil {
		return archive.Item{}, err
	}
	if it.IsRead == isRead {
		return it, nil
	}
	it.IsRead = isRead
	it.UpdatedAt = s.clock.Now()
	s.items[id] = it
	return it, nil
}

// ResetForRetry starts a new attempt for a failed item.
func (s *ItemStore) ResetForRetry(_ context.Context, owner, id string) (archive.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.owned(owner, id)
	if err != nil {
		return archive.Item{}, err
	}
	if it.Status != archive.StatusFailed {
		return archive.Item{}, fmt.Errorf("%w: retry requires a failed item, %s is %s", archive.ErrInvalidState, id, it.Status)
	}
	it = it.ResetForRetry(s.clock.Now())
	s.items[id] = it
	return it, nil
}

// Delete removes the owner's item.
func (s *ItemStore) Delete(_ context.Context, owner, id string) (archive.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.owned(owner, id)
	if err != nil {
		return archive.Item{}, err
	}
	delete(s.items, id)
	return it, nil
}

// ListStalePending returns pending items last touched before olderThan, oldest first.
func (s *ItemStore) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]archive.Item, error) {
	s.mu.RLock()
	stale := make([]archive.Item, 0)
	for _, it := range s.items {
		if it.Status == archive.StatusPending && it.UpdatedAt.Before(olderThan) {
			stale = append(stale, it)
		}
	}
	s.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// Close is a no-op.
func (s *ItemStore) Close() error {
	return nil
}

func (s *ItemStore) owned(owner, id string) (archive.Item, error) {
	it, ok := s.items[id]
	if !ok || it.Owner != owner {
		return archive.Item{}, archive.ErrNotFound
	}
	return it, nil
}

func sortNewestFirst(items []archive.Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
