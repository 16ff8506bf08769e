package archive

import (
	"fmt"
	"strings"
	"time"
)

// ReadState selects items by their is_read flag.
type ReadState string

// Read-state filters.
const (
	ReadAll    ReadState = "all"
	ReadRead   ReadState = "read"
	ReadUnread ReadState = "unread"
)

const (
	// DefaultPageSize is used when a list request omits limit.
	DefaultPageSize = 50
	// MaxPageSize caps a single list page.
	MaxPageSize = 200
)

// ListFilter narrows and paginates a listing. Zero values mean "no filter".
type ListFilter struct {
	ReadState  ReadState
	Search     string
	MaxAgeDays int
	Status     Status
	Skip       int
	Limit      int
}

// Normalize applies defaults and validates the filter.
func (f ListFilter) Normalize() (ListFilter, error) {
	if f.ReadState == "" {
		f.ReadState = ReadAll
	}
	switch f.ReadState {
	case ReadAll, ReadRead, ReadUnread:
	default:
		return f, fmt.Errorf("%w: unknown read state %q", ErrValidation, f.ReadState)
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("%w: unknown status %q", ErrValidation, f.Status)
	}
	if f.Skip < 0 {
		return f, fmt.Errorf("%w: skip must be >= 0", ErrValidation)
	}
	if f.MaxAgeDays < 0 {
		return f, fmt.Errorf("%w: max_age_days must be >= 0", ErrValidation)
	}
	switch {
	case f.Limit < 0:
		return f, fmt.Errorf("%w: limit must be >= 0", ErrValidation)
	case f.Limit == 0:
		f.Limit = DefaultPageSize
	case f.Limit > MaxPageSize:
		f.Limit = MaxPageSize
	}
	f.Search = strings.TrimSpace(f.Search)
	return f, nil
}

// ReadFlag returns the is_read value to match, or nil for all items.
func (f ListFilter) ReadFlag() *bool {
	var v bool
	switch f.ReadState {
	case ReadRead:
		v = true
	case ReadUnread:
		v = false
	default:
		return nil
	}
	return &v
}

// Cutoff returns the oldest created_at admitted by MaxAgeDays.
func (f ListFilter) Cutoff(now time.Time) (time.Time, bool) {
	if f.MaxAgeDays <= 0 {
		return time.Time{}, false
	}
	return now.AddDate(0, 0, -f.MaxAgeDays), true
}

// Matches reports whether it passes the filter. Stores that cannot push the
// filter into a query use it directly.
func (f ListFilter) Matches(it Item, now time.Time) bool {
	if flag := f.ReadFlag(); flag != nil && it.IsRead != *flag {
		return false
	}
	if f.Status != "" && it.Status != f.Status {
		return false
	}
	if cutoff, ok := f.Cutoff(now); ok && it.CreatedAt.Before(cutoff) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(it.Title), needle) &&
			!strings.Contains(strings.ToLower(it.URL), needle) &&
			!strings.Contains(strings.ToLower(it.ExtractedText), needle) {
			return false
		}
	}
	return true
}

// EscapeLike escapes SQL LIKE wildcards with a backslash.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
