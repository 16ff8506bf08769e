package archive

import (
	"context"
	"io"
	"time"
)

// ItemStore persists archive items. Every owner-scoped method returns
// ErrNotFound for ids owned by someone else.
type ItemStore interface {
	Create(ctx context.Context, item Item) error
	Get(ctx context.Context, owner, id string) (Item, error)
	List(ctx context.Context, owner string, filter ListFilter) ([]Item, error)
	// UpdateStatus applies a terminal outcome only while the item is pending
	// with the given attempt. Missing ids return ErrNotFound, superseded
	// attempts return ErrStaleUpdate.
	UpdateStatus(ctx context.Context, id string, attempt int, outcome Outcome) (Item, error)
	SetRead(ctx context.Context, owner, id string, isRead bool) (Item, error)
	// ResetForRetry moves a failed item back to pending with a new attempt.
	ResetForRetry(ctx context.Context, owner, id string) (Item, error)
	// Delete removes the row and returns what was removed.
	Delete(ctx context.Context, owner, id string) (Item, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Item, error)
	Close() error
}

// BlobStore persists artifact bytes.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// Capturer turns one job into artifacts or a *CaptureError.
type Capturer interface {
	Capture(ctx context.Context, job Job) (CaptureResult, error)
}

// Queue buffers capture jobs between the service and the scheduler.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Job, error)
	Len() int
}

// Enqueuer hands jobs to the scheduler.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Publisher emits lifecycle notifications to external subscribers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock provides time for deterministic testing.
type Clock interface {
	Now() time.Time
}

// IDGenerator issues item ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}
