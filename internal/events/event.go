package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
)

// Kind names a lifecycle transition.
type Kind string

// Supported event kinds.
const (
	KindCreated          Kind = "item.created"
	KindUpdated          Kind = "item.updated"
	KindDeleted          Kind = "item.deleted"
	KindRetryQueued      Kind = "item.retry_queued"
	KindCaptureStarted   Kind = "capture.started"
	KindCaptureCompleted Kind = "capture.completed"
	KindCaptureFailed    Kind = "capture.failed"
)

// Event describes one change to an archive item.
type Event struct {
	Kind          Kind                `json:"kind"`
	ItemID        string              `json:"item_id"`
	Owner         string              `json:"owner"`
	TS            time.Time           `json:"ts"`
	Status        archive.Status      `json:"status,omitempty"`
	Attempt       int                 `json:"attempt,omitempty"`
	IsRead        bool                `json:"is_read"`
	URL           string              `json:"url,omitempty"`
	FailureKind   archive.FailureKind `json:"failure_kind,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
	Dur           time.Duration       `json:"duration_ns,omitempty"`
}

// ForItem builds an event snapshotting it.
func ForItem(kind Kind, it archive.Item, ts time.Time) Event {
	return Event{
		Kind:          kind,
		ItemID:        it.ID,
		Owner:         it.Owner,
		TS:            ts,
		Status:        it.Status,
		Attempt:       it.Attempt,
		IsRead:        it.IsRead,
		URL:           it.URL,
		FailureReason: it.FailureReason,
	}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ItemID == "" {
		return errors.New("item id is required")
	}
	if e.Owner == "" {
		return errors.New("owner is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindCreated, KindUpdated, KindDeleted, KindRetryQueued, KindCaptureStarted:
	case KindCaptureCompleted:
		if e.Status != archive.StatusCompleted {
			return errors.New("capture completed requires completed status")
		}
	case KindCaptureFailed:
		if e.FailureReason == "" {
			return errors.New("capture failed requires a reason")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event marks the end of a capture attempt.
func (e Event) Terminal() bool {
	return e.Kind == KindCaptureCompleted || e.Kind == KindCaptureFailed
}
