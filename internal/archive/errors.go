package archive

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks malformed input rejected before any row is written.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks an unknown id or an id owned by someone else.
	ErrNotFound = errors.New("archive item not found")
	// ErrInvalidState marks an operation not allowed in the item's current status.
	ErrInvalidState = errors.New("invalid state")
	// ErrStaleUpdate marks a status write for an attempt that is no longer current.
	ErrStaleUpdate = errors.New("stale status update")
)

// FailureKind classifies capture failures.
type FailureKind string

// Capture failure kinds.
const (
	FailureTimeout   FailureKind = "timeout"
	FailureDNS       FailureKind = "dns"
	FailureTLS       FailureKind = "tls"
	FailureNetwork   FailureKind = "network"
	FailureHTTP      FailureKind = "http_status"
	FailureRender    FailureKind = "render"
	FailureResources FailureKind = "resource_exhausted"
	FailureStorage   FailureKind = "storage"
	FailureInternal  FailureKind = "internal"
)

var failureLabels = map[FailureKind]string{
	FailureTimeout:   "timeout",
	FailureDNS:       "dns error",
	FailureTLS:       "tls error",
	FailureNetwork:   "network error",
	FailureHTTP:      "http error",
	FailureRender:    "render error",
	FailureResources: "resource exhausted",
	FailureStorage:   "storage error",
	FailureInternal:  "internal error",
}

// CaptureError is the typed failure returned by the capture worker.
type CaptureError struct {
	Kind   FailureKind
	Detail string
	Err    error
}

// NewCaptureError builds a CaptureError.
func NewCaptureError(kind FailureKind, detail string, err error) *CaptureError {
	return &CaptureError{Kind: kind, Detail: detail, Err: err}
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason(), e.Err)
	}
	return e.Reason()
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// Reason renders the short human-readable failure reason stored on the item.
func (e *CaptureError) Reason() string {
	label, ok := failureLabels[e.Kind]
	if !ok {
		label = string(e.Kind)
	}
	detail := strings.TrimSpace(e.Detail)
	if detail == "" {
		return label
	}
	return truncate(label+": "+detail, MaxReasonLength)
}

// AsCaptureError extracts a CaptureError from err, wrapping unknown errors as internal.
func AsCaptureError(err error) *CaptureError {
	if err == nil {
		return nil
	}
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce
	}
	return NewCaptureError(FailureInternal, err.Error(), err)
}
