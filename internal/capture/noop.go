package capture

import (
	"context"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
)

// Noop is a Capturer that fails every job. It stands in when no browser is
// available so items fail visibly instead of staying pending.
type Noop struct{}

// NewNoop returns a Capturer that always fails.
func NewNoop() Noop {
	return Noop{}
}

// Capture always returns a render failure.
func (Noop) Capture(context.Context, archive.Job) (archive.CaptureResult, error) {
	return archive.CaptureResult{}, archive.NewCaptureError(archive.FailureRender, "browser capture is disabled", nil)
}
