package archive

import (
	"fmt"
	"strings"
	"time"
)

// Status is the capture lifecycle state of an item.
type Status string

const (
	// StatusPending means a capture attempt is queued or running.
	StatusPending Status = "pending"
	// StatusCompleted means the latest attempt produced artifacts.
	StatusCompleted Status = "completed"
	// StatusFailed means the latest attempt ended with a failure reason.
	StatusFailed Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends a capture attempt.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus converts user input into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
	return s, nil
}

// Artifacts are the references produced by a successful capture.
type Artifacts struct {
	ScreenshotRef string `json:"screenshot_ref"`
	PDFRef        string `json:"pdf_ref"`
	ContentRef    string `json:"content_ref,omitempty"`
	ExtractedText string `json:"extracted_text"`
}

// Empty reports whether no artifact reference is set.
func (a Artifacts) Empty() bool {
	return a.ScreenshotRef == "" && a.PDFRef == "" && a.ContentRef == "" && a.ExtractedText == ""
}

// Item is one saved URL and the outcome of its latest capture attempt.
type Item struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	URL           string    `json:"url"`
	FinalURL      string    `json:"final_url,omitempty"`
	Title         string    `json:"title"`
	Status        Status    `json:"status"`
	IsRead        bool      `json:"is_read"`
	Attempt       int       `json:"attempt"`
	ScreenshotRef string    `json:"screenshot_ref,omitempty"`
	PDFRef        string    `json:"pdf_ref,omitempty"`
	ContentRef    string    `json:"content_ref,omitempty"`
	ExtractedText string    `json:"extracted_text,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewItem builds a pending item. An empty title defaults to the URL.
func NewItem(id, owner, rawURL, title string, now time.Time) (Item, error) {
	if strings.TrimSpace(id) == "" {
		return Item{}, fmt.Errorf("%w: id is required", ErrValidation)
	}
	if strings.TrimSpace(owner) == "" {
		return Item{}, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return Item{}, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = normalized
	}
	return Item{
		ID:        id,
		Owner:     owner,
		URL:       normalized,
		Title:     truncate(title, MaxTitleLength),
		Status:    StatusPending,
		Attempt:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Artifacts returns the artifact view of the item.
func (it Item) Artifacts() Artifacts {
	return Artifacts{
		ScreenshotRef: it.ScreenshotRef,
		PDFRef:        it.PDFRef,
		ContentRef:    it.ContentRef,
		ExtractedText: it.ExtractedText,
	}
}

// CheckPayload verifies that artifacts and failure reason match the status.
func (it Item) CheckPayload() error {
	hasArtifacts := !it.Artifacts().Empty()
	hasFailure := it.FailureReason != ""
	switch it.Status {
	case StatusPending:
		if hasArtifacts || hasFailure {
			return fmt.Errorf("pending item %s carries a capture payload", it.ID)
		}
	case StatusCompleted:
		if !hasArtifacts || hasFailure || it.ScreenshotRef == "" || it.PDFRef == "" {
			return fmt.Errorf("completed item %s must carry artifacts only", it.ID)
		}
	case StatusFailed:
		if hasArtifacts || !hasFailure {
			return fmt.Errorf("failed item %s must carry a failure reason only", it.ID)
		}
	default:
		return fmt.Errorf("item %s has unknown status %q", it.ID, it.Status)
	}
	return nil
}

// Excerpt returns at most n runes of the extracted text.
func (it Item) Excerpt(n int) string {
	text := strings.TrimSpace(it.ExtractedText)
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return strings.TrimSpace(string(runes[:n])) + "…"
}

// Outcome is a terminal capture result written back to the store.
type Outcome struct {
	Status        Status
	Title         string
	FinalURL      string
	Artifacts     Artifacts
	FailureReason string
}

// Completed builds a successful outcome.
func Completed(res CaptureResult) Outcome {
	return Outcome{
		Status:    StatusCompleted,
		Title:     truncate(strings.TrimSpace(res.Title), MaxTitleLength),
		FinalURL:  res.FinalURL,
		Artifacts: res.Artifacts,
	}
}

// Failed builds a failed outcome with the provided reason.
func Failed(reason string) Outcome {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "capture failed"
	}
	return Outcome{
		Status:        StatusFailed,
		FailureReason: truncate(reason, MaxReasonLength),
	}
}

// Validate checks that the outcome is terminal and carries exactly one payload.
func (o Outcome) Validate() error {
	switch o.Status {
	case StatusCompleted:
		if o.Artifacts.ScreenshotRef == "" || o.Artifacts.PDFRef == "" {
			return fmt.Errorf("completed outcome requires screenshot and pdf references")
		}
		if o.FailureReason != "" {
			return fmt.Errorf("completed outcome cannot carry a failure reason")
		}
	case StatusFailed:
		if o.FailureReason == "" {
			return fmt.Errorf("failed outcome requires a reason")
		}
		if !o.Artifacts.Empty() {
			return fmt.Errorf("failed outcome cannot carry artifacts")
		}
	default:
		return fmt.Errorf("outcome status %q is not terminal", o.Status)
	}
	return nil
}

// Apply returns a copy of it with the outcome written in. The caller is
// responsible for the attempt and state checks.
func (o Outcome) Apply(it Item, now time.Time) Item {
	it.Status = o.Status
	it.UpdatedAt = now
	it.ScreenshotRef = o.Artifacts.ScreenshotRef
	it.PDFRef = o.Artifacts.PDFRef
	it.ContentRef = o.Artifacts.ContentRef
	it.ExtractedText = o.Artifacts.ExtractedText
	it.FailureReason = o.FailureReason
	if o.FinalURL != "" {
		it.FinalURL = o.FinalURL
	}
	if o.Title != "" && it.Title == it.URL {
		it.Title = o.Title
	}
	return it
}

// ResetForRetry clears the capture payload and starts a new attempt.
func (it Item) ResetForRetry(now time.Time) Item {
	it.Status = StatusPending
	it.Attempt++
	it.ScreenshotRef = ""
	it.PDFRef = ""
	it.ContentRef = ""
	it.ExtractedText = ""
	it.FailureReason = ""
	it.FinalURL = ""
	it.UpdatedAt = now
	return it
}

// Job is one queued capture attempt.
type Job struct {
	ItemID    string
	Owner     string
	URL       string
	Attempt   int
	Submitted time.Time
}

// JobFor builds the capture job for the item's current attempt.
func JobFor(it Item, now time.Time) Job {
	return Job{
		ItemID:    it.ID,
		Owner:     it.Owner,
		URL:       it.URL,
		Attempt:   it.Attempt,
		Submitted: now,
	}
}

// CaptureResult is what a successful capture returns.
type CaptureResult struct {
	Title      string
	FinalURL   string
	StatusCode int
	Artifacts  Artifacts
	Duration   time.Duration
}

const (
	// MaxTitleLength bounds stored titles.
	MaxTitleLength = 255
	// MaxReasonLength bounds stored failure reasons.
	MaxReasonLength = 512
)

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
