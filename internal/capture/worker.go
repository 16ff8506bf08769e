// Package capture turns one saved URL into archived artifacts: a full-page
// screenshot, a paginated PDF and a readable copy of the main content.
package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
	"github.com/JakeFAU/readlater-archiver/internal/logging"
)

// Artifact file names under <prefix>/<id>/<attempt>/.
const (
	ScreenshotPNG  = "screenshot.png"
	ScreenshotJPEG = "screenshot.jpg"
	PDFFile        = "page.pdf"
	ContentHTML    = "content.html"
	ContentText    = "content.txt"
	ManifestFile   = "manifest.json"
)

// Config controls artifact limits and layout.
type Config struct {
	Prefix           string
	PublicBaseURL    string
	MaxHTMLBytes     int
	MaxTextBytes     int
	MaxArtifactBytes int
}

// Worker implements archive.Capturer. It holds no per-capture state, so one
// instance serves every concurrent capture.
type Worker struct {
	cfg       Config
	renderer  Renderer
	preflight Preflighter
	blobs     archive.BlobStore
	hasher    archive.Hasher
	clock     archive.Clock
	logger    *zap.Logger
}

// NewWorker constructs a Worker. preflight may be nil.
func NewWorker(
	cfg Config,
	renderer Renderer,
	preflight Preflighter,
	blobs archive.BlobStore,
	hasher archive.Hasher,
	clock archive.Clock,
	logger *zap.Logger,
) (*Worker, error) {
	if renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil || clock == nil {
		return nil, fmt.Errorf("hasher and clock are required")
	}
	if cfg.MaxHTMLBytes <= 0 {
		cfg.MaxHTMLBytes = 5 << 20
	}
	if cfg.MaxTextBytes <= 0 {
		cfg.MaxTextBytes = 1 << 20
	}
	if cfg.MaxArtifactBytes <= 0 {
		cfg.MaxArtifactBytes = 50 << 20
	}
	return &Worker{
		cfg:       cfg,
		renderer:  renderer,
		preflight: preflight,
		blobs:     blobs,
		hasher:    hasher,
		clock:     clock,
		logger:    logging.OrNop(logger),
	}, nil
}

// ArtifactPrefix is the key prefix holding every attempt of an item.
func ArtifactPrefix(prefix, itemID string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return itemID + "/"
	}
	return fmt.Sprintf("%s/%s/", prefix, itemID)
}

// AttemptPrefix is the key prefix for one attempt's artifacts.
func AttemptPrefix(prefix, itemID string, attempt int) string {
	return fmt.Sprintf("%s%d/", ArtifactPrefix(prefix, itemID), attempt)
}

// Capture renders job.URL and persists its artifacts. Every error returned is
// an *archive.CaptureError.
func (w *Worker) Capture(ctx context.Context, job archive.Job) (result archive.CaptureResult, err error) {
	start := w.clock.Now()
	logger := w.logger.With(logging.ItemFields(job.ItemID, job.Owner, job.Attempt)...)

	defer func() {
		if p := recover(); p != nil {
			logger.Error("capture panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			result = archive.CaptureResult{}
			err = archive.NewCaptureError(archive.FailureInternal, "unexpected capture fault", fmt.Errorf("panic: %v", p))
		}
	}()

	if w.preflight != nil {
		if err := w.preflight.Check(ctx, job.URL); err != nil {
			logger.Info("preflight rejected url", zap.String("url", job.URL), zap.Error(err))
			return archive.CaptureResult{}, Classify("preflight", err)
		}
	}

	page, err := w.renderer.Render(ctx, job.URL)
	if err != nil {
		return archive.CaptureResult{}, Classify("render", err)
	}
	logger.Debug("page rendered",
		zap.String("final_url", page.FinalURL),
		zap.Int("status_code", page.StatusCode),
		zap.Bool("settled", page.Settled),
	)

	readable, err := Extract(page.HTML, page.FinalURL, w.cfg.MaxHTMLBytes, w.cfg.MaxTextBytes)
	if err != nil {
		return archive.CaptureResult{}, archive.NewCaptureError(archive.FailureRender, "could not parse page content", err)
	}

	if page.StatusCode < 200 || page.StatusCode > 299 {
		if readable.Text == "" {
			return archive.CaptureResult{}, archive.NewCaptureError(archive.FailureHTTP,
				fmt.Sprintf("HTTP %d %s", page.StatusCode, http.StatusText(page.StatusCode)), nil)
		}
		logger.Info("keeping capture of non-2xx page with content", zap.Int("status_code", page.StatusCode))
	}

	if err := w.checkSizes(page); err != nil {
		return archive.CaptureResult{}, err
	}

	title := firstNonEmpty(page.Title, readable.Title, job.URL)
	artifacts, err := w.persist(ctx, job, page, readable, title)
	if err != nil {
		logger.Error("persist artifacts failed", zap.Error(err))
		if cleanupErr := w.blobs.DeletePrefix(context.WithoutCancel(ctx), AttemptPrefix(w.cfg.Prefix, job.ItemID, job.Attempt)); cleanupErr != nil {
			logger.Warn("cleanup of partial artifacts failed", zap.Error(cleanupErr))
		}
		return archive.CaptureResult{}, archive.NewCaptureError(archive.FailureStorage, "could not persist artifacts", err)
	}

	return archive.CaptureResult{
		Title:      title,
		FinalURL:   page.FinalURL,
		StatusCode: page.StatusCode,
		Artifacts:  artifacts,
		Duration:   w.clock.Now().Sub(start),
	}, nil
}

func (w *Worker) checkSizes(page Page) error {
	switch {
	case len(page.Screenshot) == 0:
		return archive.NewCaptureError(archive.FailureRender, "browser returned an empty screenshot", nil)
	case len(page.PDF) == 0:
		return archive.NewCaptureError(archive.FailureRender, "browser returned an empty pdf", nil)
	case len(page.Screenshot) > w.cfg.MaxArtifactBytes:
		return archive.NewCaptureError(archive.FailureResources,
			fmt.Sprintf("screenshot is %d bytes, limit %d", len(page.Screenshot), w.cfg.MaxArtifactBytes), nil)
	case len(page.PDF) > w.cfg.MaxArtifactBytes:
		return archive.NewCaptureError(archive.FailureResources,
			fmt.Sprintf("pdf is %d bytes, limit %d", len(page.PDF), w.cfg.MaxArtifactBytes), nil)
	}
	return nil
}

type manifest struct {
	ItemID     string            `json:"item_id"`
	Attempt    int               `json:"attempt"`
	URL        string            `json:"url"`
	FinalURL   string            `json:"final_url"`
	Title      string            `json:"title"`
	StatusCode int               `json:"status_code"`
	Settled    bool              `json:"settled"`
	CapturedAt time.Time         `json:"captured_at"`
	Files      map[string]string `json:"files"`
}

func (w *Worker) persist(
	ctx context.Context,
	job archive.Job,
	page Page,
	readable Readable,
	title string,
) (archive.Artifacts, error) {
	base := AttemptPrefix(w.cfg.Prefix, job.ItemID, job.Attempt)
	shotName := ScreenshotPNG
	if page.ScreenshotType == "image/jpeg" {
		shotName = ScreenshotJPEG
	}
	files := []struct {
		name        string
		contentType string
		data        []byte
	}{
		{shotName, page.ScreenshotType, page.Screenshot},
		{PDFFile, "application/pdf", page.PDF},
		{ContentHTML, "text/html; charset=utf-8", []byte(readable.HTML)},
		{ContentText, "text/plain; charset=utf-8", []byte(readable.Text)},
	}

	m := manifest{
		ItemID:     job.ItemID,
		Attempt:    job.Attempt,
		URL:        job.URL,
		FinalURL:   page.FinalURL,
		Title:      title,
		StatusCode: page.StatusCode,
		Settled:    page.Settled,
		CapturedAt: w.clock.Now(),
		Files:      make(map[string]string, len(files)),
	}
	refs := make(map[string]string, len(files))
	for _, f := range files {
		digest, err := w.hasher.Hash(f.data)
		if err != nil {
			return archive.Artifacts{}, fmt.Errorf("hash %s: %w", f.name, err)
		}
		m.Files[f.name] = digest
		uri, err := w.blobs.PutObject(ctx, base+f.name, f.contentType, bytes.NewReader(f.data))
		if err != nil {
			return archive.Artifacts{}, fmt.Errorf("put %s: %w", f.name, err)
		}
		refs[f.name] = w.reference(base+f.name, uri)
	}

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return archive.Artifacts{}, fmt.Errorf("encode manifest: %w", err)
	}
	if _, err := w.blobs.PutObject(ctx, base+ManifestFile, "application/json", bytes.NewReader(raw)); err != nil {
		return archive.Artifacts{}, fmt.Errorf("put manifest: %w", err)
	}

	return archive.Artifacts{
		ScreenshotRef: refs[shotName],
		PDFRef:        refs[PDFFile],
		ContentRef:    refs[ContentHTML],
		ExtractedText: readable.Text,
	}, nil
}

func (w *Worker) reference(key, uri string) string {
	if w.cfg.PublicBaseURL == "" {
		return uri
	}
	return strings.TrimRight(w.cfg.PublicBaseURL, "/") + "/" + key
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
