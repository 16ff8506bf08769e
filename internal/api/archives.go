package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
	"github.com/JakeFAU/readlater-archiver/internal/service"
)

// excerptLength bounds the text preview carried by list results.
const excerptLength = 280

const maxBodyBytes = 1 << 20

type createRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type updateRequest struct {
	IsRead *bool `json:"is_read"`
}

type bulkRequest struct {
	IDs    []string `json:"ids"`
	Action string   `json:"action"`
}

// itemDTO is the list representation of an item: full text is replaced by a
// short excerpt.
type itemDTO struct {
	ID            string         `json:"id"`
	URL           string         `json:"url"`
	FinalURL      string         `json:"final_url,omitempty"`
	Title         string         `json:"title"`
	Status        archive.Status `json:"status"`
	IsRead        bool           `json:"is_read"`
	Attempt       int            `json:"attempt"`
	ScreenshotRef string         `json:"screenshot_ref,omitempty"`
	PDFRef        string         `json:"pdf_ref,omitempty"`
	ContentRef    string         `json:"content_ref,omitempty"`
	Excerpt       string         `json:"excerpt,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type listResponse struct {
	Items      []itemDTO `json:"items"`
	HasPending bool      `json:"has_pending"`
	Skip       int       `json:"skip"`
	Limit      int       `json:"limit"`
}

func toItemDTO(it archive.Item) itemDTO {
	return itemDTO{
		ID:            it.ID,
		URL:           it.URL,
		FinalURL:      it.FinalURL,
		Title:         it.Title,
		Status:        it.Status,
		IsRead:        it.IsRead,
		Attempt:       it.Attempt,
		ScreenshotRef: it.ScreenshotRef,
		PDFRef:        it.PDFRef,
		ContentRef:    it.ContentRef,
		Excerpt:       it.Excerpt(excerptLength),
		FailureReason: it.FailureReason,
		CreatedAt:     it.CreatedAt,
		UpdatedAt:     it.UpdatedAt,
	}
}

func (s *Server) createArchive(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	item, err := s.archives.Save(r.Context(), ownerFrom(r.Context()), req.URL, req.Title)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) listArchives(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.archives.List(r.Context(), ownerFrom(r.Context()), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := listResponse{
		Items:      make([]itemDTO, 0, len(page.Items)),
		HasPending: page.HasPending,
		Skip:       page.Skip,
		Limit:      page.Limit,
	}
	for _, it := range page.Items {
		resp.Items = append(resp.Items, toItemDTO(it))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getArchive(w http.ResponseWriter, r *http.Request) {
	item, err := s.archives.Get(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) openArchive(w http.ResponseWriter, r *http.Request) {
	item, err := s.archives.Open(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) updateArchive(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.IsRead == nil {
		writeError(w, http.StatusBadRequest, "is_read is required")
		return
	}
	item, err := s.archives.SetRead(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"), *req.IsRead)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) deleteArchive(w http.ResponseWriter, r *http.Request) {
	if err := s.archives.Delete(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retryArchive(w http.ResponseWriter, r *http.Request) {
	item, err := s.archives.Retry(r.Context(), ownerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) bulkArchives(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	action, err := service.ParseBulkAction(req.Action)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	result, err := s.archives.Bulk(r.Context(), ownerFrom(r.Context()), req.IDs, action)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeServiceError maps service errors onto status codes. Unexpected errors
// are logged and reported generically.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, archive.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, archive.ErrNotFound):
		writeError(w, http.StatusNotFound, "archive item not found")
	case errors.Is(err, archive.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func parseListFilter(r *http.Request) (archive.ListFilter, error) {
	q := r.URL.Query()
	filter := archive.ListFilter{
		ReadState: archive.ReadAll,
		Search:    strings.TrimSpace(q.Get("search")),
	}
	var err error
	if filter.Skip, err = intParam(q.Get("skip"), "skip"); err != nil {
		return archive.ListFilter{}, err
	}
	if filter.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		return archive.ListFilter{}, err
	}
	if filter.MaxAgeDays, err = intParam(q.Get("max_age_days"), "max_age_days"); err != nil {
		return archive.ListFilter{}, err
	}
	if raw := strings.TrimSpace(q.Get("is_read")); raw != "" {
		isRead, parseErr := strconv.ParseBool(raw)
		if parseErr != nil {
			return archive.ListFilter{}, errors.New("invalid is_read")
		}
		filter.ReadState = archive.ReadUnread
		if isRead {
			filter.ReadState = archive.ReadRead
		}
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, parseErr := archive.ParseStatus(raw)
		if parseErr != nil {
			return archive.ListFilter{}, errors.New("invalid status")
		}
		filter.Status = status
	}
	return filter, nil
}

func intParam(raw, name string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return val, nil
}
