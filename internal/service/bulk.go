package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
	"github.com/JakeFAU/readlater-archiver/internal/metrics"
)

// BulkAction names a bulk edit.
type BulkAction string

// Supported bulk actions.
const (
	BulkArchive   BulkAction = "archive"
	BulkUnarchive BulkAction = "unarchive"
	BulkDelete    BulkAction = "delete"
)

// ParseBulkAction validates raw.
func ParseBulkAction(raw string) (BulkAction, error) {
	a := BulkAction(strings.ToLower(strings.TrimSpace(raw)))
	switch a {
	case BulkArchive, BulkUnarchive, BulkDelete:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown bulk action %q", archive.ErrValidation, raw)
}

// Per-id bulk results.
const (
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultError    = "error"
)

// BulkItemResult is the outcome for one id.
type BulkItemResult struct {
	ID     string        `json:"id"`
	Result string        `json:"result"`
	Error  string        `json:"error,omitempty"`
	Item   *archive.Item `json:"item,omitempty"`
}

// BulkResult reports every id of a bulk call in request order.
type BulkResult struct {
	Results   []BulkItemResult `json:"results"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

// Bulk applies action to each id independently. One failing id never stops
// the others; only a malformed request returns an error.
func (s *Service) Bulk(ctx context.Context, owner string, ids []string, action BulkAction) (BulkResult, error) {
	if err := requireOwner(owner); err != nil {
		return BulkResult{}, err
	}
	if _, err := ParseBulkAction(string(action)); err != nil {
		return BulkResult{}, err
	}
	unique := dedupe(ids)
	if len(unique) == 0 {
		return BulkResult{}, fmt.Errorf("%w: ids are required", archive.ErrValidation)
	}
	if len(unique) > s.cfg.MaxBulkIDs {
		return BulkResult{}, fmt.Errorf("%w: at most %d ids per request", archive.ErrValidation, s.cfg.MaxBulkIDs)
	}

	out := BulkResult{Results: make([]BulkItemResult, 0, len(unique))}
	for _, id := range unique {
		res := s.bulkOne(ctx, owner, id, action)
		if res.Result == ResultOK {
			out.Succeeded++
		} else {
			out.Failed++
		}
		metrics.ObserveBulkItem(string(action), res.Result)
		out.Results = append(out.Results, res)
	}
	s.logger.Info("bulk request applied",
		zap.String("owner", owner),
		zap.String("action", string(action)),
		zap.Int("succeeded", out.Succeeded),
		zap.Int("failed", out.Failed),
	)
	return out, nil
}

func (s *Service) bulkOne(ctx context.Context, owner, id string, action BulkAction) BulkItemResult {
	res := BulkItemResult{ID: id, Result: ResultOK}
	var err error
	switch action {
	case BulkArchive, BulkUnarchive:
		var item archive.Item
		item, err = s.SetRead(ctx, owner, id, action == BulkArchive)
		if err == nil {
			res.Item = &item
		}
	case BulkDelete:
		err = s.Delete(ctx, owner, id)
	}
	switch {
	case err == nil:
	case errors.Is(err, archive.ErrNotFound):
		res.Result = ResultNotFound
	default:
		res.Result = ResultError
		res.Error = "could not apply action"
		s.logger.Warn("bulk item failed", zap.String("item_id", id), zap.String("action", string(action)), zap.Error(err))
	}
	return res
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
