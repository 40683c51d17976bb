package omr

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/omrgrader/internal/model"
)

// Sheet is one input of a batch. Data takes precedence over Path.
type Sheet struct {
	ID    int64
	Title string
	Path  string
	Data  []byte
}

// EvaluateBatch evaluates sheets concurrently. The returned entries are in
// input order and there is exactly one per sheet; a bad sheet never aborts
// the batch. A missing key is the only error.
func (e *Evaluator) EvaluateBatch(ctx context.Context, sheets []Sheet, key model.AnswerKey) ([]model.BatchEntry, error) {
	if len(key) == 0 {
		return nil, ErrNoAnswerKey
	}

	started := time.Now()
	entries := make([]model.BatchEntry, len(sheets))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, s := range sheets {
		g.Go(func() error {
			entries[i] = e.evaluateSheet(ctx, s, key)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, en := range entries {
		if en.Error != "" || (en.Result != nil && len(en.Result.Errors) > 0) {
			failed++
		}
	}
	slog.Info("evaluated batch",
		"sheets", len(sheets),
		"with_errors", failed,
		"workers", e.workers,
		"duration", time.Since(started),
	)
	return entries, nil
}

func (e *Evaluator) evaluateSheet(ctx context.Context, s Sheet, key model.AnswerKey) model.BatchEntry {
	entry := model.BatchEntry{ImageID: s.ID, Title: s.Title}
	if err := ctx.Err(); err != nil {
		entry.Error = err.Error()
		return entry
	}

	oneStarted := time.Now()
	if s.Data != nil {
		entry.Result = e.EvaluateReader(bytes.NewReader(s.Data), key)
	} else {
		entry.Result = e.EvaluateFile(s.Path, key)
	}
	slog.Debug("evaluated sheet",
		"image_id", s.ID,
		"title", s.Title,
		"student_id", entry.Result.StudentID,
		"total_score", entry.Result.TotalScore,
		"errors", len(entry.Result.Errors),
		"duration", time.Since(oneStarted),
	)
	return entry
}
