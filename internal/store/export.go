package store

import (
	"fmt"
	"time"

	"github.com/pavelanni/omrgrader/internal/model"
)

// ExportResults builds an export of every evaluated sheet together with a
// reference to the key that is currently in effect.
func (s *Store) ExportResults() (*model.ResultsExport, error) {
	uploads, err := s.EvaluatedUploads()
	if err != nil {
		return nil, fmt.Errorf("list evaluated uploads: %w", err)
	}

	key, err := s.LatestAnswerKey()
	if err != nil {
		return nil, fmt.Errorf("latest answer key: %w", err)
	}

	export := &model.ResultsExport{
		ExportedAt: time.Now().UTC(),
		NumSheets:  len(uploads),
		Results:    make([]model.SheetExport, 0, len(uploads)),
	}
	if key != nil {
		export.AnswerKey = &model.AnswerKeyRef{
			Filename:   key.Filename,
			FileHash:   key.FileHash,
			Questions:  len(key.Answers),
			UploadedAt: key.UploadedAt,
		}
	}
	for _, u := range uploads {
		export.Results = append(export.Results, model.SheetExport{
			ImageID:    u.ID,
			Title:      u.Title,
			UploadedAt: u.UploadedAt,
			Result:     u.Result,
		})
	}
	return export, nil
}
