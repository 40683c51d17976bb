// Package omr decodes scanned answer sheets into scored results.
package omr

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pavelanni/omrgrader/internal/model"
	"github.com/pavelanni/omrgrader/internal/scoring"
)

// ErrNoAnswerKey is returned when a batch is evaluated without a parsed key.
var ErrNoAnswerKey = errors.New("no answer key")

// Evaluator turns sheet images into scored results for one template.
// It holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	tmpl    Template
	scheme  scoring.Scheme
	workers int
}

// NewEvaluator validates the template and returns an Evaluator.
// workers bounds how many sheets of a batch are decoded at once.
func NewEvaluator(t Template, s scoring.Scheme, workers int) (*Evaluator, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}
	if workers < 1 {
		workers = 1
	}
	return &Evaluator{tmpl: t, scheme: s, workers: workers}, nil
}

// Template returns the sheet layout the evaluator decodes.
func (e *Evaluator) Template() Template { return e.tmpl }

// EvaluateFile loads and evaluates the sheet stored at path.
func (e *Evaluator) EvaluateFile(path string, key model.AnswerKey) *model.SheetResult {
	data, err := os.ReadFile(path)
	if err != nil {
		res := model.NewSheetResult()
		res.AddError(fmt.Sprintf("Failed to load image: %s", path))
		slog.Warn("failed to read sheet", "path", path, "error", err)
		return res
	}
	return e.EvaluateReader(bytes.NewReader(data), key)
}

// EvaluateReader decodes and evaluates one sheet. A sheet that cannot be
// decoded yields a result holding only the decode error.
func (e *Evaluator) EvaluateReader(r io.Reader, key model.AnswerKey) *model.SheetResult {
	img, err := Decode(r)
	if err != nil {
		res := model.NewSheetResult()
		res.AddError(fmt.Sprintf("Failed to load image: %v", err))
		return res
	}
	return e.EvaluateImage(img, key)
}

// EvaluateImage evaluates an already decoded sheet. It never fails: problems
// with single regions, and unexpected panics, end up in the result's errors.
func (e *Evaluator) EvaluateImage(img image.Image, key model.AnswerKey) (res *model.SheetResult) {
	res = model.NewSheetResult()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic during sheet evaluation", "panic", r)
			res.AddError(fmt.Sprintf("An unexpected error occurred during OMR processing: %v", r))
		}
	}()

	regions, errs := Extract(img, e.tmpl)
	for _, err := range errs {
		res.AddError(err.Error())
	}

	res.StudentID = e.identity(res, regions, RegionStudentID)
	res.ExamID = e.identity(res, regions, RegionExamID)

	subjects := make([]scoring.SubjectScore, 0, len(model.Subjects))
	for i, s := range model.Subjects {
		r, _ := e.tmpl.Region(string(s))
		offset := e.scheme.KeyOffset(i)
		sub, ok := regions[r.Name]
		if !ok {
			subjects = append(subjects, unavailable(s, key, r.Rows, offset))
			continue
		}
		marks := DecodeGrid(sub, r.Rows, model.Choices, e.tmpl.Params())
		subjects = append(subjects, e.scheme.ScoreSubject(s, marks, key, r.Rows, offset))
	}

	Assemble(res, subjects)
	return res
}

// Assemble fills in per-subject scores and details, the total and the
// flattened 1..200 answer map. Subjects must be in model.Subjects order.
func Assemble(res *model.SheetResult, subjects []scoring.SubjectScore) {
	total := 0
	offset := 0
	for _, s := range subjects {
		res.SubjectScores[s.Subject] = s.Score
		res.SubjectDetails[s.Subject] = s.Details
		total += s.Score
		for _, d := range s.Details {
			res.Answers[offset+d.Question] = d.Detected
		}
		offset += model.QuestionsPerSubject
	}
	res.TotalScore = total
}

func (e *Evaluator) identity(res *model.SheetResult, regions map[string]image.Image, name string) string {
	img, ok := regions[name]
	if !ok {
		return ""
	}
	r, _ := e.tmpl.Region(name)
	id := ReadIdentity(img, r, e.tmpl.Params(), e.tmpl.MissingDigit)
	if len(id.Missing) > 0 {
		res.AddError(fmt.Sprintf("%s: no mark in digit position(s) %s", name, positions(id.Missing)))
	}
	if len(id.Multiple) > 0 && e.tmpl.MultiMark == MultiMarkFlag {
		res.AddError(fmt.Sprintf("%s: multiple marks in digit position(s) %s", name, positions(id.Multiple)))
	}
	return id.Value
}

// unavailable is the contribution of a subject whose region could not be read.
func unavailable(s model.Subject, key model.AnswerKey, n, offset int) scoring.SubjectScore {
	out := scoring.SubjectScore{Subject: s, Details: make([]model.ScoredQuestion, 0, n)}
	for q := 1; q <= n; q++ {
		correct, ok := key[offset+q]
		if !ok {
			correct = model.NotAvailable
		}
		out.Details = append(out.Details, model.ScoredQuestion{Question: q, Detected: model.MarkNone, Correct: correct})
	}
	return out
}

func positions(ps []int) string {
	s := make([]string, len(ps))
	for i, p := range ps {
		s[i] = fmt.Sprint(p + 1)
	}
	return strings.Join(s, ", ")
}
