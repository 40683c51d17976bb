package omr

import (
	"errors"
	"fmt"
	"image"

	"github.com/pavelanni/omrgrader/internal/model"
)

// Region names used by the template.
const (
	RegionStudentID = "student_id"
	RegionExamID    = "exam_id"
)

// MultiMarkPolicy decides what a row with more than one filled bubble decodes to.
type MultiMarkPolicy string

const (
	// MultiMarkFirst keeps the first bubble in row-major scan order.
	MultiMarkFirst MultiMarkPolicy = "first"
	// MultiMarkFlag turns the row into model.MarkMultiple.
	MultiMarkFlag MultiMarkPolicy = "flag"
)

// Rect is an absolute pixel rectangle on the reference sheet, [X0,X1) x [Y0,Y1).
type Rect struct {
	X0 int `mapstructure:"x0" json:"x0"`
	Y0 int `mapstructure:"y0" json:"y0"`
	X1 int `mapstructure:"x1" json:"x1"`
	Y1 int `mapstructure:"y1" json:"y1"`
}

func (r Rect) image() image.Rectangle {
	return image.Rect(r.X0, r.Y0, r.X1, r.Y1)
}

// Region is one named field of the sheet: where it is, what canonical size it
// is resized to before decoding, and its logical grid.
type Region struct {
	Name   string `mapstructure:"name" json:"name"`
	Rect   Rect   `mapstructure:"rect" json:"rect"`
	Width  int    `mapstructure:"width" json:"width"`
	Height int    `mapstructure:"height" json:"height"`
	Rows   int    `mapstructure:"rows" json:"rows"`
	Cols   int    `mapstructure:"cols" json:"cols"`
}

// Template describes one sheet layout.
type Template struct {
	Regions      []Region        `mapstructure:"regions" json:"regions"`
	Threshold    uint8           `mapstructure:"threshold" json:"threshold"`
	MinArea      int             `mapstructure:"min_area" json:"min_area"`
	MultiMark    MultiMarkPolicy `mapstructure:"multi_mark" json:"multi_mark"`
	MissingDigit string          `mapstructure:"missing_digit" json:"missing_digit"`
}

// DefaultTemplate returns the layout of the standard 200-question sheet
// scanned at its reference resolution.
func DefaultTemplate() Template {
	subject := func(s model.Subject, x0, x1 int) Region {
		return Region{
			Name:   string(s),
			Rect:   Rect{X0: x0, Y0: 515, X1: x1, Y1: 2070},
			Width:  200,
			Height: 1000,
			Rows:   model.QuestionsPerSubject,
			Cols:   len(model.Choices),
		}
	}
	return Template{
		Regions: []Region{
			{Name: RegionStudentID, Rect: Rect{X0: 130, Y0: 855, X1: 450, Y1: 1170}, Width: 350, Height: 750, Rows: 10, Cols: 7},
			{Name: RegionExamID, Rect: Rect{X0: 165, Y0: 1289, X1: 440, Y1: 1602}, Width: 350, Height: 750, Rows: 10, Cols: 5},
			subject(model.SubjectPhysics, 540, 715),
			subject(model.SubjectChemistry, 810, 980),
			subject(model.SubjectBotany, 1080, 1250),
			subject(model.SubjectZoology, 1350, 1520),
		},
		Threshold:    30,
		MinArea:      10,
		MultiMark:    MultiMarkFirst,
		MissingDigit: "X",
	}
}

// Region returns the region with the given name.
func (t Template) Region(name string) (Region, bool) {
	for _, r := range t.Regions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// Params returns the decoder parameters of the template.
func (t Template) Params() Params {
	return Params{Threshold: t.Threshold, MinArea: t.MinArea, MultiMark: t.MultiMark}
}

// Validate checks that the template has every required region with a usable grid.
func (t Template) Validate() error {
	var errs []error
	required := []string{RegionStudentID, RegionExamID}
	for _, s := range model.Subjects {
		required = append(required, string(s))
	}
	for _, name := range required {
		r, ok := t.Region(name)
		if !ok {
			errs = append(errs, fmt.Errorf("region %q missing", name))
			continue
		}
		if r.Width <= 0 || r.Height <= 0 {
			errs = append(errs, fmt.Errorf("region %q: canonical size %dx%d", name, r.Width, r.Height))
		}
		if r.Rows <= 0 || r.Cols <= 0 {
			errs = append(errs, fmt.Errorf("region %q: grid %dx%d", name, r.Rows, r.Cols))
		}
	}
	for _, s := range model.Subjects {
		r, ok := t.Region(string(s))
		if ok && (r.Rows != model.QuestionsPerSubject || r.Cols != len(model.Choices)) {
			errs = append(errs, fmt.Errorf("region %q: subject grid must be %dx%d", s, model.QuestionsPerSubject, len(model.Choices)))
		}
	}
	for _, name := range []string{RegionStudentID, RegionExamID} {
		if r, ok := t.Region(name); ok && r.Rows != 10 {
			errs = append(errs, fmt.Errorf("region %q: identity grid needs 10 digit rows", name))
		}
	}
	switch t.MultiMark {
	case MultiMarkFirst, MultiMarkFlag:
	default:
		errs = append(errs, fmt.Errorf("unknown multi_mark policy %q", t.MultiMark))
	}
	if len([]rune(t.MissingDigit)) != 1 {
		errs = append(errs, fmt.Errorf("missing_digit must be a single character"))
	}
	return errors.Join(errs...)
}
