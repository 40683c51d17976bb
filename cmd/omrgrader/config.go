package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/viper"

	"github.com/pavelanni/omrgrader/internal/omr"
	"github.com/pavelanni/omrgrader/internal/scoring"
)

// loadTemplate starts from the built-in sheet layout, applies the "template"
// section of the config file and then the command line flags.
func loadTemplate(v *viper.Viper) (omr.Template, error) {
	tmpl := omr.DefaultTemplate()
	if v.IsSet("template.regions") {
		tmpl.Regions = nil
	}
	if v.IsSet("template") {
		if err := v.UnmarshalKey("template", &tmpl); err != nil {
			return tmpl, fmt.Errorf("read template config: %w", err)
		}
	}
	if v.IsSet("threshold") {
		t := v.GetInt("threshold")
		if t < 0 || t > 255 {
			return tmpl, fmt.Errorf("threshold %d out of range 0-255", t)
		}
		tmpl.Threshold = uint8(t)
	}
	if v.IsSet("min-area") {
		tmpl.MinArea = v.GetInt("min-area")
	}
	if v.IsSet("multi-mark") {
		tmpl.MultiMark = omr.MultiMarkPolicy(v.GetString("multi-mark"))
	}
	return tmpl, tmpl.Validate()
}

// loadScheme reads the "scoring" section of the config file over the
// default +4/-1/0 scheme.
func loadScheme(v *viper.Viper) (scoring.Scheme, error) {
	scheme := scoring.DefaultScheme()
	if v.IsSet("scoring") {
		if err := v.UnmarshalKey("scoring", &scheme); err != nil {
			return scheme, fmt.Errorf("read scoring config: %w", err)
		}
	}
	if v.IsSet("key-numbering") {
		scheme.Numbering = scoring.Numbering(v.GetString("key-numbering"))
	}
	switch scheme.Numbering {
	case scoring.NumberingFlat, scoring.NumberingPerSubject:
	default:
		return scheme, fmt.Errorf("unknown key numbering %q", scheme.Numbering)
	}
	return scheme, nil
}

func newEvaluator(v *viper.Viper) (*omr.Evaluator, error) {
	tmpl, err := loadTemplate(v)
	if err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	scheme, err := loadScheme(v)
	if err != nil {
		return nil, fmt.Errorf("scoring: %w", err)
	}
	slog.Debug("sheet template",
		"regions", len(tmpl.Regions),
		"threshold", tmpl.Threshold,
		"min_area", tmpl.MinArea,
		"multi_mark", tmpl.MultiMark,
		"numbering", scheme.Numbering,
	)
	return omr.NewEvaluator(tmpl, scheme, v.GetInt("workers"))
}
