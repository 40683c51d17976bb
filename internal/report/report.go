// Package report renders stored sheet results as CSV reports.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/pavelanni/omrgrader/internal/model"
	"github.com/pavelanni/omrgrader/internal/scoring"
)

// Kind selects a report.
type Kind string

const (
	// KindScores lists per-subject and total scores.
	KindScores Kind = "scores"
	// KindAnswers lists the 1..200 detected answers.
	KindAnswers Kind = "answers"
	// KindSubjects lists attended, not attended, correct and wrong counts per subject.
	KindSubjects Kind = "subjects"
)

// Kinds lists the available reports.
var Kinds = []Kind{KindScores, KindAnswers, KindSubjects}

const (
	unknownStudent = "Unknown"
	noAnswer       = "-"
)

// ParseKind validates a report name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown report %q (want scores, answers or subjects)", s)
}

// Filename is the download name of the report.
func (k Kind) Filename() string {
	switch k {
	case KindScores:
		return "Score_Report.csv"
	case KindAnswers:
		return "student_answers_report.csv"
	default:
		return "subject_analysis_report.csv"
	}
}

// Write renders the report for the evaluated sheets. Rows are ordered by
// student id, comparing digit runs by value. Sheets without a result are
// skipped.
func Write(w io.Writer, k Kind, sheets []model.SheetExport) error {
	results := make([]*model.SheetResult, 0, len(sheets))
	for _, s := range sheets {
		if s.Result != nil {
			results = append(results, s.Result)
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return naturalLess(results[i].StudentID, results[j].StudentID)
	})

	var records [][]string
	switch k {
	case KindScores:
		records = scores(results)
	case KindAnswers:
		records = answers(results)
	case KindSubjects:
		records = subjects(results)
	default:
		return fmt.Errorf("unknown report %q", k)
	}

	cw := csv.NewWriter(w)
	if err := cw.WriteAll(records); err != nil {
		return fmt.Errorf("write %s report: %w", k, err)
	}
	return nil
}

func subjectTitles() []string {
	title := cases.Title(language.English)
	out := make([]string, len(model.Subjects))
	for i, s := range model.Subjects {
		out[i] = title.String(string(s))
	}
	return out
}

func studentID(r *model.SheetResult) string {
	if r.StudentID == "" {
		return unknownStudent
	}
	return r.StudentID
}

func scores(results []*model.SheetResult) [][]string {
	header := append([]string{"Student ID"}, subjectTitles()...)
	header = append(header, "Total Marks")
	records := [][]string{header}
	for _, r := range results {
		row := []string{studentID(r)}
		for _, s := range model.Subjects {
			row = append(row, strconv.Itoa(r.SubjectScores[s]))
		}
		records = append(records, append(row, strconv.Itoa(r.TotalScore)))
	}
	return records
}

func answers(results []*model.SheetResult) [][]string {
	header := make([]string, 0, model.TotalQuestions+1)
	header = append(header, "Roll No")
	for q := 1; q <= model.TotalQuestions; q++ {
		header = append(header, strconv.Itoa(q))
	}
	records := [][]string{header}
	for _, r := range results {
		row := make([]string, 0, model.TotalQuestions+1)
		row = append(row, studentID(r))
		for q := 1; q <= model.TotalQuestions; q++ {
			m, ok := r.Answers[q]
			if !ok || m == "" {
				row = append(row, noAnswer)
				continue
			}
			row = append(row, string(m))
		}
		records = append(records, row)
	}
	return records
}

func subjects(results []*model.SheetResult) [][]string {
	header := []string{"Student ID"}
	for _, t := range subjectTitles() {
		header = append(header, t+" Attended", t+" Not Attended", t+" Correct", t+" Wrong")
	}
	records := [][]string{header}
	for _, r := range results {
		row := []string{studentID(r)}
		for _, s := range model.Subjects {
			st := scoring.Tally(r.SubjectDetails[s])
			row = append(row,
				strconv.Itoa(st.Attended),
				strconv.Itoa(st.NotAttended),
				strconv.Itoa(st.Correct),
				strconv.Itoa(st.Wrong),
			)
		}
		records = append(records, row)
	}
	return records
}

// naturalLess orders strings with runs of digits compared by value, so
// "9" sorts before "10".
func naturalLess(a, b string) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if isDigit(a[i]) && isDigit(b[j]) {
			si := i
			for i < len(a) && isDigit(a[i]) {
				i++
			}
			sj := j
			for j < len(b) && isDigit(b[j]) {
				j++
			}
			na, nb := trimZeros(a[si:i]), trimZeros(b[sj:j])
			if len(na) != len(nb) {
				return len(na) < len(nb)
			}
			if na != nb {
				return na < nb
			}
			continue
		}
		if a[i] != b[j] {
			return a[i] < b[j]
		}
		i++
		j++
	}
	return len(a)-i < len(b)-j
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func trimZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}
