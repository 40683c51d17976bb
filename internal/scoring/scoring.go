// Package scoring grades decoded subject blocks against an answer key.
package scoring

import "github.com/pavelanni/omrgrader/internal/model"

// Numbering says which key entries a subject's questions are checked against.
type Numbering string

const (
	// NumberingFlat checks question q of the i-th subject against key entry i*50+q.
	NumberingFlat Numbering = "flat"
	// NumberingPerSubject checks question q of every subject against key entry q.
	NumberingPerSubject Numbering = "per_subject"
)

// Scheme holds the points awarded per question outcome.
type Scheme struct {
	Correct   int       `mapstructure:"correct" json:"correct"`
	Wrong     int       `mapstructure:"wrong" json:"wrong"`
	Blank     int       `mapstructure:"blank" json:"blank"`
	Numbering Numbering `mapstructure:"numbering" json:"numbering"`
}

// DefaultScheme is +4 for a correct answer, -1 for a wrong one, 0 if
// unanswered, with the key numbered 1..200 across subjects.
func DefaultScheme() Scheme {
	return Scheme{Correct: 4, Wrong: -1, Blank: 0, Numbering: NumberingFlat}
}

// KeyOffset returns the amount added to a question number of the subject at
// position index (in model.Subjects order) before looking it up in the key.
func (s Scheme) KeyOffset(index int) int {
	if s.Numbering == NumberingPerSubject {
		return 0
	}
	return index * model.QuestionsPerSubject
}

// SubjectScore is one scored subject block.
type SubjectScore struct {
	Subject model.Subject
	Score   int
	Details []model.ScoredQuestion
}

// ScoreSubject scores questions 1..n of one subject. marks is keyed by
// 0-based row; missing rows count as unmarked. Question q is looked up in the
// key as offset+q. Questions absent from the key contribute nothing whatever
// was marked.
func (s Scheme) ScoreSubject(subject model.Subject, marks map[int]model.Mark, key model.AnswerKey, n, offset int) SubjectScore {
	out := SubjectScore{Subject: subject, Details: make([]model.ScoredQuestion, 0, n)}
	for row := 0; row < n; row++ {
		q := row + 1
		detected, ok := marks[row]
		if !ok {
			detected = model.MarkNone
		}
		sq := model.ScoredQuestion{Question: q, Detected: detected, Correct: model.NotAvailable}
		if correct, ok := key[offset+q]; ok {
			sq.Correct = correct
			sq.IsCorrect, sq.Points = s.grade(detected, correct)
		}
		out.Score += sq.Points
		out.Details = append(out.Details, sq)
	}
	return out
}

func (s Scheme) grade(detected model.Mark, correct string) (bool, int) {
	switch {
	case string(detected) == correct && detected.IsChoice():
		return true, s.Correct
	case detected.IsChoice():
		return false, s.Wrong
	default:
		return false, s.Blank
	}
}

// SubjectStats counts how the questions of one subject were answered.
type SubjectStats struct {
	Attended    int `json:"attended"`
	NotAttended int `json:"not_attended"`
	Correct     int `json:"correct"`
	Wrong       int `json:"wrong"`
}

// Tally counts a subject's scored questions. Any detected mark other than X,
// including M, counts as attended; an attended question that is not correct
// counts as wrong even when the key has no entry for it.
func Tally(details []model.ScoredQuestion) SubjectStats {
	var st SubjectStats
	for _, d := range details {
		attended := d.Detected != "" && d.Detected != model.MarkNone
		if attended {
			st.Attended++
		}
		if d.IsCorrect {
			st.Correct++
		} else if attended {
			st.Wrong++
		}
	}
	st.NotAttended = len(details) - st.Attended
	return st
}
