package model

import "time"

// Mark is the decoded state of one question or digit position.
type Mark string

const (
	MarkA Mark = "A"
	MarkB Mark = "B"
	MarkC Mark = "C"
	MarkD Mark = "D"
	// MarkNone means no bubble was detected above the area threshold.
	MarkNone Mark = "X"
	// MarkMultiple means more than one distinct bubble was filled in a row.
	// Only emitted when the template's multi-mark policy is "flag".
	MarkMultiple Mark = "M"
)

// Choices maps grid column index to the answer choice it represents.
var Choices = []Mark{MarkA, MarkB, MarkC, MarkD}

// IsChoice reports whether m is one of A, B, C, D.
func (m Mark) IsChoice() bool {
	switch m {
	case MarkA, MarkB, MarkC, MarkD:
		return true
	}
	return false
}

// Subject names one of the four fixed answer blocks of the sheet.
type Subject string

const (
	SubjectPhysics   Subject = "physics"
	SubjectChemistry Subject = "chemistry"
	SubjectBotany    Subject = "botany"
	SubjectZoology   Subject = "zoology"
)

// Subjects is the fixed subject order used for flattening answers.
var Subjects = []Subject{SubjectPhysics, SubjectChemistry, SubjectBotany, SubjectZoology}

const (
	// QuestionsPerSubject is the number of rows in each subject block.
	QuestionsPerSubject = 50
	// TotalQuestions is the size of the flattened answer map.
	TotalQuestions = QuestionsPerSubject * 4
)

// NotAvailable is reported as the correct answer when the key has no entry.
const NotAvailable = "N/A"

// AnswerKey maps a question number to its correct choice.
// It is built once per uploaded key file and never mutated afterwards.
type AnswerKey map[int]string

// ScoredQuestion is one question of a subject after scoring.
type ScoredQuestion struct {
	Question  int    `json:"question"`
	Detected  Mark   `json:"detected_answer"`
	Correct   string `json:"correct_answer"`
	IsCorrect bool   `json:"is_correct"`
	Points    int    `json:"-"`
}

// SheetResult is the evaluation record for one answer sheet.
type SheetResult struct {
	StudentID      string                       `json:"student_id"`
	ExamID         string                       `json:"exam_id"`
	SubjectScores  map[Subject]int              `json:"subject_scores"`
	TotalScore     int                          `json:"total_score"`
	SubjectDetails map[Subject][]ScoredQuestion `json:"subject_details"`
	Answers        map[int]Mark                 `json:"answers"`
	Errors         []string                     `json:"errors"`
}

// NewSheetResult returns an empty result with every subject present.
func NewSheetResult() *SheetResult {
	r := &SheetResult{
		SubjectScores:  make(map[Subject]int, len(Subjects)),
		SubjectDetails: make(map[Subject][]ScoredQuestion, len(Subjects)),
		Answers:        make(map[int]Mark),
		Errors:         []string{},
	}
	for _, s := range Subjects {
		r.SubjectScores[s] = 0
		r.SubjectDetails[s] = []ScoredQuestion{}
	}
	return r
}

// AddError appends an error message to the result.
func (r *SheetResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// BatchEntry is the outcome of one sheet in an evaluate-batch request.
type BatchEntry struct {
	ImageID int64        `json:"image_id"`
	Title   string       `json:"title"`
	Result  *SheetResult `json:"result,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Upload is a stored sheet image awaiting or holding an evaluation.
type Upload struct {
	ID         int64        `json:"id"`
	Title      string       `json:"title"`
	ImagePath  string       `json:"image"`
	FileHash   string       `json:"file_hash"`
	UploadedAt time.Time    `json:"uploaded_at"`
	Result     *SheetResult `json:"evaluation_result"`
}

// AnswerKeyRecord is a stored answer key file with its parsed mapping.
type AnswerKeyRecord struct {
	ID         int64     `json:"id"`
	Filename   string    `json:"file"`
	FileHash   string    `json:"file_hash"`
	Answers    AnswerKey `json:"answers"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// ServerConfig holds runtime server parameters set via CLI flags.
type ServerConfig struct {
	MediaDir       string // directory for uploaded images and key files
	Workers        int    // concurrent sheets per evaluate request
	MaxUploadBytes int64
	AllowedOrigins []string
	AdminUser      string
	AdminHash      string // bcrypt hash guarding destructive endpoints; empty disables them
}
