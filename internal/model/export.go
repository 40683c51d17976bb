package model

import "time"

// ResultsExport is the top-level JSON structure for exporting stored evaluations.
type ResultsExport struct {
	ExportedAt time.Time     `json:"exported_at"`
	AnswerKey  *AnswerKeyRef `json:"answer_key,omitempty"`
	NumSheets  int           `json:"num_sheets"`
	Results    []SheetExport `json:"results"`
}

// AnswerKeyRef identifies the key the exported results were scored against.
type AnswerKeyRef struct {
	Filename   string    `json:"file"`
	FileHash   string    `json:"file_hash"`
	Questions  int       `json:"questions"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// SheetExport holds one evaluated sheet for export.
type SheetExport struct {
	ImageID    int64        `json:"image_id"`
	Title      string       `json:"title"`
	UploadedAt time.Time    `json:"uploaded_at"`
	Result     *SheetResult `json:"result"`
}
