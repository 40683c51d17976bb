package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/pavelanni/omrgrader/internal/model"
	"github.com/pavelanni/omrgrader/internal/store"
)

func execute(t *testing.T, cmd *cobra.Command, args ...string) error {
	t.Helper()
	cmd.SetArgs(append(args, "--log-level", "error"))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	return cmd.Execute()
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestResetRequiresConfirmation(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "omr.db")

	err := execute(t, resetCmd(), "--db", db)
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("expected a refusal mentioning --yes, got %v", err)
	}
	if _, err := os.Stat(db); !os.IsNotExist(err) {
		t.Errorf("database should not be opened without --yes, stat err = %v", err)
	}
}

func TestResetWithConfirmation(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "omr.db")
	stored := writeFile(t, dir, "sheet.png", []byte("png"))

	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if _, err := s.CreateUpload(model.Upload{Title: "sheet", ImagePath: stored, FileHash: "h"}); err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	s.Close()

	if err := execute(t, resetCmd(), "--db", dbPath, "--yes"); err != nil {
		t.Fatalf("reset --yes: %v", err)
	}
	if _, err := os.Stat(stored); !os.IsNotExist(err) {
		t.Errorf("stored image should be removed, stat err = %v", err)
	}

	s, err = store.New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if n, err := s.UploadCount(); err != nil || n != 0 {
		t.Errorf("expected no uploads after reset, got %d (%v)", n, err)
	}
}

func TestParseKeyCommand(t *testing.T) {
	dir := t.TempDir()
	key := writeFile(t, dir, "key.txt", []byte("2: b\nbad\n1: A\n"))
	out := filepath.Join(dir, "key.json")

	if err := execute(t, parseKeyCmd(), key, "-o", out); err != nil {
		t.Fatalf("parse-key: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var got struct {
		Questions int `json:"questions"`
		Answers   []struct {
			Question int    `json:"question"`
			Choice   string `json:"choice"`
		} `json:"answers"`
		Skipped []json.RawMessage `json:"skipped"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	if got.Questions != 2 || len(got.Skipped) != 1 {
		t.Fatalf("unexpected output %s", data)
	}
	if got.Answers[0].Question != 1 || got.Answers[1].Choice != "B" {
		t.Errorf("answers should be sorted and uppercased: %+v", got.Answers)
	}
}

func TestParseKeyCommandMissingFile(t *testing.T) {
	if err := execute(t, parseKeyCmd(), filepath.Join(t.TempDir(), "nope.txt")); err == nil {
		t.Error("expected an error for a missing key file")
	}
}

func TestEvaluateCommand(t *testing.T) {
	dir := t.TempDir()
	key := writeFile(t, dir, "key.txt", []byte("1: A\n"))

	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 40, 40))); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	sheet := writeFile(t, dir, "sheet.png", buf.Bytes())
	broken := writeFile(t, dir, "broken.png", []byte("not an image"))
	out := filepath.Join(dir, "results.json")

	if err := execute(t, evaluateCmd(), "--key", key, "-o", out, sheet, broken); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var entries []model.BatchEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 || entries[0].Title != "sheet.png" || entries[1].Title != "broken.png" {
		t.Fatalf("expected one entry per sheet in order, got %+v", entries)
	}
	if entries[1].Result == nil || len(entries[1].Result.Errors) != 1 {
		t.Errorf("an undecodable sheet should carry a single error: %+v", entries[1].Result)
	}
}

func TestEvaluateCommandEmptyKey(t *testing.T) {
	dir := t.TempDir()
	key := writeFile(t, dir, "key.txt", []byte("nothing here\n"))
	sheet := writeFile(t, dir, "sheet.png", []byte("x"))

	if err := execute(t, evaluateCmd(), "--key", key, sheet); err == nil {
		t.Error("expected an error for a key without valid lines")
	}
}

func TestExportReportCommand(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "omr.db")

	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	id, err := s.CreateUpload(model.Upload{Title: "sheet", ImagePath: "sheet.png", FileHash: "h"})
	if err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	res := model.NewSheetResult()
	res.StudentID = "0000042"
	res.SubjectScores[model.SubjectBotany] = 8
	res.TotalScore = 8
	if err := s.SaveResult(id, res); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	s.Close()

	out := filepath.Join(dir, "scores.csv")
	if err := execute(t, exportCmd(), "--db", dbPath, "--report", "scores", "-o", out); err != nil {
		t.Fatalf("export --report scores: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	want := "Student ID,Physics,Chemistry,Botany,Zoology,Total Marks\n0000042,0,0,8,0,8\n"
	if string(data) != want {
		t.Errorf("got %q, want %q", data, want)
	}

	if err := execute(t, exportCmd(), "--db", dbPath, "--report", "pie"); err == nil {
		t.Error("expected an error for an unknown report")
	}
}
