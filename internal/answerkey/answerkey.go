// Package answerkey parses plain-text answer keys of the form "1: A".
package answerkey

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pavelanni/omrgrader/internal/model"
)

// ErrKeyFile is returned when the key file cannot be opened or read.
var ErrKeyFile = errors.New("answer key file")

const separator = ": "

// Warning describes a key line that was skipped.
type Warning struct {
	Line   int    `json:"line"`
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

func (w Warning) String() string {
	return fmt.Sprintf("line %d: %s: %q", w.Line, w.Reason, w.Text)
}

// Entry is one question of a key, used for ordered presentation.
type Entry struct {
	Question int    `json:"question"`
	Choice   string `json:"choice"`
}

// maxLine bounds a key line; longer lines are skipped, not read into memory.
const maxLine = 4096

// Parse reads a key from r. Malformed lines are skipped and reported as
// warnings; a later line for the same question overwrites an earlier one.
func Parse(r io.Reader) (model.AnswerKey, []Warning, error) {
	key := make(model.AnswerKey)
	var warnings []Warning

	br := bufio.NewReaderSize(r, maxLine)
	lineNo := 0
	for {
		raw, tooLong, err := readLine(br)
		if err != nil && err != io.EOF {
			return nil, warnings, fmt.Errorf("%w: read: %v", ErrKeyFile, err)
		}
		if raw == "" && err == io.EOF {
			break
		}
		lineNo++

		line := strings.TrimSpace(raw)
		switch {
		case tooLong:
			warnings = append(warnings, skip(lineNo, line[:min(len(line), 40)]+"...", "line too long"))
		case line == "":
		default:
			if w, ok := parseLine(key, lineNo, line); !ok {
				warnings = append(warnings, w)
			}
		}
		if err == io.EOF {
			break
		}
	}
	return key, warnings, nil
}

// readLine returns the next line including its newline. A line that does not
// fit the reader's buffer is consumed to its end and only its first chunk is
// returned.
func readLine(br *bufio.Reader) (string, bool, error) {
	chunk, err := br.ReadSlice('\n')
	line := string(chunk)
	tooLong := false
	for err == bufio.ErrBufferFull {
		tooLong = true
		_, err = br.ReadSlice('\n')
	}
	return line, tooLong, err
}

func parseLine(key model.AnswerKey, lineNo int, line string) (Warning, bool) {
	parts := strings.Split(line, separator)
	if len(parts) != 2 {
		return skip(lineNo, line, "expected <number>: <choice>"), false
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return skip(lineNo, line, "question number is not an integer"), false
	}
	key[n] = strings.ToUpper(strings.TrimSpace(parts[1]))
	return Warning{}, true
}

// ParseFile opens path and parses it with Parse.
func ParseFile(path string) (model.AnswerKey, []Warning, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w %q: %v", ErrKeyFile, path, err)
	}
	defer f.Close()

	key, warnings, err := Parse(f)
	if err != nil {
		return nil, warnings, fmt.Errorf("parse %s: %w", path, err)
	}
	return key, warnings, nil
}

// Sorted returns the key entries ordered by question number.
func Sorted(key model.AnswerKey) []Entry {
	entries := make([]Entry, 0, len(key))
	for q, c := range key {
		entries = append(entries, Entry{Question: q, Choice: c})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Question < entries[j].Question })
	return entries
}

func skip(lineNo int, text, reason string) Warning {
	slog.Warn("skipping malformed answer key line", "line", lineNo, "text", text, "reason", reason)
	return Warning{Line: lineNo, Text: text, Reason: reason}
}
