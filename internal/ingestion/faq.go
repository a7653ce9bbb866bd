package ingestion

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/54b3r/ragfaq/internal/rag"
)

// DefaultDelimiter separates the columns of an FAQ dataset.
const DefaultDelimiter = ';'

// FAQ is one question/answer pair read from a dataset.
type FAQ struct {
	// Question is the user-facing question.
	Question string

	// Answer is the canonical answer text.
	Answer string

	// Category groups related entries. Optional.
	Category string
}

// Content is the text that is embedded and stored for the entry.
func (f FAQ) Content() string {
	return "Question: " + f.Question + "\nAnswer: " + f.Answer
}

// ReadFAQ parses a delimited FAQ dataset. The first line is a header naming
// the question and answer columns (and optionally category) in any order.
// Cells are trimmed; a row with an empty question or answer is rejected
// with its line number. A zero delimiter means DefaultDelimiter.
func ReadFAQ(r io.Reader, delimiter rune) ([]FAQ, error) {
	if delimiter == 0 {
		delimiter = DefaultDelimiter
	}
	cr := csv.NewReader(r)
	cr.Comma = delimiter
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("ingestion: %w: dataset is empty", rag.ErrInvalidArgument)
	}
	if err != nil {
		return nil, fmt.Errorf("ingestion: read header: %w", err)
	}

	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	qi, okQ := cols["question"]
	ai, okA := cols["answer"]
	if !okQ || !okA {
		return nil, fmt.Errorf("ingestion: %w: header must name question and answer columns, got %q",
			rag.ErrInvalidArgument, header)
	}
	ci, okC := cols["category"]

	var out []FAQ
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ingestion: %w", err)
		}
		line, _ := cr.FieldPos(0)

		f := FAQ{
			Question: strings.TrimSpace(rec[qi]),
			Answer:   strings.TrimSpace(rec[ai]),
		}
		if okC {
			f.Category = strings.TrimSpace(rec[ci])
		}
		if f.Question == "" || f.Answer == "" {
			return nil, fmt.Errorf("ingestion: %w: line %d: question and answer must not be empty",
				rag.ErrInvalidArgument, line)
		}
		out = append(out, f)
	}
	return out, nil
}
