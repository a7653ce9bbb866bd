package synth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/go-playground/validator/v10"
)

// errInvalidAnswer marks a completion that could not be turned into a valid
// Answer. Such completions are re-asked.
var errInvalidAnswer = errors.New("invalid answer")

var validate = validator.New(validator.WithRequiredStructEnabled())

// enoughContextSynonyms maps the free-text verdicts models commonly produce
// onto the three canonical values.
var enoughContextSynonyms = map[string]EnoughContext{
	"sufficient":     Sufficient,
	"enough":         Sufficient,
	"yes":            Sufficient,
	"true":           Sufficient,
	"full":           Sufficient,
	"partial":        Partial,
	"partially":      Partial,
	"some":           Partial,
	"insufficient":   Insufficient,
	"not enough":     Insufficient,
	"not sufficient": Insufficient,
	"no":             Insufficient,
	"false":          Insufficient,
	"none":           Insufficient,
}

// completionText returns the JSON payload of msg: the arguments of the
// answer tool call when present, otherwise the message content.
func completionText(msg *schema.Message) string {
	if msg == nil {
		return ""
	}
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == AnswerToolName {
			return tc.Function.Arguments
		}
	}
	return msg.Content
}

// parseAnswer decodes raw into an Answer, rejecting unknown fields and
// trailing data, then normalizes and validates it.
func parseAnswer(raw string) (*Answer, error) {
	raw = stripFences(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty completion", errInvalidAnswer)
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var w wireAnswer
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidAnswer, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: unexpected data after JSON object", errInvalidAnswer)
	}

	a := normalize(w)
	if err := validate.Struct(a); err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidAnswer, err)
	}
	return a, nil
}

// normalize trims whitespace, drops empty thoughts and maps the
// enough_context verdict onto its canonical value. Unrecognized verdicts are
// kept verbatim so validation reports them.
func normalize(w wireAnswer) *Answer {
	a := &Answer{Answer: strings.TrimSpace(w.Answer)}
	for _, t := range w.ThoughtProcess {
		if t = strings.TrimSpace(t); t != "" {
			a.ThoughtProcess = append(a.ThoughtProcess, t)
		}
	}
	verdict := strings.ToLower(strings.TrimSpace(w.EnoughContext))
	verdict = strings.TrimRight(verdict, ".!")
	if canon, ok := enoughContextSynonyms[verdict]; ok {
		a.EnoughContext = canon
	} else {
		a.EnoughContext = EnoughContext(verdict)
	}
	return a
}

// stripFences removes a surrounding markdown code fence, which some models
// add even when asked for bare JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
