package synth

import (
	"errors"
	"testing"

	"github.com/cloudwego/eino/schema"
)

func TestParseAnswer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		raw        string
		wantErr    bool
		wantAnswer string
		wantEnough EnoughContext
	}{
		{
			name:       "valid",
			raw:        `{"thought_process":["found shipping row"],"answer":"We ship via standard and express.","enough_context":"sufficient"}`,
			wantAnswer: "We ship via standard and express.",
			wantEnough: Sufficient,
		},
		{
			name:       "fenced json with synonym",
			raw:        "```json\n{\"thought_process\":[\"t\"],\"answer\":\"a\",\"enough_context\":\"Yes.\"}\n```",
			wantAnswer: "a",
			wantEnough: Sufficient,
		},
		{
			name:       "free text verdict normalized",
			raw:        `{"thought_process":["t"],"answer":"I don't know.","enough_context":"Not enough"}`,
			wantAnswer: "I don't know.",
			wantEnough: Insufficient,
		},
		{name: "unknown field", raw: `{"thought_process":["t"],"answer":"a","enough_context":"partial","confidence":0.9}`, wantErr: true},
		{name: "trailing data", raw: `{"thought_process":["t"],"answer":"a","enough_context":"partial"} extra`, wantErr: true},
		{name: "missing answer", raw: `{"thought_process":["t"],"enough_context":"partial"}`, wantErr: true},
		{name: "blank thoughts only", raw: `{"thought_process":["  "],"answer":"a","enough_context":"partial"}`, wantErr: true},
		{name: "unrecognized verdict", raw: `{"thought_process":["t"],"answer":"a","enough_context":"maybe"}`, wantErr: true},
		{name: "wrong type", raw: `{"thought_process":"t","answer":"a","enough_context":"partial"}`, wantErr: true},
		{name: "plain text", raw: `Orders ship in 3 days.`, wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseAnswer(tc.raw)
			if tc.wantErr {
				if !errors.Is(err, errInvalidAnswer) {
					t.Fatalf("parseAnswer() error = %v, want errInvalidAnswer", err)
				}
				if got != nil {
					t.Errorf("parseAnswer() = %+v, want nil", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAnswer() unexpected error: %v", err)
			}
			if got.Answer != tc.wantAnswer || got.EnoughContext != tc.wantEnough {
				t.Errorf("parseAnswer() = %+v", got)
			}
		})
	}
}

func TestCompletionText_PrefersAnswerToolCall(t *testing.T) {
	t.Parallel()
	msg := schema.AssistantMessage("ignored", []schema.ToolCall{
		{Function: schema.FunctionCall{Name: "other", Arguments: "{}"}},
		{Function: schema.FunctionCall{Name: AnswerToolName, Arguments: `{"answer":"x"}`}},
	})
	if got := completionText(msg); got != `{"answer":"x"}` {
		t.Errorf("completionText() = %q", got)
	}
	if got := completionText(schema.AssistantMessage("content", nil)); got != "content" {
		t.Errorf("completionText() = %q, want content fallback", got)
	}
	if got := completionText(nil); got != "" {
		t.Errorf("completionText(nil) = %q", got)
	}
}
