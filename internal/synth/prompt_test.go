package synth

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragfaq/internal/rag"
)

func faqTable(rows ...rag.Row) *rag.Table {
	return &rag.Table{Columns: []string{"id", "content", "category", "embedding", "distance"}, Rows: rows}
}

func TestBuildMessages_Layout(t *testing.T) {
	t.Parallel()
	table := faqTable(rag.Row{
		"id":        "6f1c2a40-0000-11ef-8000-000000000000",
		"content":   "Question: What are your shipping options?\nAnswer: We ship via standard and express.",
		"category":  "Shipping",
		"embedding": []float32{1, 2},
		"distance":  0.01,
		"views":     int64(40),
	})

	msgs, kept, err := buildMessages("What are your shipping options?", table, 0)
	if err != nil {
		t.Fatalf("buildMessages: %v", err)
	}
	if kept != 1 || len(msgs) != 3 {
		t.Fatalf("kept=%d len(msgs)=%d", kept, len(msgs))
	}
	wantRoles := []schema.RoleType{schema.System, schema.User, schema.Assistant}
	for i, r := range wantRoles {
		if msgs[i].Role != r {
			t.Errorf("msgs[%d].Role = %s, want %s", i, msgs[i].Role, r)
		}
	}
	if msgs[1].Content != "# User question:\nWhat are your shipping options?" {
		t.Errorf("question message = %q", msgs[1].Content)
	}

	body, ok := strings.CutPrefix(msgs[2].Content, "# Retrieved information:\n")
	if !ok {
		t.Fatalf("context message = %q", msgs[2].Content)
	}
	var rows []map[string]any
	if err := json.Unmarshal([]byte(body), &rows); err != nil {
		t.Fatalf("context is not JSON: %v", err)
	}
	if len(rows) != 1 || len(rows[0]) != 2 || rows[0]["category"] != "Shipping" {
		t.Errorf("context rows = %v, want only content and category", rows)
	}
}

func TestBuildMessages_EmptyContext(t *testing.T) {
	t.Parallel()
	msgs, kept, err := buildMessages("anything", nil, 0)
	if err != nil {
		t.Fatalf("buildMessages: %v", err)
	}
	if kept != 0 || msgs[2].Content != "# Retrieved information:\n[]" {
		t.Errorf("kept=%d context=%q", kept, msgs[2].Content)
	}
}

func TestBuildMessages_TrimsFarthestRows(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("word ", 200)
	table := faqTable(
		rag.Row{"content": "nearest " + long, "category": "A"},
		rag.Row{"content": "middle " + long, "category": "B"},
		rag.Row{"content": "farthest " + long, "category": "C"},
	)

	_, all, err := buildMessages("q", table, 0)
	if err != nil || all != 3 {
		t.Fatalf("unbounded: kept=%d err=%v", all, err)
	}

	msgs, kept, err := buildMessages("q", table, 900)
	if err != nil {
		t.Fatalf("buildMessages: %v", err)
	}
	if kept == 0 || kept >= 3 {
		t.Fatalf("kept = %d, want a strict non-empty prefix", kept)
	}
	if !strings.Contains(msgs[2].Content, "nearest") || strings.Contains(msgs[2].Content, "farthest") {
		t.Errorf("trimming must drop the farthest rows first")
	}
}

func TestAnswerTool_Schema(t *testing.T) {
	t.Parallel()
	if answerTool.Name != AnswerToolName {
		t.Errorf("tool name = %q", answerTool.Name)
	}
	if answerTool.ParamsOneOf == nil {
		t.Error("answer tool has no parameter schema")
	}
}
