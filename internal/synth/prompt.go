package synth

import (
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragfaq/internal/budget"
	"github.com/54b3r/ragfaq/internal/rag"
)

// AnswerToolName is the tool the model calls to return its answer.
const AnswerToolName = "synthesized_answer"

// systemPrompt constrains the model to the retrieved context.
const systemPrompt = `# Role and Purpose
You are an AI assistant for an e-commerce FAQ system. Your task is to synthesize a coherent and helpful answer
based on the given question and relevant context retrieved from a knowledge database.

# Guidelines:
1. Provide a clear and concise answer to the question.
2. Use only the information from the relevant context to support your answer.
3. The context is retrieved based on cosine similarity, so some information might be missing or irrelevant.
4. Be transparent when there is insufficient information to fully answer the question.
5. Do not make up or infer information not present in the provided context.
6. If you cannot answer the question based on the given context, clearly state that and set enough_context to "insufficient".
7. Maintain a helpful and professional tone appropriate for customer service.
8. Adhere strictly to company guidelines and policies by using only the provided knowledge base.

Respond by calling the ` + AnswerToolName + ` tool. If tools are unavailable, reply with only a JSON object
with the fields thought_process (array of strings), answer (string) and enough_context
("sufficient", "partial" or "insufficient").

Review the question from the user:`

const (
	questionHeader = "# User question:\n"
	contextHeader  = "# Retrieved information:\n"
)

// answerTool describes the Answer schema to tool-calling models.
var answerTool = &schema.ToolInfo{
	Name: AnswerToolName,
	Desc: "Return the synthesized answer to the user's question.",
	ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
		"thought_process": {
			Type:     schema.Array,
			ElemInfo: &schema.ParameterInfo{Type: schema.String},
			Desc:     "List of thoughts the assistant had while synthesizing the answer",
			Required: true,
		},
		"answer": {
			Type:     schema.String,
			Desc:     "The synthesized answer to the user's question",
			Required: true,
		},
		"enough_context": {
			Type:     schema.String,
			Desc:     "Whether the retrieved context was enough to answer the question",
			Enum:     []string{string(Sufficient), string(Partial), string(Insufficient)},
			Required: true,
		},
	}),
}

// buildMessages assembles the system, question and context messages. Context
// rows are projected to content and category and trimmed from the tail
// (farthest first) so the prompt fits maxTokens. It returns the messages and
// how many rows were kept.
func buildMessages(question string, table *rag.Table, maxTokens int) ([]*schema.Message, int, error) {
	rows := projectRows(table)

	items := make([]string, len(rows))
	for i, r := range rows {
		b, err := json.MarshalIndent(r, "    ", "    ")
		if err != nil {
			return nil, 0, fmt.Errorf("synth: encode context row: %w", err)
		}
		items[i] = string(b)
	}

	fixed := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(questionHeader + question),
		schema.AssistantMessage(contextHeader+"[]", nil),
	}
	kept := budget.Fit(fixed, items, maxTokens)

	ctxJSON, err := json.MarshalIndent(rows[:kept], "", "    ")
	if err != nil {
		return nil, 0, fmt.Errorf("synth: encode context: %w", err)
	}
	fixed[2] = schema.AssistantMessage(contextHeader+string(ctxJSON), nil)
	return fixed, kept, nil
}

// projectRows keeps only the grounding fields of each retrieved row. A row
// without a category is shown with a null category.
func projectRows(table *rag.Table) []contextRow {
	if table == nil {
		return []contextRow{}
	}
	rows := make([]contextRow, 0, len(table.Rows))
	for _, r := range table.Rows {
		rows = append(rows, contextRow{Content: r["content"], Category: r["category"]})
	}
	return rows
}

// reask returns the follow-up messages sent after an invalid completion.
func reask(raw string, cause error) []*schema.Message {
	return []*schema.Message{
		schema.AssistantMessage(raw, nil),
		schema.UserMessage(fmt.Sprintf(
			"Your previous reply could not be used: %v\nReply again by calling %s with all three fields and no others.",
			cause, AnswerToolName)),
	}
}
