package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragfaq/internal/logging"
	"github.com/54b3r/ragfaq/internal/pipeline"
)

// NewAskCmd constructs the `ragfaq ask` command, which answers a single
// question from the FAQ index and prints the answer to stdout.
func NewAskCmd() *cobra.Command {
	var qf queryFlags
	var plain, asJSON, reasoning bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question from the FAQ knowledge base",
		Long: `Retrieve the FAQ entries closest to the question and ask the configured
chat model to answer from them. The answer reports whether the retrieved
entries were enough to answer the question.

Examples:
  ragfaq ask "What are your shipping options?"
  ragfaq ask --category Shipping --limit 3 "How long does delivery take?"
  ragfaq ask --since 2026-01-01 --json "Can I return a gift?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			q, err := qf.query(strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			emb, err := newEmbedder(settings, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			idx, _, err := openIndex(ctx, settings, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer func() { _ = idx.Close() }()

			stack, err := newAnswerStack(ctx, settings, emb, idx, nil)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			res, err := stack.pipeline.Answer(ctx, q)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeResultJSON(out, res)
			}
			md := renderMarkdown(res, reasoning)
			if plain {
				_, err = io.WriteString(out, md)
				return err
			}
			r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			rendered, err := r.Render(md)
			if err != nil {
				return fmt.Errorf("ask: render answer: %w", err)
			}
			_, err = io.WriteString(out, rendered)
			return err
		},
	}

	qf.register(cmd)
	cmd.Flags().BoolVar(&plain, "plain", false, "Print raw markdown instead of rendering it for the terminal")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the answer and its context as JSON")
	cmd.Flags().BoolVar(&reasoning, "reasoning", false, "Include the model's thought process")

	return cmd
}

// renderMarkdown lays out an answer for terminal display.
func renderMarkdown(res *pipeline.Result, reasoning bool) string {
	var b strings.Builder
	b.WriteString(res.Answer.Answer)
	b.WriteString("\n\n---\n\n")
	fmt.Fprintf(&b, "*Context: %s, %d FAQ entries retrieved*\n", res.Answer.EnoughContext, res.Context.Len())

	if reasoning {
		b.WriteString("\n**Thought process**\n\n")
		for i, step := range res.Answer.ThoughtProcess {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}
	return b.String()
}

// writeResultJSON prints the result without the embedding column.
func writeResultJSON(w io.Writer, res *pipeline.Result) error {
	rows := make([]map[string]any, 0, res.Context.Len())
	if res.Context != nil {
		for _, row := range res.Context.Rows {
			r := make(map[string]any, len(row))
			for k, v := range row {
				if k != "embedding" {
					r[k] = v
				}
			}
			rows = append(rows, r)
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Answer         string           `json:"answer"`
		ThoughtProcess []string         `json:"thought_process"`
		EnoughContext  string           `json:"enough_context"`
		Context        []map[string]any `json:"context"`
	}{
		Answer:         res.Answer.Answer,
		ThoughtProcess: res.Answer.ThoughtProcess,
		EnoughContext:  string(res.Answer.EnoughContext),
		Context:        rows,
	})
}
