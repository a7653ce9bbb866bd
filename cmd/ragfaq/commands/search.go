package commands

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragfaq/internal/logging"
	"github.com/54b3r/ragfaq/internal/rag"
)

// maxCellWidth truncates long FAQ content in the terminal table.
const maxCellWidth = 80

// NewSearchCmd constructs the `ragfaq search` command, which runs retrieval
// only and prints the nearest FAQ entries as a table. No chat model is called.
func NewSearchCmd() *cobra.Command {
	var qf queryFlags

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Show the FAQ entries closest to a query",
		Long: `Embed the query and print the nearest FAQ entries with their distances.
Useful for checking what context 'ragfaq ask' would use.

Examples:
  ragfaq search "refund policy"
  ragfaq search --category Billing -n 10 "invoice"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			q, err := qf.query(strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			emb, err := newEmbedder(settings, log)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			idx, _, err := openIndex(ctx, settings, log)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer func() { _ = idx.Close() }()

			retriever, err := rag.NewRetriever(emb, idx, rag.DefaultLimit)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			table, err := retriever.Retrieve(ctx, q.Question, rag.SearchOptions{
				Limit:      q.Limit,
				Filter:     q.Filter,
				Predicates: q.Predicates,
				TimeRange:  q.TimeRange,
			})
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}

			if table.Len() == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no matching FAQ entries")
				return nil
			}
			renderTable(cmd, table)
			return nil
		},
	}

	qf.register(cmd)
	return cmd
}

// renderTable prints every column except the embedding.
func renderTable(cmd *cobra.Command, table *rag.Table) {
	cols := make([]string, 0, len(table.Columns))
	for _, c := range table.Columns {
		if c != "embedding" {
			cols = append(cols, c)
		}
	}

	tw := tablewriter.NewWriter(cmd.OutOrStdout())
	tw.SetHeader(cols)
	tw.SetAutoWrapText(false)
	tw.SetRowLine(true)
	for _, row := range table.Rows {
		cells := make([]string, len(cols))
		for i, c := range cols {
			cells[i] = formatCell(row[c])
		}
		tw.Append(cells)
	}
	tw.Render()
}

func formatCell(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		s = fmt.Sprintf("%.4f", x)
	default:
		s = fmt.Sprint(x)
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) > maxCellWidth {
		s = string([]rune(s)[:maxCellWidth-1]) + "…"
	}
	return s
}
