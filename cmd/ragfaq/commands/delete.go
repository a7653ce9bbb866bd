package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragfaq/internal/logging"
	"github.com/54b3r/ragfaq/internal/rag"
)

// NewDeleteCmd constructs `ragfaq delete`, which removes FAQ records by ID,
// by category, or all at once.
func NewDeleteCmd() *cobra.Command {
	var ids, categories []string
	var all bool

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove FAQ records from the vector index",
		Long: `Remove records by ID, by category, or all of them. Exactly one of --id,
--category or --all must be given.

Examples:
  ragfaq delete --category Discontinued
  ragfaq delete --id 3f1c2d4e-0b1a-11ef-9f27-0242ac120002
  ragfaq delete --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			sel := deleteSelector(ids, categories, all)
			if err := sel.Validate(); err != nil {
				return fmt.Errorf("delete: %w", err)
			}

			idx, _, err := openIndex(ctx, settings, logging.FromContext(ctx))
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			defer func() { _ = idx.Close() }()

			if err := idx.Delete(ctx, sel); err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "delete: done")
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&ids, "id", nil, "Record ID to delete (repeatable)")
	cmd.Flags().StringArrayVar(&categories, "category", nil, "Delete every record in this category (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "Delete every record")

	return cmd
}

// deleteSelector maps the flags onto a selector. Conflicting flags produce a
// selector that fails validation.
func deleteSelector(ids, categories []string, all bool) rag.DeleteSelector {
	sel := rag.DeleteSelector{IDs: ids, All: all}
	for _, c := range categories {
		sel.Filter = append(sel.Filter, map[string]any{categoryKey: c})
	}
	return sel
}
