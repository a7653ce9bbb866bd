package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragfaq/internal/logging"
	"github.com/54b3r/ragfaq/internal/rag"
)

// NewIndexCmd constructs `ragfaq index`, the schema and ANN index lifecycle
// commands.
func NewIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the vector index schema and ANN index",
	}

	cmd.AddCommand(
		indexAction("create", "Create the schema sized to the embedding dimensions",
			func(ctx context.Context, idx rag.VectorIndex) error { return idx.CreateSchema(ctx) }),
		indexAction("build", "Build (or rebuild) the approximate nearest-neighbour index",
			func(ctx context.Context, idx rag.VectorIndex) error { return idx.BuildIndex(ctx) }),
		indexAction("drop", "Drop the ANN index; searches fall back to exact scans",
			func(ctx context.Context, idx rag.VectorIndex) error { return idx.DropIndex(ctx) }),
	)
	return cmd
}

func indexAction(name, short string, run func(context.Context, rag.VectorIndex) error) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			idx, _, err := openIndex(ctx, settings, logging.FromContext(ctx))
			if err != nil {
				return fmt.Errorf("index %s: %w", name, err)
			}
			defer func() { _ = idx.Close() }()

			if err := run(ctx, idx); err != nil {
				return fmt.Errorf("index %s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "index %s: done\n", name)
			return nil
		},
	}
}
