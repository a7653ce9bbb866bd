// Package commands defines all Cobra CLI commands for the ragfaq binary.
package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragfaq/internal/audit"
	"github.com/54b3r/ragfaq/internal/config"
	"github.com/54b3r/ragfaq/internal/logging"
)

// skipConfig marks commands that run without resolving Settings.
const skipConfig = "skip-config"

// configPath holds the --config flag value for YAML config file override.
var configPath string

// settings is resolved once in PersistentPreRunE and read by every command.
var settings config.Settings

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ragfaq",
		Short: "Answer questions from an FAQ knowledge base",
		Long: `ragfaq ingests a question/answer dataset into a vector index and answers
natural-language questions from the closest entries using an LLM.

The chat model is selected via MODEL_PROVIDER and the vector index via
VECTOR_BACKEND, or via a YAML config file (~/.ragfaq/config.yaml).
See 'ragfaq --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if _, ok := cmd.Annotations[skipConfig]; ok {
				return nil
			}

			// YAML and .env values land in the environment; env vars always win.
			path, err := config.Load(configPath, logging.New())
			if err != nil {
				return err
			}
			s, err := config.FromEnv()
			if err != nil {
				return err
			}
			settings = s

			log := logging.NewWith(logging.Options{
				Level:  s.Logging.Level,
				Format: s.Logging.Format,
			})
			slog.SetDefault(log)
			ctx := logging.WithLogger(cmd.Context(), log)
			cmd.SetContext(ctx)

			audit.LogCommandStart(ctx, log, cmd.Name(), path)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.ragfaq/config.yaml)")

	root.AddCommand(
		NewAskCmd(),
		NewSearchCmd(),
		NewIngestCmd(),
		NewIndexCmd(),
		NewDeleteCmd(),
		NewServeCmd(),
		NewVersionCmd(),
	)

	return root
}
