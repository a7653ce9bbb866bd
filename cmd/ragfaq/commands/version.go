package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragfaq/internal/version"
)

// NewVersionCmd constructs the `ragfaq version` subcommand. It needs no
// configuration so it works even when the environment is incomplete.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the ragfaq version, git commit, and build date",
		Annotations: map[string]string{skipConfig: ""},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ragfaq %s\n", version.String())
		},
	}
}
