package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GrandmasterTash/openrec/internal/charter"
)

// NewValidateCommand creates the validate command: parse and schema-check a
// charter without touching any data.
func NewValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <charter.yaml>",
		Short: "Validate a charter file",
		Long: `Parse a charter, unify it against the embedded schema and report the
first violation found. No control folders are touched.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configureLogging(opts)

			cfg, err := charter.Load(args[0])
			if err != nil {
				return WrapExitError(ExitConfigError, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "charter %q (v%d) is valid: %d source pattern(s), %d instruction(s)\n",
				cfg.Name, cfg.Version, len(cfg.Matching.SourceFiles), len(cfg.Matching.Instructions))
			return nil
		},
	}
}
