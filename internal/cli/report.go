package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/govledger/internal/audit"
)

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize the ledger for audit",
		Long: `Summarize the ledger: entries by kind and actor, gate failures by code,
faults, overrides used, chain verification and per-issuer numbering.

With --strict the command exits 1 when the chain is broken or an issuer's
numbering has gaps.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(rootOpts, cmd, true)
			if err != nil {
				return err
			}
			defer e.Close()

			r, err := audit.Build(context.Background(), e.ledger)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to build report", err)
			}
			if rootOpts.Format == "json" {
				err = e.out.Success(r)
			} else {
				err = r.WriteText(cmd.OutOrStdout())
			}
			if err != nil {
				return err
			}
			if strict && !r.OK() {
				return NewExitError(ExitFailure, "audit found integrity problems")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "exit 1 when the audit finds problems")
	return cmd
}
