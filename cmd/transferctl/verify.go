package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/tunjiax-agent/internal/ledger"
	"github.com/example/tunjiax-agent/pkg/audit"
)

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check ledger invariants",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			violations, err := ledger.NewValidator(a.LedgerStore).ComprehensiveValidation(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, v := range violations {
				fmt.Fprintf(out, "%s: %s\n", v.ValidationType, v.Message)
			}
			if len(violations) > 0 {
				return fmt.Errorf("%d ledger violations", len(violations))
			}
			fmt.Fprintln(out, "ledger ok")
			return nil
		},
	}
}

func newAuditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "audit FILE",
		Short: "Verify the hash chain of an audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			entries, err := audit.ReadEntries(f)
			if err != nil {
				return err
			}
			if bad := audit.Verify(entries); bad >= 0 {
				return fmt.Errorf("audit chain broken at entry %d of %d", bad+1, len(entries))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d entries, chain intact\n", len(entries))
			return nil
		},
	}
}
