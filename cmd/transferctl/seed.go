package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/tunjiax-agent/internal/app"
	"github.com/example/tunjiax-agent/internal/money"
)

func newSeedCommand(opts *rootOptions) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Wipe the database and create the demo users",
		Long: "Deletes every account, transaction, beneficiary and user, then creates the\n" +
			"demo customers with funded accounts. The memory store seeds itself on start.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.Config.StoreDriver != "postgres" {
				return errors.New("seed needs STORE_DRIVER=postgres; the memory store is seeded at startup")
			}
			if err := a.Seed(cmd.Context(), password); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, u := range app.DemoUsers {
				fmt.Fprintf(out, "%-20s %s  %s\n", u.Email, u.AccountNumber, money.Format(u.BalanceKobo))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", app.DefaultDemoPassword, "login password for every demo user")
	return cmd
}
