package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.Issuer == nil {
				return errors.New("JWT_SECRET is not set")
			}
			u, err := a.Users.UserByEmail(cmd.Context(), email)
			if err != nil {
				return fmt.Errorf("failed to find %s: %w", email, err)
			}
			tok, ttl, err := a.Issuer.Issue(u)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "user %s, expires in %s\n", u.ID, ttl)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "user email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
