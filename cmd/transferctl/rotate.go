package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/tunjiax-agent/internal/crypto"
)

func newRotateKeyCommand(opts *rootOptions) *cobra.Command {
	var newKeyID, newMaster string
	cmd := &cobra.Command{
		Use:   "rotate-key",
		Short: "Re-seal enrolled references under a new master key",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.Vault == nil {
				return errors.New("KMS_MASTER_KEY is not set")
			}
			master, err := crypto.ParseMasterKey(newMaster)
			if err != nil {
				return err
			}
			if err := a.KMS.AddKey(newKeyID, master); err != nil {
				return err
			}
			n, err := a.Vault.RotateKey(cmd.Context(), a.Config.KMSKeyID, newKeyID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "re-sealed %d references under %s; set KMS_KEY_ID=%s and KMS_MASTER_KEY to the new key\n", n, newKeyID, newKeyID)
			return nil
		},
	}
	cmd.Flags().StringVar(&newKeyID, "new-key-id", "", "id of the new master key")
	cmd.Flags().StringVar(&newMaster, "new-master-key", "", "new 32-byte master key, hex or base64")
	_ = cmd.MarkFlagRequired("new-key-id")
	_ = cmd.MarkFlagRequired("new-master-key")
	return cmd
}
