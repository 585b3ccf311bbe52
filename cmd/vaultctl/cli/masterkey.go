package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vaultapi/vaultapi/internal/sealer"
)

func newMasterKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "master-key",
		Short: "Manage the encryption master key",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Print a new random CRYPTO_MASTER_KEY",
		Long: `Generate a base64 encoded 32-byte key suitable for CRYPTO_MASTER_KEY.

Keys sealed under one master key cannot be opened with another. Changing the
key of a running deployment makes every stored key unreadable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := sealer.GenerateMasterKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	})

	return cmd
}
