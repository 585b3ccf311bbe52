package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vaultapi/vaultapi/internal/metrics"
	"github.com/vaultapi/vaultapi/internal/model"
	"github.com/vaultapi/vaultapi/internal/repository"
	"github.com/vaultapi/vaultapi/internal/sealer"
	"github.com/vaultapi/vaultapi/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage stored API keys",
	}

	cmd.AddCommand(newKeyCreateCmd())

	return cmd
}

// keyOutput is the --format json shape of key create.
type keyOutput struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	KeyID  string `json:"keyId"`
	Name   string `json:"name"`
	Key    string `json:"key"`
	Prefix string `json:"prefix"`
	Last4  string `json:"last4"`
}

func newKeyCreateCmd() *cobra.Command {
	var email, name, value, format string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Store a key for an existing account",
		Long: `Store a CUSTOM key for the account with the given email. Without --value a
new key is generated. Plan limits apply exactly as they do over HTTP.`,
		Example: `  vaultctl key create --email dev@example.com --name ci
  vaultctl key create --email dev@example.com --name stripe --value sk_live_... --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format = strings.ToLower(format)
			if format != "plain" && format != "json" {
				return fmt.Errorf("format must be plain or json, got %q", format)
			}

			s, err := loadSettings()
			if err != nil {
				return err
			}
			if s.CryptoMasterKey == "" {
				return errors.New("CRYPTO_MASTER_KEY is required to seal keys")
			}
			seal, err := sealer.FromBase64(s.CryptoMasterKey)
			if err != nil {
				return fmt.Errorf("CRYPTO_MASTER_KEY: %w", err)
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			repo, err := repository.New(ctx, s.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer repo.Close()

			user, err := repo.GetUserByEmail(ctx, email)
			if err != nil {
				if errors.Is(err, repository.ErrUserNotFound) {
					return fmt.Errorf("no user with email %s", email)
				}
				return err
			}

			// No cache: a new key has nothing to evict.
			keys := service.NewAPIKeyService(repo, nil, seal, s.FreePlanKeyLimit, metrics.NewNoop(), newLogger(cmd))
			created, err := keys.Create(ctx, user.ID, model.APIKeyCreateRequest{
				Name:     name,
				Provider: model.ProviderCustom,
				Value:    value,
			})
			if err != nil {
				return err
			}

			out := keyOutput{
				UserID: user.ID,
				Email:  user.Email,
				KeyID:  created.ID,
				Name:   created.Name,
				Key:    created.Key,
				Prefix: created.Prefix,
				Last4:  created.Last4,
			}
			return printKey(cmd, format, out)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "owner account email (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name, 1-50 characters (required)")
	cmd.Flags().StringVar(&value, "value", "", "key to store; generated when empty")
	cmd.Flags().StringVar(&format, "format", "plain", "output format: plain or json")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func printKey(cmd *cobra.Command, format string, out keyOutput) error {
	w := cmd.OutOrStdout()
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Fprintln(w, "API key stored:")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Key:   %s\n", out.Key)
	fmt.Fprintf(w, "  ID:    %s\n", out.KeyID)
	fmt.Fprintf(w, "  Name:  %s\n", out.Name)
	fmt.Fprintf(w, "  Owner: %s\n", out.Email)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  The owner can reveal it again from the dashboard while it is active.")
	return nil
}
