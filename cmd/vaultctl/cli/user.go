package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vaultapi/vaultapi/internal/model"
	"github.com/vaultapi/vaultapi/internal/repository"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}

	cmd.AddCommand(newUserSetPlanCmd())

	return cmd
}

func newUserSetPlanCmd() *cobra.Command {
	var email, plan string

	cmd := &cobra.Command{
		Use:   "set-plan",
		Short: "Change an account's plan without going through Stripe",
		Long: `Set a user's plan directly. Useful for support overrides and local testing.

Downgrading to FREE does not revoke existing keys; the user cannot create new
ones until they are below the FREE limit.`,
		Example: "  vaultctl user set-plan --email dev@example.com --plan PRO",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := parsePlan(plan)
			if err != nil {
				return err
			}

			s, err := loadSettings()
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			repo, err := repository.New(ctx, s.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer repo.Close()

			if err := repo.SetUserPlanByEmail(ctx, email, p); err != nil {
				if errors.Is(err, repository.ErrUserNotFound) {
					return fmt.Errorf("no user with email %s", email)
				}
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s is now on %s\n", email, p)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email (required)")
	cmd.Flags().StringVar(&plan, "plan", "", "FREE or PRO (required)")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}

func parsePlan(raw string) (model.Plan, error) {
	p := model.Plan(strings.ToUpper(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("plan must be FREE or PRO, got %q", raw)
	}
	return p, nil
}
