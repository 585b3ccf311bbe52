// Package cli implements the vaultctl command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// settings is the subset of server configuration the operator commands need.
type settings struct {
	DatabaseURL      string `env:"DATABASE_URL"`
	CryptoMasterKey  string `env:"CRYPTO_MASTER_KEY"`
	FreePlanKeyLimit int    `env:"FREE_PLAN_KEY_LIMIT" envDefault:"3"`
}

var (
	databaseURL string
	timeout     time.Duration
	verbose     bool
)

// Execute creates the root command tree and runs it.
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Operate a VaultAPI deployment",
		Long:          "vaultctl runs schema migrations, generates master keys and manages users and keys directly in the database.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "PostgreSQL connection string (default $DATABASE_URL)")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout for database work")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")

	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newMasterKeyCmd())
	cmd.AddCommand(newUserCmd())
	cmd.AddCommand(newKeyCmd())

	return cmd
}

// loadSettings reads .env and the environment, letting flags win.
func loadSettings() (*settings, error) {
	_ = godotenv.Load()

	s := &settings{}
	if err := env.Parse(s); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if databaseURL != "" {
		s.DatabaseURL = databaseURL
	}
	if s.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required (flag --database-url or environment)")
	}
	return s, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	var w io.Writer = io.Discard
	if verbose {
		w = cmd.ErrOrStderr()
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
