package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vaultapi/vaultapi/internal/migrate"
	"github.com/vaultapi/vaultapi/migrations"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m *migrate.Migrator) error {
				ctx, cancel := commandContext(cmd)
				defer cancel()

				n, err := m.Up(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "down [steps]",
		Short:   "Roll back migrations (default 1)",
		Args:    cobra.MaximumNArgs(1),
		Example: "  vaultctl migrate down\n  vaultctl migrate down 3",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("steps must be a positive integer, got %q", args[0])
				}
				steps = n
			}

			return withMigrator(cmd, func(m *migrate.Migrator) error {
				ctx, cancel := commandContext(cmd)
				defer cancel()

				n, err := m.Down(ctx, steps)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", n)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m *migrate.Migrator) error {
				ctx, cancel := commandContext(cmd)
				defer cancel()

				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				printStatus(cmd, statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(m *migrate.Migrator) error) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	m, err := migrate.Open(ctx, s.DatabaseURL, migrations.FS, newLogger(cmd))
	if err != nil {
		return err
	}
	defer m.Close()

	return fn(m)
}

func printStatus(cmd *cobra.Command, statuses []migrate.Status) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATE\tAPPLIED AT")
	for _, st := range statuses {
		state, at := "pending", "-"
		if st.Applied {
			state = "applied"
			if st.AppliedAt != nil {
				at = st.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(tw, "%06d\t%s\t%s\t%s\n", st.Version, st.Name, state, at)
	}
	tw.Flush()
}
