package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/swarmmail/internal/storage"
	"github.com/mistakeknot/swarmmail/pkg/embedded"
)

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back or inspect schema migrations",
	}
	cmd.AddCommand(newMigrateUpCmd(flags), newMigrateDownCmd(flags), newMigrateStatusCmd(flags))
	return cmd
}

// withMigrator opens the database without migrating it and hands fn the
// matching migrator.
func withMigrator(cmd *cobra.Command, flags *globalFlags, fn func(*storage.Migrator) error) error {
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	logger := flags.logger(cmd, cfg)
	db, err := embedded.OpenDatabase(cmd.Context(), cfg.Database, logger, true)
	if err != nil {
		return err
	}
	defer db.Close()
	m, err := embedded.NewMigrator(db, logger)
	if err != nil {
		return err
	}
	return fn(m)
}

func newMigrateUpCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, flags, func(m *storage.Migrator) error {
				applied, err := m.Migrate(cmd.Context())
				if err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				if len(applied) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", joinVersions(applied))
				return nil
			})
		},
	}
}

func newMigrateDownCmd(flags *globalFlags) *cobra.Command {
	var target int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations above --to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if target < 0 {
				return fmt.Errorf("migrate down: --to must not be negative")
			}
			return withMigrator(cmd, flags, func(m *storage.Migrator) error {
				rolled, err := m.Rollback(cmd.Context(), target)
				if err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				if len(rolled) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "already at version %d or below\n", target)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", joinVersions(rolled))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&target, "to", 0, "target schema version")
	return cmd
}

func newMigrateStatusCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current schema version and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, flags, func(m *storage.Migrator) error {
				status, err := m.Status(cmd.Context())
				if err != nil {
					return fmt.Errorf("migrate status: %w", err)
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(status)
				}
				fmt.Fprintf(out, "current version: %d\n", status.Current)
				for _, a := range status.Applied {
					fmt.Fprintf(out, "  %04d %s (%s)\n", a.Version, a.Description, a.AppliedAt.Format("2006-01-02 15:04:05"))
				}
				if len(status.Pending) == 0 {
					fmt.Fprintln(out, "pending: none")
				} else {
					fmt.Fprintf(out, "pending: %s\n", joinVersions(status.Pending))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}

func joinVersions(vs []int) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ", ")
}
