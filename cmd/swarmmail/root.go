package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/swarmmail/internal/config"
	"github.com/mistakeknot/swarmmail/internal/telemetry"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "swarmmail",
		Short:         "Event-sourced coordination for agent swarms",
		Long:          "swarmmail stores agent mail, file reservations and hive work items\nin one append-only event log and serves them over HTTP, WebSocket and MCP.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("swarmmail {{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (YAML or TOML); defaults to $SWARMMAIL_CONFIG")
	pf.StringVar(&flags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "override log format (auto, text, json)")

	cmd.AddCommand(
		newServeCmd(flags),
		newMCPCmd(flags),
		newMigrateCmd(flags),
		newReplayCmd(flags),
		newStatsCmd(flags),
		initCmd(),
		newVersionCmd(),
	)
	return cmd
}

// load reads the config and applies the logging flag overrides.
func (f *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	return cfg, nil
}

// logger always writes to stderr so stdout stays free for command output
// and the MCP transport.
func (f *globalFlags) logger(cmd *cobra.Command, cfg config.Config) *slog.Logger {
	return telemetry.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the swarmmail version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "swarmmail %s\n", version)
			return nil
		},
	}
}
