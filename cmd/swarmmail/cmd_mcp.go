package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/swarmmail/internal/mcptools"
	"github.com/mistakeknot/swarmmail/pkg/embedded"
)

func newMCPCmd(flags *globalFlags) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the swarmmail and hive tools over MCP stdio",
		Long:  "Run an MCP server on stdin/stdout for a coding agent.\nTools that take a project argument fall back to --project, which defaults\nto the current working directory.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger := flags.logger(cmd, cfg)
			if project == "" {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("resolve project: %w", err)
				}
				project = wd
			}

			stores, err := embedded.OpenStores(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer stores.Close()

			ts := mcptools.New(stores.Mail, stores.Hive).WithDefaultProject(project)
			logger.Info("mcp server starting", "project", project, "tools", len(ts.Tools()))
			return server.ServeStdio(mcptools.NewServer(version, ts))
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "default project key for tool calls")
	return cmd
}
