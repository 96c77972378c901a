package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/swarmmail/pkg/embedded"
)

func newStatsCmd(flags *globalFlags) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print agent, message, reservation and event counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			stores, err := embedded.OpenStores(cmd.Context(), cfg, flags.logger(cmd, cfg))
			if err != nil {
				return err
			}
			defer stores.Close()

			stats, err := stores.Mail.GetStats(cmd.Context(), project)
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project key (all projects when empty)")
	return cmd
}
