package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/swarmmail/internal/storage"
	"github.com/mistakeknot/swarmmail/pkg/embedded"
)

func newReplayCmd(flags *globalFlags) *cobra.Command {
	var (
		project    string
		from       int64
		clearViews bool
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild projections from the event log",
		Long:  "Re-apply events to the materialized views. With --clear the views are\ntruncated first, for one project or for all when --project is empty.\n--clear cannot be combined with --from past the first event.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if from < 0 {
				return fmt.Errorf("replay: --from must not be negative")
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			stores, err := embedded.OpenStores(cmd.Context(), cfg, flags.logger(cmd, cfg))
			if err != nil {
				return err
			}
			defer stores.Close()

			res, err := stores.Events.ReplayEvents(cmd.Context(), storage.ReplayOptions{
				ProjectKey:   project,
				FromSequence: from,
				ClearViews:   clearViews,
			})
			if err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d events in %s\n", res.EventsReplayed, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project key (all projects when empty)")
	cmd.Flags().Int64Var(&from, "from", 0, "replay events from this sequence on")
	cmd.Flags().BoolVar(&clearViews, "clear", false, "truncate projections before replaying")
	return cmd
}
