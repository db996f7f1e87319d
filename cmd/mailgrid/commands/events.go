package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mailgrid/mailgrid/pkg/export"
	"github.com/mailgrid/mailgrid/pkg/stores"
)

func newEventsCommand() *cobra.Command {
	var (
		limit int
	)

	cmd := &cobra.Command{
		Use:   "events [domain]",
		Short: "Show the provisioning timeline",
		Long: `Show the recorded events, oldest first: run boundaries, state transitions,
retries and failures. Events are recorded by the sqlite state backend only.`,
		Example: `  # Whole timeline
  mailgrid events

  # First 50 events of one domain
  mailgrid events example.com --limit 50`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, appOptions{})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			store, ok := a.store.(*stores.SQLiteStore)
			if !ok {
				return fmt.Errorf("the %s backend does not record events; use store.backend sqlite", cfg.Store.Backend)
			}
			domain := ""
			if len(args) > 0 {
				domain = args[0]
			}
			events, err := store.ListEvents(ctx, domain, limit)
			if err != nil {
				return err
			}
			return export.WriteEvents(cmd.OutOrStdout(), events)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of events (0 for all)")

	return cmd
}
