package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mailgrid/mailgrid/pkg/engine"
)

func newResetCommand() *cobra.Command {
	var (
		toPending bool
		allFailed bool
	)

	cmd := &cobra.Command{
		Use:   "reset [domain...]",
		Short: "Reset failed domains so the next run resumes them",
		Long: `Move failed domains back to the state they failed from, or to pending with
--to-pending. Provider ids already recorded are kept, so completed stages are
not repeated. The reset is appended to the domain's error history.`,
		Example: `  # Resume one domain where it failed
  mailgrid reset example.com

  # Restart every failed domain from the beginning
  mailgrid reset --all-failed --to-pending`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !allFailed {
				return fmt.Errorf("name at least one domain or use --all-failed")
			}
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

			domains := args
			if allFailed {
				reports, err := a.store.ExportFailures(ctx)
				if err != nil {
					return err
				}
				for _, r := range reports {
					domains = append(domains, r.Domain)
				}
			}

			for _, domain := range domains {
				rec, err := engine.Reset(ctx, a.store, domain, toPending, time.Now().UTC())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s reset to %s\n", domain, rec.State)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&toPending, "to-pending", false, "restart from pending instead of the failed stage")
	cmd.Flags().BoolVar(&allFailed, "all-failed", false, "reset every failed domain")

	return cmd
}
