package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mailgrid/mailgrid/pkg/engine"
	"github.com/mailgrid/mailgrid/pkg/export"
)

func newStatusCommand() *cobra.Command {
	var (
		check bool
	)

	cmd := &cobra.Command{
		Use:   "status [domain...]",
		Short: "Show provisioning state",
		Long: `Show how many domains are in each state, or the full records of the given
domains as JSON.

With --check every completed domain is re-validated against the providers:
the verification predicates must still hold and every MX record must still
be published. The command then exits with status 1 when a domain is failed
or a completed domain no longer validates.`,
		Example: `  # Per-state summary
  mailgrid status

  # Full record of two domains
  mailgrid status example.com example.org

  # Re-validate completed domains
  mailgrid status --check`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, appOptions{providers: check})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			if len(args) > 0 {
				return a.printRecords(ctx, cmd, args)
			}

			summary, err := a.store.Summary(ctx)
			if err != nil {
				return err
			}
			if err := export.WriteSummary(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			if !check {
				return nil
			}
			return a.check(ctx, cmd, summary[engine.StateFailed])
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "re-validate completed domains against the providers")

	return cmd
}

func (a *app) printRecords(ctx context.Context, cmd *cobra.Command, domains []string) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	for _, domain := range domains {
		rec, found, err := a.store.Get(ctx, domain)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", engine.ErrUnknownDomain, domain)
		}
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

// check re-validates every completed domain.
func (a *app) check(ctx context.Context, cmd *cobra.Command, failed int) error {
	records, err := a.store.List(ctx)
	if err != nil {
		return err
	}
	settings := a.cfg.Engine()

	unhealthy := 0
	for _, rec := range records {
		if rec.State != engine.StateCompleted {
			continue
		}
		problems, err := engine.Revalidate(ctx, a.mail, a.dns, rec, settings)
		if err != nil {
			return err
		}
		if len(problems) == 0 {
			continue
		}
		unhealthy++
		for _, p := range problems {
			fmt.Fprintf(cmd.OutOrStdout(), "✗ %s: %s\n", rec.Domain, p)
		}
	}

	if failed > 0 || unhealthy > 0 {
		return fmt.Errorf("%w: %d failed, %d completed domains no longer validate", ErrDomainsFailed, failed, unhealthy)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ All completed domains validate")
	return nil
}
