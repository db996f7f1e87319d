package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mailgrid/mailgrid/pkg/config"
	"github.com/mailgrid/mailgrid/pkg/engine"
	"github.com/mailgrid/mailgrid/pkg/export"
)

func newProvisionCommand() *cobra.Command {
	var (
		dryRun  bool
		mode    string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "provision <domains-file>",
		Short: "Provision every domain of a list",
		Long: `Drive every domain of the list through the provisioning pipeline.

Domains seen for the first time start pending; known domains resume from
their persisted state. Completed domains are left alone and failed domains
are skipped until reset.

The command exits with status 1 when any domain ended failed.`,
		Example: `  # Provision a list of domains
  mailgrid -c mailgrid.cue provision domains.txt

  # Rehearse the run against in-memory providers
  mailgrid -c mailgrid.cue provision domains.txt --dry-run

  # Phased run with 8 workers
  mailgrid provision domains.txt --mode phased --workers 8`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("mode") {
				cfg.Mode = mode
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			domains, err := config.LoadDomainList(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, appOptions{providers: true, dryRun: dryRun, orchestration: true})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			log.Info().
				Str("domains_file", args[0]).
				Int("domains", len(domains)).
				Str("mode", cfg.Mode).
				Int("workers", cfg.Workers).
				Bool("dry_run", dryRun).
				Msg("Provisioning domains")

			_, err = a.runPass(ctx, domains, cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "use in-memory providers and a scratch copy of the state")
	cmd.Flags().StringVar(&mode, "mode", "", "orchestration mode (sequential, phased)")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent domain workers")

	return cmd
}

// runPass runs the orchestrator once over domains and prints the summary.
// It returns ErrDomainsFailed when any domain ended Failed.
func (a *app) runPass(ctx context.Context, domains []string, out io.Writer) (*engine.RunReport, error) {
	orch, err := a.orchestrator()
	if err != nil {
		return nil, err
	}

	started := time.Now()
	report, runErr := orch.Run(ctx, domains)
	a.telemetry.Metrics.RecordRun(runResult(report, runErr), time.Since(started))

	if report != nil && report.Summary != nil {
		if err := export.WriteSummary(out, report.Summary); err != nil {
			return report, err
		}
	}
	if runErr != nil {
		if errors.Is(runErr, engine.ErrRunAborted) {
			return report, fmt.Errorf("provisioning stopped: %w", runErr)
		}
		return report, runErr
	}

	if failed := report.Failed(); len(failed) > 0 {
		for _, domain := range failed {
			log.Error().Str("domain", domain).Msg("Domain failed")
		}
		return report, fmt.Errorf("%w: %d of %d", ErrDomainsFailed, len(failed), len(report.Outcomes))
	}
	return report, nil
}

func runResult(report *engine.RunReport, err error) string {
	switch {
	case errors.Is(err, engine.ErrRunAborted):
		return "aborted"
	case err != nil:
		return "interrupted"
	case report.HasFailures():
		return "failed"
	default:
		return "completed"
	}
}
