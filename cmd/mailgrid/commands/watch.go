package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mailgrid/mailgrid/pkg/config"
)

func newWatchCommand() *cobra.Command {
	var (
		metricsAddr string
		interval    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <domains-file>",
		Short: "Provision continuously as the domain list changes",
		Long: `Run a provisioning pass, then another one whenever the domain list changes
and, with --interval, periodically. Prometheus metrics are served for the
lifetime of the command. Policy files are reloaded on change.

The command exits with status 1 on shutdown when the last pass left failed
domains.`,
		Example: `  # Watch a domain list, serving metrics on :9090
  mailgrid -c mailgrid.cue watch domains.txt

  # Also re-run every 15 minutes to advance held domains
  mailgrid watch domains.txt --interval 15m --metrics-addr 127.0.0.1:9100`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Telemetry.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("interval") {
				cfg.Watch.Interval = config.Duration(interval)
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, appOptions{providers: true, orchestration: true})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(context.WithoutCancel(ctx)); err != nil {
					log.Warn().Err(err).Msg("Shutdown incomplete")
				}
			}()

			logger := a.telemetry.Logger.NewComponentLogger("watch").Zerolog()

			go func() {
				if err := a.telemetry.Metrics.Serve(ctx, logger); err != nil {
					logger.Error().Err(err).Msg("Metrics server failed")
				}
			}()
			if len(cfg.Policy.Paths) > 0 {
				if err := a.policy.Watch(ctx, cfg.Policy.Paths); err != nil {
					logger.Warn().Err(err).Msg("Policy files will not be reloaded")
				}
			}

			triggers, err := watchFile(ctx, args[0], cfg.Watch.Debounce.D(), cfg.Watch.Interval.D(), logger)
			if err != nil {
				return err
			}

			logger.Info().
				Str("domains_file", args[0]).
				Str("metrics_addr", cfg.Telemetry.MetricsAddr).
				Dur("interval", cfg.Watch.Interval.D()).
				Msg("Watching domain list")

			var last error
			pass := func() {
				domains, err := config.LoadDomainList(args[0])
				if err != nil {
					logger.Error().Err(err).Msg("Domain list is invalid; waiting for the next change")
					last = err
					return
				}
				_, last = a.runPass(ctx, domains, cmd.OutOrStdout())
				if last != nil && ctx.Err() == nil {
					logger.Error().Err(last).Msg("Pass finished with errors")
				}
			}

			pass()
			for range triggers {
				pass()
			}

			logger.Info().Msg("Watch stopped")
			if errors.Is(last, ErrDomainsFailed) {
				return last
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "metrics listen address (overrides telemetry.metrics_addr)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "also re-run periodically (0 disables)")

	return cmd
}

// watchFile signals once per debounced burst of changes to path, and once per
// interval when interval is positive. The channel is closed when ctx is done.
func watchFile(ctx context.Context, path string, debounce, interval time.Duration, logger zerolog.Logger) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	out := make(chan struct{}, 1)
	notify := func() {
		select {
		case out <- struct{}{}:
		default:
		}
	}

	go func() {
		defer close(out)
		defer watcher.Close()

		var tick <-chan time.Time
		if interval > 0 {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Domain list changed")
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C

			case <-fire:
				fire = nil
				notify()

			case <-tick:
				notify()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error().Err(err).Msg("Watcher error")
			}
		}
	}()
	return out, nil
}
