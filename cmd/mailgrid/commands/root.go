package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mailgrid/mailgrid/pkg/telemetry"
)

var (
	// Global flags
	configPath   string
	logLevel     string
	statePath    string
	stateBackend string

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mailgrid",
		Short: "mailgrid - bulk mail-forwarding provisioning",
		Long: `mailgrid registers domains with a mail-forwarding provider, publishes the
DNS records it needs, waits for verification and creates forwarding aliases.

Every domain moves through a persisted state machine:
  pending -> provider_registered -> dns_configured -> verifying ->
  verified -> aliases_created -> completed

A run can be interrupted and resumed at any time; completed stages are never
repeated. Domains that fail permanently stay failed until reset.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if logLevel != "" {
				zerolog.SetGlobalLevel(telemetry.ParseLevel(logLevel))
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.cue, .yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "state store path")
	rootCmd.PersistentFlags().StringVar(&stateBackend, "backend", "", "state store backend (file, sqlite)")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newProvisionCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newFailuresCommand())
	rootCmd.AddCommand(newAliasesCommand())
	rootCmd.AddCommand(newResetCommand())
	rootCmd.AddCommand(newEventsCommand())

	return rootCmd
}
