package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mailgrid/mailgrid/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var (
		show bool
	)

	cmd := &cobra.Command{
		Use:   "validate [domains-file]",
		Short: "Validate configuration and domain list",
		Long: `Validate the configuration and, when given, the domain list, without calling
any provider.

This command checks:
  - CUE/YAML syntax and schema conformance
  - Field constraints (durations, recipients, MX hosts)
  - Alias policies compile (built-in and configured .rego files)
  - The name generator loads (word list or Starlark script)
  - Every domain in the list is a valid name`,
		Example: `  # Validate the configuration
  mailgrid -c mailgrid.cue validate

  # Validate configuration and a domain list, printing the effective config
  mailgrid -c mailgrid.cue validate domains.txt --show`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log.Info().Str("config", configPath).Msg("Configuration is valid")

			if _, err := buildNames(cfg.Names); err != nil {
				return err
			}
			if _, err := buildPolicy(context.Background(), cfg.Policy, zerolog.Nop()); err != nil {
				return err
			}
			if err := cfg.RequireTokens(); err != nil {
				log.Warn().Err(err).Msg("Provider tokens are not set; provision will refuse to run")
			}

			if show {
				out, err := yaml.Marshal(cfg.Redacted())
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), string(out))
			}

			if len(args) == 0 {
				return nil
			}
			domains, err := config.LoadDomainList(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %d domains in %s\n", len(domains), args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&show, "show", false, "print the effective configuration with tokens masked")

	return cmd
}
