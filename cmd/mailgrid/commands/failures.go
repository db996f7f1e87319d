package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mailgrid/mailgrid/pkg/export"
)

func newFailuresCommand() *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "failures",
		Short: "Export failed domains with their error history",
		Long: `Export every failed domain with the state it failed from, the attempts of
its last stage and its complete error history.`,
		Example: `  # Table on the terminal
  mailgrid failures --format table

  # YAML report to a file
  mailgrid failures --format yaml --output failures.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
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

			reports, err := a.store.ExportFailures(ctx)
			if err != nil {
				return err
			}
			return writeOutput(cmd, output, func(w io.Writer) error {
				return export.WriteFailures(w, reports, f)
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format (json, yaml, table)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")

	return cmd
}

func newAliasesCommand() *cobra.Command {
	var (
		output string
	)

	cmd := &cobra.Command{
		Use:   "aliases [domain...]",
		Short: "Export created aliases",
		Long: `Export every created alias as one local@domain line, sorted. With domain
arguments only their aliases are exported.`,
		Example: `  # Every alias
  mailgrid aliases

  # Aliases of one domain to a file
  mailgrid aliases example.com -o aliases.txt`,
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

			records, err := a.store.List(ctx)
			if err != nil {
				return err
			}
			if len(args) > 0 {
				want := make(map[string]bool, len(args))
				for _, d := range args {
					want[d] = true
				}
				kept := records[:0]
				for _, rec := range records {
					if want[rec.Domain] {
						kept = append(kept, rec)
					}
				}
				records = kept
			}
			return writeOutput(cmd, output, func(w io.Writer) error {
				return export.WriteAliases(w, records)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")

	return cmd
}

// writeOutput runs write against stdout, or against path when it is set.
func writeOutput(cmd *cobra.Command, path string, write func(io.Writer) error) error {
	if path == "" {
		return write(cmd.OutOrStdout())
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.Info().Str("path", path).Msg("Export written")
	return nil
}
