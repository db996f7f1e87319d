package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mailgrid/mailgrid/pkg/config"
	"github.com/mailgrid/mailgrid/pkg/stores"
)

const (
	defaultConfigFile  = "mailgrid.cue"
	defaultDomainsFile = "domains.txt"
)

const domainsTemplate = `# One domain per line. Blank lines and comments are ignored.
# example.com
`

func newInitCommand() *cobra.Command {
	var (
		dir   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a mailgrid workspace",
		Long: `Initialize a workspace with a starter configuration, an empty domain list
and the state store.

Existing files are kept unless --force is given.`,
		Example: `  # Initialize the current directory
  mailgrid init

  # Initialize another directory, overwriting existing files
  mailgrid init --dir ./mail --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Str("dir", dir).
				Bool("force", force).
				Msg("Initializing workspace")

			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}

			cfgPath := filepath.Join(dir, defaultConfigFile)
			if err := writeStarter(cmd, cfgPath, config.Sample(), force); err != nil {
				return err
			}
			if err := writeStarter(cmd, filepath.Join(dir, defaultDomainsFile), domainsTemplate, force); err != nil {
				return err
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			storeCfg := cfg.StoreOptions()
			if !filepath.IsAbs(storeCfg.Path) {
				storeCfg.Path = filepath.Join(dir, storeCfg.Path)
			}
			store, err := stores.Open(cmd.Context(), storeCfg)
			if err != nil {
				return fmt.Errorf("failed to initialize state store: %w", err)
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Initialized %s state store: %s\n", storeCfg.Backend, storeCfg.Path)

			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), "Next steps:")
			fmt.Fprintln(cmd.OutOrStdout(), "  1. Export FORWARDEMAIL_API_TOKEN and CLOUDFLARE_API_TOKEN")
			fmt.Fprintf(cmd.OutOrStdout(), "  2. Add domains to %s\n", defaultDomainsFile)
			fmt.Fprintf(cmd.OutOrStdout(), "  3. Run: mailgrid -c %s provision %s\n", defaultConfigFile, defaultDomainsFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "workspace directory")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}

func writeStarter(cmd *cobra.Command, path, content string, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if errors.Is(err, fs.ErrExist) {
		fmt.Fprintf(cmd.OutOrStdout(), "- Kept existing %s\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Created %s\n", path)
	return nil
}
