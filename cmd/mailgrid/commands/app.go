package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mailgrid/mailgrid/pkg/config"
	"github.com/mailgrid/mailgrid/pkg/engine"
	"github.com/mailgrid/mailgrid/pkg/names"
	"github.com/mailgrid/mailgrid/pkg/policy"
	"github.com/mailgrid/mailgrid/pkg/providers/cloudflare"
	"github.com/mailgrid/mailgrid/pkg/providers/forwardemail"
	"github.com/mailgrid/mailgrid/pkg/providers/httpapi"
	"github.com/mailgrid/mailgrid/pkg/providers/memory"
	"github.com/mailgrid/mailgrid/pkg/stores"
	"github.com/mailgrid/mailgrid/pkg/telemetry"
)

// ErrDomainsFailed reports that at least one domain ended Failed.
var ErrDomainsFailed = errors.New("one or more domains failed")

// loadConfig builds the configuration from the global flags.
// The global log level follows the configured one.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath, func(c *config.Config) {
		if logLevel != "" {
			c.Telemetry.LogLevel = strings.ToLower(logLevel)
		}
		if statePath != "" {
			c.Store.Path = statePath
		}
		if stateBackend != "" {
			c.Store.Backend = stateBackend
		}
	})
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(telemetry.ParseLevel(cfg.Telemetry.LogLevel))
	return cfg, nil
}

// app holds the collaborators of one command invocation.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	store     engine.StateStore
	mail      engine.MailForwardingProvider
	dns       engine.DNSProvider
	policy    *policy.Engine
	names     engine.NameGenerator
	sink      *credentialFile
	dryRun    bool
	scratch   string
}

type appOptions struct {
	// providers builds the REST clients, or the in-memory ones when dryRun is set.
	providers bool
	dryRun    bool

	// orchestration builds the name generator, policy engine and credential sink.
	orchestration bool
}

// newApp opens the store and builds what opts asks for. Close releases everything.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	tel, err := telemetry.NewTelemetry(ctx, telemetryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{cfg: cfg, telemetry: tel}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.store, err = stores.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	if opts.dryRun {
		if err := a.useScratchStore(ctx); err != nil {
			return nil, err
		}
	}
	if sink, ok := a.store.(engine.EventPublisher); ok {
		tel.Events.AddSink(sink)
	}

	if opts.providers {
		if err := a.buildProviders(opts.dryRun); err != nil {
			return nil, err
		}
	}

	if opts.orchestration {
		if a.names, err = buildNames(cfg.Names); err != nil {
			return nil, err
		}
		if a.policy, err = buildPolicy(ctx, cfg.Policy, tel.Logger.Zerolog()); err != nil {
			return nil, err
		}
		if cfg.Aliases.Credentials && !opts.dryRun {
			if a.sink, err = openCredentialFile(cfg.Aliases.CredentialsOutput); err != nil {
				return nil, err
			}
		}
	}
	return a, nil
}

// useScratchStore swaps the store for a temporary file store seeded with the
// persisted records, so a dry run resumes like a real run but leaves state untouched.
func (a *app) useScratchStore(ctx context.Context) error {
	records, err := a.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	dir, err := os.MkdirTemp("", "mailgrid-dry-run-")
	if err != nil {
		return err
	}
	scratch, err := stores.NewFileStore(filepath.Join(dir, config.DefaultFilePath))
	if err != nil {
		_ = os.RemoveAll(dir)
		return err
	}
	for _, rec := range records {
		if err := scratch.Upsert(ctx, rec); err != nil {
			_ = os.RemoveAll(dir)
			return err
		}
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close state store")
	}
	a.store, a.dryRun, a.scratch = scratch, true, dir
	return nil
}

func (a *app) buildProviders(dryRun bool) error {
	if dryRun {
		mail := memory.NewMailProvider()
		dns := memory.NewDNSProvider()
		dns.AutoZones = true
		a.mail, a.dns = mail, dns
		log.Warn().Msg("Dry run: using in-memory providers, nothing is sent to the real APIs")
		return nil
	}

	if err := a.cfg.RequireTokens(); err != nil {
		return err
	}
	fe := a.cfg.Providers.ForwardEmail
	mail, err := forwardemail.New(forwardemail.Config{
		BaseURL:   fe.BaseURL,
		Token:     fe.Token,
		Timeout:   fe.Timeout.D(),
		PageSize:  fe.PageSize,
		ListPaths: fe.ListPaths,
	}, httpapi.WithLogger(a.telemetry.Logger.NewComponentLogger("mail").Zerolog()))
	if err != nil {
		return err
	}
	cf := a.cfg.Providers.Cloudflare
	dns, err := cloudflare.New(cloudflare.Config{
		BaseURL: cf.BaseURL,
		Token:   cf.Token,
		Timeout: cf.Timeout.D(),
	}, httpapi.WithLogger(a.telemetry.Logger.NewComponentLogger("dns").Zerolog()))
	if err != nil {
		return err
	}
	a.mail, a.dns = mail, dns
	return nil
}

// orchestrator wires a new orchestrator from the app.
func (a *app) orchestrator() (*engine.Orchestrator, error) {
	opts := engine.Options{
		Mail:    a.mail,
		DNS:     a.dns,
		Store:   a.store,
		Names:   a.names,
		Metrics: a.telemetry.Metrics,
		Events:  a.telemetry.Events,
		Tracer:  a.telemetry.Tracer.Tracer(),
		Logger:  a.telemetry.Logger.Zerolog(),
	}
	if a.policy != nil {
		opts.Policy = a.policy
	}
	if a.sink != nil {
		opts.Credentials = a.sink
	}
	settings := a.cfg.Engine()
	if a.dryRun {
		settings.SettleInterval = 0
		settings.PollInterval = 0
		settings.Retry.InitialDelay = 0
		settings.Retry.MaxDelay = 0
		settings.Retry.RateLimitCooldown = 0
	}
	return engine.NewOrchestrator(settings, opts)
}

// Close flushes telemetry and releases the store and credential file.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.scratch != "" {
		errs = append(errs, os.RemoveAll(a.scratch))
	}
	return errors.Join(errs...)
}

func buildNames(cfg config.NamesConfig) (engine.NameGenerator, error) {
	switch cfg.Generator {
	case "starlark":
		gen, err := names.LoadStarlarkGenerator(cfg.Script, cfg.Limit, cfg.Timeout.D())
		if err != nil {
			return nil, fmt.Errorf("failed to load name script: %w", err)
		}
		return gen, nil
	default:
		opts := []names.WordlistOption{
			names.WithSeed(cfg.Seed),
			names.WithSeparator(cfg.Separator),
			names.WithLimit(cfg.Limit),
		}
		if cfg.Wordlist != "" {
			words, err := names.LoadWords(cfg.Wordlist)
			if err != nil {
				return nil, err
			}
			opts = append(opts, names.WithWords(words))
		}
		gen, err := names.NewWordlistGenerator(opts...)
		if err != nil {
			return nil, err
		}
		return gen, nil
	}
}

func buildPolicy(ctx context.Context, cfg config.PolicyConfig, logger zerolog.Logger) (*policy.Engine, error) {
	eng, err := policy.NewEngine(logger, policy.Options{
		Reserved: cfg.Reserved,
		Disabled: cfg.Disabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(cfg.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, cfg.Paths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

// telemetryConfig maps the telemetry section onto the telemetry package.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = buildVersion
	tc.Logging.Level = cfg.Telemetry.LogLevel
	tc.Logging.Format = cfg.Telemetry.LogFormat
	tc.Metrics.ListenAddress = cfg.Telemetry.MetricsAddr
	tc.Tracing.Exporter = cfg.Telemetry.Exporter
	tc.Tracing.Endpoint = cfg.Telemetry.Endpoint
	tc.Tracing.SamplingRate = cfg.Telemetry.SampleRatio
	return tc
}
