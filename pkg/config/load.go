package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

//go:embed sample.cue
var sampleSource string

// Sample returns a commented example configuration in CUE.
func Sample() string { return sampleSource }

// Default store paths per backend.
const (
	DefaultFilePath   = "mailgrid-state.json"
	DefaultSQLitePath = "mailgrid.db"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Mode:    "sequential",
		Workers: 1,
		Retry: RetryConfig{
			MaxAttempts:       5,
			InitialDelay:      Duration(time.Second),
			MaxDelay:          Duration(time.Minute),
			RateLimitCooldown: Duration(30 * time.Second),
			Jitter:            0.25,
		},
		Verification: VerificationConfig{
			SettleInterval: Duration(2 * time.Minute),
			PollAttempts:   10,
			PollInterval:   Duration(30 * time.Second),
		},
		DNS: DNSConfig{
			MX: []MXHost{
				{Host: "mx1.forwardemail.net", Priority: 10},
				{Host: "mx2.forwardemail.net", Priority: 10},
			},
			TTL:                3600,
			VerificationPrefix: "forward-email-site-verification",
			SPF:                "v=spf1 a include:spf.forwardemail.net -all",
		},
		Aliases: AliasConfig{
			Count:                   1,
			CredentialFailurePolicy: "best_effort",
		},
		Names: NamesConfig{
			Generator: "wordlist",
			Separator: ".",
			Limit:     1000,
			Timeout:   Duration(5 * time.Second),
		},
		Store: StoreConfig{
			Backend: "file",
		},
		Providers: ProvidersConfig{
			ForwardEmail: ForwardEmailConfig{
				ProviderConfig: ProviderConfig{Timeout: Duration(30 * time.Second)},
				PageSize:       50,
			},
			Cloudflare: ProviderConfig{Timeout: Duration(30 * time.Second)},
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "console",
			MetricsAddr: ":9090",
			Exporter:    "none",
			SampleRatio: 1.0,
		},
		Watch: WatchConfig{
			Debounce: Duration(2 * time.Second),
		},
	}
}

// Load builds the configuration: defaults, then the file at path (when set),
// then the environment, then the overrides. The result is validated.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".cue":
		return c.mergeCUE(path, data)
	case ".yaml", ".yml":
		return c.mergeYAML(path, data)
	default:
		return fmt.Errorf("unsupported config format %q (want .cue, .yaml or .yml)", ext)
	}
}

// mergeCUE unifies the file with the embedded schema and decodes the
// concrete result over c.
func (c *Config) mergeCUE(path string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue")).
		LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("invalid embedded schema: %w", err)
	}

	val := ctx.CompileBytes(data, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cueError(path, err)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cueError(path, err)
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return cueError(path, err)
	}
	if err := json.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeYAML(path string, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// cueError flattens CUE errors into one error listing every position.
func cueError(path string, err error) error {
	var lines []string
	for _, e := range cueerrors.Errors(err) {
		msg := strings.TrimSpace(cueerrors.Details(e, nil))
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			msg = fmt.Sprintf("%s:%d:%d: %s", pos[0].Filename(), pos[0].Line(), pos[0].Column(), msg)
		}
		lines = append(lines, msg)
	}
	if len(lines) == 0 {
		return fmt.Errorf("invalid config %s: %w", path, err)
	}
	return fmt.Errorf("invalid config %s:\n  %s", path, strings.Join(lines, "\n  "))
}

// ApplyEnv overlays the MAILGRID_* variables and the provider tokens.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}

	str("MAILGRID_MODE", &c.Mode)
	str("MAILGRID_STORE_BACKEND", &c.Store.Backend)
	str("MAILGRID_STORE_PATH", &c.Store.Path)
	str("MAILGRID_LOG_LEVEL", &c.Telemetry.LogLevel)
	str("MAILGRID_METRICS_ADDR", &c.Telemetry.MetricsAddr)
	str("MAILGRID_TRACE_EXPORTER", &c.Telemetry.Exporter)
	str("MAILGRID_TRACE_ENDPOINT", &c.Telemetry.Endpoint)
	str("MAILGRID_CREDENTIALS_OUTPUT", &c.Aliases.CredentialsOutput)
	str("FORWARDEMAIL_API_TOKEN", &c.Providers.ForwardEmail.Token)
	str("CLOUDFLARE_API_TOKEN", &c.Providers.Cloudflare.Token)

	if err := integer("MAILGRID_WORKERS", &c.Workers); err != nil {
		return err
	}
	if err := integer("MAILGRID_ALIAS_COUNT", &c.Aliases.Count); err != nil {
		return err
	}
	if v, ok := lookup("MAILGRID_RECIPIENTS"); ok && v != "" {
		c.Aliases.Recipients = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// fillDerived sets values that depend on other fields.
func (c *Config) fillDerived() {
	if c.Store.Path == "" {
		c.Store.Path = DefaultFilePath
		if c.Store.Backend == "sqlite" {
			c.Store.Path = DefaultSQLitePath
		}
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config:\n  %s", strings.Join(msgs, "\n  "))
}

// RequireTokens reports a missing provider token.
func (c *Config) RequireTokens() error {
	var missing []string
	if c.Providers.ForwardEmail.Token == "" {
		missing = append(missing, "FORWARDEMAIL_API_TOKEN")
	}
	if c.Providers.Cloudflare.Token == "" {
		missing = append(missing, "CLOUDFLARE_API_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing provider tokens: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Redacted returns a copy with tokens masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	out.Providers.ForwardEmail.Token = mask(c.Providers.ForwardEmail.Token)
	out.Providers.Cloudflare.Token = mask(c.Providers.Cloudflare.Token)
	return &out
}
