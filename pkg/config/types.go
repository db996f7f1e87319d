package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete mailgrid configuration. It is built once at start-up
// and passed explicitly to every component.
type Config struct {
	// Mode is sequential or phased.
	Mode string `json:"mode" yaml:"mode" validate:"oneof=sequential phased"`

	// Workers bounds the number of domains processed in parallel.
	Workers int `json:"workers" yaml:"workers" validate:"min=1,max=256"`

	Retry        RetryConfig        `json:"retry" yaml:"retry"`
	Verification VerificationConfig `json:"verification" yaml:"verification"`
	DNS          DNSConfig          `json:"dns" yaml:"dns"`
	Aliases      AliasConfig        `json:"aliases" yaml:"aliases"`
	Names        NamesConfig        `json:"names" yaml:"names"`
	Policy       PolicyConfig       `json:"policy" yaml:"policy"`
	Store        StoreConfig        `json:"store" yaml:"store"`
	Providers    ProvidersConfig    `json:"providers" yaml:"providers"`
	Telemetry    TelemetryConfig    `json:"telemetry" yaml:"telemetry"`
	Watch        WatchConfig        `json:"watch" yaml:"watch"`
}

// RetryConfig configures the retry executor.
type RetryConfig struct {
	MaxAttempts       int      `json:"max_attempts" yaml:"max_attempts" validate:"min=1,max=100"`
	InitialDelay      Duration `json:"initial_delay" yaml:"initial_delay" validate:"min=0"`
	MaxDelay          Duration `json:"max_delay" yaml:"max_delay" validate:"gtefield=InitialDelay"`
	RateLimitCooldown Duration `json:"rate_limit_cooldown" yaml:"rate_limit_cooldown" validate:"min=0"`
	Jitter            float64  `json:"jitter" yaml:"jitter" validate:"min=0,max=1"`
}

// VerificationConfig configures the propagation wait and status polling.
type VerificationConfig struct {
	SettleInterval Duration `json:"settle_interval" yaml:"settle_interval" validate:"min=0"`
	PollAttempts   int      `json:"poll_attempts" yaml:"poll_attempts" validate:"min=1"`
	PollInterval   Duration `json:"poll_interval" yaml:"poll_interval" validate:"min=0"`

	// Required lists the predicates that must all be true. Empty requires
	// every predicate the provider reports.
	Required []string `json:"required" yaml:"required"`
}

// MXHost is one MX record to publish.
type MXHost struct {
	Host     string `json:"host" yaml:"host" validate:"required,fqdn"`
	Priority int    `json:"priority" yaml:"priority" validate:"min=0,max=65535"`
}

// DNSConfig is the record set published for every domain.
type DNSConfig struct {
	MX                 []MXHost `json:"mx" yaml:"mx" validate:"required,min=1,dive"`
	TTL                int      `json:"ttl" yaml:"ttl" validate:"min=0"`
	VerificationPrefix string   `json:"verification_prefix" yaml:"verification_prefix"`
	SPF                string   `json:"spf" yaml:"spf" validate:"omitempty,startswith=v=spf1"`
	DMARC              string   `json:"dmarc" yaml:"dmarc" validate:"omitempty,startswith=v=DMARC1"`
}

// AliasConfig configures alias planning and credentials.
type AliasConfig struct {
	Count      int      `json:"count" yaml:"count" validate:"min=0,max=1000"`
	Recipients []string `json:"recipients" yaml:"recipients" validate:"required_unless=Count 0,dive,email"`

	// Credentials enables the credential sub-stage.
	Credentials bool `json:"credentials" yaml:"credentials"`

	// CredentialFailurePolicy is best_effort, hold or fail.
	CredentialFailurePolicy string `json:"credential_failure_policy" yaml:"credential_failure_policy" validate:"oneof=best_effort hold fail"`

	// CredentialsOutput is the JSON-lines file receiving generated secrets.
	CredentialsOutput string `json:"credentials_output" yaml:"credentials_output" validate:"required_if=Credentials true"`
}

// NamesConfig selects the alias name generator.
type NamesConfig struct {
	Generator string   `json:"generator" yaml:"generator" validate:"oneof=wordlist starlark"`
	Wordlist  string   `json:"wordlist" yaml:"wordlist"`
	Seed      uint64   `json:"seed" yaml:"seed"`
	Separator string   `json:"separator" yaml:"separator" validate:"oneof=. - _"`
	Limit     int      `json:"limit" yaml:"limit" validate:"min=1"`
	Script    string   `json:"script" yaml:"script" validate:"required_if=Generator starlark"`
	Timeout   Duration `json:"timeout" yaml:"timeout" validate:"min=0"`
}

// PolicyConfig configures the alias policy.
type PolicyConfig struct {
	// Paths are extra .rego/.json policy files or directories.
	Paths []string `json:"paths" yaml:"paths"`

	// Reserved replaces the built-in reserved local-parts when set.
	Reserved []string `json:"reserved" yaml:"reserved"`

	// Disabled names built-in policies to turn off.
	Disabled []string `json:"disabled" yaml:"disabled"`
}

// StoreConfig selects the state store.
type StoreConfig struct {
	Backend string `json:"backend" yaml:"backend" validate:"oneof=file sqlite"`
	Path    string `json:"path" yaml:"path" validate:"required"`
}

// ProviderConfig configures one REST provider.
type ProviderConfig struct {
	BaseURL string   `json:"base_url" yaml:"base_url" validate:"omitempty,url"`
	Token   string   `json:"token" yaml:"token"`
	Timeout Duration `json:"timeout" yaml:"timeout" validate:"min=0"`
}

// ForwardEmailConfig configures the mail-forwarding provider.
type ForwardEmailConfig struct {
	ProviderConfig `yaml:",inline"`

	PageSize  int      `json:"page_size" yaml:"page_size" validate:"min=1,max=1000"`
	ListPaths []string `json:"list_paths" yaml:"list_paths"`
}

// ProvidersConfig holds the provider sections.
type ProvidersConfig struct {
	ForwardEmail ForwardEmailConfig `json:"forwardemail" yaml:"forwardemail"`
	Cloudflare   ProviderConfig     `json:"cloudflare" yaml:"cloudflare"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	LogLevel    string  `json:"log_level" yaml:"log_level" validate:"oneof=trace debug info warn error"`
	LogFormat   string  `json:"log_format" yaml:"log_format" validate:"oneof=console json"`
	MetricsAddr string  `json:"metrics_addr" yaml:"metrics_addr"`
	Exporter    string  `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	Endpoint    string  `json:"trace_endpoint" yaml:"trace_endpoint" validate:"required_if=Exporter otlp"`
	SampleRatio float64 `json:"trace_sample_ratio" yaml:"trace_sample_ratio" validate:"min=0,max=1"`
}

// WatchConfig configures the watch command.
type WatchConfig struct {
	// Debounce coalesces bursts of file events into one pass.
	Debounce Duration `json:"debounce" yaml:"debounce" validate:"min=0"`

	// Interval re-runs a pass periodically. Zero only reacts to file changes.
	Interval Duration `json:"interval" yaml:"interval" validate:"min=0"`
}

// Duration is a time.Duration written as a string such as "30s".
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	if err := node.Decode(&v); err != nil {
		return err
	}
	if i, ok := v.(int); ok {
		v = float64(i)
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(int64(val))
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}
