// Package config builds the immutable mailgrid configuration.
//
// # Layering
//
// Load starts from Default, merges a configuration file, overlays the
// environment and finally the caller's overrides (command-line flags), then
// validates the result with go-playground/validator struct tags:
//
//	cfg, err := config.Load("mailgrid.cue", func(c *config.Config) {
//		c.Workers = 8
//	})
//
// # File formats
//
// Files ending in .cue are compiled with CUE and unified with the embedded
// #Config schema, so type errors and unknown fields are reported with their
// file position. Files ending in .yaml or .yml are decoded with yaml.v3 in
// strict mode. Durations are strings such as "30s" in both formats.
//
// # Environment
//
//	MAILGRID_MODE, MAILGRID_WORKERS, MAILGRID_ALIAS_COUNT, MAILGRID_RECIPIENTS
//	MAILGRID_STORE_BACKEND, MAILGRID_STORE_PATH, MAILGRID_CREDENTIALS_OUTPUT
//	MAILGRID_LOG_LEVEL, MAILGRID_METRICS_ADDR
//	MAILGRID_TRACE_EXPORTER, MAILGRID_TRACE_ENDPOINT
//	FORWARDEMAIL_API_TOKEN, CLOUDFLARE_API_TOKEN
//
// # Domain lists
//
// ParseDomainList reads the newline-delimited input list. Every invalid line
// is reported with its line number in a *DomainListError.
package config
