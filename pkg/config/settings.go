package config

import (
	"time"

	"github.com/mailgrid/mailgrid/pkg/engine"
	"github.com/mailgrid/mailgrid/pkg/stores"
)

// Engine converts the configuration into orchestrator settings.
func (c *Config) Engine() engine.Settings {
	mx := make([]engine.MXHost, len(c.DNS.MX))
	for i, h := range c.DNS.MX {
		mx[i] = engine.MXHost{Host: h.Host, Priority: h.Priority}
	}
	return engine.Settings{
		Mode:    engine.Mode(c.Mode),
		Workers: c.Workers,
		Retry: engine.RetryPolicy{
			MaxAttempts:       c.Retry.MaxAttempts,
			InitialDelay:      c.Retry.InitialDelay.D(),
			MaxDelay:          c.Retry.MaxDelay.D(),
			RateLimitCooldown: c.Retry.RateLimitCooldown.D(),
			Jitter:            c.Retry.Jitter,
		},
		SettleInterval:     c.Verification.SettleInterval.D(),
		PollAttempts:       c.Verification.PollAttempts,
		PollInterval:       c.Verification.PollInterval.D(),
		RequiredPredicates: append([]string(nil), c.Verification.Required...),
		DNS: engine.DNSSettings{
			MX:                 mx,
			TTL:                c.DNS.TTL,
			VerificationPrefix: c.DNS.VerificationPrefix,
			SPF:                c.DNS.SPF,
			DMARC:              c.DNS.DMARC,
		},
		Aliases: engine.AliasSettings{
			Count:            c.Aliases.Count,
			Recipients:       append([]string(nil), c.Aliases.Recipients...),
			Credentials:      c.Aliases.Credentials,
			CredentialPolicy: engine.CredentialPolicy(c.Aliases.CredentialFailurePolicy),
		},
	}
}

// StoreOptions converts the store section for stores.Open.
func (c *Config) StoreOptions() stores.Config {
	return stores.Config{
		Backend:         stores.Backend(c.Store.Backend),
		Path:            c.Store.Path,
		ConnMaxLifetime: 5 * time.Minute,
	}
}
