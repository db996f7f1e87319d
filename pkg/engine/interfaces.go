package engine

import (
	"context"
	"iter"
	"time"
)

// MailForwardingProvider is the contract of the mail-forwarding service.
type MailForwardingProvider interface {
	// RegisterDomain adds the domain to the provider account. A domain that is
	// already registered must be returned as a successful fetch, not an error.
	RegisterDomain(ctx context.Context, domain string) (*DomainRegistration, error)

	// GetDomainStatus reports the required-record predicates for the domain.
	GetDomainStatus(ctx context.Context, domain string) (*DomainStatus, error)

	// CreateAlias creates local@domain forwarding to recipients and returns its id.
	// An existing alias yields an error coded ErrCodeConflict.
	CreateAlias(ctx context.Context, domain, localPart string, recipients []string) (string, error)

	// ListAliases returns every alias of the domain, whatever shape the provider answered in.
	ListAliases(ctx context.Context, domain string) ([]Alias, error)

	// SetAliasCredential sets the alias password. Plans without credentials
	// yield a permanent error coded ErrCodeForbidden.
	SetAliasCredential(ctx context.Context, domain, aliasID, secret string) error
}

// DNSProvider is the contract of the DNS-management service.
type DNSProvider interface {
	// ResolveZone returns the zone id of the domain, or a permanent error coded
	// ErrCodeNotFound when the provider does not manage it.
	ResolveZone(ctx context.Context, domain string) (string, error)

	// UpsertRecord creates the record, or updates the record with the same identity
	// in place. It is a no-op when the content already matches.
	UpsertRecord(ctx context.Context, zoneID string, record DNSRecord) (string, error)

	// ListRecords returns the zone's records matching the filter.
	ListRecords(ctx context.Context, zoneID string, filter RecordFilter) ([]DNSRecord, error)
}

// StateStore persists one DomainRecord per domain.
// Implementations must be safe for concurrent use and serialize writes.
type StateStore interface {
	// Get returns a copy of the record, and false when the domain is unknown.
	Get(ctx context.Context, domain string) (*DomainRecord, bool, error)

	// Upsert durably and atomically persists the record. On error the previously
	// persisted state is left intact.
	Upsert(ctx context.Context, record *DomainRecord) error

	// List returns copies of every record sorted by domain.
	List(ctx context.Context) ([]*DomainRecord, error)

	// Summary counts records per state.
	Summary(ctx context.Context) (map[DomainState]int, error)

	// ExportFailures returns the failed records with their full error history.
	ExportFailures(ctx context.Context) ([]FailureReport, error)

	// Close releases the store.
	Close() error
}

// NameGenerator yields candidate alias local-parts for a domain.
// Every call starts a fresh sequence; the same domain yields the same sequence.
type NameGenerator interface {
	Candidates(ctx context.Context, domain string) iter.Seq2[string, error]
}

// AliasPolicy decides whether a candidate alias may be created.
type AliasPolicy interface {
	AllowAlias(ctx context.Context, domain, localPart string, recipients []string) (bool, []string, error)
}

// CredentialSink receives alias secrets after they were set at the provider.
type CredentialSink interface {
	StoreCredential(ctx context.Context, address, secret string) error
}

// EventPublisher publishes orchestration events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MetricsRecorder records orchestration metrics.
type MetricsRecorder interface {
	RecordTransition(stage Stage, from, to DomainState)
	RecordProviderCall(provider, operation string, duration time.Duration, err error)
	RecordRetry(class ErrorClass)
	SetDomainCounts(counts map[DomainState]int)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EventType is the type of an orchestration event.
type EventType string

const (
	EventTypeRunStarted       EventType = "run.started"
	EventTypeRunCompleted     EventType = "run.completed"
	EventTypeRunAborted       EventType = "run.aborted"
	EventTypeDomainTransition EventType = "domain.transition"
	EventTypeDomainFailed     EventType = "domain.failed"
	EventTypeRetry            EventType = "domain.retry"
	EventTypeWarning          EventType = "warning"
)

// Event is a timeline event emitted while provisioning.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	RunID     string      `json:"run_id"`
	Domain    string      `json:"domain,omitempty"`
	Stage     Stage       `json:"stage,omitempty"`
	From      DomainState `json:"from,omitempty"`
	To        DomainState `json:"to,omitempty"`
	Message   string      `json:"message"`
	Level     string      `json:"level"`
}
