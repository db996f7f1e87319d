// Package engine provides the domain model and the provisioning state machine of mailgrid.
//
// # Overview
//
// Every domain is driven through a fixed pipeline of stages, each backed by calls to
// one of two external providers:
//
//	Pending --register--> ProviderRegistered --configure_dns--> DNSConfigured
//	  --verify--> Verifying --> Verified --create_aliases--> AliasesCreated
//	  --finalize--> Completed
//
// Any non-terminal state may move to Failed. Failed is terminal for automatic
// processing; only Reset resumes a failed domain.
//
// # Durability
//
// The Orchestrator persists the DomainRecord through the StateStore after every
// transition, before anything else happens. A restart resumes each domain from its
// persisted state, and every stage is idempotent:
//
//   - register is skipped when the provider domain id is known
//   - DNS records are upserted by (type, name, value prefix)
//   - aliases are planned and persisted before they are created, and a Conflict on
//     creation is reconciled by listing the provider's aliases
//
// # Error Classification
//
// Provider faults are classified for retry logic:
//
//   - Transient: retried with exponential backoff
//   - RateLimited: retried after a fixed cooldown
//   - Permanent: the domain is marked Failed at the current stage
//   - Critical: the whole run is aborted with ErrRunAborted
//
// Every fault is appended to the domain's ErrorHistory. Cancellation of the run is
// never recorded as a domain failure.
//
// # Concurrency
//
// A bounded worker pool drives domains in parallel. Each domain is owned by one
// worker for the duration of a run; only the StateStore is shared.
package engine
