package engine

import (
	"encoding/json"
	"fmt"
)

// DomainState is the provisioning state of a single domain.
type DomainState string

const (
	// StatePending indicates the domain has been seen but no stage has run.
	StatePending DomainState = "pending"

	// StateProviderRegistered indicates the mail-forwarding provider knows the domain.
	StateProviderRegistered DomainState = "provider_registered"

	// StateDNSConfigured indicates every required DNS record has been published.
	StateDNSConfigured DomainState = "dns_configured"

	// StateVerifying indicates propagation polling has started.
	StateVerifying DomainState = "verifying"

	// StateVerified indicates the provider observed every required record.
	StateVerified DomainState = "verified"

	// StateAliasesCreated indicates the planned aliases exist at the provider.
	StateAliasesCreated DomainState = "aliases_created"

	// StateCompleted indicates the domain is fully provisioned.
	StateCompleted DomainState = "completed"

	// StateFailed indicates a stage failed permanently. Only an explicit reset resumes it.
	StateFailed DomainState = "failed"
)

// pipelineOrder is the fixed forward order of non-failed states.
var pipelineOrder = []DomainState{
	StatePending,
	StateProviderRegistered,
	StateDNSConfigured,
	StateVerifying,
	StateVerified,
	StateAliasesCreated,
	StateCompleted,
}

// AllStates returns every state in pipeline order followed by Failed.
func AllStates() []DomainState {
	out := make([]DomainState, 0, len(pipelineOrder)+1)
	out = append(out, pipelineOrder...)
	return append(out, StateFailed)
}

// Rank returns the position of s in the pipeline, or -1 for Failed and unknown states.
func (s DomainState) Rank() int {
	for i, st := range pipelineOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// IsTerminal returns true for Completed and Failed.
func (s DomainState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// AtLeast reports whether s is at or beyond other in the pipeline. Failed is never at least anything.
func (s DomainState) AtLeast(other DomainState) bool {
	r := s.Rank()
	return r >= 0 && r >= other.Rank()
}

// CanTransitionTo reports whether next is a legal successor of s.
// Transitions are monotonic forward; any non-terminal state may move to Failed.
func (s DomainState) CanTransitionTo(next DomainState) bool {
	if s == StateFailed {
		return false
	}
	if next == StateFailed {
		return s != StateCompleted
	}
	from, to := s.Rank(), next.Rank()
	return from >= 0 && to > from
}

// Validate checks if the state is valid.
func (s DomainState) Validate() error {
	if s == StateFailed || s.Rank() >= 0 {
		return nil
	}
	return fmt.Errorf("invalid domain state: %s", s)
}

// UnmarshalJSON rejects unknown states so a corrupted state file is caught on load.
func (s *DomainState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	st := DomainState(str)
	if err := st.Validate(); err != nil {
		return err
	}
	*s = st
	return nil
}

// Stage names a step of the provisioning pipeline.
type Stage string

const (
	StageRegister      Stage = "register"
	StageConfigureDNS  Stage = "configure_dns"
	StageVerify        Stage = "verify"
	StageCreateAliases Stage = "create_aliases"
	StageCredentials   Stage = "credentials"
	StageFinalize      Stage = "finalize"
	StagePersist       Stage = "persist"
	StageReset         Stage = "reset"
)

// nextStage returns the stage that moves a domain out of s, and the state it produces.
func nextStage(s DomainState) (Stage, DomainState, bool) {
	switch s {
	case StatePending:
		return StageRegister, StateProviderRegistered, true
	case StateProviderRegistered:
		return StageConfigureDNS, StateDNSConfigured, true
	case StateDNSConfigured, StateVerifying:
		return StageVerify, StateVerified, true
	case StateVerified:
		return StageCreateAliases, StateAliasesCreated, true
	case StateAliasesCreated:
		return StageFinalize, StateCompleted, true
	default:
		return "", "", false
	}
}

// Mode selects how the orchestrator drives a batch of domains.
type Mode string

const (
	// ModeSequential runs each domain through the whole pipeline within one task.
	ModeSequential Mode = "sequential"

	// ModePhased runs registration and DNS for every domain, waits once for
	// propagation, then runs verification and aliases for every domain.
	ModePhased Mode = "phased"
)

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeSequential, ModePhased:
		return nil
	default:
		return fmt.Errorf("invalid mode: %s (must be 'sequential' or 'phased')", m)
	}
}

// CredentialPolicy decides what a credential sub-stage failure does to the domain.
type CredentialPolicy string

const (
	// CredentialBestEffort records the failure and lets the domain complete.
	CredentialBestEffort CredentialPolicy = "best_effort"

	// CredentialHold records the failure and keeps the domain at AliasesCreated
	// so a later run retries the missing credentials.
	CredentialHold CredentialPolicy = "hold"

	// CredentialFail records the failure and marks the domain Failed.
	CredentialFail CredentialPolicy = "fail"
)

// Validate checks if the policy is valid.
func (p CredentialPolicy) Validate() error {
	switch p {
	case CredentialBestEffort, CredentialHold, CredentialFail:
		return nil
	default:
		return fmt.Errorf("invalid credential failure policy: %s", p)
	}
}
