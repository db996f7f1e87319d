package engine

import (
	"sort"
	"strings"
	"time"
)

// DomainRecord is the durable provisioning record of one domain.
type DomainRecord struct {
	// Domain is the unique key of the record.
	Domain string `json:"domain"`

	// State is the current pipeline state.
	State DomainState `json:"state"`

	// ResumeState is the last non-failed state, set when the domain fails.
	ResumeState DomainState `json:"resume_state,omitempty"`

	// ProviderDomainID is the mail-forwarding provider's id, immutable once set.
	ProviderDomainID string `json:"provider_domain_id,omitempty"`

	// VerificationToken is the token the provider expects in the verification TXT record.
	VerificationToken string `json:"verification_token,omitempty"`

	// DNSZoneID is the DNS provider's zone id, immutable once set.
	DNSZoneID string `json:"dns_zone_id,omitempty"`

	// DNSRecordIDs is the sorted set of record ids created for this domain.
	DNSRecordIDs []string `json:"dns_record_ids,omitempty"`

	// Aliases is the ordered list of planned and created aliases.
	Aliases []AliasRecord `json:"aliases,omitempty"`

	// Attempts is the number of attempts used by the most recent stage execution.
	Attempts int `json:"attempts"`

	// ErrorHistory is append-only.
	ErrorHistory []ErrorEntry `json:"error_history,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// AliasRecord is one forwarding address of a domain.
type AliasRecord struct {
	LocalPart       string   `json:"local_part"`
	Recipients      []string `json:"recipients"`
	ProviderAliasID string   `json:"provider_alias_id,omitempty"`
	CredentialSet   bool     `json:"credential_set"`
}

// Created reports whether the alias exists at the provider.
func (a AliasRecord) Created() bool {
	return a.ProviderAliasID != ""
}

// ErrorEntry is one classified fault recorded against a domain.
type ErrorEntry struct {
	Stage     Stage                  `json:"stage" yaml:"stage"`
	Kind      ErrorClass             `json:"kind" yaml:"kind"`
	Code      string                 `json:"code,omitempty" yaml:"code,omitempty"`
	Message   string                 `json:"message" yaml:"message"`
	Attempts  int                    `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Timestamp time.Time              `json:"timestamp" yaml:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty" yaml:"context,omitempty"`
}

// FailureReport is the exported view of a failed domain.
type FailureReport struct {
	Domain       string       `json:"domain" yaml:"domain"`
	LastState    DomainState  `json:"last_state" yaml:"last_state"`
	Attempts     int          `json:"attempts" yaml:"attempts"`
	ErrorHistory []ErrorEntry `json:"error_history" yaml:"error_history"`
}

// NewDomainRecord creates a Pending record.
func NewDomainRecord(domain string, now time.Time) *DomainRecord {
	return &DomainRecord{
		Domain:      domain,
		State:       StatePending,
		CreatedAt:   now,
		LastUpdated: now,
	}
}

// Clone returns a deep copy so callers never share slices with a store.
func (r *DomainRecord) Clone() *DomainRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.DNSRecordIDs = append([]string(nil), r.DNSRecordIDs...)
	if r.Aliases != nil {
		c.Aliases = make([]AliasRecord, len(r.Aliases))
		for i, a := range r.Aliases {
			a.Recipients = append([]string(nil), a.Recipients...)
			c.Aliases[i] = a
		}
	}
	if r.ErrorHistory != nil {
		c.ErrorHistory = make([]ErrorEntry, len(r.ErrorHistory))
		for i, e := range r.ErrorHistory {
			if e.Context != nil {
				ctx := make(map[string]interface{}, len(e.Context))
				for k, v := range e.Context {
					ctx[k] = v
				}
				e.Context = ctx
			}
			c.ErrorHistory[i] = e
		}
	}
	return &c
}

// AddRecordID inserts id into DNSRecordIDs keeping it a sorted set.
func (r *DomainRecord) AddRecordID(id string) {
	if id == "" {
		return
	}
	i := sort.SearchStrings(r.DNSRecordIDs, id)
	if i < len(r.DNSRecordIDs) && r.DNSRecordIDs[i] == id {
		return
	}
	r.DNSRecordIDs = append(r.DNSRecordIDs, "")
	copy(r.DNSRecordIDs[i+1:], r.DNSRecordIDs[i:])
	r.DNSRecordIDs[i] = id
}

// AliasIndex returns the index of the alias with the given local-part, or -1.
func (r *DomainRecord) AliasIndex(localPart string) int {
	for i := range r.Aliases {
		if r.Aliases[i].LocalPart == localPart {
			return i
		}
	}
	return -1
}

// Addresses returns the local@domain form of every created alias.
func (r *DomainRecord) Addresses() []string {
	out := make([]string, 0, len(r.Aliases))
	for _, a := range r.Aliases {
		if a.Created() {
			out = append(out, a.LocalPart+"@"+r.Domain)
		}
	}
	return out
}

// LastError returns the most recent error entry, if any.
func (r *DomainRecord) LastError() (ErrorEntry, bool) {
	if len(r.ErrorHistory) == 0 {
		return ErrorEntry{}, false
	}
	return r.ErrorHistory[len(r.ErrorHistory)-1], true
}

// FailureReport builds the exported view of a failed record.
func (r *DomainRecord) FailureReport() FailureReport {
	last := r.ResumeState
	if last == "" {
		last = r.State
	}
	return FailureReport{
		Domain:       r.Domain,
		LastState:    last,
		Attempts:     r.Attempts,
		ErrorHistory: append([]ErrorEntry(nil), r.ErrorHistory...),
	}
}

// Summarize counts records per state. Every state is present in the result.
func Summarize(records []*DomainRecord) map[DomainState]int {
	out := make(map[DomainState]int, len(pipelineOrder)+1)
	for _, s := range AllStates() {
		out[s] = 0
	}
	for _, r := range records {
		out[r.State]++
	}
	return out
}

// Alias is a provider-side alias as returned by ListAliases.
type Alias struct {
	ID         string   `json:"id"`
	LocalPart  string   `json:"name"`
	Recipients []string `json:"recipients"`
}

// DomainRegistration is the result of registering a domain with the mail provider.
type DomainRegistration struct {
	ID                string `json:"id"`
	VerificationToken string `json:"verification_token"`
}

// DomainStatus reports which required-record predicates the mail provider observes.
type DomainStatus struct {
	Predicates map[string]bool `json:"predicates"`
}

// Missing returns the sorted names of required predicates that are not true.
// When required is empty every reported predicate is required.
func (s DomainStatus) Missing(required []string) []string {
	var missing []string
	if len(required) == 0 && len(s.Predicates) == 0 {
		return []string{"no_predicates_reported"}
	}
	if len(required) == 0 {
		for name, ok := range s.Predicates {
			if !ok {
				missing = append(missing, name)
			}
		}
	} else {
		for _, name := range required {
			if !s.Predicates[name] {
				missing = append(missing, name)
			}
		}
	}
	sort.Strings(missing)
	return missing
}

// DNSRecord is a record the DNS provider manages.
type DNSRecord struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Value    string `json:"content"`
	TTL      int    `json:"ttl"`
	Priority *int   `json:"priority,omitempty"`

	// Match narrows the (type, name) identity for record sets that hold several values:
	// an existing record only matches when its value starts with Match.
	Match string `json:"-"`
}

// RecordFilter narrows ListRecords. Empty fields match everything.
type RecordFilter struct {
	Type string
	Name string
}

// Matches reports whether existing has the identity of r.
func (r DNSRecord) Matches(existing DNSRecord) bool {
	if !strings.EqualFold(r.Type, existing.Type) ||
		!strings.EqualFold(strings.TrimRight(r.Name, "."), strings.TrimRight(existing.Name, ".")) {
		return false
	}
	return strings.HasPrefix(existing.Value, r.Match)
}

// SameContent reports whether existing already carries r's content.
func (r DNSRecord) SameContent(existing DNSRecord) bool {
	if existing.Value != r.Value || (r.TTL != 0 && existing.TTL != r.TTL) {
		return false
	}
	if r.Priority == nil {
		return true
	}
	return existing.Priority != nil && *existing.Priority == *r.Priority
}
