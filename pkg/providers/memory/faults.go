// Package memory provides in-memory providers with fault injection.
//
// They implement the engine's provider contracts with the same idempotency and
// error semantics as the HTTP clients, and back both the engine tests and the
// CLI's --dry-run mode.
package memory

import (
	"sync"
)

// Operation names used for fault injection and call counting.
const (
	OpRegisterDomain     = "register_domain"
	OpGetDomainStatus    = "get_domain_status"
	OpCreateAlias        = "create_alias"
	OpListAliases        = "list_aliases"
	OpSetAliasCredential = "set_alias_credential"
	OpResolveZone        = "resolve_zone"
	OpUpsertRecord       = "upsert_record"
	OpListRecords        = "list_records"
)

// Fault is an error returned by an operation instead of its result.
type Fault struct {
	// Op is the operation to fail.
	Op string

	// Domain restricts the fault to one domain. Empty matches every domain.
	Domain string

	// Err is returned by the operation.
	Err error

	// Times is how many calls fail before the fault is spent. Zero fails every call.
	Times int
}

// faults is the shared fault and call bookkeeping of the providers.
type faults struct {
	fmu     sync.Mutex
	pending []*Fault
	calls   map[string]int
}

// Inject registers a fault.
func (f *faults) Inject(fault Fault) {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	fc := fault
	f.pending = append(f.pending, &fc)
}

// Calls returns the number of calls made to op for domain. An empty domain counts
// calls for every domain.
func (f *faults) Calls(op, domain string) int {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	if domain == "" {
		return f.calls[op]
	}
	return f.calls[op+"|"+domain]
}

// enter counts the call and returns the injected fault for it, if any.
func (f *faults) enter(op, domain string) error {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[op]++
	f.calls[op+"|"+domain]++

	for i, fault := range f.pending {
		if fault.Op != op || (fault.Domain != "" && fault.Domain != domain) {
			continue
		}
		if fault.Times > 0 {
			fault.Times--
			if fault.Times == 0 {
				f.pending = append(f.pending[:i], f.pending[i+1:]...)
			}
		}
		return fault.Err
	}
	return nil
}
