package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// LoadRecords merges the input domain list with the persisted records. Domains seen
// for the first time are created Pending and persisted; known domains keep their
// state and history. The result follows the input order, without duplicates.
func LoadRecords(ctx context.Context, store StateStore, domains []string, now time.Time) ([]*DomainRecord, error) {
	seen := make(map[string]bool, len(domains))
	records := make([]*DomainRecord, 0, len(domains))
	for _, domain := range domains {
		if domain == "" || seen[domain] {
			continue
		}
		seen[domain] = true

		rec, found, err := store.Get(ctx, domain)
		if err != nil {
			return nil, fmt.Errorf("failed to get record for %s: %w", domain, err)
		}
		if !found {
			rec = NewDomainRecord(domain, now)
			if err := store.Upsert(ctx, rec); err != nil {
				return nil, fmt.Errorf("failed to create record for %s: %w", domain, err)
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// Reset moves a Failed domain back to the state it failed from, or to Pending when
// toPending is set. Known provider ids are kept so completed stages are not repeated.
func Reset(ctx context.Context, store StateStore, domain string, toPending bool, now time.Time) (*DomainRecord, error) {
	rec, found, err := store.Get(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to get record for %s: %w", domain, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	if rec.State != StateFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFailed, domain, rec.State)
	}

	target := rec.ResumeState
	if toPending || target == "" || target == StateFailed || target.Validate() != nil {
		target = StatePending
	}

	rec.ErrorHistory = append(rec.ErrorHistory, ErrorEntry{
		Stage:     StageReset,
		Message:   fmt.Sprintf("reset from %s to %s", StateFailed, target),
		Timestamp: now,
	})
	rec.State = target
	rec.ResumeState = ""
	rec.Attempts = 0
	rec.LastUpdated = now

	if err := store.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist reset of %s: %w", domain, err)
	}
	return rec, nil
}

// Revalidate re-checks a Completed domain against the providers and returns the
// problems found. An empty result means the domain is still healthy.
func Revalidate(ctx context.Context, mail MailForwardingProvider, dns DNSProvider, rec *DomainRecord, settings Settings) ([]string, error) {
	var problems []string

	status, err := mail.GetDomainStatus(ctx, rec.Domain)
	if err != nil {
		return nil, fmt.Errorf("failed to get status of %s: %w", rec.Domain, err)
	}
	if status == nil {
		status = &DomainStatus{}
	}
	for _, name := range status.Missing(settings.RequiredPredicates) {
		problems = append(problems, "predicate not satisfied: "+name)
	}

	if rec.DNSZoneID == "" || len(settings.DNS.MX) == 0 {
		return problems, nil
	}
	records, err := dns.ListRecords(ctx, rec.DNSZoneID, RecordFilter{Type: "MX", Name: rec.Domain})
	if err != nil {
		return nil, fmt.Errorf("failed to list MX records of %s: %w", rec.Domain, err)
	}
	for _, mx := range settings.DNS.MX {
		found := false
		for _, r := range records {
			if strings.EqualFold(strings.TrimSuffix(r.Value, "."), strings.TrimSuffix(mx.Host, ".")) {
				found = true
				break
			}
		}
		if !found {
			problems = append(problems, "MX record missing: "+mx.Host)
		}
	}
	return problems, nil
}
