package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mailgrid/mailgrid/pkg/engine"
)

// DNSProvider is an in-memory engine.DNSProvider.
type DNSProvider struct {
	faults

	// AutoZones resolves a zone for any domain instead of only added ones.
	AutoZones bool

	mu      sync.Mutex
	zones   map[string]string
	records map[string][]engine.DNSRecord
	nextID  int
	updates int
}

// NewDNSProvider creates a provider that manages the given zones.
func NewDNSProvider(domains ...string) *DNSProvider {
	p := &DNSProvider{
		zones:   make(map[string]string),
		records: make(map[string][]engine.DNSRecord),
	}
	for _, d := range domains {
		p.AddZone(d)
	}
	return p
}

// AddZone adds a zone for the domain and returns its id.
func (p *DNSProvider) AddZone(domain string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.zone(domain)
}

// zone returns the zone id of domain, creating it. Callers hold p.mu.
func (p *DNSProvider) zone(domain string) string {
	if id, ok := p.zones[domain]; ok {
		return id
	}
	p.nextID++
	id := fmt.Sprintf("zone-%d", p.nextID)
	p.zones[domain] = id
	return id
}

// ResolveZone returns the zone id of the domain.
func (p *DNSProvider) ResolveZone(ctx context.Context, domain string) (string, error) {
	if err := p.enter(OpResolveZone, domain); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.zones[domain]; ok {
		return id, nil
	}
	if p.AutoZones {
		return p.zone(domain), nil
	}
	return "", notFound(OpResolveZone, domain, "zone not found")
}

// UpsertRecord creates the record or updates the record with the same identity.
func (p *DNSProvider) UpsertRecord(ctx context.Context, zoneID string, record engine.DNSRecord) (string, error) {
	if err := p.enter(OpUpsertRecord, p.domainOf(zoneID)); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.knownZone(zoneID) {
		return "", notFound(OpUpsertRecord, "", "zone "+zoneID+" not found")
	}

	recs := p.records[zoneID]
	for i, existing := range recs {
		if !record.Matches(existing) {
			continue
		}
		if record.SameContent(existing) {
			return existing.ID, nil
		}
		updated := record
		updated.ID = existing.ID
		updated.Match = ""
		recs[i] = updated
		p.updates++
		return existing.ID, nil
	}

	p.nextID++
	created := record
	created.ID = fmt.Sprintf("rec-%d", p.nextID)
	created.Match = ""
	p.records[zoneID] = append(recs, created)
	return created.ID, nil
}

// ListRecords returns the zone's records matching the filter.
func (p *DNSProvider) ListRecords(ctx context.Context, zoneID string, filter engine.RecordFilter) ([]engine.DNSRecord, error) {
	if err := p.enter(OpListRecords, p.domainOf(zoneID)); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.knownZone(zoneID) {
		return nil, notFound(OpListRecords, "", "zone "+zoneID+" not found")
	}
	var out []engine.DNSRecord
	for _, r := range p.records[zoneID] {
		if filter.Type != "" && !strings.EqualFold(filter.Type, r.Type) {
			continue
		}
		if filter.Name != "" && !strings.EqualFold(strings.TrimSuffix(filter.Name, "."), strings.TrimSuffix(r.Name, ".")) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Records returns every record of the domain's zone.
func (p *DNSProvider) Records(domain string) []engine.DNSRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]engine.DNSRecord(nil), p.records[p.zones[domain]]...)
}

// Updates returns the number of in-place record updates.
func (p *DNSProvider) Updates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updates
}

// RemoveRecords deletes the domain's records of the given type, as a drifted zone would.
func (p *DNSProvider) RemoveRecords(domain, recordType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	zoneID := p.zones[domain]
	kept := p.records[zoneID][:0]
	for _, r := range p.records[zoneID] {
		if !strings.EqualFold(r.Type, recordType) {
			kept = append(kept, r)
		}
	}
	p.records[zoneID] = kept
}

func (p *DNSProvider) knownZone(zoneID string) bool {
	for _, id := range p.zones {
		if id == zoneID {
			return true
		}
	}
	return false
}

func (p *DNSProvider) domainOf(zoneID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for domain, id := range p.zones {
		if id == zoneID {
			return domain
		}
	}
	return ""
}
