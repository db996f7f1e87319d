package engine

import "strings"

// MXHost is one mail exchanger the provider requires.
type MXHost struct {
	Host     string
	Priority int
}

// DNSSettings describes the record set published for every domain.
type DNSSettings struct {
	MX  []MXHost
	TTL int

	// VerificationPrefix is the key of the verification TXT record, published as
	// "<prefix>=<token>". Empty disables the record.
	VerificationPrefix string

	// SPF is the full SPF TXT value. Empty disables the record.
	SPF string

	// DMARC is the full DMARC TXT value published at _dmarc. Empty disables the record.
	DMARC string
}

// Records builds the desired record set for a domain.
func (s DNSSettings) Records(domain, token string) []DNSRecord {
	domain = strings.TrimSuffix(domain, ".")
	records := make([]DNSRecord, 0, len(s.MX)+3)
	for _, mx := range s.MX {
		priority := mx.Priority
		records = append(records, DNSRecord{
			Type:     "MX",
			Name:     domain,
			Value:    mx.Host,
			TTL:      s.TTL,
			Priority: &priority,
			Match:    mx.Host,
		})
	}
	if s.VerificationPrefix != "" && token != "" {
		records = append(records, DNSRecord{
			Type:  "TXT",
			Name:  domain,
			Value: s.VerificationPrefix + "=" + token,
			TTL:   s.TTL,
			Match: s.VerificationPrefix + "=",
		})
	}
	if s.SPF != "" {
		records = append(records, DNSRecord{
			Type:  "TXT",
			Name:  domain,
			Value: s.SPF,
			TTL:   s.TTL,
			Match: "v=spf1",
		})
	}
	if s.DMARC != "" {
		records = append(records, DNSRecord{
			Type:  "TXT",
			Name:  "_dmarc." + domain,
			Value: s.DMARC,
			TTL:   s.TTL,
			Match: "v=DMARC1",
		})
	}
	return records
}
