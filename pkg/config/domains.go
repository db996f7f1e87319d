package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// LineError is an invalid entry of a domain list.
type LineError struct {
	Line   int
	Domain string
}

// DomainListError lists every invalid entry of a domain list.
type DomainListError struct {
	Source string
	Lines  []LineError
}

func (e *DomainListError) Error() string {
	parts := make([]string, len(e.Lines))
	for i, l := range e.Lines {
		parts[i] = fmt.Sprintf("line %d: %q", l.Line, l.Domain)
	}
	return fmt.Sprintf("%s: %d invalid domain(s): %s", e.Source, len(e.Lines), strings.Join(parts, ", "))
}

// LoadDomainList reads a domain list file.
func LoadDomainList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open domain list: %w", err)
	}
	defer f.Close()
	return ParseDomainList(path, f)
}

// ParseDomainList reads newline-delimited domain names. Blank lines and
// lines starting with # are skipped; names are trimmed, lower-cased and
// validated as FQDNs, and duplicates are dropped keeping the first position.
func ParseDomainList(source string, r io.Reader) ([]string, error) {
	var (
		domains []string
		invalid []LineError
		seen    = make(map[string]bool)
	)

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		domain := strings.TrimSuffix(strings.ToLower(text), ".")
		if err := validate.Var(domain, "required,fqdn"); err != nil {
			invalid = append(invalid, LineError{Line: line, Domain: text})
			continue
		}
		if seen[domain] {
			continue
		}
		seen[domain] = true
		domains = append(domains, domain)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}
	if len(invalid) > 0 {
		return nil, &DomainListError{Source: source, Lines: invalid}
	}
	return domains, nil
}
