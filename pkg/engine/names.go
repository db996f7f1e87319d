package engine

import (
	"strings"
	"sync"
)

// NameSet is the set of local@domain addresses already used within a run.
type NameSet struct {
	mu   sync.Mutex
	used map[string]struct{}
}

// NewNameSet creates an empty set.
func NewNameSet() *NameSet {
	return &NameSet{used: make(map[string]struct{})}
}

// Claim adds local@domain and reports whether it was not already present.
func (s *NameSet) Claim(domain, localPart string) bool {
	key := addressKey(domain, localPart)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.used[key]; ok {
		return false
	}
	s.used[key] = struct{}{}
	return true
}

// Contains reports whether local@domain has been claimed.
func (s *NameSet) Contains(domain, localPart string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.used[addressKey(domain, localPart)]
	return ok
}

// Len returns the number of claimed addresses.
func (s *NameSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.used)
}

func addressKey(domain, localPart string) string {
	return strings.ToLower(localPart) + "@" + strings.ToLower(domain)
}
