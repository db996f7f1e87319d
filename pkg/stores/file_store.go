package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mailgrid/mailgrid/pkg/engine"
)

// fileDocument is the on-disk layout of the state file.
type fileDocument struct {
	LastUpdated time.Time                       `json:"last_updated"`
	Domains     map[string]*engine.DomainRecord `json:"domains"`
}

// FileStore keeps every domain record in one JSON document that is replaced
// atomically on each write.
type FileStore struct {
	mu   sync.Mutex
	path string
	doc  fileDocument
	now  func() time.Time

	// beforeRename runs after the temp file is synced and before it replaces the
	// state file. Tests use it to simulate a crash mid-write.
	beforeRename func(tmp string) error
}

var _ engine.StateStore = (*FileStore)(nil)

// NewFileStore opens the state file at path, creating its directory. A missing
// file is an empty store; a corrupt one is an error.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	s := &FileStore{
		path: path,
		doc:  fileDocument{Domains: make(map[string]*engine.DomainRecord)},
		now:  func() time.Time { return time.Now().UTC() },
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	if s.doc.Domains == nil {
		s.doc.Domains = make(map[string]*engine.DomainRecord)
	}
	for name, rec := range s.doc.Domains {
		if rec == nil || rec.Domain != name {
			return nil, fmt.Errorf("state file %s: record key %q does not match its domain", path, name)
		}
	}
	return s, nil
}

// Path returns the state file path.
func (s *FileStore) Path() string {
	return s.path
}

// Get returns a copy of the domain's record.
func (s *FileStore) Get(_ context.Context, domain string) (*engine.DomainRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.Domains[domain]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

// Upsert writes the whole document with the record replaced. The in-memory
// document only changes once the new file is in place.
func (s *FileStore) Upsert(ctx context.Context, record *engine.DomainRecord) error {
	if record == nil || record.Domain == "" {
		return fmt.Errorf("record has no domain")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := fileDocument{
		LastUpdated: s.now(),
		Domains:     make(map[string]*engine.DomainRecord, len(s.doc.Domains)+1),
	}
	for name, rec := range s.doc.Domains {
		next.Domains[name] = rec
	}
	next.Domains[record.Domain] = record.Clone()

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := s.writeAtomic(data); err != nil {
		return err
	}
	s.doc = next
	return nil
}

// writeAtomic writes data to a temp file in the same directory, syncs it,
// renames it over the state file and syncs the directory.
func (s *FileStore) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("failed to set state file mode: %w", err)
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(tmpPath); err != nil {
			return fmt.Errorf("failed to replace state file: %w", err)
		}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	committed = true

	if d, err := os.Open(dir); err == nil {
		syncErr := d.Sync()
		_ = d.Close()
		if syncErr != nil {
			return fmt.Errorf("failed to sync state directory: %w", syncErr)
		}
	}
	return nil
}

// List returns copies of every record sorted by domain.
func (s *FileStore) List(_ context.Context) ([]*engine.DomainRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*engine.DomainRecord, 0, len(s.doc.Domains))
	for _, rec := range s.doc.Domains {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

// Summary counts records per state.
func (s *FileStore) Summary(ctx context.Context) (map[engine.DomainState]int, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return engine.Summarize(records), nil
}

// ExportFailures returns the failed records.
func (s *FileStore) ExportFailures(ctx context.Context) ([]engine.FailureReport, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	reports := []engine.FailureReport{}
	for _, rec := range records {
		if rec.State == engine.StateFailed {
			reports = append(reports, rec.FailureReport())
		}
	}
	return reports, nil
}

// Close is a no-op; every write is already durable.
func (s *FileStore) Close() error {
	return nil
}
