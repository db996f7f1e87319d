package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 500 * time.Millisecond

// RuleFile is the declarative form of an alias policy. Either Rego is set,
// or the deny lists are compiled into a Rego module.
type RuleFile struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Severity    Severity `json:"severity" yaml:"severity"`
	Enabled     *bool    `json:"enabled" yaml:"enabled"`

	// Domains limits the rule to these domains; empty means every domain.
	Domains []string `json:"domains" yaml:"domains"`

	// DenyLocalParts rejects these local-parts, case-insensitively.
	DenyLocalParts []string `json:"deny_local_parts" yaml:"deny_local_parts"`

	// DenyPatterns rejects local-parts matching any of these regular expressions.
	DenyPatterns []string `json:"deny_patterns" yaml:"deny_patterns"`

	Rego string `json:"rego" yaml:"rego"`
}

// Loader reads alias policies from .rego modules and .json/.yaml rule files.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads policies from files and directories. Files named
// directly must parse; files found by walking a directory are skipped with
// a warning when they do not.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		if !info.IsDir() {
			p, err := l.loadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
			}
			policies = append(policies, *p)
			continue
		}

		found, err := l.loadDir(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		policies = append(policies, found...)
	}

	l.logger.Debug().Int("total", len(policies)).Int("sources", len(paths)).Msg("Alias policies loaded")
	return policies, nil
}

func (l *Loader) loadDir(ctx context.Context, dir string) ([]Policy, error) {
	var policies []Policy
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}
		p, err := l.loadFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			return nil
		}
		policies = append(policies, *p)
		return nil
	})
	return policies, err
}

func (l *Loader) loadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = &Policy{
			Name:        name,
			Description: extractDescription(string(data)),
			Rego:        string(data),
			Severity:    SeverityError,
			Enabled:     true,
		}
	case ".json":
		var rf RuleFile
		if err := json.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("invalid rule file: %w", err)
		}
		if p, err = rf.Policy(name); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		var rf RuleFile
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, fmt.Errorf("invalid rule file: %w", err)
		}
		if p, err = rf.Policy(name); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported policy file type %q", filepath.Ext(path))
	}

	p.Source = path
	p.LoadedAt = time.Now()
	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Alias policy loaded")
	return p, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// Policy converts the rule file into a Policy. fallbackName is used when the
// file does not name itself.
func (rf RuleFile) Policy(fallbackName string) (*Policy, error) {
	p := &Policy{
		Name:        rf.Name,
		Description: rf.Description,
		Severity:    rf.Severity,
		Enabled:     rf.Enabled == nil || *rf.Enabled,
		Rego:        rf.Rego,
	}
	if p.Name == "" {
		p.Name = fallbackName
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if p.Severity != SeverityError && p.Severity != SeverityWarning {
		return nil, fmt.Errorf("policy %s: unknown severity %q", p.Name, p.Severity)
	}

	if p.Rego != "" {
		if len(rf.DenyLocalParts) > 0 || len(rf.DenyPatterns) > 0 {
			return nil, fmt.Errorf("policy %s: rego and deny lists are mutually exclusive", p.Name)
		}
		return p, nil
	}
	if len(rf.DenyLocalParts) == 0 && len(rf.DenyPatterns) == 0 {
		return nil, fmt.Errorf("policy %s has neither rego nor deny rules", p.Name)
	}
	for _, pattern := range rf.DenyPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("policy %s: bad pattern %q: %w", p.Name, pattern, err)
		}
	}
	p.Rego = rf.compile(p.Name)
	return p, nil
}

// compile renders the deny lists as a Rego module under mailgrid.rules.
func (rf RuleFile) compile(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "package mailgrid.rules.%s\n\nimport rego.v1\n\n", regoIdent(name))

	b.WriteString("applies if {\n")
	if len(rf.Domains) > 0 {
		fmt.Fprintf(&b, "\tlower(input.domain) in %s\n", regoSet(rf.Domains, strings.ToLower))
	}
	b.WriteString("\ttrue\n}\n")

	if len(rf.DenyLocalParts) > 0 {
		fmt.Fprintf(&b, `
deny contains msg if {
	applies
	lower(input.local_part) in %s
	msg := sprintf("local-part '%%s' is denied", [input.local_part])
}
`, regoSet(rf.DenyLocalParts, strings.ToLower))
	}
	for _, pattern := range rf.DenyPatterns {
		fmt.Fprintf(&b, `
deny contains msg if {
	applies
	regex.match(%s, input.local_part)
	msg := sprintf("local-part '%%s' matches %%s", [input.local_part, %s])
}
`, strconv.Quote(pattern), strconv.Quote(pattern))
	}
	return b.String()
}

func regoSet(values []string, norm func(string) string) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, strconv.Quote(norm(strings.TrimSpace(v))))
	}
	return "{" + strings.Join(quoted, ", ") + "}"
}

var nonIdent = regexp.MustCompile(`[^a-zA-Z0-9_]`)

func regoIdent(name string) string {
	id := nonIdent.ReplaceAllString(name, "_")
	if id == "" || (id[0] >= '0' && id[0] <= '9') {
		id = "p_" + id
	}
	return id
}

// extractDescription joins the leading comment block of a Rego module.
func extractDescription(content string) string {
	var parts []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		if comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#")); comment != "" {
			parts = append(parts, comment)
		}
	}
	return strings.Join(parts, " ")
}

// Watch reloads every path after a policy file changes and hands the result
// to apply. It returns once the watcher is running; watching stops when ctx
// is done. A reload that fails keeps the previous policies.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}

	for _, path := range paths {
		if err := addWatch(watcher, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Cannot watch policy path")
		}
	}

	go l.watchLoop(ctx, watcher, paths, apply)
	l.logger.Info().Strs("paths", paths).Msg("Watching alias policies")
	return nil
}

// addWatch watches a file through its directory and a directory recursively.
func addWatch(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(filepath.Dir(path))
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return watcher.Add(p)
	})
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	defer watcher.Close()

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 || !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
			timer.Reset(reloadDebounce)

		case <-timer.C:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = apply(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed, keeping previous policies")
				continue
			}
			l.logger.Info().Int("count", len(policies)).Msg("Alias policies reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}
