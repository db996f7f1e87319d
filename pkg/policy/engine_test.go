package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger, opts)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t, Options{})

	policies := eng.ListPolicies()
	expected := []string{"forwarding-loop", "local-part-format", "reserved-local-parts"}
	if len(policies) != len(expected) {
		t.Fatalf("expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("policy %d = %s, want %s", i, policies[i].Name, name)
		}
	}
}

func TestAllowAlias(t *testing.T) {
	eng := newTestEngine(t, Options{})
	owner := []string{"owner@example.org"}

	tests := []struct {
		name       string
		localPart  string
		recipients []string
		allowed    bool
		reason     string
	}{
		{"plain word", "sales", owner, true, ""},
		{"dotted pair", "oak.river", owner, true, ""},
		{"reserved", "postmaster", owner, false, "reserved"},
		{"reserved case-insensitive", "Abuse", owner, false, "reserved"},
		{"leading dot", ".sales", owner, false, "invalid format"},
		{"double dot", "a..b", owner, false, "consecutive dots"},
		{"too long", strings.Repeat("a", 65), owner, false, "exceeds 64"},
		{"self loop", "sales", []string{"SALES@example.com"}, false, "forwards to itself"},
		{"no recipients", "sales", nil, false, "no recipients"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, reasons, err := eng.AllowAlias(context.Background(), "example.com", tt.localPart, tt.recipients)
			if err != nil {
				t.Fatalf("AllowAlias failed: %v", err)
			}
			if allowed != tt.allowed {
				t.Errorf("allowed = %v, want %v (reasons %v)", allowed, tt.allowed, reasons)
			}
			if tt.reason == "" {
				if len(reasons) != 0 {
					t.Errorf("expected no reasons, got %v", reasons)
				}
				return
			}
			found := false
			for _, r := range reasons {
				if strings.Contains(r, tt.reason) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected a reason containing %q, got %v", tt.reason, reasons)
			}
		})
	}
}

func TestCustomReservedList(t *testing.T) {
	eng := newTestEngine(t, Options{Reserved: []string{"Billing"}})

	allowed, _, err := eng.AllowAlias(context.Background(), "a.com", "billing", []string{"x@b.com"})
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Error("expected configured reserved name to be rejected")
	}

	allowed, _, err = eng.AllowAlias(context.Background(), "a.com", "postmaster", []string{"x@b.com"})
	if err != nil {
		t.Fatal(err)
	}
	if !allowed {
		t.Error("custom list replaces the default list")
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t, Options{Disabled: []string{"reserved-local-parts"}})

	allowed, _, err := eng.AllowAlias(context.Background(), "a.com", "postmaster", []string{"x@b.com"})
	if err != nil {
		t.Fatal(err)
	}
	if !allowed {
		t.Error("disabled policy must not be evaluated")
	}

	if err := eng.EnablePolicy("reserved-local-parts"); err != nil {
		t.Fatal(err)
	}
	allowed, _, _ = eng.AllowAlias(context.Background(), "a.com", "postmaster", []string{"x@b.com"})
	if allowed {
		t.Error("re-enabled policy must reject reserved name")
	}

	if err := eng.DisablePolicy("nonexistent"); err == nil {
		t.Error("expected error for unknown policy")
	}
	if _, err := NewEngine(zerolog.Nop(), Options{Disabled: []string{"nope"}}); err == nil {
		t.Error("expected error for unknown disabled policy")
	}
}

func TestWarningsDoNotReject(t *testing.T) {
	eng := newTestEngine(t, Options{})
	dir := t.TempDir()
	rego := `# Flags numeric local-parts.
package custom.numeric

import rego.v1

deny contains {"message": "numeric local-part", "severity": "warning"} if {
	regex.match("^[0-9]+$", input.local_part)
}
`
	if err := os.WriteFile(filepath.Join(dir, "numeric.rego"), []byte(rego), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	decision, err := eng.Evaluate(context.Background(), Input{
		Domain: "a.com", LocalPart: "123", Address: "123@a.com", Recipients: []string{"x@b.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Allowed {
		t.Errorf("warnings must not reject: %+v", decision)
	}
	if len(decision.Warnings) != 1 || decision.Warnings[0].Policy != "numeric" {
		t.Errorf("expected one warning from numeric, got %+v", decision.Warnings)
	}

	p, err := eng.GetPolicy("numeric")
	if err != nil {
		t.Fatal(err)
	}
	if p.Description != "Flags numeric local-parts." {
		t.Errorf("Description = %q", p.Description)
	}
}

func TestLoadPolicies_InvalidRego(t *testing.T) {
	eng := newTestEngine(t, Options{})
	path := filepath.Join(t.TempDir(), "broken.rego")
	if err := os.WriteFile(path, []byte("package broken\n\ndeny contains msg if {"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := eng.LoadPolicies(context.Background(), []string{path}); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestWatchReloadsPolicies(t *testing.T) {
	eng := newTestEngine(t, Options{})
	dir := t.TempDir()
	path := filepath.Join(dir, "vip.rego")
	write := func(name string) {
		t.Helper()
		rego := "package custom.vip\n\nimport rego.v1\n\ndeny contains \"vip\" if input.local_part == \"" + name + "\"\n"
		if err := os.WriteFile(path, []byte(rego), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("ceo")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatal(err)
	}
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatal(err)
	}

	write("cfo")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		allowed, _, err := eng.AllowAlias(ctx, "a.com", "cfo", []string{"x@b.com"})
		if err != nil {
			t.Fatal(err)
		}
		if !allowed {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("policy change was not picked up")
}
