package engine_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mailgrid/mailgrid/pkg/engine"
	"github.com/mailgrid/mailgrid/pkg/providers/memory"
)

// memStore is a StateStore that can be told to fail writes.
type memStore struct {
	mu      sync.Mutex
	records map[string]*engine.DomainRecord
	writes  int

	// failFrom makes every write from that write number on fail. Zero disables.
	failFrom int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*engine.DomainRecord)}
}

func (s *memStore) Get(ctx context.Context, domain string) (*engine.DomainRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[domain]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (s *memStore) Upsert(ctx context.Context, record *engine.DomainRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failFrom > 0 && s.writes >= s.failFrom {
		return errors.New("disk full")
	}
	s.records[record.Domain] = record.Clone()
	return nil
}

func (s *memStore) List(ctx context.Context) ([]*engine.DomainRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*engine.DomainRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

func (s *memStore) Summary(ctx context.Context) (map[engine.DomainState]int, error) {
	recs, _ := s.List(ctx)
	return engine.Summarize(recs), nil
}

func (s *memStore) ExportFailures(ctx context.Context) ([]engine.FailureReport, error) {
	recs, _ := s.List(ctx)
	var out []engine.FailureReport
	for _, r := range recs {
		if r.State == engine.StateFailed {
			out = append(out, r.FailureReport())
		}
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) state(t *testing.T, domain string) *engine.DomainRecord {
	t.Helper()
	rec, ok, _ := s.Get(context.Background(), domain)
	if !ok {
		t.Fatalf("no record for %s", domain)
	}
	return rec
}

// seqNames yields name1, name2, ... for every domain.
type seqNames struct {
	prefix string
}

func (g seqNames) Candidates(ctx context.Context, domain string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for i := 1; i <= 100; i++ {
			if !yield(fmt.Sprintf("%s%d", g.prefix, i), nil) {
				return
			}
		}
	}
}

// denyPolicy rejects the listed local-parts.
type denyPolicy map[string]bool

func (p denyPolicy) AllowAlias(ctx context.Context, domain, localPart string, recipients []string) (bool, []string, error) {
	if p[localPart] {
		return false, []string{"reserved"}, nil
	}
	return true, nil, nil
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepLog) count(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, x := range s.delays {
		if x == d {
			n++
		}
	}
	return n
}

type sinkRecorder struct {
	mu      sync.Mutex
	secrets map[string]string
}

func (s *sinkRecorder) StoreCredential(ctx context.Context, address, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secrets == nil {
		s.secrets = make(map[string]string)
	}
	s.secrets[address] = secret
	return nil
}

const settle = 7 * time.Minute

type harness struct {
	mail   *memory.MailProvider
	dns    *memory.DNSProvider
	store  *memStore
	sleeps *sleepLog
	sink   *sinkRecorder
	opts   engine.Options
	cfg    engine.Settings
}

func newHarness(domains ...string) *harness {
	h := &harness{
		mail:   memory.NewMailProvider(),
		dns:    memory.NewDNSProvider(domains...),
		store:  newMemStore(),
		sleeps: &sleepLog{},
		sink:   &sinkRecorder{},
	}
	h.cfg = engine.Settings{
		Mode:    engine.ModeSequential,
		Workers: 1,
		Retry: engine.RetryPolicy{
			MaxAttempts:       3,
			InitialDelay:      time.Second,
			MaxDelay:          10 * time.Second,
			RateLimitCooldown: 30 * time.Second,
		},
		SettleInterval: settle,
		PollAttempts:   5,
		PollInterval:   15 * time.Second,
		DNS: engine.DNSSettings{
			MX:                 []engine.MXHost{{Host: "mx1.fwd.test", Priority: 10}, {Host: "mx2.fwd.test", Priority: 20}},
			TTL:                3600,
			VerificationPrefix: "fwd-verification",
			SPF:                "v=spf1 include:spf.fwd.test -all",
		},
		Aliases: engine.AliasSettings{
			Count:            2,
			Recipients:       []string{"owner@example.org"},
			CredentialPolicy: engine.CredentialBestEffort,
		},
	}
	return h
}

func (h *harness) orchestrator(t *testing.T) *engine.Orchestrator {
	t.Helper()
	opts := h.opts
	opts.Mail = h.mail
	opts.DNS = h.dns
	opts.Store = h.store
	if opts.Names == nil {
		opts.Names = seqNames{prefix: "alias"}
	}
	opts.Credentials = h.sink
	opts.Sleep = h.sleeps.sleep
	opts.Logger = zerolog.Nop()
	o, err := engine.NewOrchestrator(h.cfg, opts)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return o
}

func (h *harness) run(t *testing.T, domains ...string) (*engine.RunReport, error) {
	t.Helper()
	return h.orchestrator(t).Run(context.Background(), domains)
}

func TestRun_CompletesDomain(t *testing.T) {
	h := newHarness("a.com")

	report, err := h.run(t, "a.com")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.HasFailures() {
		t.Errorf("unexpected failures: %v", report.Failed())
	}

	rec := h.store.state(t, "a.com")
	if rec.State != engine.StateCompleted {
		t.Fatalf("state = %s, want completed", rec.State)
	}
	if rec.ProviderDomainID == "" || rec.DNSZoneID == "" {
		t.Errorf("provider ids not recorded: %+v", rec)
	}
	if len(rec.DNSRecordIDs) != 4 {
		t.Errorf("expected 4 record ids (2 MX, verification, SPF), got %v", rec.DNSRecordIDs)
	}
	if got := rec.Addresses(); len(got) != 2 || got[0] != "alias1@a.com" {
		t.Errorf("addresses = %v", got)
	}
	if len(rec.ErrorHistory) != 0 {
		t.Errorf("unexpected errors: %+v", rec.ErrorHistory)
	}
	if report.Summary[engine.StateCompleted] != 1 {
		t.Errorf("summary = %v", report.Summary)
	}
	if h.sleeps.count(settle) != 1 {
		t.Errorf("expected one settle wait, got %d", h.sleeps.count(settle))
	}
}

func TestRun_Idempotent(t *testing.T) {
	h := newHarness("a.com")
	if _, err := h.run(t, "a.com"); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	before := h.store.state(t, "a.com")
	calls := h.mail.Calls(memory.OpRegisterDomain, "") + h.dns.Calls(memory.OpUpsertRecord, "")

	if _, err := h.run(t, "a.com"); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	after := h.store.state(t, "a.com")

	if after.State != before.State || !after.LastUpdated.Equal(before.LastUpdated) {
		t.Errorf("completed domain was touched: %s -> %s", before.State, after.State)
	}
	if got := h.mail.Calls(memory.OpRegisterDomain, "") + h.dns.Calls(memory.OpUpsertRecord, ""); got != calls {
		t.Errorf("second run made provider calls: %d -> %d", calls, got)
	}
	if n := len(h.mail.Aliases("a.com")); n != 2 {
		t.Errorf("expected 2 aliases at provider, got %d", n)
	}
}

func TestRun_ResumesAfterCrash(t *testing.T) {
	h := newHarness("a.com")
	// Writes: create pending, registered, zone id, dns configured, verifying, ...
	h.store.failFrom = 5

	_, err := h.run(t, "a.com")
	if !errors.Is(err, engine.ErrRunAborted) {
		t.Fatalf("expected run to abort when progress cannot be persisted, got %v", err)
	}
	crashed := h.store.state(t, "a.com")
	if crashed.State != engine.StateDNSConfigured {
		t.Fatalf("persisted state = %s, want dns_configured", crashed.State)
	}

	h.store.failFrom = 0
	if _, err := h.run(t, "a.com"); err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}

	rec := h.store.state(t, "a.com")
	if rec.State != engine.StateCompleted {
		t.Fatalf("state = %s, want completed", rec.State)
	}
	if n := h.mail.Calls(memory.OpRegisterDomain, "a.com"); n != 1 {
		t.Errorf("register called %d times, want 1", n)
	}
	if n := h.dns.Calls(memory.OpResolveZone, "a.com"); n != 1 {
		t.Errorf("resolve zone called %d times, want 1", n)
	}
	if n := len(h.dns.Records("a.com")); n != 4 {
		t.Errorf("expected 4 records at provider, got %d", n)
	}
}

func TestRun_ResumeKeepsPlannedAliases(t *testing.T) {
	h := newHarness("a.com")
	ctx, cancel := context.WithCancel(context.Background())
	o, err := engine.NewOrchestrator(h.cfg, engine.Options{
		Mail:   cancelOnCreate{MailProvider: h.mail, cancel: cancel},
		DNS:    h.dns,
		Store:  h.store,
		Names:  seqNames{prefix: "plan"},
		Sleep:  h.sleeps.sleep,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Run(ctx, []string{"a.com"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	rec := h.store.state(t, "a.com")
	if rec.State != engine.StateVerified {
		t.Fatalf("state = %s, want verified", rec.State)
	}
	if len(rec.Aliases) != 2 || rec.Aliases[0].Created() {
		t.Fatalf("expected 2 planned aliases, got %+v", rec.Aliases)
	}

	h.opts.Names = seqNames{prefix: "other"}
	if _, err := h.run(t, "a.com"); err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}
	rec = h.store.state(t, "a.com")
	if got := rec.Addresses(); len(got) != 2 || got[0] != "plan1@a.com" || got[1] != "plan2@a.com" {
		t.Errorf("resumed run must create the planned aliases, got %v", got)
	}
}

// cancelOnCreate cancels the run when the first alias is about to be created.
type cancelOnCreate struct {
	*memory.MailProvider
	cancel context.CancelFunc
}

func (p cancelOnCreate) CreateAlias(ctx context.Context, domain, localPart string, recipients []string) (string, error) {
	p.cancel()
	return "", ctx.Err()
}

func TestRun_RetryBound(t *testing.T) {
	h := newHarness("a.com")
	h.mail.Inject(memory.Fault{Op: memory.OpRegisterDomain, Err: engine.NewTransientError("503 service unavailable", nil)})

	report, err := h.run(t, "a.com")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !report.HasFailures() {
		t.Error("expected failures")
	}

	rec := h.store.state(t, "a.com")
	if rec.State != engine.StateFailed {
		t.Fatalf("state = %s, want failed", rec.State)
	}
	if n := h.mail.Calls(memory.OpRegisterDomain, "a.com"); n != 3 {
		t.Errorf("expected exactly 3 invocations, got %d", n)
	}
	if rec.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", rec.Attempts)
	}
	last, _ := rec.LastError()
	if last.Stage != engine.StageRegister || last.Kind != engine.ErrorClassTransient || last.Attempts != 3 {
		t.Errorf("unexpected error entry %+v", last)
	}
}

func TestRun_PermanentShortCircuit(t *testing.T) {
	h := newHarness("a.com")
	h.mail.Inject(memory.Fault{Op: memory.OpRegisterDomain, Err: engine.NewPermanentError("domain is not allowed", nil)})

	if _, err := h.run(t, "a.com"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := h.mail.Calls(memory.OpRegisterDomain, "a.com"); n != 1 {
		t.Errorf("expected a single invocation, got %d", n)
	}
	rec := h.store.state(t, "a.com")
	if rec.State != engine.StateFailed || rec.Attempts != 1 {
		t.Errorf("state=%s attempts=%d", rec.State, rec.Attempts)
	}
	if last, _ := rec.LastError(); !strings.Contains(last.Message, "domain is not allowed") {
		t.Errorf("provider message not preserved: %q", last.Message)
	}
}

// Scenario A: one domain fails permanently while the other completes.
func TestRun_BatchIsolation(t *testing.T) {
	h := newHarness("a.com") // b.com has no zone
	h.cfg.Workers = 2

	report, err := h.run(t, "a.com", "b.com")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if s := h.store.state(t, "a.com").State; s != engine.StateCompleted {
		t.Errorf("a.com = %s, want completed", s)
	}
	b := h.store.state(t, "b.com")
	if b.State != engine.StateFailed {
		t.Fatalf("b.com = %s, want failed", b.State)
	}
	last, _ := b.LastError()
	if last.Stage != engine.StageConfigureDNS || last.Kind != engine.ErrorClassPermanent || last.Code != engine.ErrCodeNotFound {
		t.Errorf("unexpected error entry %+v", last)
	}
	if b.ResumeState != engine.StateProviderRegistered {
		t.Errorf("ResumeState = %s", b.ResumeState)
	}
	if !report.HasFailures() {
		t.Error("expected HasFailures to drive a non-zero exit code")
	}
	if got := report.Failed(); len(got) != 1 || got[0] != "b.com" {
		t.Errorf("Failed() = %v", got)
	}
}

func TestRun_VerificationEarlyExit(t *testing.T) {
	h := newHarness("a.com")
	h.mail.SetReadyAfter("a.com", 3)

	if _, err := h.run(t, "a.com"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := h.mail.Calls(memory.OpGetDomainStatus, "a.com"); n != 3 {
		t.Errorf("expected 3 status polls, got %d", n)
	}
	if n := h.sleeps.count(15 * time.Second); n != 2 {
		t.Errorf("expected 2 inter-poll delays, got %d", n)
	}
	if s := h.store.state(t, "a.com").State; s != engine.StateCompleted {
		t.Errorf("state = %s", s)
	}
}

func TestRun_VerificationRecordsMissingPredicates(t *testing.T) {
	h := newHarness("a.com")
	h.mail.ForcePredicate("a.com", "has_mx_record", false)

	if _, err := h.run(t, "a.com"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := h.mail.Calls(memory.OpGetDomainStatus, "a.com"); n != 5 {
		t.Errorf("expected all 5 polls, got %d", n)
	}
	rec := h.store.state(t, "a.com")
	if rec.State != engine.StateFailed || rec.ResumeState != engine.StateVerifying {
		t.Fatalf("state = %s, resume = %s", rec.State, rec.ResumeState)
	}
	last, _ := rec.LastError()
	if !strings.Contains(last.Message, "has_mx_record") || strings.Contains(last.Message, "has_txt_record") {
		t.Errorf("message must name exactly the missing predicate: %q", last.Message)
	}
	if last.Code != engine.ErrCodeVerificationIncomplete {
		t.Errorf("code = %s", last.Code)
	}
	missing, ok := last.Context["missing"].([]string)
	if !ok || len(missing) != 1 || missing[0] != "has_mx_record" {
		t.Errorf("context missing = %#v", last.Context["missing"])
	}
}

// Scenario B: credential failures never regress completed stages.
func TestRun_CredentialFailurePolicies(t *testing.T) {
	tests := []struct {
		policy engine.CredentialPolicy
		want   engine.DomainState
	}{
		{engine.CredentialBestEffort, engine.StateCompleted},
		{engine.CredentialHold, engine.StateAliasesCreated},
		{engine.CredentialFail, engine.StateFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			h := newHarness("a.com")
			h.cfg.Aliases.Credentials = true
			h.cfg.Aliases.CredentialPolicy = tt.policy
			h.mail.ForbidCredentials = true

			if _, err := h.run(t, "a.com"); err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			rec := h.store.state(t, "a.com")
			if rec.State != tt.want {
				t.Fatalf("state = %s, want %s", rec.State, tt.want)
			}
			if len(rec.Addresses()) != 2 {
				t.Errorf("aliases were regressed: %+v", rec.Aliases)
			}
			forbidden := 0
			for _, e := range rec.ErrorHistory {
				if e.Stage == engine.StageCredentials && e.Code == engine.ErrCodeForbidden {
					forbidden++
				}
			}
			if forbidden != 2 {
				t.Errorf("expected a recorded credential failure per alias, got %d", forbidden)
			}
			if tt.policy == engine.CredentialFail && rec.ResumeState != engine.StateAliasesCreated {
				t.Errorf("ResumeState = %s", rec.ResumeState)
			}
		})
	}
}

func TestRun_HeldCredentialsRetriedLater(t *testing.T) {
	h := newHarness("a.com")
	h.cfg.Aliases.Credentials = true
	h.cfg.Aliases.CredentialPolicy = engine.CredentialHold
	h.mail.Inject(memory.Fault{
		Op:    memory.OpSetAliasCredential,
		Err:   engine.NewPermanentError("temporarily forbidden", nil).WithCode(engine.ErrCodeForbidden),
		Times: 1,
	})

	if _, err := h.run(t, "a.com"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s := h.store.state(t, "a.com").State; s != engine.StateAliasesCreated {
		t.Fatalf("state = %s, want aliases_created", s)
	}

	if _, err := h.run(t, "a.com"); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	rec := h.store.state(t, "a.com")
	if rec.State != engine.StateCompleted {
		t.Fatalf("state = %s, want completed", rec.State)
	}
	for _, a := range rec.Aliases {
		if !a.CredentialSet {
			t.Errorf("alias %s has no credential", a.LocalPart)
		}
		if _, ok := h.sink.secrets[a.LocalPart+"@a.com"]; !ok {
			t.Errorf("secret of %s not handed to the sink", a.LocalPart)
		}
	}
	// 2 on the first run (one failed), 1 on the second.
	if n := h.mail.Calls(memory.OpSetAliasCredential, "a.com"); n != 3 {
		t.Errorf("expected 3 credential calls, got %d", n)
	}
}

func TestRun_ConflictReconciliation(t *testing.T) {
	h := newHarness("a.com")
	existing := h.mail.SeedAlias("a.com", "alias1", "owner@example.org")

	if _, err := h.run(t, "a.com"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rec := h.store.state(t, "a.com")
	if rec.State != engine.StateCompleted {
		t.Fatalf("state = %s", rec.State)
	}
	if rec.Aliases[0].ProviderAliasID != existing {
		t.Errorf("expected existing alias id %s to be adopted, got %s", existing, rec.Aliases[0].ProviderAliasID)
	}
	if n := len(h.mail.Aliases("a.com")); n != 2 {
		t.Errorf("expected 2 provider aliases, got %d", n)
	}
}

func TestRun_UnresolvableConflictFails(t *testing.T) {
	h := newHarness("a.com")
	h.mail.Inject(memory.Fault{
		Op:  memory.OpCreateAlias,
		Err: engine.NewPermanentError("alias exists", nil).WithCode(engine.ErrCodeConflict),
	})

	if _, err := h.run(t, "a.com"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rec := h.store.state(t, "a.com")
	last, _ := rec.LastError()
	if rec.State != engine.StateFailed || last.Stage != engine.StageCreateAliases || last.Code != engine.ErrCodeConflict {
		t.Errorf("state=%s entry=%+v", rec.State, last)
	}
}

func TestRun_AliasPolicyRejectsCandidates(t *testing.T) {
	h := newHarness("a.com", "b.com")
	h.opts.Policy = denyPolicy{"alias2": true}

	if _, err := h.run(t, "a.com", "b.com"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, d := range []string{"a.com", "b.com"} {
		got := h.store.state(t, d).Addresses()
		want := []string{"alias1@" + d, "alias3@" + d}
		if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("%s addresses = %v, want %v", d, got, want)
		}
	}
}

func TestRun_CriticalAbortsRun(t *testing.T) {
	h := newHarness("a.com", "b.com", "c.com")
	h.mail.Inject(memory.Fault{
		Op:     memory.OpRegisterDomain,
		Domain: "a.com",
		Err:    engine.NewCriticalError("invalid api token", nil).WithCode(engine.ErrCodeUnauthorized),
	})

	report, err := h.run(t, "a.com", "b.com", "c.com")
	if !errors.Is(err, engine.ErrRunAborted) {
		t.Fatalf("expected ErrRunAborted, got %v", err)
	}
	if !engine.IsCritical(err) {
		t.Error("expected the critical fault to be wrapped")
	}
	if report == nil {
		t.Fatal("expected a report")
	}

	a := h.store.state(t, "a.com")
	if a.State != engine.StatePending {
		t.Errorf("a.com = %s; critical faults must not mark the domain failed", a.State)
	}
	if last, ok := a.LastError(); !ok || last.Kind != engine.ErrorClassCritical {
		t.Errorf("critical fault not recorded: %+v", a.ErrorHistory)
	}
	for _, d := range []string{"b.com", "c.com"} {
		if s := h.store.state(t, d).State; s != engine.StatePending {
			t.Errorf("%s = %s, want untouched", d, s)
		}
	}
	if n := h.mail.Calls(memory.OpRegisterDomain, ""); n != 1 {
		t.Errorf("expected the run to stop after the critical fault, got %d register calls", n)
	}
}

func TestRun_CriticalCredentialFaultRecordedUnderCredentials(t *testing.T) {
	h := newHarness("a.com")
	h.cfg.Aliases.Credentials = true
	h.mail.Inject(memory.Fault{
		Op:  memory.OpSetAliasCredential,
		Err: engine.NewCriticalError("invalid api token", nil).WithCode(engine.ErrCodeUnauthorized),
	})

	if _, err := h.run(t, "a.com"); !errors.Is(err, engine.ErrRunAborted) {
		t.Fatalf("expected ErrRunAborted, got %v", err)
	}
	rec := h.store.state(t, "a.com")
	if rec.State != engine.StateAliasesCreated {
		t.Errorf("state = %s, want aliases_created", rec.State)
	}
	last, ok := rec.LastError()
	if !ok || last.Kind != engine.ErrorClassCritical {
		t.Fatalf("critical fault not recorded: %+v", rec.ErrorHistory)
	}
	if last.Stage != engine.StageCredentials {
		t.Errorf("fault stage = %s, want credentials", last.Stage)
	}
}

func TestRun_MissingVerificationTokenFails(t *testing.T) {
	t.Run("on registration", func(t *testing.T) {
		h := newHarness("a.com")
		h.mail.NoVerificationToken = true

		if _, err := h.run(t, "a.com"); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		rec := h.store.state(t, "a.com")
		if rec.State != engine.StateFailed || rec.ResumeState != engine.StatePending {
			t.Fatalf("state = %s (resume %s), want failed from pending", rec.State, rec.ResumeState)
		}
		last, _ := rec.LastError()
		if last.Kind != engine.ErrorClassPermanent || !strings.Contains(last.Message, "provider returned no verification token") {
			t.Errorf("unexpected fault: %+v", last)
		}
		if n := h.mail.Calls(memory.OpRegisterDomain, "a.com"); n != 1 {
			t.Errorf("expected 1 register call, got %d", n)
		}
	})

	t.Run("on resume without a stored token", func(t *testing.T) {
		h := newHarness("a.com")
		h.mail.NoVerificationToken = true
		rec := engine.NewDomainRecord("a.com", time.Now())
		rec.State = engine.StateProviderRegistered
		rec.ProviderDomainID = "dom-legacy"
		if err := h.store.Upsert(context.Background(), rec); err != nil {
			t.Fatal(err)
		}

		for range 2 {
			if _, err := h.run(t, "a.com"); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
		}
		got := h.store.state(t, "a.com")
		if got.State != engine.StateFailed || got.ResumeState != engine.StateProviderRegistered {
			t.Fatalf("state = %s (resume %s), want failed from provider_registered", got.State, got.ResumeState)
		}
		if last, _ := got.LastError(); last.Stage != engine.StageConfigureDNS {
			t.Errorf("fault stage = %s, want configure_dns", last.Stage)
		}
		if n := h.mail.Calls(memory.OpRegisterDomain, "a.com"); n != 1 {
			t.Errorf("a failed domain must not register again, got %d calls", n)
		}
		if n := h.dns.Calls(memory.OpUpsertRecord, ""); n != 0 {
			t.Errorf("no record may be written without a token, got %d", n)
		}
	})
}

func TestRun_RateLimitCooldown(t *testing.T) {
	h := newHarness("a.com")
	h.dns.Inject(memory.Fault{Op: memory.OpUpsertRecord, Err: engine.NewRateLimitedError("429", nil), Times: 2})

	if _, err := h.run(t, "a.com"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s := h.store.state(t, "a.com").State; s != engine.StateCompleted {
		t.Errorf("state = %s", s)
	}
	if n := h.sleeps.count(30 * time.Second); n != 2 {
		t.Errorf("expected 2 cooldown waits, got %d", n)
	}
}

func TestRun_PhasedModeSettlesOnce(t *testing.T) {
	domains := []string{"a.com", "b.com", "c.com", "d.com"}
	h := newHarness(domains...)
	h.cfg.Mode = engine.ModePhased
	h.cfg.Workers = 3

	report, err := h.run(t, domains...)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.HasFailures() {
		t.Errorf("unexpected failures: %v", report.Failed())
	}
	for _, d := range domains {
		if s := h.store.state(t, d).State; s != engine.StateCompleted {
			t.Errorf("%s = %s", d, s)
		}
	}
	if n := h.sleeps.count(settle); n != 1 {
		t.Errorf("expected a single batch-wide settle wait, got %d", n)
	}
}

func TestRun_SkipsFailedUntilReset(t *testing.T) {
	h := newHarness() // no zones yet
	if _, err := h.run(t, "a.com"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s := h.store.state(t, "a.com").State; s != engine.StateFailed {
		t.Fatalf("state = %s", s)
	}

	h.dns.AddZone("a.com")
	report, err := h.run(t, "a.com")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s := h.store.state(t, "a.com").State; s != engine.StateFailed {
		t.Errorf("failed domain must be skipped, got %s", s)
	}
	if !report.HasFailures() {
		t.Error("skipped failed domain still counts as failed")
	}

	rec, err := engine.Reset(context.Background(), h.store, "a.com", false, time.Now())
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if rec.State != engine.StateProviderRegistered {
		t.Errorf("reset state = %s, want provider_registered", rec.State)
	}

	if _, err := h.run(t, "a.com"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rec = h.store.state(t, "a.com")
	if rec.State != engine.StateCompleted {
		t.Errorf("state = %s, want completed", rec.State)
	}
	if n := h.mail.Calls(memory.OpRegisterDomain, "a.com"); n != 1 {
		t.Errorf("register repeated after reset: %d calls", n)
	}
	if len(rec.ErrorHistory) != 2 || rec.ErrorHistory[1].Stage != engine.StageReset {
		t.Errorf("history must be kept with a reset entry: %+v", rec.ErrorHistory)
	}
}

func TestReset_Errors(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	if _, err := engine.Reset(ctx, store, "missing.com", false, time.Now()); !errors.Is(err, engine.ErrUnknownDomain) {
		t.Errorf("expected ErrUnknownDomain, got %v", err)
	}
	_ = store.Upsert(ctx, engine.NewDomainRecord("a.com", time.Now()))
	if _, err := engine.Reset(ctx, store, "a.com", false, time.Now()); !errors.Is(err, engine.ErrNotFailed) {
		t.Errorf("expected ErrNotFailed, got %v", err)
	}
}

func TestRun_CancellationIsNotFailure(t *testing.T) {
	h := newHarness("a.com")
	ctx, cancel := context.WithCancel(context.Background())

	o, err := engine.NewOrchestrator(h.cfg, engine.Options{
		Mail:   h.mail,
		DNS:    h.dns,
		Store:  h.store,
		Names:  seqNames{prefix: "alias"},
		Logger: zerolog.Nop(),
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = o.Run(ctx, []string{"a.com"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	rec := h.store.state(t, "a.com")
	if rec.State != engine.StateDNSConfigured {
		t.Errorf("state = %s, want dns_configured", rec.State)
	}
	if len(rec.ErrorHistory) != 0 {
		t.Errorf("cancellation must not be recorded as a fault: %+v", rec.ErrorHistory)
	}
}

func TestLoadRecords_MergesInput(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	done := engine.NewDomainRecord("a.com", time.Now())
	done.State = engine.StateCompleted
	_ = store.Upsert(ctx, done)

	records, err := engine.LoadRecords(ctx, store, []string{"b.com", "a.com", "b.com"}, time.Now())
	if err != nil {
		t.Fatalf("LoadRecords() error = %v", err)
	}
	if len(records) != 2 || records[0].Domain != "b.com" || records[1].State != engine.StateCompleted {
		t.Errorf("unexpected records: %+v", records)
	}
	if _, ok, _ := store.Get(ctx, "b.com"); !ok {
		t.Error("new domain must be persisted as pending")
	}
}

func TestRevalidate(t *testing.T) {
	h := newHarness("a.com")
	if _, err := h.run(t, "a.com"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	rec := h.store.state(t, "a.com")

	problems, err := engine.Revalidate(context.Background(), h.mail, h.dns, rec, h.cfg)
	if err != nil || len(problems) != 0 {
		t.Fatalf("healthy domain: problems=%v err=%v", problems, err)
	}

	h.dns.RemoveRecords("a.com", "MX")
	problems, err = engine.Revalidate(context.Background(), h.mail, h.dns, rec, h.cfg)
	if err != nil {
		t.Fatalf("Revalidate() error = %v", err)
	}
	if len(problems) != 2 {
		t.Errorf("expected both MX hosts reported missing, got %v", problems)
	}
}
