package engine

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// recordStore keeps only the latest upserted record.
type recordStore struct {
	last *DomainRecord
}

func (s *recordStore) Get(context.Context, string) (*DomainRecord, bool, error) {
	if s.last == nil {
		return nil, false, nil
	}
	return s.last.Clone(), true, nil
}

func (s *recordStore) Upsert(_ context.Context, rec *DomainRecord) error {
	s.last = rec.Clone()
	return nil
}

func (s *recordStore) List(context.Context) ([]*DomainRecord, error) { return nil, nil }

func (s *recordStore) Summary(context.Context) (map[DomainState]int, error) { return nil, nil }

func (s *recordStore) ExportFailures(context.Context) ([]FailureReport, error) { return nil, nil }

func (s *recordStore) Close() error { return nil }

type listNames []string

func (l listNames) Candidates(ctx context.Context, domain string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, name := range l {
			if !yield(name, nil) {
				return
			}
		}
	}
}

type rejectNames map[string]bool

func (r rejectNames) AllowAlias(ctx context.Context, domain, localPart string, recipients []string) (bool, []string, error) {
	if r[localPart] {
		return false, []string{"reserved"}, nil
	}
	return true, nil, nil
}

func TestPlanAliases_RejectedNamesStayUnclaimed(t *testing.T) {
	store := &recordStore{}
	o := &Orchestrator{
		settings: Settings{
			Retry:   RetryPolicy{MaxAttempts: 1},
			Aliases: AliasSettings{Count: 2, Recipients: []string{"owner@example.org"}},
		},
		store:   store,
		names:   listNames{"sales", "postmaster", "billing"},
		policy:  rejectNames{"postmaster": true},
		metrics: nopMetrics{},
		logger:  zerolog.Nop(),
		sleep:   func(context.Context, time.Duration) error { return nil },
		now:     time.Now,
	}
	run := &runState{used: NewNameSet()}
	task := o.newTask(run, NewDomainRecord("a.com", time.Now()), zerolog.Nop())

	if err := task.planAliases(context.Background()); err != nil {
		t.Fatalf("planAliases() error = %v", err)
	}

	var got []string
	for _, a := range task.rec.Aliases {
		got = append(got, a.LocalPart)
	}
	if len(got) != 2 || got[0] != "sales" || got[1] != "billing" {
		t.Fatalf("planned %v, want [sales billing]", got)
	}
	if run.used.Contains("a.com", "postmaster") {
		t.Error("a name rejected by policy must not be claimed for the run")
	}
	if !run.used.Contains("a.com", "sales") || !run.used.Contains("a.com", "billing") {
		t.Error("planned names must be claimed for the run")
	}
	if run.used.Len() != 2 {
		t.Errorf("claimed %d names, want 2", run.used.Len())
	}
	if store.last == nil || len(store.last.Aliases) != 2 {
		t.Error("the plan must be persisted")
	}
}
