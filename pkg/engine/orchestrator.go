package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Settings holds the orchestration parameters derived from configuration.
type Settings struct {
	Mode    Mode
	Workers int
	Retry   RetryPolicy

	// SettleInterval is the propagation wait before the first verification poll.
	SettleInterval time.Duration

	// PollAttempts bounds GetDomainStatus polls per verification.
	PollAttempts int

	// PollInterval is the fixed delay between polls.
	PollInterval time.Duration

	// RequiredPredicates must all be true at once. Empty means every reported predicate.
	RequiredPredicates []string

	DNS     DNSSettings
	Aliases AliasSettings
}

// AliasSettings controls alias planning and the credential sub-stage.
type AliasSettings struct {
	Count            int
	Recipients       []string
	Credentials      bool
	CredentialPolicy CredentialPolicy
}

// DefaultSettings returns sequential single-worker settings.
func DefaultSettings() Settings {
	return Settings{
		Mode:           ModeSequential,
		Workers:        1,
		Retry:          DefaultRetryPolicy(),
		SettleInterval: 2 * time.Minute,
		PollAttempts:   10,
		PollInterval:   30 * time.Second,
		Aliases: AliasSettings{
			Count:            1,
			CredentialPolicy: CredentialBestEffort,
		},
	}
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Mail  MailForwardingProvider
	DNS   DNSProvider
	Store StateStore
	Names NameGenerator

	// Policy, Credentials, Metrics, Events and Tracer are optional.
	Policy      AliasPolicy
	Credentials CredentialSink
	Metrics     MetricsRecorder
	Events      EventPublisher
	Tracer      trace.Tracer

	// Secrets generates alias credentials. Defaults to crypto/rand text.
	Secrets func() (string, error)

	Logger zerolog.Logger
	Sleep  Sleeper
	Now    func() time.Time
}

// Orchestrator drives domains through the provisioning state machine.
type Orchestrator struct {
	settings Settings

	mail        MailForwardingProvider
	dns         DNSProvider
	store       StateStore
	names       NameGenerator
	policy      AliasPolicy
	credentials CredentialSink
	metrics     MetricsRecorder
	events      EventPublisher
	tracer      trace.Tracer
	secrets     func() (string, error)

	logger zerolog.Logger
	sleep  Sleeper
	now    func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(settings Settings, opts Options) (*Orchestrator, error) {
	if opts.Mail == nil || opts.DNS == nil {
		return nil, NewPermanentError("mail and dns providers are required", nil).WithCode(ErrCodeValidation)
	}
	if opts.Store == nil {
		return nil, NewPermanentError("state store is required", nil).WithCode(ErrCodeValidation)
	}
	if opts.Names == nil {
		return nil, NewPermanentError("name generator is required", nil).WithCode(ErrCodeValidation)
	}
	if settings.Mode == "" {
		settings.Mode = ModeSequential
	}
	if err := settings.Mode.Validate(); err != nil {
		return nil, NewPermanentError(err.Error(), nil).WithCode(ErrCodeValidation)
	}
	if settings.Aliases.CredentialPolicy == "" {
		settings.Aliases.CredentialPolicy = CredentialBestEffort
	}
	if err := settings.Aliases.CredentialPolicy.Validate(); err != nil {
		return nil, NewPermanentError(err.Error(), nil).WithCode(ErrCodeValidation)
	}
	if settings.Workers <= 0 {
		settings.Workers = 1
	}
	if settings.PollAttempts <= 0 {
		settings.PollAttempts = 1
	}
	if settings.Retry.MaxAttempts <= 0 {
		settings.Retry.MaxAttempts = 1
	}

	o := &Orchestrator{
		settings:    settings,
		mail:        opts.Mail,
		dns:         opts.DNS,
		store:       opts.Store,
		names:       opts.Names,
		policy:      opts.Policy,
		credentials: opts.Credentials,
		metrics:     opts.Metrics,
		events:      opts.Events,
		tracer:      opts.Tracer,
		secrets:     opts.Secrets,
		logger:      opts.Logger.With().Str("component", "orchestrator").Logger(),
		sleep:       opts.Sleep,
		now:         opts.Now,
	}
	if o.metrics == nil {
		o.metrics = nopMetrics{}
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("mailgrid")
	}
	if o.secrets == nil {
		o.secrets = func() (string, error) { return rand.Text(), nil }
	}
	if o.sleep == nil {
		o.sleep = SleepContext
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	return o, nil
}

// Settings returns the settings the orchestrator runs with.
func (o *Orchestrator) Settings() Settings {
	return o.settings
}

// DomainOutcome is the result of one domain within a run.
type DomainOutcome struct {
	Domain string      `json:"domain"`
	From   DomainState `json:"from"`
	To     DomainState `json:"to"`
	Err    error       `json:"-"`
}

// RunReport summarizes a run.
type RunReport struct {
	RunID      string              `json:"run_id"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Outcomes   []DomainOutcome     `json:"outcomes"`
	Summary    map[DomainState]int `json:"summary"`
}

// HasFailures reports whether any domain of the run ended Failed.
func (r *RunReport) HasFailures() bool {
	if r == nil {
		return false
	}
	for _, out := range r.Outcomes {
		if out.To == StateFailed {
			return true
		}
	}
	return false
}

// Failed returns the domains that ended Failed.
func (r *RunReport) Failed() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.To == StateFailed {
			out = append(out, o.Domain)
		}
	}
	return out
}

// runState is owned by a single Run call.
type runState struct {
	id     string
	used   *NameSet
	cancel context.CancelCauseFunc
}

// Run provisions the given domains until each is terminal, held, or the run is aborted.
// It returns ErrRunAborted (wrapping the fault) after a critical fault, and the
// context error when ctx is cancelled. The report is returned in both cases.
func (o *Orchestrator) Run(ctx context.Context, domains []string) (*RunReport, error) {
	report := &RunReport{
		RunID:     uuid.New().String(),
		StartedAt: o.now(),
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	runCtx, span := o.tracer.Start(runCtx, "mailgrid.run", trace.WithAttributes(
		attribute.String("mailgrid.run_id", report.RunID),
		attribute.Int("mailgrid.domains", len(domains)),
	))
	defer span.End()

	log := o.logger.With().Str("run_id", report.RunID).Logger()
	run := &runState{id: report.RunID, used: NewNameSet(), cancel: cancel}

	records, err := LoadRecords(runCtx, o.store, domains, o.now())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load domain records: %w", err)
	}

	tasks := make([]*domainTask, 0, len(records))
	for _, rec := range records {
		for _, a := range rec.Aliases {
			run.used.Claim(rec.Domain, a.LocalPart)
		}
		if rec.State.IsTerminal() {
			if rec.State == StateFailed {
				log.Warn().Str("domain", rec.Domain).Msg("Skipping failed domain; reset it to resume")
			}
			report.Outcomes = append(report.Outcomes, DomainOutcome{Domain: rec.Domain, From: rec.State, To: rec.State})
			continue
		}
		tasks = append(tasks, o.newTask(run, rec, log))
	}

	log.Info().
		Int("domains", len(records)).
		Int("pending", len(tasks)).
		Str("mode", string(o.settings.Mode)).
		Int("workers", o.settings.Workers).
		Msg("Run started")
	o.publish(runCtx, run, &Event{Type: EventTypeRunStarted, Message: fmt.Sprintf("Run started for %d domains", len(records)), Level: "info"})

	switch o.settings.Mode {
	case ModePhased:
		o.schedule(runCtx, tasks, func(ctx context.Context, t *domainTask) error {
			return t.advance(ctx, StateDNSConfigured, false)
		})
		if runCtx.Err() == nil && awaitingVerification(tasks) {
			log.Info().Dur("settle", o.settings.SettleInterval).Msg("Waiting for DNS propagation")
			if err := o.sleep(runCtx, o.settings.SettleInterval); err != nil {
				log.Warn().Err(err).Msg("Propagation wait interrupted")
			}
		}
		o.schedule(runCtx, tasks, func(ctx context.Context, t *domainTask) error {
			return t.advance(ctx, "", false)
		})
	default:
		o.schedule(runCtx, tasks, func(ctx context.Context, t *domainTask) error {
			return t.advance(ctx, "", true)
		})
	}

	for _, t := range tasks {
		report.Outcomes = append(report.Outcomes, DomainOutcome{
			Domain: t.rec.Domain,
			From:   t.from,
			To:     t.rec.State,
			Err:    t.err,
		})
	}
	report.FinishedAt = o.now()

	summaryCtx := context.WithoutCancel(runCtx)
	if summary, err := o.store.Summary(summaryCtx); err == nil {
		report.Summary = summary
		o.metrics.SetDomainCounts(summary)
	} else {
		log.Error().Err(err).Msg("Failed to summarize store")
	}

	if cause := context.Cause(runCtx); errors.Is(cause, ErrRunAborted) {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
		log.Error().Err(cause).Msg("Run aborted")
		o.publish(summaryCtx, run, &Event{Type: EventTypeRunAborted, Message: cause.Error(), Level: "error"})
		return report, cause
	}
	if err := ctx.Err(); err != nil {
		log.Warn().Err(err).Msg("Run interrupted")
		return report, err
	}

	failed := len(report.Failed())
	log.Info().
		Int("failed", failed).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Run completed")
	o.publish(runCtx, run, &Event{Type: EventTypeRunCompleted, Message: fmt.Sprintf("Run completed with %d failed domains", failed), Level: "info"})
	return report, nil
}

// abort stops the run after a critical fault.
func (o *Orchestrator) abort(run *runState, cause error) {
	run.cancel(fmt.Errorf("%w: %w", ErrRunAborted, cause))
}

// persist upserts rec, retrying store faults as transient. Progress that cannot
// be recorded must not continue, so exhaustion is critical.
func (o *Orchestrator) persist(ctx context.Context, rec *DomainRecord) error {
	ctx = context.WithoutCancel(ctx)
	r := &Retrier{Policy: o.settings.Retry, Sleep: o.sleep}
	out := Retry(ctx, r, func(error) ErrorClass { return ErrorClassTransient },
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.store.Upsert(ctx, rec)
		})
	if out.Err != nil {
		return NewCriticalError("failed to persist domain record", out.Err).
			WithCode(ErrCodeStoreFailed).
			WithOp("upsert").
			WithDomain(rec.Domain)
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, run *runState, event *Event) {
	if o.events == nil {
		return
	}
	event.ID = uuid.New().String()
	event.RunID = run.id
	event.Timestamp = o.now()
	if err := o.events.Publish(ctx, event); err != nil {
		o.logger.Debug().Err(err).Str("event", string(event.Type)).Msg("Failed to publish event")
	}
}

func awaitingVerification(tasks []*domainTask) bool {
	for _, t := range tasks {
		if t.rec.State == StateDNSConfigured {
			return true
		}
	}
	return false
}

type nopMetrics struct{}

func (nopMetrics) RecordTransition(Stage, DomainState, DomainState) {}
func (nopMetrics) RecordProviderCall(string, string, time.Duration, error) {}
func (nopMetrics) RecordRetry(ErrorClass) {}
func (nopMetrics) SetDomainCounts(map[DomainState]int) {}
