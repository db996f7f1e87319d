package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// domainTask owns one domain for the duration of a run. Only its worker touches it.
type domainTask struct {
	o   *Orchestrator
	run *runState
	log zerolog.Logger

	rec  *DomainRecord
	from DomainState
	err  error

	// attempts used by the most recent provider call.
	attempts int
}

func (o *Orchestrator) newTask(run *runState, rec *DomainRecord, log zerolog.Logger) *domainTask {
	return &domainTask{
		o:    o,
		run:  run,
		log:  log.With().Str("domain", rec.Domain).Logger(),
		rec:  rec,
		from: rec.State,
	}
}

// advance drives the domain forward until it is terminal, held, or has reached
// stopAt (empty means run to completion). Domain faults are recorded and return
// nil; a non-nil error means the domain was interrupted or the run aborted.
func (t *domainTask) advance(ctx context.Context, stopAt DomainState, settle bool) error {
	for !t.rec.State.IsTerminal() {
		if stopAt != "" && t.rec.State.AtLeast(stopAt) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			t.err = err
			return err
		}

		stage, _, ok := nextStage(t.rec.State)
		if !ok {
			return fmt.Errorf("no stage leaves state %s", t.rec.State)
		}

		stageCtx, span := t.o.tracer.Start(ctx, "mailgrid.stage."+string(stage), trace.WithAttributes(
			attribute.String("mailgrid.domain", t.rec.Domain),
			attribute.String("mailgrid.state", string(t.rec.State)),
		))
		faulted, held, err := t.runStage(stageCtx, stage, settle)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if err != nil {
			return t.handleFault(ctx, faulted, err)
		}
		if held {
			t.log.Info().Str("state", string(t.rec.State)).Msg("Domain held until the next run")
			return nil
		}
	}
	return nil
}

// runStage runs one stage and reports the stage a fault belongs to. The
// finalize stage runs the credentials pass first, whose faults are its own.
func (t *domainTask) runStage(ctx context.Context, stage Stage, settle bool) (Stage, bool, error) {
	switch stage {
	case StageRegister:
		return stage, false, t.register(ctx)
	case StageConfigureDNS:
		return stage, false, t.configureDNS(ctx)
	case StageVerify:
		return stage, false, t.verify(ctx, settle)
	case StageCreateAliases:
		return stage, false, t.createAliases(ctx)
	case StageFinalize:
		held, err := t.credentials(ctx)
		if err != nil {
			return StageCredentials, false, err
		}
		if held {
			return stage, true, nil
		}
		return stage, false, t.transition(ctx, StageFinalize, StateCompleted, nil)
	default:
		return stage, false, fmt.Errorf("unknown stage %s", stage)
	}
}

func (t *domainTask) register(ctx context.Context) error {
	if t.rec.ProviderDomainID != "" {
		return t.transition(ctx, StageRegister, StateProviderRegistered, nil)
	}
	reg, err := t.registerDomain(ctx, StageRegister)
	if err != nil {
		return err
	}
	if t.o.settings.DNS.VerificationPrefix != "" && reg.VerificationToken == "" {
		return missingToken(t.rec.Domain)
	}
	return t.transition(ctx, StageRegister, StateProviderRegistered, func(r *DomainRecord) {
		r.ProviderDomainID = reg.ID
		r.VerificationToken = reg.VerificationToken
	})
}

// registerDomain registers the domain, or fetches it when it is already registered.
func (t *domainTask) registerDomain(ctx context.Context, stage Stage) (*DomainRegistration, error) {
	reg, err := invoke(ctx, t, stage, "mail", "register_domain",
		func(ctx context.Context) (*DomainRegistration, error) {
			return t.o.mail.RegisterDomain(ctx, t.rec.Domain)
		})
	if err != nil {
		return nil, err
	}
	if reg == nil || reg.ID == "" {
		return nil, NewPermanentError("provider returned no domain id", nil).
			WithCode(ErrCodeProviderFailed).
			WithOp("register_domain").
			WithDomain(t.rec.Domain)
	}
	return reg, nil
}

// missingToken fails a domain whose provider registration carries no
// verification token while a verification record is configured.
func missingToken(domain string) error {
	return NewPermanentError("provider returned no verification token", nil).
		WithCode(ErrCodeProviderFailed).
		WithOp("register_domain").
		WithDomain(domain)
}

func (t *domainTask) configureDNS(ctx context.Context) error {
	dns := t.o.settings.DNS
	if dns.VerificationPrefix != "" && t.rec.VerificationToken == "" {
		// Records written before the token was kept: registering again is a fetch.
		reg, err := t.registerDomain(ctx, StageConfigureDNS)
		if err != nil {
			return err
		}
		if reg.VerificationToken == "" {
			return missingToken(t.rec.Domain)
		}
		if err := t.commit(ctx, func(r *DomainRecord) { r.VerificationToken = reg.VerificationToken }); err != nil {
			return err
		}
	}

	if t.rec.DNSZoneID == "" {
		zoneID, err := invoke(ctx, t, StageConfigureDNS, "dns", "resolve_zone",
			func(ctx context.Context) (string, error) {
				return t.o.dns.ResolveZone(ctx, t.rec.Domain)
			})
		if err != nil {
			return err
		}
		if err := t.commit(ctx, func(r *DomainRecord) { r.DNSZoneID = zoneID }); err != nil {
			return err
		}
	}

	records := dns.Records(t.rec.Domain, t.rec.VerificationToken)
	ids := make([]string, 0, len(records))
	for _, record := range records {
		id, err := invoke(ctx, t, StageConfigureDNS, "dns", "upsert_record",
			func(ctx context.Context) (string, error) {
				return t.o.dns.UpsertRecord(ctx, t.rec.DNSZoneID, record)
			})
		if err != nil {
			return err
		}
		t.log.Debug().Str("type", record.Type).Str("name", record.Name).Str("record_id", id).Msg("DNS record upserted")
		ids = append(ids, id)
	}

	return t.transition(ctx, StageConfigureDNS, StateDNSConfigured, func(r *DomainRecord) {
		for _, id := range ids {
			r.AddRecordID(id)
		}
	})
}

func (t *domainTask) verify(ctx context.Context, settle bool) error {
	if t.rec.State == StateDNSConfigured {
		if settle && t.o.settings.SettleInterval > 0 {
			t.log.Debug().Dur("settle", t.o.settings.SettleInterval).Msg("Waiting for DNS propagation")
			if err := t.o.sleep(ctx, t.o.settings.SettleInterval); err != nil {
				return interrupted(ctx, err)
			}
		}
		if err := t.transition(ctx, StageVerify, StateVerifying, nil); err != nil {
			return err
		}
	}

	polls := t.o.settings.PollAttempts
	var missing []string
	for poll := 1; poll <= polls; poll++ {
		status, err := invoke(ctx, t, StageVerify, "mail", "get_domain_status",
			func(ctx context.Context) (*DomainStatus, error) {
				return t.o.mail.GetDomainStatus(ctx, t.rec.Domain)
			})
		if err != nil {
			return err
		}
		if status == nil {
			status = &DomainStatus{}
		}
		missing = status.Missing(t.o.settings.RequiredPredicates)
		if len(missing) == 0 {
			t.log.Debug().Int("polls", poll).Msg("Domain verified")
			return t.transition(ctx, StageVerify, StateVerified, nil)
		}
		t.log.Debug().Int("poll", poll).Strs("missing", missing).Msg("Verification incomplete")
		if poll < polls {
			if err := t.o.sleep(ctx, t.o.settings.PollInterval); err != nil {
				return interrupted(ctx, err)
			}
		}
	}

	t.attempts = polls
	err := NewPermanentError(
		fmt.Sprintf("verification incomplete after %d polls: missing %s", polls, strings.Join(missing, ", ")), nil).
		WithCode(ErrCodeVerificationIncomplete).
		WithOp("get_domain_status").
		WithDomain(t.rec.Domain)
	return withContext(err, map[string]interface{}{"missing": missing, "polls": polls})
}

func (t *domainTask) createAliases(ctx context.Context) error {
	if err := t.planAliases(ctx); err != nil {
		return err
	}

	for i := range t.rec.Aliases {
		alias := t.rec.Aliases[i]
		if alias.Created() {
			continue
		}
		id, err := invoke(ctx, t, StageCreateAliases, "mail", "create_alias",
			func(ctx context.Context) (string, error) {
				return t.o.mail.CreateAlias(ctx, t.rec.Domain, alias.LocalPart, alias.Recipients)
			})
		if HasCode(err, ErrCodeConflict) {
			id, err = t.reconcileAlias(ctx, alias.LocalPart)
		}
		if err != nil {
			return err
		}
		if err := t.commit(ctx, func(r *DomainRecord) { r.Aliases[i].ProviderAliasID = id }); err != nil {
			return err
		}
		t.log.Info().Str("alias", alias.LocalPart+"@"+t.rec.Domain).Msg("Alias created")
	}

	return t.transition(ctx, StageCreateAliases, StateAliasesCreated, nil)
}

// planAliases draws local-parts until the configured count is planned and persists
// the plan before anything is created.
func (t *domainTask) planAliases(ctx context.Context) error {
	cfg := t.o.settings.Aliases
	if len(t.rec.Aliases) >= cfg.Count {
		return nil
	}

	plan := append(make([]AliasRecord, 0, cfg.Count), t.rec.Aliases...)
	for name, err := range t.o.names.Candidates(ctx, t.rec.Domain) {
		if err != nil {
			return fmt.Errorf("name generator failed: %w", err)
		}
		if t.rec.AliasIndex(name) >= 0 || t.run.used.Contains(t.rec.Domain, name) {
			continue
		}
		if t.o.policy != nil {
			allowed, reasons, err := t.o.policy.AllowAlias(ctx, t.rec.Domain, name, cfg.Recipients)
			if err != nil {
				return fmt.Errorf("alias policy failed: %w", err)
			}
			if !allowed {
				t.log.Debug().Str("local_part", name).Strs("reasons", reasons).Msg("Alias rejected by policy")
				continue
			}
		}
		if !t.run.used.Claim(t.rec.Domain, name) {
			continue
		}
		plan = append(plan, AliasRecord{
			LocalPart:  name,
			Recipients: append([]string(nil), cfg.Recipients...),
		})
		if len(plan) >= cfg.Count {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return interrupted(ctx, err)
	}
	if len(plan) < cfg.Count {
		return NewPermanentError(
			fmt.Sprintf("name generator exhausted: planned %d of %d aliases", len(plan), cfg.Count), nil).
			WithCode(ErrCodeValidation).
			WithDomain(t.rec.Domain)
	}
	return t.commit(ctx, func(r *DomainRecord) { r.Aliases = plan })
}

// reconcileAlias resolves a Conflict by finding the existing alias and adopting its id.
func (t *domainTask) reconcileAlias(ctx context.Context, localPart string) (string, error) {
	aliases, err := invoke(ctx, t, StageCreateAliases, "mail", "list_aliases",
		func(ctx context.Context) ([]Alias, error) {
			return t.o.mail.ListAliases(ctx, t.rec.Domain)
		})
	if err != nil {
		return "", err
	}
	for _, a := range aliases {
		if strings.EqualFold(a.LocalPart, localPart) && a.ID != "" {
			t.log.Info().Str("alias", localPart+"@"+t.rec.Domain).Str("alias_id", a.ID).Msg("Adopted existing alias")
			return a.ID, nil
		}
	}
	return "", NewPermanentError(
		fmt.Sprintf("alias %s@%s conflicts but is not listed by the provider", localPart, t.rec.Domain), nil).
		WithCode(ErrCodeConflict).
		WithOp("create_alias").
		WithDomain(t.rec.Domain)
}

// credentials sets a secret on every created alias that lacks one. Failures are
// recorded per alias; the policy decides whether the domain completes, is held or fails.
func (t *domainTask) credentials(ctx context.Context) (bool, error) {
	cfg := t.o.settings.Aliases
	if !cfg.Credentials {
		return false, nil
	}

	failed := 0
	for i := range t.rec.Aliases {
		alias := t.rec.Aliases[i]
		if !alias.Created() || alias.CredentialSet {
			continue
		}
		address := alias.LocalPart + "@" + t.rec.Domain
		err := t.setCredential(ctx, alias)
		if err != nil {
			if IsCritical(err) || IsInterrupted(err) || ctx.Err() != nil {
				return false, err
			}
			failed++
			t.log.Warn().Err(err).Str("alias", address).Msg("Failed to set alias credential")
			entry := t.entry(StageCredentials, err)
			if entry.Context == nil {
				entry.Context = map[string]interface{}{}
			}
			entry.Context["alias"] = address
			if err := t.commit(ctx, func(r *DomainRecord) { r.ErrorHistory = append(r.ErrorHistory, entry) }); err != nil {
				return false, err
			}
			continue
		}
		if err := t.commit(ctx, func(r *DomainRecord) { r.Aliases[i].CredentialSet = true }); err != nil {
			return false, err
		}
	}

	if failed == 0 {
		return false, nil
	}
	switch cfg.CredentialPolicy {
	case CredentialHold:
		return true, nil
	case CredentialFail:
		t.attempts = 0
		return false, NewPermanentError(fmt.Sprintf("failed to set credentials for %d aliases", failed), nil).
			WithCode(ErrCodeProviderFailed).
			WithOp("set_alias_credential").
			WithDomain(t.rec.Domain)
	default:
		t.log.Warn().Int("failed", failed).Msg("Completing domain without all alias credentials")
		return false, nil
	}
}

func (t *domainTask) setCredential(ctx context.Context, alias AliasRecord) error {
	secret, err := t.o.secrets()
	if err != nil {
		return fmt.Errorf("failed to generate secret: %w", err)
	}
	_, err = invoke(ctx, t, StageCredentials, "mail", "set_alias_credential",
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, t.o.mail.SetAliasCredential(ctx, t.rec.Domain, alias.ProviderAliasID, secret)
		})
	if err != nil {
		return err
	}
	if t.o.credentials == nil {
		return nil
	}
	if err := t.o.credentials.StoreCredential(ctx, alias.LocalPart+"@"+t.rec.Domain, secret); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// transition moves the domain forward and persists it before anything else happens.
func (t *domainTask) transition(ctx context.Context, stage Stage, to DomainState, mutate func(*DomainRecord)) error {
	from := t.rec.State
	if !from.CanTransitionTo(to) {
		return NewPermanentError(fmt.Sprintf("illegal transition %s -> %s", from, to), nil).
			WithCode(ErrCodeValidation).
			WithDomain(t.rec.Domain)
	}
	err := t.commit(ctx, func(r *DomainRecord) {
		if mutate != nil {
			mutate(r)
		}
		r.State = to
		r.Attempts = 0
	})
	if err != nil {
		return err
	}

	t.o.metrics.RecordTransition(stage, from, to)
	t.log.Info().Ctx(ctx).Str("stage", string(stage)).Str("from", string(from)).Str("to", string(to)).Msg("Domain transitioned")
	t.o.publish(ctx, t.run, &Event{
		Type:    EventTypeDomainTransition,
		Domain:  t.rec.Domain,
		Stage:   stage,
		From:    from,
		To:      to,
		Message: fmt.Sprintf("%s: %s -> %s", t.rec.Domain, from, to),
		Level:   "info",
	})
	return nil
}

// commit applies mutate to a copy of the record and adopts it once persisted,
// so a failed write leaves the in-memory record untouched too.
func (t *domainTask) commit(ctx context.Context, mutate func(*DomainRecord)) error {
	next := t.rec.Clone()
	mutate(next)
	next.LastUpdated = t.o.now()
	if err := t.o.persist(ctx, next); err != nil {
		return err
	}
	t.rec = next
	return nil
}

// handleFault classifies a stage fault at the stage boundary.
func (t *domainTask) handleFault(ctx context.Context, stage Stage, err error) error {
	switch {
	case HasCode(err, ErrCodeStoreFailed):
		t.log.Error().Err(err).Msg("Cannot persist progress")
		t.o.abort(t.run, err)
		t.err = err
		return err

	case IsInterrupted(err) || ctx.Err() != nil:
		t.log.Warn().Str("stage", string(stage)).Str("state", string(t.rec.State)).Msg("Domain interrupted")
		t.err = err
		return err

	case IsCritical(err):
		t.log.Error().Err(err).Str("stage", string(stage)).Msg("Critical fault, aborting run")
		entry := t.entry(stage, err)
		if cErr := t.commit(ctx, func(r *DomainRecord) { r.ErrorHistory = append(r.ErrorHistory, entry) }); cErr != nil {
			t.log.Error().Err(cErr).Msg("Failed to record critical fault")
		}
		t.o.abort(t.run, err)
		t.err = err
		return err
	}

	entry := t.entry(stage, err)
	from := t.rec.State
	cErr := t.commit(ctx, func(r *DomainRecord) {
		r.ResumeState = r.State
		r.State = StateFailed
		r.Attempts = entry.Attempts
		r.ErrorHistory = append(r.ErrorHistory, entry)
	})
	if cErr != nil {
		t.o.abort(t.run, cErr)
		t.err = cErr
		return cErr
	}
	t.err = err

	t.o.metrics.RecordTransition(stage, from, StateFailed)
	t.log.Error().
		Err(err).
		Str("stage", string(stage)).
		Str("kind", string(entry.Kind)).
		Int("attempts", entry.Attempts).
		Msg("Domain failed")
	t.o.publish(ctx, t.run, &Event{
		Type:    EventTypeDomainFailed,
		Domain:  t.rec.Domain,
		Stage:   stage,
		From:    from,
		To:      StateFailed,
		Message: err.Error(),
		Level:   "error",
	})
	return nil
}

// entry builds the error history entry for a fault.
func (t *domainTask) entry(stage Stage, err error) ErrorEntry {
	e := ErrorEntry{
		Stage:     stage,
		Kind:      Classify(err),
		Code:      ErrorCode(err),
		Message:   err.Error(),
		Attempts:  t.attempts,
		Timestamp: t.o.now(),
	}
	var pe *ProvisionError
	if errors.As(err, &pe) && (pe.Op != "" || pe.StatusCode != 0) {
		e.Context = map[string]interface{}{}
		if pe.Op != "" {
			e.Context["op"] = pe.Op
		}
		if pe.StatusCode != 0 {
			e.Context["status_code"] = pe.StatusCode
		}
	}
	var detail *faultDetail
	if errors.As(err, &detail) {
		if e.Context == nil {
			e.Context = map[string]interface{}{}
		}
		for k, v := range detail.context {
			e.Context[k] = v
		}
	}
	return e
}

// invoke runs one provider call under the retry policy, tracing and metering it.
func invoke[T any](ctx context.Context, t *domainTask, stage Stage, provider, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := t.o.tracer.Start(ctx, provider+"."+op, trace.WithAttributes(
		attribute.String("mailgrid.domain", t.rec.Domain),
		attribute.String("mailgrid.stage", string(stage)),
	))
	defer span.End()

	retrier := &Retrier{
		Policy: t.o.settings.Retry,
		Sleep:  t.o.sleep,
		OnRetry: func(attempt int, class ErrorClass, delay time.Duration, err error) {
			t.o.metrics.RecordRetry(class)
			t.log.Warn().
				Err(err).
				Str("op", op).
				Int("attempt", attempt).
				Str("class", string(class)).
				Dur("delay", delay).
				Msg("Retrying provider call")
			t.o.publish(ctx, t.run, &Event{
				Type:    EventTypeRetry,
				Domain:  t.rec.Domain,
				Stage:   stage,
				Message: fmt.Sprintf("%s attempt %d failed (%s), retrying in %s", op, attempt, class, delay),
				Level:   "warning",
			})
		},
	}

	start := time.Now()
	out := Retry(ctx, retrier, nil, fn)
	t.o.metrics.RecordProviderCall(provider, op, time.Since(start), out.Err)
	t.attempts = out.Attempts
	span.SetAttributes(attribute.Int("mailgrid.attempts", out.Attempts))
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
		var zero T
		return zero, out.Err
	}
	return out.Value, nil
}

// faultDetail attaches structured context to a fault for its history entry.
type faultDetail struct {
	error
	context map[string]interface{}
}

func (f *faultDetail) Unwrap() error {
	return f.error
}

func withContext(err error, details map[string]interface{}) error {
	return &faultDetail{error: err, context: details}
}
