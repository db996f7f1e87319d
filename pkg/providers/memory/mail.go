package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mailgrid/mailgrid/pkg/engine"
)

// DefaultPredicates are reported by a MailProvider unless configured otherwise.
var DefaultPredicates = []string{"has_mx_record", "has_txt_record"}

type mailDomain struct {
	id          string
	token       string
	statusCalls int
	readyAfter  int
	forced      map[string]bool
	aliases     []engine.Alias
	secrets     map[string]string
}

// MailProvider is an in-memory engine.MailForwardingProvider.
type MailProvider struct {
	faults

	// Predicates reported for every domain.
	Predicates []string

	// ReadyAfter is the GetDomainStatus call on which predicates turn true. Zero and
	// one both mean the first call.
	ReadyAfter int

	// ForbidCredentials makes SetAliasCredential fail as on a plan without credentials.
	ForbidCredentials bool

	// NoVerificationToken registers domains without a verification token.
	NoVerificationToken bool

	mu      sync.Mutex
	domains map[string]*mailDomain
	nextID  int
}

// NewMailProvider creates an empty provider.
func NewMailProvider() *MailProvider {
	return &MailProvider{
		Predicates: append([]string(nil), DefaultPredicates...),
		domains:    make(map[string]*mailDomain),
	}
}

func (p *MailProvider) id(prefix string) string {
	p.nextID++
	return fmt.Sprintf("%s-%d", prefix, p.nextID)
}

// domain returns the domain entry, creating it when create is set. Callers hold p.mu.
func (p *MailProvider) domain(name string, create bool) *mailDomain {
	d, ok := p.domains[name]
	if !ok && create {
		d = &mailDomain{
			id:         p.id("dom"),
			readyAfter: p.ReadyAfter,
			forced:     make(map[string]bool),
			secrets:    make(map[string]string),
		}
		d.token = "verify-" + d.id
		p.domains[name] = d
	}
	return d
}

// RegisterDomain registers the domain, or returns the existing registration.
func (p *MailProvider) RegisterDomain(ctx context.Context, domain string) (*engine.DomainRegistration, error) {
	if err := p.enter(OpRegisterDomain, domain); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.domain(domain, true)
	reg := &engine.DomainRegistration{ID: d.id, VerificationToken: d.token}
	if p.NoVerificationToken {
		reg.VerificationToken = ""
	}
	return reg, nil
}

// GetDomainStatus reports the configured predicates.
func (p *MailProvider) GetDomainStatus(ctx context.Context, domain string) (*engine.DomainStatus, error) {
	if err := p.enter(OpGetDomainStatus, domain); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.domain(domain, false)
	if d == nil {
		return nil, notFound(OpGetDomainStatus, domain, "domain is not registered")
	}
	d.statusCalls++
	ready := d.statusCalls >= d.readyAfter
	status := &engine.DomainStatus{Predicates: make(map[string]bool, len(p.Predicates))}
	for _, name := range p.Predicates {
		status.Predicates[name] = ready
	}
	for name, v := range d.forced {
		status.Predicates[name] = v
	}
	return status, nil
}

// CreateAlias creates an alias, failing with a Conflict when the local-part exists.
func (p *MailProvider) CreateAlias(ctx context.Context, domain, localPart string, recipients []string) (string, error) {
	if err := p.enter(OpCreateAlias, domain); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.domain(domain, false)
	if d == nil {
		return "", notFound(OpCreateAlias, domain, "domain is not registered")
	}
	for _, a := range d.aliases {
		if strings.EqualFold(a.LocalPart, localPart) {
			return "", engine.NewPermanentError("alias already exists", nil).
				WithCode(engine.ErrCodeConflict).
				WithOp(OpCreateAlias).
				WithDomain(domain).
				WithStatus(409)
		}
	}
	alias := engine.Alias{ID: p.id("alias"), LocalPart: localPart, Recipients: append([]string(nil), recipients...)}
	d.aliases = append(d.aliases, alias)
	return alias.ID, nil
}

// ListAliases returns the domain's aliases sorted by local-part.
func (p *MailProvider) ListAliases(ctx context.Context, domain string) ([]engine.Alias, error) {
	if err := p.enter(OpListAliases, domain); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.domain(domain, false)
	if d == nil {
		return nil, notFound(OpListAliases, domain, "domain is not registered")
	}
	out := make([]engine.Alias, len(d.aliases))
	copy(out, d.aliases)
	sort.Slice(out, func(i, j int) bool { return out[i].LocalPart < out[j].LocalPart })
	return out, nil
}

// SetAliasCredential stores the secret of an alias.
func (p *MailProvider) SetAliasCredential(ctx context.Context, domain, aliasID, secret string) error {
	if err := p.enter(OpSetAliasCredential, domain); err != nil {
		return err
	}
	if p.ForbidCredentials {
		return engine.NewPermanentError("alias credentials are not available on this plan", nil).
			WithCode(engine.ErrCodeForbidden).
			WithOp(OpSetAliasCredential).
			WithDomain(domain).
			WithStatus(403)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.domain(domain, false)
	if d == nil {
		return notFound(OpSetAliasCredential, domain, "domain is not registered")
	}
	for _, a := range d.aliases {
		if a.ID == aliasID {
			d.secrets[aliasID] = secret
			return nil
		}
	}
	return notFound(OpSetAliasCredential, domain, "alias "+aliasID+" not found")
}

// SeedAlias creates an alias out of band, as left behind by an interrupted run.
func (p *MailProvider) SeedAlias(domain, localPart string, recipients ...string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.domain(domain, true)
	alias := engine.Alias{ID: p.id("alias"), LocalPart: localPart, Recipients: recipients}
	d.aliases = append(d.aliases, alias)
	return alias.ID
}

// SetReadyAfter sets the status call on which the domain's predicates turn true.
func (p *MailProvider) SetReadyAfter(domain string, calls int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.domain(domain, true).readyAfter = calls
}

// ForcePredicate pins a predicate of the domain to a value.
func (p *MailProvider) ForcePredicate(domain, predicate string, value bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.domain(domain, true).forced[predicate] = value
}

// Registered reports whether the domain is registered.
func (p *MailProvider) Registered(domain string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.domain(domain, false) != nil
}

// Aliases returns the domain's aliases in creation order.
func (p *MailProvider) Aliases(domain string) []engine.Alias {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.domain(domain, false)
	if d == nil {
		return nil
	}
	return append([]engine.Alias(nil), d.aliases...)
}

// Secret returns the credential set on an alias.
func (p *MailProvider) Secret(domain, aliasID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.domain(domain, false)
	if d == nil {
		return "", false
	}
	s, ok := d.secrets[aliasID]
	return s, ok
}

func notFound(op, domain, message string) error {
	return engine.NewPermanentError(message, nil).
		WithCode(engine.ErrCodeNotFound).
		WithOp(op).
		WithDomain(domain).
		WithStatus(404)
}
