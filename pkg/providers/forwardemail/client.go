package forwardemail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mailgrid/mailgrid/pkg/engine"
	"github.com/mailgrid/mailgrid/pkg/providers/httpapi"
)

// DefaultBaseURL is the public API endpoint.
const DefaultBaseURL = "https://api.forwardemail.net/v1"

// Operation names reported in classified errors.
const (
	OpRegisterDomain     = "register_domain"
	OpGetDomainStatus    = "get_domain_status"
	OpCreateAlias        = "create_alias"
	OpListAliases        = "list_aliases"
	OpSetAliasCredential = "set_alias_credential"
)

// Config configures a Client.
type Config struct {
	BaseURL  string
	Token    string
	Timeout  time.Duration
	PageSize int

	// ListPaths are the JSONPath expressions tried, in order, to find the
	// alias array in a wrapped list response.
	ListPaths []string
}

// DefaultListPaths covers the paginated wrappers the API has answered with.
var DefaultListPaths = []string{"$.results", "$.data", "$.aliases"}

// Client implements engine.MailForwardingProvider over the REST API.
type Client struct {
	api       *httpapi.Client
	pageSize  int
	listPaths []string
}

var _ engine.MailForwardingProvider = (*Client)(nil)

// New creates a client. The token is sent as the basic-auth user name.
func New(cfg Config, opts ...httpapi.Option) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("forwardemail: API token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if len(cfg.ListPaths) == 0 {
		cfg.ListPaths = DefaultListPaths
	}

	httpCfg := httpapi.DefaultConfig()
	httpCfg.BaseURL = cfg.BaseURL
	httpCfg.Token = cfg.Token
	httpCfg.Auth = httpapi.AuthBasic
	if cfg.Timeout > 0 {
		httpCfg.Timeout = cfg.Timeout
	}

	api, err := httpapi.New(httpCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("forwardemail: %w", err)
	}
	return &Client{
		api:       api,
		pageSize:  cfg.PageSize,
		listPaths: cfg.ListPaths,
	}, nil
}

type domainResponse struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	VerificationRecord string `json:"verification_record"`
}

// RegisterDomain adds the domain. An already registered domain is fetched
// instead.
func (c *Client) RegisterDomain(ctx context.Context, domain string) (*engine.DomainRegistration, error) {
	var out domainResponse
	_, err := c.api.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "domains",
		Body:   map[string]string{"domain": domain},
	}, &out)

	if alreadyExists(err) {
		_, err = c.api.Do(ctx, httpapi.Request{
			Method: http.MethodGet,
			Path:   "domains/" + url.PathEscape(domain),
		}, &out)
	}
	if err != nil {
		return nil, annotate(err, OpRegisterDomain, domain)
	}
	if out.ID == "" {
		return nil, engine.NewPermanentError("provider returned no domain id", nil).
			WithCode(engine.ErrCodeProviderFailed).WithOp(OpRegisterDomain).WithDomain(domain)
	}
	return &engine.DomainRegistration{ID: out.ID, VerificationToken: out.VerificationRecord}, nil
}

// alreadyExists reports a create that failed because the domain is present.
// The API answers 409, or 400 with an "already exists" message.
func alreadyExists(err error) bool {
	var pe *engine.ProvisionError
	if !errors.As(err, &pe) {
		return false
	}
	if pe.Code == engine.ErrCodeConflict {
		return true
	}
	return pe.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(pe.Message), "already exists")
}

// GetDomainStatus reports every has_* boolean of the domain as a predicate.
func (c *Client) GetDomainStatus(ctx context.Context, domain string) (*engine.DomainStatus, error) {
	var out map[string]any
	_, err := c.api.Do(ctx, httpapi.Request{
		Method: http.MethodGet,
		Path:   "domains/" + url.PathEscape(domain),
	}, &out)
	if err != nil {
		return nil, annotate(err, OpGetDomainStatus, domain)
	}

	status := &engine.DomainStatus{Predicates: map[string]bool{}}
	for key, v := range out {
		if b, ok := v.(bool); ok && strings.HasPrefix(key, "has_") {
			status.Predicates[key] = b
		}
	}
	return status, nil
}

// CreateAlias creates local@domain.
func (c *Client) CreateAlias(ctx context.Context, domain, localPart string, recipients []string) (string, error) {
	var out map[string]any
	_, err := c.api.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "domains/" + url.PathEscape(domain) + "/aliases",
		Body: map[string]any{
			"name":       localPart,
			"recipients": recipients,
			"is_enabled": true,
		},
	}, &out)
	if alreadyExists(err) {
		err = engine.NewPermanentError(fmt.Sprintf("alias %s@%s already exists", localPart, domain), err).
			WithCode(engine.ErrCodeConflict)
	}
	if err != nil {
		return "", annotate(err, OpCreateAlias, domain)
	}

	alias, ok := toAlias(out)
	if !ok {
		return "", engine.NewPermanentError("provider returned no alias id", nil).
			WithCode(engine.ErrCodeProviderFailed).WithOp(OpCreateAlias).WithDomain(domain)
	}
	return alias.ID, nil
}

// ListAliases pages through the domain's aliases.
func (c *Client) ListAliases(ctx context.Context, domain string) ([]engine.Alias, error) {
	var all []engine.Alias
	seen := make(map[string]bool)
	for page := 1; ; page++ {
		var doc any
		resp, err := c.api.Do(ctx, httpapi.Request{
			Method: http.MethodGet,
			Path:   "domains/" + url.PathEscape(domain) + "/aliases",
			Query: url.Values{
				"page":  {strconv.Itoa(page)},
				"limit": {strconv.Itoa(c.pageSize)},
			},
		}, &doc)
		if err != nil {
			return nil, annotate(err, OpListAliases, domain)
		}

		aliases, err := normalizeAliases(doc, c.listPaths)
		if err != nil {
			return nil, annotate(engine.NewPermanentError(err.Error(), nil).WithCode(engine.ErrCodeProviderFailed), OpListAliases, domain)
		}
		repeated := false
		for _, a := range aliases {
			if seen[a.ID] {
				repeated = true
				continue
			}
			seen[a.ID] = true
			all = append(all, a)
		}

		// A server that ignores paging repeats the first page.
		if repeated || !morePages(resp.Header, page, len(aliases), c.pageSize) {
			return all, nil
		}
	}
}

// morePages reads the X-Page-Count header; without it a full page means more.
func morePages(h http.Header, page, got, size int) bool {
	if v := h.Get("X-Page-Count"); v != "" {
		total, err := strconv.Atoi(v)
		return err == nil && page < total
	}
	return got > 0 && got >= size
}

// SetAliasCredential sets the alias password.
func (c *Client) SetAliasCredential(ctx context.Context, domain, aliasID, secret string) error {
	_, err := c.api.Do(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "domains/" + url.PathEscape(domain) + "/aliases/" + url.PathEscape(aliasID) + "/generate-password",
		Body: map[string]any{
			"new_password": secret,
			"is_override":  true,
		},
	}, nil)
	if err != nil {
		return annotate(err, OpSetAliasCredential, domain)
	}
	return nil
}

func annotate(err error, op, domain string) error {
	var pe *engine.ProvisionError
	if errors.As(err, &pe) {
		if pe.Op == "" {
			pe.WithOp(op)
		}
		if pe.Domain == "" {
			pe.WithDomain(domain)
		}
	}
	return err
}
