package cloudflare

import (
	"context"
	"encoding/json"
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

// DefaultBaseURL is the public v4 endpoint.
const DefaultBaseURL = "https://api.cloudflare.com/client/v4"

// Operation names reported in classified errors.
const (
	OpResolveZone  = "resolve_zone"
	OpUpsertRecord = "upsert_record"
	OpListRecords  = "list_records"
)

const perPage = 100

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client implements engine.DNSProvider.
type Client struct {
	api *httpapi.Client
}

var _ engine.DNSProvider = (*Client)(nil)

// New creates a client authenticating with a scoped API token.
func New(cfg Config, opts ...httpapi.Option) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("cloudflare: API token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	httpCfg := httpapi.DefaultConfig()
	httpCfg.BaseURL = cfg.BaseURL
	httpCfg.Token = cfg.Token
	httpCfg.Auth = httpapi.AuthBearer
	if cfg.Timeout > 0 {
		httpCfg.Timeout = cfg.Timeout
	}

	api, err := httpapi.New(httpCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("cloudflare: %w", err)
	}
	return &Client{api: api}, nil
}

type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type resultInfo struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
	Count      int `json:"count"`
}

type envelope struct {
	Success    bool            `json:"success"`
	Errors     []apiMessage    `json:"errors"`
	Result     json.RawMessage `json:"result"`
	ResultInfo *resultInfo     `json:"result_info"`
}

type zone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type record struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Content  string `json:"content"`
	TTL      int    `json:"ttl,omitempty"`
	Priority *int   `json:"priority,omitempty"`
}

func (r record) toDNS() engine.DNSRecord {
	return engine.DNSRecord{
		ID:       r.ID,
		Type:     r.Type,
		Name:     r.Name,
		Value:    unquote(r.Type, r.Content),
		TTL:      r.TTL,
		Priority: r.Priority,
	}
}

func fromDNS(r engine.DNSRecord) record {
	ttl := r.TTL
	if ttl <= 0 {
		ttl = 1 // automatic
	}
	return record{
		Type:     strings.ToUpper(r.Type),
		Name:     strings.TrimSuffix(r.Name, "."),
		Content:  r.Value,
		TTL:      ttl,
		Priority: r.Priority,
	}
}

// unquote strips the quotes Cloudflare may add around TXT content.
func unquote(recordType, content string) string {
	if strings.EqualFold(recordType, "TXT") && len(content) >= 2 &&
		strings.HasPrefix(content, `"`) && strings.HasSuffix(content, `"`) {
		return content[1 : len(content)-1]
	}
	return content
}

// call sends req and decodes the envelope's result into out.
func (c *Client) call(ctx context.Context, req httpapi.Request, out any) (*resultInfo, error) {
	var env envelope
	if _, err := c.api.Do(ctx, req, &env); err != nil {
		return nil, err
	}
	if !env.Success {
		msg := "request was not successful"
		if len(env.Errors) > 0 {
			msg = env.Errors[0].Message
		}
		return nil, engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeProviderFailed)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return nil, engine.NewPermanentError("malformed result", err).WithCode(engine.ErrCodeProviderFailed)
		}
	}
	return env.ResultInfo, nil
}

// ResolveZone looks up the zone of the domain by exact name.
func (c *Client) ResolveZone(ctx context.Context, domain string) (string, error) {
	name := strings.ToLower(strings.TrimSuffix(domain, "."))
	var zones []zone
	_, err := c.call(ctx, httpapi.Request{
		Method: http.MethodGet,
		Path:   "zones",
		Query:  url.Values{"name": {name}},
	}, &zones)
	if err != nil {
		return "", annotate(err, OpResolveZone, domain)
	}
	for _, z := range zones {
		if strings.EqualFold(z.Name, name) && z.ID != "" {
			return z.ID, nil
		}
	}
	return "", engine.NewPermanentError("zone not found for "+domain, nil).
		WithCode(engine.ErrCodeNotFound).WithOp(OpResolveZone).WithDomain(domain)
}

// UpsertRecord creates the record, or updates the existing record with the
// same identity. Matching content is left untouched.
func (c *Client) UpsertRecord(ctx context.Context, zoneID string, desired engine.DNSRecord) (string, error) {
	existing, err := c.list(ctx, zoneID, engine.RecordFilter{Type: desired.Type, Name: desired.Name})
	if err != nil {
		return "", annotate(err, OpUpsertRecord, desired.Name)
	}

	body := fromDNS(desired)
	for _, r := range existing {
		if !desired.Matches(r) {
			continue
		}
		if desired.SameContent(r) {
			return r.ID, nil
		}
		_, err := c.call(ctx, httpapi.Request{
			Method: http.MethodPut,
			Path:   "zones/" + url.PathEscape(zoneID) + "/dns_records/" + url.PathEscape(r.ID),
			Body:   body,
		}, nil)
		if err != nil {
			return "", annotate(err, OpUpsertRecord, desired.Name)
		}
		return r.ID, nil
	}

	var created record
	_, err = c.call(ctx, httpapi.Request{
		Method: http.MethodPost,
		Path:   "zones/" + url.PathEscape(zoneID) + "/dns_records",
		Body:   body,
	}, &created)
	if err != nil {
		return "", annotate(err, OpUpsertRecord, desired.Name)
	}
	if created.ID == "" {
		return "", engine.NewPermanentError("provider returned no record id", nil).
			WithCode(engine.ErrCodeProviderFailed).WithOp(OpUpsertRecord).WithDomain(desired.Name)
	}
	return created.ID, nil
}

// ListRecords returns the zone's records matching the filter.
func (c *Client) ListRecords(ctx context.Context, zoneID string, filter engine.RecordFilter) ([]engine.DNSRecord, error) {
	out, err := c.list(ctx, zoneID, filter)
	if err != nil {
		return nil, annotate(err, OpListRecords, filter.Name)
	}
	return out, nil
}

func (c *Client) list(ctx context.Context, zoneID string, filter engine.RecordFilter) ([]engine.DNSRecord, error) {
	var out []engine.DNSRecord
	for page := 1; ; page++ {
		q := url.Values{
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(perPage)},
		}
		if filter.Type != "" {
			q.Set("type", strings.ToUpper(filter.Type))
		}
		if filter.Name != "" {
			q.Set("name", strings.TrimSuffix(filter.Name, "."))
		}

		var records []record
		info, err := c.call(ctx, httpapi.Request{
			Method: http.MethodGet,
			Path:   "zones/" + url.PathEscape(zoneID) + "/dns_records",
			Query:  q,
		}, &records)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			out = append(out, r.toDNS())
		}
		if info == nil || page >= info.TotalPages || len(records) == 0 {
			return out, nil
		}
	}
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
