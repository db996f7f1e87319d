package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mailgrid/mailgrid/pkg/engine"
)

// AuthScheme selects how the API token is sent.
type AuthScheme string

const (
	// AuthBearer sends "Authorization: Bearer <token>".
	AuthBearer AuthScheme = "bearer"

	// AuthBasic sends the token as the basic-auth user name with an empty password.
	AuthBasic AuthScheme = "basic"
)

// Config configures a Client.
type Config struct {
	BaseURL   string
	Token     string
	Auth      AuthScheme
	UserAgent string

	// Timeout bounds a whole request including reading the body.
	Timeout time.Duration

	DialTimeout         time.Duration
	TLSHandshake        time.Duration
	ResponseHeader      time.Duration
	IdleConnTimeout     time.Duration
	MaxIdleConnsPerHost int
}

// DefaultConfig returns transport defaults suitable for provider APIs.
func DefaultConfig() Config {
	return Config{
		Auth:                AuthBearer,
		UserAgent:           "mailgrid",
		Timeout:             30 * time.Second,
		DialTimeout:         5 * time.Second,
		TLSHandshake:        5 * time.Second,
		ResponseHeader:      15 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 16,
	}
}

// Client is a JSON REST client whose errors are classified engine faults.
type Client struct {
	base   *url.URL
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used for request tracing at debug level.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for cfg.BaseURL.
func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL scheme %q", base.Scheme)
	}

	def := DefaultConfig()
	if cfg.Auth == "" {
		cfg.Auth = def.Auth
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}

	c := &Client{
		base:   base,
		cfg:    cfg,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = newHTTPClient(cfg, def)
	}
	return c, nil
}

func newHTTPClient(cfg, def Config) *http.Client {
	pick := func(v, d time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return d
	}
	idle := cfg.MaxIdleConnsPerHost
	if idle == 0 {
		idle = def.MaxIdleConnsPerHost
	}

	dialer := &net.Dialer{
		Timeout:   pick(cfg.DialTimeout, def.DialTimeout),
		KeepAlive: 30 * time.Second,
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          idle * 4,
		MaxIdleConnsPerHost:   idle,
		IdleConnTimeout:       pick(cfg.IdleConnTimeout, def.IdleConnTimeout),
		TLSHandshakeTimeout:   pick(cfg.TLSHandshake, def.TLSHandshake),
		ResponseHeaderTimeout: pick(cfg.ResponseHeader, def.ResponseHeader),
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Transport: tr, Timeout: cfg.Timeout}
}

// Response is a completed HTTP exchange.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Duration time.Duration
}

// Request describes one API call. Path is relative to the base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Form   url.Values
}

// Do sends req. Non-2xx statuses and transport failures are returned as
// *engine.ProvisionError. When out is non-nil a 2xx JSON body is decoded into it.
func (c *Client) Do(ctx context.Context, req Request, out any) (*Response, error) {
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		return nil, c.transportFault(ctx, req, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportFault(ctx, req, err)
	}

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Msg("Provider request")

	result := &Response{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		Duration: duration,
	}

	if perr := ClassifyStatus(resp.StatusCode, body); perr != nil {
		c.logger.Warn().
			Str("method", req.Method).
			Str("path", req.Path).
			Int("status", resp.StatusCode).
			Str("class", string(perr.Class)).
			Str("code", perr.Code).
			Msg(perr.Message)
		return result, perr
	}

	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return result, engine.NewPermanentError("malformed response body", err).
				WithCode(engine.ErrCodeProviderFailed).
				WithStatus(resp.StatusCode)
		}
	}
	return result, nil
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	ref, err := url.Parse(strings.TrimLeft(req.Path, "/"))
	if err != nil {
		return nil, engine.NewPermanentError("invalid request path", err).WithCode(engine.ErrCodeValidation)
	}
	target := c.base.ResolveReference(ref)
	if len(req.Query) > 0 {
		target.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.Body != nil:
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, engine.NewPermanentError("failed to encode request body", err).WithCode(engine.ErrCodeValidation)
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, engine.NewPermanentError("failed to build request", err).WithCode(engine.ErrCodeValidation)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	switch c.cfg.Auth {
	case AuthBasic:
		httpReq.SetBasicAuth(c.cfg.Token, "")
	default:
		if c.cfg.Token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}
	}
	return httpReq, nil
}

func (c *Client) transportFault(ctx context.Context, req Request, err error) error {
	fault := classifyTransport(ctx, err)
	if ctx.Err() == nil {
		c.logger.Warn().Err(err).Str("method", req.Method).Str("path", req.Path).Msg("Provider request failed")
	}
	return fault
}

// classifyTransport maps client-side failures. Cancellation of the caller's
// context is returned unchanged so the engine treats it as an interruption.
func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return ctx.Err()
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return engine.NewTransientError("request timed out", err).WithCode(engine.ErrCodeTimeout)
	}
	return engine.NewTransientError("request failed", err).WithCode(engine.ErrCodeProviderFailed)
}

// ClassifyStatus maps an HTTP status to a classified fault, or nil for 2xx.
func ClassifyStatus(status int, body []byte) *engine.ProvisionError {
	if status >= 200 && status < 300 {
		return nil
	}

	msg := errorMessage(status, body)
	var perr *engine.ProvisionError
	switch {
	case status == http.StatusUnauthorized:
		perr = engine.NewCriticalError(msg, nil).WithCode(engine.ErrCodeUnauthorized)
	case status == http.StatusForbidden:
		perr = engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeForbidden)
	case status == http.StatusNotFound:
		perr = engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeNotFound)
	case status == http.StatusConflict:
		perr = engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeConflict)
	case status == http.StatusTooManyRequests:
		perr = engine.NewRateLimitedError(msg, nil)
	case status == http.StatusRequestTimeout:
		perr = engine.NewTransientError(msg, nil).WithCode(engine.ErrCodeTimeout)
	case status >= 500:
		perr = engine.NewTransientError(msg, nil).WithCode(engine.ErrCodeProviderFailed)
	default:
		perr = engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeValidation)
	}
	return perr.WithStatus(status)
}

// errorMessage extracts a human-readable message from an error body.
func errorMessage(status int, body []byte) string {
	var doc struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &doc) == nil {
		switch {
		case doc.Message != "":
			return doc.Message
		case len(doc.Errors) > 0 && doc.Errors[0].Message != "":
			return doc.Errors[0].Message
		}
		if s, ok := doc.Error.(string); ok && s != "" {
			return s
		}
	}

	text := strings.TrimSpace(string(body))
	if text == "" || len(text) > 200 {
		return fmt.Sprintf("HTTP %d %s", status, http.StatusText(status))
	}
	return fmt.Sprintf("HTTP %d: %s", status, text)
}
