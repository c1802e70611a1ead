package tokenclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

const (
	// DefaultTimeout bounds a single exchange, including transport retries.
	DefaultTimeout = 10 * time.Second

	// maxResponseBytes caps how much of the token response is read.
	maxResponseBytes = 1 << 20
)

var tracer = otel.Tracer("github.com/tradedash/tokenkeeper/internal/tokenclient")

// Requester executes HTTP requests. *retry.Client satisfies it.
type Requester interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Option configures a Client.
type Option func(*clientConfig)

// clientConfig holds configuration for New.
type clientConfig struct {
	httpClient *http.Client
	requester  Requester
	timeout    time.Duration
}

// WithHTTPClient sets the HTTP client wrapped by the retrying requester.
// If not provided, a client with TLS 1.2+ and pooled connections is used.
func WithHTTPClient(client *http.Client) Option {
	return func(c *clientConfig) {
		c.httpClient = client
	}
}

// WithRequester replaces the retrying requester entirely.
func WithRequester(requester Requester) Option {
	return func(c *clientConfig) {
		c.requester = requester
	}
}

// WithTimeout sets the per-exchange timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *clientConfig) {
		c.timeout = timeout
	}
}

// Client performs refresh-token exchanges. It holds no token state and is safe for
// concurrent use.
type Client struct {
	tokenURL  string
	requester Requester
	timeout   time.Duration
}

// New creates a Client for the endpoint's TokenURL.
// Returns a *ConfigurationError if the URL is not an absolute http(s) URL.
func New(endpoint oauth2.Endpoint, opts ...Option) (*Client, error) {
	if err := validateTokenURL(endpoint.TokenURL); err != nil {
		return nil, &ConfigurationError{Field: "token_url", Value: endpoint.TokenURL, Err: err}
	}

	cfg := &clientConfig{
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.requester == nil {
		httpClient := cfg.httpClient
		if httpClient == nil {
			httpClient = defaultHTTPClient()
		}
		retryClient, err := retry.NewClient(retry.WithHTTPClient(httpClient))
		if err != nil {
			return nil, fmt.Errorf("failed to create retry client: %w", err)
		}
		cfg.requester = retryClient
	}

	return &Client{
		tokenURL:  endpoint.TokenURL,
		requester: cfg.requester,
		timeout:   cfg.timeout,
	}, nil
}

// errorResponse is the OAuth2 error body some servers send with non-200 answers.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ExchangeRefreshToken trades refreshToken for a new Grant.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (Grant, error) {
	ctx, span := tracer.Start(ctx, "tokenclient.ExchangeRefreshToken", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	grant, err := c.exchange(ctx, refreshToken)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token exchange failed")
		return Grant{}, err
	}

	span.SetAttributes(attribute.Int("oauth2.expires_in", grant.ExpiresIn))
	return grant, nil
}

func (c *Client) exchange(ctx context.Context, refreshToken string) (Grant, error) {
	if refreshToken == "" {
		return Grant{}, &TransportError{Err: errors.New("refresh token is empty")}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Grant{}, &TransportError{Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.requester.DoWithContext(reqCtx, req)
	if err != nil {
		return Grant{}, &TransportError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Grant{}, &TransportError{Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		serverErr := &AuthServerError{StatusCode: resp.StatusCode}
		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil {
			serverErr.Code = errResp.Error
			serverErr.Description = errResp.ErrorDescription
		}
		return Grant{}, serverErr
	}

	var grant Grant
	if err := json.Unmarshal(body, &grant); err != nil {
		return Grant{}, &DecodeError{Err: err}
	}
	if err := grant.validate(); err != nil {
		return Grant{}, &DecodeError{Err: err}
	}

	return grant, nil
}

func defaultHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	transport.MaxIdleConns = 10
	transport.IdleConnTimeout = 90 * time.Second
	transport.TLSHandshakeTimeout = 10 * time.Second
	return &http.Client{Transport: transport}
}

// validateTokenURL checks that rawURL is an absolute http(s) URL with a host.
func validateTokenURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}
