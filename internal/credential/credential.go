// Package credential exchanges a service-account key for short-lived OAuth2
// access tokens using the JWT-bearer grant.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	// MessagingScope grants access to the FCM send API.
	MessagingScope = "https://www.googleapis.com/auth/firebase.messaging"
	// DefaultTokenURI is used when the service account omits token_uri.
	DefaultTokenURI = google.JWTTokenURL
)

// ErrCredential marks every failure to produce an access token.
var ErrCredential = errors.New("push credential unavailable")

// ServiceAccount is the subset of a Google service-account key file we
// check before handing it to the JWT config.
type ServiceAccount struct {
	Type        string `json:"type"`
	ProjectID   string `json:"project_id"`
	PrivateKey  string `json:"private_key"`
	ClientEmail string `json:"client_email"`
	TokenURI    string `json:"token_uri"`
}

// ParseServiceAccount decodes and validates a service-account payload.
func ParseServiceAccount(raw []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return nil, fmt.Errorf("%w: decode service account: %v", ErrCredential, err)
	}
	var missing []string
	if strings.TrimSpace(sa.ClientEmail) == "" {
		missing = append(missing, "client_email")
	}
	if strings.TrimSpace(sa.PrivateKey) == "" {
		missing = append(missing, "private_key")
	}
	if strings.TrimSpace(sa.ProjectID) == "" {
		missing = append(missing, "project_id")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: service account missing %s", ErrCredential, strings.Join(missing, ", "))
	}
	if strings.TrimSpace(sa.TokenURI) == "" {
		sa.TokenURI = DefaultTokenURI
	}
	return &sa, nil
}

// Access is the result of one exchange.
type Access struct {
	ProjectID string
	Token     *oauth2.Token
}

// Provider mints access tokens from a raw service-account payload. A fresh
// JWT config is built on every exchange; nothing is cached between calls.
type Provider struct {
	raw   []byte
	scope string
	http  *http.Client
}

// Option customises a Provider.
type Option func(*Provider)

// WithHTTPClient overrides the client used for the token endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.http = c }
}

// WithScope overrides the requested scope.
func WithScope(scope string) Option {
	return func(p *Provider) { p.scope = scope }
}

// NewProvider returns nil when raw is empty: push is then unconfigured.
func NewProvider(raw []byte, opts ...Option) *Provider {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	p := &Provider{
		raw:   raw,
		scope: MessagingScope,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Exchange signs an assertion for the service account and trades it for an
// access token. Every failure wraps ErrCredential.
func (p *Provider) Exchange(ctx context.Context) (*Access, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: not configured", ErrCredential)
	}
	sa, err := ParseServiceAccount(p.raw)
	if err != nil {
		return nil, err
	}
	conf, err := google.JWTConfigFromJSON(p.raw, p.scope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredential, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredential, err)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.clientFor(ctx))
	token, err := conf.TokenSource(ctx).Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredential, err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: token endpoint returned no access_token", ErrCredential)
	}
	return &Access{ProjectID: sa.ProjectID, Token: token}, nil
}

// clientFor bounds the token request by ctx's deadline; the JWT source does
// not attach ctx to the request itself.
func (p *Provider) clientFor(ctx context.Context) *http.Client {
	deadline, ok := ctx.Deadline()
	if !ok {
		return p.http
	}
	remaining := time.Until(deadline)
	if p.http.Timeout > 0 && p.http.Timeout <= remaining {
		return p.http
	}
	c := *p.http
	c.Timeout = remaining
	return &c
}
