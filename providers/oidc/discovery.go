package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// wellKnownPaths are tried in order when fetching provider metadata.
// OAuth 2.0 Authorization Server Metadata (RFC 8414) is preferred; many
// providers only publish the OpenID Connect variant.
var wellKnownPaths = []string{
	"/.well-known/oauth-authorization-server",
	"/.well-known/openid-configuration",
}

// Metadata is a snapshot of the provider's published endpoint configuration.
// Snapshots are immutable; the Resolver replaces them wholesale on refresh.
type Metadata struct {
	Issuer                      string `json:"issuer"`
	AuthorizationEndpoint       string `json:"authorization_endpoint"`
	TokenEndpoint               string `json:"token_endpoint"`
	JWKSURI                     string `json:"jwks_uri"`
	DeviceAuthorizationEndpoint string `json:"device_authorization_endpoint,omitempty"`
	IntrospectionEndpoint       string `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint          string `json:"revocation_endpoint,omitempty"`
	UserInfoEndpoint            string `json:"userinfo_endpoint,omitempty"`

	ScopesSupported     []string `json:"scopes_supported,omitempty"`
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`
}

// DiscoveryError indicates that provider metadata could not be fetched or
// failed schema validation. The underlying cause is available via Unwrap.
type DiscoveryError struct {
	Issuer string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed for %s: %v", e.Issuer, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// cachedMetadata pairs a snapshot with its expiry deadline.
type cachedMetadata struct {
	metadata  *Metadata
	expiresAt time.Time
}

// Resolver fetches and caches the provider's discovery metadata for a single
// issuer. It is safe for concurrent use: readers load an atomic snapshot and
// never mutate it, and concurrent refetches are collapsed into one request.
type Resolver struct {
	issuerURL  string
	httpClient *http.Client
	cacheTTL   time.Duration
	logger     *slog.Logger

	cache atomic.Pointer[cachedMetadata]
	group singleflight.Group

	now func() time.Time

	// allowInsecure disables the HTTPS requirement so tests can run
	// against httptest servers. Never set outside tests.
	allowInsecure bool
}

// NewResolver creates a metadata resolver for the given issuer.
//
// Parameters:
//   - issuerURL: the provider's issuer URL (e.g. https://idp.example.com)
//   - httpClient: HTTP client for requests (nil uses a default with 10s timeout)
//   - cacheTTL: how long a fetched document stays fresh (0 uses default 1 hour)
//   - logger: structured logger (nil uses slog.Default)
func NewResolver(issuerURL string, httpClient *http.Client, cacheTTL time.Duration, logger *slog.Logger) (*Resolver, error) {
	if err := ValidateIssuerURL(issuerURL); err != nil {
		return nil, fmt.Errorf("invalid issuer URL: %w", err)
	}
	return newResolver(issuerURL, httpClient, cacheTTL, logger), nil
}

// NewTestResolver creates a resolver that accepts plain-HTTP issuers.
// INTERNAL USE ONLY: this exists so tests can point at httptest servers.
// Production code must use NewResolver.
func NewTestResolver(issuerURL string, httpClient *http.Client, cacheTTL time.Duration, logger *slog.Logger) *Resolver {
	r := newResolver(issuerURL, httpClient, cacheTTL, logger)
	r.allowInsecure = true
	return r
}

func newResolver(issuerURL string, httpClient *http.Client, cacheTTL time.Duration, logger *slog.Logger) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cacheTTL == 0 {
		cacheTTL = 1 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		issuerURL:  strings.TrimSuffix(issuerURL, "/"),
		httpClient: httpClient,
		cacheTTL:   cacheTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// IssuerURL returns the issuer this resolver is bound to.
func (r *Resolver) IssuerURL() string { return r.issuerURL }

// Resolve returns the provider metadata, fetching it if the cached snapshot
// is missing or stale. Concurrent callers during a refetch share one request.
// The cache is only replaced after a fully validated document is decoded; a
// failed fetch leaves the previous state untouched.
func (r *Resolver) Resolve(ctx context.Context) (*Metadata, error) {
	if cached := r.cache.Load(); cached != nil && r.now().Before(cached.expiresAt) {
		r.logger.Debug("discovery cache hit", "issuer", r.issuerURL)
		return cached.metadata, nil
	}

	v, err, shared := r.group.Do("discovery", func() (interface{}, error) {
		// Another caller may have completed the fetch while we waited.
		if cached := r.cache.Load(); cached != nil && r.now().Before(cached.expiresAt) {
			return cached.metadata, nil
		}

		doc, err := r.fetch(ctx)
		if err != nil {
			return nil, &DiscoveryError{Issuer: r.issuerURL, Err: err}
		}

		r.cache.Store(&cachedMetadata{
			metadata:  doc,
			expiresAt: r.now().Add(r.cacheTTL),
		})
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug("discovery fetch deduplicated", "issuer", r.issuerURL)
	}
	return v.(*Metadata), nil
}

// Invalidate clears the cached snapshot, forcing the next Resolve to refetch.
// Callers use this after repeated verification failures to rule out stale keys.
func (r *Resolver) Invalidate() {
	r.cache.Store(nil)
	r.logger.Debug("discovery cache invalidated", "issuer", r.issuerURL)
}

// fetch retrieves and validates the discovery document, trying each
// well-known path in order. Only a 404 moves on to the next path.
func (r *Resolver) fetch(ctx context.Context) (*Metadata, error) {
	var lastErr error
	for _, path := range wellKnownPaths {
		discoveryURL := r.issuerURL + path
		r.logger.Debug("fetching discovery document", "url", discoveryURL)

		doc, err := r.fetchOne(ctx, discoveryURL)
		if err == nil {
			r.logger.Info("discovery successful",
				"issuer", r.issuerURL,
				"token_endpoint", doc.TokenEndpoint,
				"device_authorization_endpoint", doc.DeviceAuthorizationEndpoint)
			return doc, nil
		}
		lastErr = err
		if !isNotFound(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// statusError reports an unexpected HTTP status from the discovery endpoint.
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("discovery request returned status %d", e.status)
}

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.status == http.StatusNotFound
}

func (r *Resolver) fetchOne(ctx context.Context, discoveryURL string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{status: resp.StatusCode}
	}

	var doc Metadata
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	if err := r.validateDocument(&doc); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}

	return &doc, nil
}

// validateDocument checks that the required endpoints are present and that
// every endpoint uses HTTPS so credentials cannot leak in transit.
func (r *Resolver) validateDocument(doc *Metadata) error {
	required := []struct {
		name string
		url  string
	}{
		{"issuer", doc.Issuer},
		{"authorization_endpoint", doc.AuthorizationEndpoint},
		{"token_endpoint", doc.TokenEndpoint},
		{"jwks_uri", doc.JWKSURI},
	}

	for _, endpoint := range required {
		if endpoint.url == "" {
			return fmt.Errorf("%s is required but missing", endpoint.name)
		}
		if err := r.requireHTTPS(endpoint.name, endpoint.url); err != nil {
			return err
		}
	}

	optional := []struct {
		name string
		url  string
	}{
		{"device_authorization_endpoint", doc.DeviceAuthorizationEndpoint},
		{"introspection_endpoint", doc.IntrospectionEndpoint},
		{"revocation_endpoint", doc.RevocationEndpoint},
		{"userinfo_endpoint", doc.UserInfoEndpoint},
	}

	for _, endpoint := range optional {
		if endpoint.url == "" {
			continue
		}
		if err := r.requireHTTPS(endpoint.name, endpoint.url); err != nil {
			return err
		}
	}

	return nil
}

func (r *Resolver) requireHTTPS(name, rawURL string) error {
	if r.allowInsecure {
		return nil
	}
	if !strings.HasPrefix(rawURL, "https://") {
		return fmt.Errorf("%s must use HTTPS: %s", name, rawURL)
	}
	return nil
}
