package authproxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/giantswarm/mcp-authproxy/instrumentation"
	"github.com/giantswarm/mcp-authproxy/providers/oidc"
)

const (
	// DefaultExpirySkew is subtracted from a token's nominal expiry so a
	// refresh is triggered before the token actually dies on the wire.
	DefaultExpirySkew = 30 * time.Second

	// DefaultBearerTokenLifetime is the assumed lifetime for captured
	// bearer tokens whose real expiry is unknown.
	DefaultBearerTokenLifetime = 5 * time.Minute

	// DefaultCleanupInterval is how often the store drops tokens that
	// are past expiry with no way to refresh them.
	DefaultCleanupInterval = 5 * time.Minute
)

// Config holds the session-token store configuration.
type Config struct {
	// ClientID is the OAuth client id used for refresh and revocation.
	// May be empty in pure resource-server deployments that only ever
	// capture caller-presented bearer tokens.
	ClientID string

	// ClientSecret is the OAuth client secret, empty for public clients.
	ClientSecret string

	// ExpirySkew is the safety margin before real expiry at which a
	// token counts as expired. Default: 30s.
	ExpirySkew time.Duration

	// BearerTokenLifetime is the assumed lifetime of captured bearer
	// tokens. Default: 5m.
	BearerTokenLifetime time.Duration

	// CleanupInterval is how often the background janitor runs.
	// Negative disables the janitor. Default: 5m.
	CleanupInterval time.Duration

	// Logger for structured logging (nil uses slog.Default).
	Logger *slog.Logger

	// HTTPClient for token endpoint calls (nil uses a default with 30s timeout).
	HTTPClient *http.Client

	// Instrumentation records store metrics and spans when set.
	Instrumentation *instrumentation.Instrumentation

	// EnableAuditLogging enables the security audit trail. Token values
	// and user ids are hashed before they reach the log stream.
	EnableAuditLogging bool
}

// withDefaults returns a copy of the config with defaults applied.
func (c Config) withDefaults() Config {
	if c.ExpirySkew <= 0 {
		c.ExpirySkew = DefaultExpirySkew
	}
	if c.BearerTokenLifetime <= 0 {
		c.BearerTokenLifetime = DefaultBearerTokenLifetime
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

// validate checks constraints that defaults cannot repair.
func (c Config) validate(resolver *oidc.Resolver) error {
	if resolver == nil {
		return fmt.Errorf("resolver is required")
	}
	if c.ClientSecret != "" && c.ClientID == "" {
		return fmt.Errorf("client secret is set but client ID is empty")
	}
	return nil
}
