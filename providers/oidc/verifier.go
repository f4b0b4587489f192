package oidc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VerificationCause classifies why token verification failed.
type VerificationCause int

const (
	// CauseSignature means the signature did not match any published key.
	CauseSignature VerificationCause = iota + 1
	// CauseExpired means the token is past its exp claim.
	CauseExpired
	// CauseMalformed means the token could not be parsed as a JWT.
	CauseMalformed
	// CauseIssuer means the iss claim did not match the provider.
	CauseIssuer
	// CauseKeys means the provider's key set could not be obtained.
	CauseKeys
)

func (c VerificationCause) String() string {
	switch c {
	case CauseSignature:
		return "signature"
	case CauseExpired:
		return "expired"
	case CauseMalformed:
		return "malformed"
	case CauseIssuer:
		return "issuer"
	case CauseKeys:
		return "keys"
	default:
		return "unknown"
	}
}

// VerificationError reports a failed token verification with its cause.
type VerificationError struct {
	Cause VerificationCause
	Err   error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("token verification failed (%s): %v", e.Cause, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// validSigningMethods are the accepted JWS algorithms. Restricting the list
// prevents algorithm-confusion attacks (e.g. HS256 with a public key).
var validSigningMethods = []string{"RS256", "RS384", "RS512"}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// Resolver supplies the issuer and jwks_uri (required).
	Resolver *Resolver

	// AllowMissingIssuer accepts tokens that carry no iss claim at all,
	// falling back to signature-only validation with a logged warning.
	// Some providers omit the claim by default; a token with a WRONG
	// issuer is always rejected regardless of this setting.
	// Default: true.
	AllowMissingIssuer *bool

	// KeyCacheTTL is how long fetched signing keys stay fresh (default 1h).
	KeyCacheTTL time.Duration

	// HTTPClient is used for JWKS fetches (nil uses a default with 10s timeout).
	HTTPClient *http.Client

	// Logger for structured logging (nil uses slog.Default).
	Logger *slog.Logger
}

// Verifier validates bearer tokens against the provider's published key set
// and issuer. It is a pure function of (token, metadata): it keeps no
// per-session state, only the key cache.
type Verifier struct {
	resolver           *Resolver
	keys               *keySet
	allowMissingIssuer bool
	logger             *slog.Logger
}

// NewVerifier creates a token verifier backed by the given resolver.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	allowMissing := true
	if cfg.AllowMissingIssuer != nil {
		allowMissing = *cfg.AllowMissingIssuer
	}
	return &Verifier{
		resolver:           cfg.Resolver,
		keys:               newKeySet(cfg.HTTPClient, cfg.KeyCacheTTL, logger),
		allowMissingIssuer: allowMissing,
		logger:             logger,
	}, nil
}

// Verify validates the token's signature, expiry, and issuer, returning the
// normalized claims. All failures are fail-closed except the single
// documented case: a token missing the iss claim entirely is accepted on
// signature alone when AllowMissingIssuer is set, with a visible warning.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	md, err := v.resolver.Resolve(ctx)
	if err != nil {
		return nil, &VerificationError{Cause: CauseKeys, Err: err}
	}

	mapClaims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods(validSigningMethods))
	_, err = parser.ParseWithClaims(raw, mapClaims, v.keyfunc(ctx, md.JWKSURI))
	if err != nil {
		return nil, classifyParseError(err)
	}

	claims := normalizeClaims(mapClaims)

	switch {
	case claims.Issuer == md.Issuer:
		// Strict match.
	case claims.Issuer == "":
		if !v.allowMissingIssuer {
			return nil, &VerificationError{
				Cause: CauseIssuer,
				Err:   fmt.Errorf("token has no issuer claim"),
			}
		}
		v.logger.Warn("token has no issuer claim, accepting on signature alone",
			"expected_issuer", md.Issuer)
	default:
		return nil, &VerificationError{
			Cause: CauseIssuer,
			Err:   fmt.Errorf("issuer mismatch: expected %q, got %q", md.Issuer, claims.Issuer),
		}
	}

	return claims, nil
}

// InvalidateKeys drops the cached signing keys, forcing a JWKS refetch on
// the next verification. Paired with Resolver.Invalidate after repeated
// failures to rule out stale-key causes.
func (v *Verifier) InvalidateKeys() {
	v.keys.invalidate()
}

// keyfunc resolves the verification key for a parsed token header.
func (v *Verifier) keyfunc(ctx context.Context, jwksURI string) jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return v.keys.anyKey(ctx, jwksURI)
		}
		return v.keys.key(ctx, jwksURI, kid)
	}
}

// classifyParseError maps golang-jwt parse failures onto the verification
// error taxonomy.
func classifyParseError(err error) *VerificationError {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &VerificationError{Cause: CauseExpired, Err: err}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &VerificationError{Cause: CauseMalformed, Err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return &VerificationError{Cause: CauseSignature, Err: err}
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		// Keyfunc failures surface here (JWKS fetch, unknown kid).
		return &VerificationError{Cause: CauseKeys, Err: err}
	default:
		return &VerificationError{Cause: CauseSignature, Err: err}
	}
}
