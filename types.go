package authproxy

import (
	"time"

	"golang.org/x/oauth2"
)

// StoredToken is the store's snapshot of a user's OAuth credentials. The
// store owns the canonical copy; callers always receive clones and can
// never mutate stored state.
type StoredToken struct {
	// AccessToken is the bearer credential for the downstream API.
	AccessToken string

	// TokenType is the token type, normally "Bearer".
	TokenType string

	// RefreshToken is the provider's refresh credential. Empty for
	// bundles obtained from a caller-presented bearer token.
	RefreshToken string

	// Scope is the space-separated granted scope string.
	Scope string

	// IssuedAt is when this bundle was stored.
	IssuedAt time.Time

	// ExpiresIn is the access token lifetime in seconds. Zero means the
	// provider reported no expiry.
	ExpiresIn int64
}

// ExpiresAt returns the token's expiry deadline, or the zero time when the
// provider reported no lifetime.
func (t *StoredToken) ExpiresAt() time.Time {
	if t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// expiredWithin reports whether the token is expired once the skew margin
// is applied. Tokens without a known expiry never report expired.
func (t *StoredToken) expiredWithin(skew time.Duration, now time.Time) bool {
	exp := t.ExpiresAt()
	if exp.IsZero() {
		return false
	}
	return !now.Before(exp.Add(-skew))
}

func (t *StoredToken) clone() *StoredToken {
	c := *t
	return &c
}

// Token converts the snapshot to an oauth2.Token for interop with callers
// that speak the standard type.
func (t *StoredToken) Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt(),
	}
	if t.Scope != "" {
		tok = tok.WithExtra(map[string]interface{}{"scope": t.Scope})
	}
	return tok
}

// newStoredToken normalizes an oauth2.Token bundle into a snapshot.
func newStoredToken(tok *oauth2.Token, now time.Time) *StoredToken {
	st := &StoredToken{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		IssuedAt:     now,
	}
	if st.TokenType == "" {
		st.TokenType = "Bearer"
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		st.Scope = scope
	}
	if !tok.Expiry.IsZero() {
		if secs := int64(tok.Expiry.Sub(now).Seconds()); secs > 0 {
			st.ExpiresIn = secs
		}
	}
	return st
}

// SessionAuthorization is the answer to "is this session authenticated, and
// with what token". It is a read-only view; the store keeps ownership of
// the underlying state.
type SessionAuthorization struct {
	UserID      string
	AccessToken string
	TokenType   string
	Scope       string
	ExpiresAt   time.Time
}

// BearerHints carries optional metadata for CaptureBearerToken when the
// caller knows more about the token than the token itself reveals.
type BearerHints struct {
	// Subject is a caller-supplied identity used when no identity claim
	// can be extracted from the token.
	Subject string

	// Scope is the scope string to record with the synthetic bundle.
	Scope string

	// Lifetime overrides the assumed token lifetime. Zero uses the
	// configured BearerTokenLifetime.
	Lifetime time.Duration
}
