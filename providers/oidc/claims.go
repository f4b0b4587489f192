package oidc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Claims is the normalized view of a verified (or peeked) token.
type Claims struct {
	// Subject is the resolved user identity. Resolution checks the "sub"
	// claim first, then "user_id", then "uid"; the first non-empty value
	// wins. Empty when the token carries none of them.
	Subject string

	// Issuer is the "iss" claim, empty when absent.
	Issuer string

	// Scopes is the granted scope list, split on whitespace and commas.
	Scopes []string

	// ExpiresAt is the "exp" claim; zero when absent.
	ExpiresAt time.Time

	// Audience is the "aud" claim, normalized to a list.
	Audience []string
}

// ExtractClaims decodes a token's payload WITHOUT verifying its signature
// and returns the normalized claims. It is used for identity keying of
// token bundles that were just obtained from the provider over TLS; inbound
// bearer tokens must go through Verifier.Verify instead.
func ExtractClaims(raw string) (*Claims, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("token is not a JWT")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		// Some implementations emit standard base64; tolerate it.
		payload, err = base64.RawStdEncoding.DecodeString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("failed to decode token payload: %w", err)
		}
	}

	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to parse token claims: %w", err)
	}

	return normalizeClaims(m), nil
}

// normalizeClaims maps raw JWT claims onto the Claims structure.
func normalizeClaims(m map[string]any) *Claims {
	c := &Claims{
		Subject: subjectFromClaims(m),
	}

	if iss, ok := m["iss"].(string); ok {
		c.Issuer = iss
	}

	switch scope := m["scope"].(type) {
	case string:
		c.Scopes = SplitScopes(scope)
	case []any:
		for _, s := range scope {
			if str, ok := s.(string); ok {
				c.Scopes = append(c.Scopes, str)
			}
		}
	}

	if exp, ok := m["exp"].(float64); ok {
		c.ExpiresAt = time.Unix(int64(exp), 0)
	}

	switch aud := m["aud"].(type) {
	case string:
		c.Audience = []string{aud}
	case []any:
		for _, a := range aud {
			if str, ok := a.(string); ok {
				c.Audience = append(c.Audience, str)
			}
		}
	}

	return c
}

// subjectClaimPriority is the order in which identity claims are consulted.
var subjectClaimPriority = []string{"sub", "user_id", "uid"}

func subjectFromClaims(m map[string]any) string {
	for _, claim := range subjectClaimPriority {
		if v, ok := m[claim].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// SplitScopes splits a scope string on whitespace and commas, dropping
// empty entries. Providers disagree on the separator; accept both.
func SplitScopes(scope string) []string {
	fields := strings.FieldsFunc(scope, func(r rune) bool {
		return unicode.IsSpace(r) || r == ','
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}
