package authproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Introspection is the subset of an RFC 7662 introspection response the
// proxy cares about.
type Introspection struct {
	Active    bool
	ClientID  string
	Scope     string
	Subject   string
	ExpiresAt time.Time
	Audience  []string
}

type introspectionResponse struct {
	Active    bool        `json:"active"`
	ClientID  string      `json:"client_id"`
	Scope     string      `json:"scope"`
	Subject   string      `json:"sub"`
	ExpiresAt int64       `json:"exp"`
	Audience  interface{} `json:"aud"`
}

// IntrospectToken asks the provider whether a token is currently active
// (RFC 7662). It fails when the provider publishes no introspection
// endpoint; callers that can verify locally should prefer the verifier.
func (s *Store) IntrospectToken(ctx context.Context, rawToken string) (*Introspection, error) {
	if rawToken == "" {
		return nil, fmt.Errorf("token is empty")
	}

	meta, err := s.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve introspection endpoint: %w", err)
	}
	if meta.IntrospectionEndpoint == "" {
		return nil, fmt.Errorf("provider %q does not support token introspection", meta.Issuer)
	}

	form := url.Values{"token": {rawToken}}
	if s.cfg.ClientSecret == "" {
		form.Set("client_id", s.cfg.ClientID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.IntrospectionEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if s.cfg.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(s.cfg.ClientID), url.QueryEscape(s.cfg.ClientSecret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection endpoint returned status %d", resp.StatusCode)
	}

	var body introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode introspection response: %w", err)
	}

	out := &Introspection{
		Active:   body.Active,
		ClientID: body.ClientID,
		Scope:    body.Scope,
		Subject:  body.Subject,
		Audience: parseAudience(body.Audience),
	}
	if body.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(body.ExpiresAt, 0)
	}
	return out, nil
}

// parseAudience accepts the string and string-array forms aud may take.
func parseAudience(v interface{}) []string {
	switch aud := v.(type) {
	case string:
		if aud == "" {
			return nil
		}
		return []string{aud}
	case []interface{}:
		out := make([]string, 0, len(aud))
		for _, item := range aud {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
