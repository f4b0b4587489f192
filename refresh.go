package authproxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-authproxy/instrumentation"
	"github.com/giantswarm/mcp-authproxy/security"
)

// refreshUser refreshes one user's token at most once no matter how many
// sessions notice the expiry simultaneously. The singleflight group is
// keyed by user id; joiners block on the leader's round trip and all
// receive the same result.
func (s *Store) refreshUser(ctx context.Context, userID string) (*StoredToken, error) {
	result, err, shared := s.refreshGroup.Do(userID, func() (interface{}, error) {
		return s.performRefresh(ctx, userID)
	})
	if shared {
		s.count(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.RefreshDeduplicated })
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.(*StoredToken), nil
}

// performRefresh runs inside the singleflight leader. The freshness
// double-check handles the stale waiter: a caller that observed expiry,
// lost the race for the group slot, and entered after the winning refresh
// already finished must not trigger a second round trip.
func (s *Store) performRefresh(ctx context.Context, userID string) (*StoredToken, error) {
	s.mu.Lock()
	tok := s.userTokens[userID]
	if tok == nil {
		s.mu.Unlock()
		return nil, nil
	}
	if !tok.expiredWithin(s.cfg.ExpirySkew, s.now()) {
		fresh := tok.clone()
		s.mu.Unlock()
		return fresh, nil
	}
	if tok.RefreshToken == "" {
		s.purgeUserLocked(userID)
		s.mu.Unlock()
		return nil, nil
	}
	prevRefresh := tok.RefreshToken
	s.mu.Unlock()

	meta, err := s.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token endpoint: %w", err)
	}

	start := s.now()
	ctx, end := s.startSpan(ctx, "store.refresh")
	newTok, err := s.exchangeRefreshToken(ctx, meta.TokenEndpoint, prevRefresh)
	end()
	s.recordRefreshDuration(ctx, s.now().Sub(start), err)

	if err != nil {
		// Approach taken deliberately: a rejected refresh token means the
		// provider no longer trusts this chain, so the user's entire state
		// is cleared and every session re-authenticates from scratch.
		s.mu.Lock()
		removed := s.purgeUserLocked(userID)
		s.mu.Unlock()

		rerr := newRefreshError(userID, err)
		s.logger.Warn("token refresh failed, cleared user state",
			"user_id_hash", security.TruncateID(userID),
			"sessions_removed", removed,
			"error_code", rerr.Code,
			"error", rerr.Description)
		s.audit.LogRefreshFailed(userID, rerr.Code)
		return nil, rerr
	}

	st := newStoredToken(newTok, s.now())
	merged, ok := s.installRefreshed(userID, st)
	if !ok {
		s.logger.Info("user state cleared during refresh, discarding refreshed token",
			"user_id_hash", security.TruncateID(userID))
		return nil, nil
	}

	rotated := merged.RefreshToken != "" && merged.RefreshToken != prevRefresh
	s.logger.Debug("token refreshed",
		"user_id_hash", security.TruncateID(userID),
		"expires_at", merged.ExpiresAt(),
		"refresh_rotated", rotated)
	s.audit.LogTokenRefreshed(userID, rotated)
	s.count(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.TokenRefreshed },
		attribute.Bool("rotated", rotated))

	return merged, nil
}

// exchangeRefreshToken performs the refresh_token grant. The oauth2
// TokenSource surfaces a rotated refresh token when the provider sends
// one; providers that keep the old token simply leave the field empty and
// the merge preserves the prior value.
func (s *Store) exchangeRefreshToken(ctx context.Context, tokenEndpoint, refreshToken string) (*oauth2.Token, error) {
	conf := &oauth2.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenEndpoint},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}

// revokeToken tells the provider to invalidate the user's credentials
// (RFC 7009). The refresh token is revoked when present since most
// providers cascade that to derived access tokens; otherwise the access
// token itself is revoked. A provider without a revocation endpoint
// degrades gracefully.
func (s *Store) revokeToken(ctx context.Context, tok *StoredToken) error {
	meta, err := s.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve revocation endpoint: %w", err)
	}
	if meta.RevocationEndpoint == "" {
		s.logger.Debug("provider has no revocation endpoint, skipping revocation")
		return nil
	}

	value, hint := tok.AccessToken, "access_token"
	if tok.RefreshToken != "" {
		value, hint = tok.RefreshToken, "refresh_token"
	}

	form := url.Values{
		"token":           {value},
		"token_type_hint": {hint},
	}
	if s.cfg.ClientSecret == "" {
		form.Set("client_id", s.cfg.ClientID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, meta.RevocationEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.cfg.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(s.cfg.ClientID), url.QueryEscape(s.cfg.ClientSecret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revocation request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// RFC 7009 section 2.2: 200 regardless of token validity.
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Store) startSpan(ctx context.Context, name string) (context.Context, func()) {
	if s.inst == nil {
		return ctx, func() {}
	}
	ctx, span := s.inst.Tracer("store").Start(ctx, name)
	return ctx, func() { span.End() }
}

func (s *Store) recordRefreshDuration(ctx context.Context, d time.Duration, err error) {
	if s.inst == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	s.inst.Metrics().RefreshDuration.Record(ctx, float64(d.Milliseconds()),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
