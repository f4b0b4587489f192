// Package authproxy implements the session/user/token lifecycle core of an
// OAuth authentication proxy. It binds opaque protocol sessions to
// authenticated users, stores and refreshes each user's provider tokens,
// and de-duplicates concurrent refresh attempts.
//
// The proxy never issues tokens of its own; every credential it holds was
// minted by the upstream identity provider.
package authproxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-authproxy/instrumentation"
	"github.com/giantswarm/mcp-authproxy/providers/oidc"
	"github.com/giantswarm/mcp-authproxy/security"
)

// API is the narrow surface consumed by internal collaborators (the
// transport/session layer and the tool dispatcher). The diagnostics
// accessors are for health and debug surfaces only; nothing inside the
// store keys control flow off them.
type API interface {
	StoreTokens(ctx context.Context, sessionID string, bundle *oauth2.Token, fallbackUserID string) (*StoredToken, error)
	CaptureBearerToken(ctx context.Context, sessionID, rawToken string, hints BearerHints) (*StoredToken, error)
	ResolveSessionAuthorization(ctx context.Context, sessionID string) (*SessionAuthorization, error)
	LogoutSession(ctx context.Context, sessionID string) error
	DetachSession(sessionID string)

	UserCount() int
	SessionCount() int
	SessionSnapshot() map[string]string
}

// Store is the session-token store. It owns three pieces of relational
// state: the session→user binding, the user→token table, and the per-user
// in-flight refresh marker. The first two live behind one mutex so no
// operation can observe a partial update; the third is the singleflight
// group, whose key-scoped execution is what guarantees at most one refresh
// per user at any instant.
type Store struct {
	cfg        Config
	resolver   *oidc.Resolver
	logger     *slog.Logger
	httpClient *http.Client
	inst       *instrumentation.Instrumentation
	audit      *security.Auditor

	mu          sync.Mutex
	sessionUser map[string]string
	userTokens  map[string]*StoredToken

	refreshGroup singleflight.Group

	now func() time.Time

	stopJanitor chan struct{}
	stopOnce    sync.Once
}

var _ API = (*Store)(nil)

// NewStore creates a session-token store backed by the given resolver.
// When CleanupInterval is not negative a background janitor drops tokens
// that are past expiry with no refresh token; call Close to stop it.
func NewStore(cfg Config, resolver *oidc.Resolver) (*Store, error) {
	if err := cfg.validate(resolver); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	s := &Store{
		cfg:         cfg,
		resolver:    resolver,
		logger:      cfg.Logger,
		httpClient:  cfg.HTTPClient,
		inst:        cfg.Instrumentation,
		audit:       security.NewAuditor(cfg.Logger, cfg.EnableAuditLogging),
		sessionUser: make(map[string]string),
		userTokens:  make(map[string]*StoredToken),
		now:         time.Now,
		stopJanitor: make(chan struct{}),
	}

	if s.inst != nil {
		if err := s.inst.RegisterStoreSizeCallbacks(
			func() int64 { return int64(s.UserCount()) },
			func() int64 { return int64(s.SessionCount()) },
		); err != nil {
			s.logger.Warn("failed to register store gauges", "error", err)
		}
	}

	if cfg.CleanupInterval > 0 {
		go s.janitorLoop()
	}

	return s, nil
}

// Close stops the background janitor. Safe to call more than once.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopJanitor) })
}

// StoreTokens binds a freshly obtained token bundle to a session.
//
// The user identity is resolved from the access token's claims (sub, then
// user_id, then uid), falling back to fallbackUserID and finally to the
// session id itself. The last resort is logged loudly because two
// claimless users would collide onto one pseudo-identity.
//
// Storing merges with any previous bundle for the same user: a missing
// refresh token or scope inherits the prior value, since providers may
// legitimately answer a refresh with an access token only. Because tokens
// are keyed by user, every other session bound to the same user sees the
// merged bundle immediately, with no per-session refresh.
func (s *Store) StoreTokens(ctx context.Context, sessionID string, bundle *oauth2.Token, fallbackUserID string) (*StoredToken, error) {
	if bundle == nil || bundle.AccessToken == "" {
		return nil, fmt.Errorf("token bundle has no access token")
	}

	userID := s.resolveUserID(sessionID, bundle.AccessToken, fallbackUserID)
	merged := s.bindAndMerge(sessionID, userID, newStoredToken(bundle, s.now()))

	s.logger.Debug("stored tokens",
		"session_id", security.TruncateID(sessionID),
		"user_id_hash", security.TruncateID(userID),
		"expires_at", merged.ExpiresAt(),
		"has_refresh", merged.RefreshToken != "")
	s.audit.LogTokenStored(userID, sessionID, merged.Scope, merged.RefreshToken != "")
	s.count(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.TokensStored })

	return merged, nil
}

// CaptureBearerToken records a caller-presented bearer token for a session.
// The synthetic bundle has no refresh token and a short assumed lifetime;
// when it expires the session simply becomes unauthenticated again.
func (s *Store) CaptureBearerToken(ctx context.Context, sessionID, rawToken string, hints BearerHints) (*StoredToken, error) {
	if rawToken == "" {
		return nil, fmt.Errorf("bearer token is empty")
	}

	lifetime := hints.Lifetime
	if lifetime <= 0 {
		lifetime = s.cfg.BearerTokenLifetime
	}

	tok := &oauth2.Token{
		AccessToken: rawToken,
		TokenType:   "Bearer",
		Expiry:      s.now().Add(lifetime),
	}
	if hints.Scope != "" {
		tok = tok.WithExtra(map[string]interface{}{"scope": hints.Scope})
	}

	st, err := s.StoreTokens(ctx, sessionID, tok, hints.Subject)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	userID := s.sessionUser[sessionID]
	s.mu.Unlock()
	s.audit.LogBearerCaptured(userID, sessionID)
	return st, nil
}

// ResolveSessionAuthorization answers whether a session is authenticated
// and with what token. An unbound session returns (nil, nil): that is the
// normal unauthenticated state, not an error.
//
// A token found expired (within the skew window) triggers exactly one
// refresh; concurrent callers for the same user join the in-flight refresh
// instead of issuing their own. A token that is expired with no refresh
// token is unrecoverable: the user's state is cleared and nil is returned.
func (s *Store) ResolveSessionAuthorization(ctx context.Context, sessionID string) (*SessionAuthorization, error) {
	s.mu.Lock()
	userID, ok := s.sessionUser[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	tok := s.userTokens[userID]
	if tok == nil {
		// Stale binding left behind by a purge on a sibling session.
		delete(s.sessionUser, sessionID)
		s.mu.Unlock()
		return nil, nil
	}
	if !tok.expiredWithin(s.cfg.ExpirySkew, s.now()) {
		authz := authorizationFor(userID, tok)
		s.mu.Unlock()
		return authz, nil
	}
	if tok.RefreshToken == "" {
		s.purgeUserLocked(userID)
		s.mu.Unlock()
		s.logger.Info("token expired with no refresh token, cleared user state",
			"user_id_hash", security.TruncateID(userID))
		return nil, nil
	}
	s.mu.Unlock()

	fresh, err := s.refreshUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if fresh == nil {
		return nil, nil
	}
	return authorizationFor(userID, fresh), nil
}

// LogoutSession logs out the USER behind a session: the token is revoked at
// the provider (best effort), then every session bound to that user is
// removed along with the stored token. A user who logs out on one device
// must not remain silently authenticated on another.
func (s *Store) LogoutSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	userID, ok := s.sessionUser[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	var tok *StoredToken
	if t := s.userTokens[userID]; t != nil {
		tok = t.clone()
	}
	s.mu.Unlock()

	if tok != nil {
		if err := s.revokeToken(ctx, tok); err != nil {
			// Revocation is best effort: a provider outage must not
			// keep the user logged in locally.
			s.logger.Warn("token revocation failed during logout",
				"user_id_hash", security.TruncateID(userID), "error", err)
			s.audit.LogTokenRevoked(userID, false)
		} else {
			s.audit.LogTokenRevoked(userID, true)
			s.count(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.TokensRevoked })
		}
	}

	s.mu.Lock()
	removed := s.purgeUserLocked(userID)
	s.mu.Unlock()

	s.logger.Info("user logged out",
		"user_id_hash", security.TruncateID(userID), "sessions_removed", removed)
	s.audit.LogLogout(userID, removed)
	s.count(ctx, func(m *instrumentation.Metrics) metric.Int64Counter { return m.UsersLoggedOut })
	return nil
}

// DetachSession removes one session binding on ordinary disconnect. The
// user's token survives so a reconnecting session can recover it without
// re-authenticating.
func (s *Store) DetachSession(sessionID string) {
	s.mu.Lock()
	userID, ok := s.sessionUser[sessionID]
	if ok {
		delete(s.sessionUser, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.logger.Debug("session detached",
		"session_id", security.TruncateID(sessionID),
		"user_id_hash", security.TruncateID(userID))
	s.audit.LogSessionDetached(userID, sessionID)
	s.count(context.Background(), func(m *instrumentation.Metrics) metric.Int64Counter { return m.SessionsDetached })
}

// UserCount returns the number of users with a stored token.
func (s *Store) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.userTokens)
}

// SessionCount returns the number of bound sessions.
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessionUser)
}

// SessionSnapshot returns a copy of the session→user mapping for debug
// surfaces.
func (s *Store) SessionSnapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]string, len(s.sessionUser))
	for sid, uid := range s.sessionUser {
		snapshot[sid] = uid
	}
	return snapshot
}

// resolveUserID derives the identity key for a token bundle.
func (s *Store) resolveUserID(sessionID, accessToken, fallbackUserID string) string {
	if claims, err := oidc.ExtractClaims(accessToken); err == nil && claims.Subject != "" {
		return claims.Subject
	}
	if fallbackUserID != "" {
		return fallbackUserID
	}
	// Accepted degradation: without any identity claim the session id
	// becomes the user key, so two claimless users could collide onto one
	// pseudo-identity. Loud on purpose.
	s.logger.Warn("no identity claim in access token, using session id as user id",
		"session_id", security.TruncateID(sessionID))
	s.audit.LogIdentityFallback(sessionID, sessionID)
	return sessionID
}

// bindAndMerge installs a token for a user and optionally binds a session.
// The merge invariants match installRefreshed: refresh token and scope are
// preserved when the new bundle omits them, and the stored value is
// replaced wholesale, never mutated in place.
func (s *Store) bindAndMerge(sessionID, userID string, st *StoredToken) *StoredToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := s.userTokens[userID]; prev != nil {
		if st.RefreshToken == "" {
			st.RefreshToken = prev.RefreshToken
		}
		if st.Scope == "" {
			st.Scope = prev.Scope
		}
	}
	s.userTokens[userID] = st
	if sessionID != "" {
		s.sessionUser[sessionID] = userID
	}
	return st.clone()
}

// installRefreshed merges a refreshed bundle into the user's existing slot.
// It refuses to install when the user no longer exists: a logout that
// completed while the refresh round trip was in flight must win, otherwise
// the install would resurrect credentials for a logged-out user.
func (s *Store) installRefreshed(userID string, st *StoredToken) (*StoredToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.userTokens[userID]
	if !ok {
		return nil, false
	}
	if st.RefreshToken == "" {
		st.RefreshToken = prev.RefreshToken
	}
	if st.Scope == "" {
		st.Scope = prev.Scope
	}
	s.userTokens[userID] = st
	return st.clone(), true
}

// purgeUserLocked removes a user's token and every session bound to the
// user. Caller holds s.mu. Returns the number of sessions removed.
func (s *Store) purgeUserLocked(userID string) int {
	delete(s.userTokens, userID)
	removed := 0
	for sid, uid := range s.sessionUser {
		if uid == userID {
			delete(s.sessionUser, sid)
			removed++
		}
	}
	return removed
}

func authorizationFor(userID string, tok *StoredToken) *SessionAuthorization {
	return &SessionAuthorization{
		UserID:      userID,
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		Scope:       tok.Scope,
		ExpiresAt:   tok.ExpiresAt(),
	}
}

// janitorLoop periodically drops tokens that are past expiry and have no
// refresh token, so abandoned users do not accumulate forever.
func (s *Store) janitorLoop() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopJanitor:
			return
		}
	}
}

func (s *Store) cleanup() {
	now := s.now()

	s.mu.Lock()
	removed := 0
	for userID, tok := range s.userTokens {
		if tok.RefreshToken == "" && tok.expiredWithin(0, now) {
			s.purgeUserLocked(userID)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("cleaned up expired users", "count", removed)
	}
}

// count is a nil-safe metric increment.
func (s *Store) count(ctx context.Context, pick func(*instrumentation.Metrics) metric.Int64Counter, attrs ...attribute.KeyValue) {
	if s.inst == nil {
		return
	}
	pick(s.inst.Metrics()).Add(ctx, 1, metric.WithAttributes(attrs...))
}
