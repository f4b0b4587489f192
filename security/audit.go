// Package security provides the audit trail for authentication lifecycle
// events. Token material and user identifiers are hashed before logging;
// raw credentials never reach the log stream.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	SessionID string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"session_id", TruncateID(event.SessionID),
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenStored logs when a token bundle is stored or merged for a user
func (a *Auditor) LogTokenStored(userID, sessionID, scope string, hasRefresh bool) {
	a.LogEvent(Event{
		Type:      "token_stored",
		UserID:    userID,
		SessionID: sessionID,
		Details: map[string]any{
			"scope":         scope,
			"refresh_token": hasRefresh,
		},
	})
}

// LogBearerCaptured logs when a caller-presented bearer token is captured
func (a *Auditor) LogBearerCaptured(userID, sessionID string) {
	a.LogEvent(Event{
		Type:      "bearer_captured",
		UserID:    userID,
		SessionID: sessionID,
	})
}

// LogTokenRefreshed logs when a token is refreshed
func (a *Auditor) LogTokenRefreshed(userID string, rotated bool) {
	a.LogEvent(Event{
		Type:   "token_refreshed",
		UserID: userID,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogRefreshFailed logs a failed refresh that purged the user's state
func (a *Auditor) LogRefreshFailed(userID, reason string) {
	a.LogEvent(Event{
		Type:   "refresh_failed",
		UserID: userID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogTokenRevoked logs a revocation attempt on logout
func (a *Auditor) LogTokenRevoked(userID string, ok bool) {
	a.LogEvent(Event{
		Type:   "token_revoked",
		UserID: userID,
		Details: map[string]any{
			"succeeded": ok,
		},
	})
}

// LogLogout logs a user-scoped logout
func (a *Auditor) LogLogout(userID string, sessions int) {
	a.LogEvent(Event{
		Type:   "logout",
		UserID: userID,
		Details: map[string]any{
			"sessions_removed": sessions,
		},
	})
}

// LogSessionDetached logs an ordinary session disconnect
func (a *Auditor) LogSessionDetached(userID, sessionID string) {
	a.LogEvent(Event{
		Type:      "session_detached",
		UserID:    userID,
		SessionID: sessionID,
	})
}

// LogIdentityFallback logs the degradation path where no identity claim
// could be extracted and the session id became the user key
func (a *Auditor) LogIdentityFallback(sessionID, userID string) {
	a.LogEvent(Event{
		Type:      "identity_fallback",
		UserID:    userID,
		SessionID: sessionID,
	})
}

// TruncateID shortens an identifier for logging. Session ids can be long
// opaque strings; eight characters is enough to correlate log lines.
func TruncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
