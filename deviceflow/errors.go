package deviceflow

import "fmt"

// Kind classifies a device-flow failure. The retry logic branches on the
// kind, never on error-message text.
type Kind int

const (
	// KindPending means the user has not approved the request yet.
	KindPending Kind = iota + 1
	// KindSlowDown means the provider wants a longer polling interval.
	KindSlowDown
	// KindDenied means the user explicitly declined the request.
	KindDenied
	// KindExpired means the device code's lifetime elapsed.
	KindExpired
	// KindRejected means the provider rejected the flow outright
	// (invalid client, unsupported grant, no device endpoint).
	KindRejected
	// KindProtocol means the provider sent a malformed response.
	KindProtocol
	// KindTransient means a network-level failure that is safe to retry.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindPending:
		return "pending"
	case KindSlowDown:
		return "slow_down"
	case KindDenied:
		return "denied"
	case KindExpired:
		return "expired"
	case KindRejected:
		return "rejected"
	case KindProtocol:
		return "protocol"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// FlowError is a classified device-flow failure. Code and Description carry
// the provider's OAuth error body when one was returned.
type FlowError struct {
	Kind        Kind
	Code        string
	Description string
	Err         error
}

func (e *FlowError) Error() string {
	switch {
	case e.Description != "":
		return fmt.Sprintf("device flow %s: %s", e.Kind, e.Description)
	case e.Code != "":
		return fmt.Sprintf("device flow %s: %s", e.Kind, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("device flow %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("device flow %s", e.Kind)
	}
}

func (e *FlowError) Unwrap() error { return e.Err }

// Terminal reports whether the failure ends the current polling attempt.
func (e *FlowError) Terminal() bool {
	switch e.Kind {
	case KindDenied, KindExpired, KindRejected, KindProtocol:
		return true
	default:
		return false
	}
}

// Retryable reports whether a fresh attempt (new device code) may succeed.
// User denial and provider rejection are final: retrying would re-prompt a
// user who intentionally declined.
func (e *FlowError) Retryable() bool {
	switch e.Kind {
	case KindDenied, KindRejected:
		return false
	default:
		return true
	}
}

// classifyOAuthError maps an OAuth error code from the token endpoint onto
// a failure kind.
func classifyOAuthError(code, description string) *FlowError {
	ferr := &FlowError{Code: code, Description: description}
	switch code {
	case "authorization_pending":
		ferr.Kind = KindPending
	case "slow_down":
		ferr.Kind = KindSlowDown
	case "access_denied":
		ferr.Kind = KindDenied
	case "expired_token":
		ferr.Kind = KindExpired
	case "invalid_client", "unauthorized_client", "unsupported_grant_type", "invalid_scope":
		ferr.Kind = KindRejected
	default:
		ferr.Kind = KindProtocol
	}
	return ferr
}
