package deviceflow

import "testing"

func TestClassifyOAuthError(t *testing.T) {
	tests := []struct {
		code string
		want Kind
	}{
		{"authorization_pending", KindPending},
		{"slow_down", KindSlowDown},
		{"access_denied", KindDenied},
		{"expired_token", KindExpired},
		{"invalid_client", KindRejected},
		{"unauthorized_client", KindRejected},
		{"unsupported_grant_type", KindRejected},
		{"invalid_scope", KindRejected},
		{"something_else", KindProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			ferr := classifyOAuthError(tt.code, "")
			if ferr.Kind != tt.want {
				t.Errorf("classifyOAuthError(%q).Kind = %v, want %v", tt.code, ferr.Kind, tt.want)
			}
			if ferr.Code != tt.code {
				t.Errorf("Code = %q, want %q", ferr.Code, tt.code)
			}
		})
	}
}

func TestFlowErrorPredicates(t *testing.T) {
	tests := []struct {
		kind      Kind
		terminal  bool
		retryable bool
	}{
		{KindPending, false, true},
		{KindSlowDown, false, true},
		{KindDenied, true, false},
		{KindExpired, true, true},
		{KindRejected, true, false},
		{KindProtocol, true, true},
		{KindTransient, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			ferr := &FlowError{Kind: tt.kind}
			if got := ferr.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
			if got := ferr.Retryable(); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestFlowErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *FlowError
		want string
	}{
		{
			"description preferred",
			&FlowError{Kind: KindDenied, Code: "access_denied", Description: "user declined"},
			"device flow denied: user declined",
		},
		{
			"code when no description",
			&FlowError{Kind: KindRejected, Code: "invalid_client"},
			"device flow rejected: invalid_client",
		},
		{
			"kind alone",
			&FlowError{Kind: KindExpired},
			"device flow expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}
