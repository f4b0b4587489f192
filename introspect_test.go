package authproxy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/mcp-authproxy/internal/testutil"
)

func TestIntrospectToken(t *testing.T) {
	ctx := context.Background()

	t.Run("active token", func(t *testing.T) {
		idp := testutil.NewMockIdP(t)
		s, _ := newTestStore(t, idp)

		raw := idp.SignAccessToken(t, "user-1", time.Hour)
		info, err := s.IntrospectToken(ctx, raw)
		if err != nil {
			t.Fatalf("IntrospectToken() error = %v", err)
		}
		if !info.Active {
			t.Error("Active = false, want true")
		}
		if info.Subject != "user-1" {
			t.Errorf("Subject = %q, want user-1", info.Subject)
		}
		if info.ExpiresAt.IsZero() {
			t.Error("ExpiresAt is zero, want set from exp")
		}
	})

	t.Run("invalid token reported inactive", func(t *testing.T) {
		idp := testutil.NewMockIdP(t)
		s, _ := newTestStore(t, idp)

		info, err := s.IntrospectToken(ctx, "garbage")
		if err != nil {
			t.Fatalf("IntrospectToken() error = %v", err)
		}
		if info.Active {
			t.Error("Active = true for garbage token, want false")
		}
	})

	t.Run("empty token rejected", func(t *testing.T) {
		idp := testutil.NewMockIdP(t)
		s, _ := newTestStore(t, idp)

		if _, err := s.IntrospectToken(ctx, ""); err == nil {
			t.Error("IntrospectToken(\"\") error = nil, want error")
		}
	})
}

func TestParseAudience(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"single string", "api-1", "api-1"},
		{"array", []interface{}{"api-1", "api-2"}, "api-1 api-2"},
		{"empty string", "", ""},
		{"nil", nil, ""},
		{"mixed array drops non-strings", []interface{}{"api-1", 42}, "api-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.Join(parseAudience(tt.in), " ")
			if got != tt.want {
				t.Errorf("parseAudience(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
