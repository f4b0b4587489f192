package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func discoveryDoc(issuer string) map[string]string {
	return map[string]string{
		"issuer":                        issuer,
		"authorization_endpoint":        issuer + "/authorize",
		"token_endpoint":                issuer + "/token",
		"jwks_uri":                      issuer + "/jwks",
		"device_authorization_endpoint": issuer + "/device",
		"revocation_endpoint":           issuer + "/revoke",
	}
}

func TestResolverResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("fetches and validates the document", func(t *testing.T) {
		var srv *httptest.Server
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(discoveryDoc(srv.URL))
		}))
		defer srv.Close()

		r := NewTestResolver(srv.URL, srv.Client(), time.Hour, testLogger())
		md, err := r.Resolve(ctx)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if md.TokenEndpoint != srv.URL+"/token" {
			t.Errorf("TokenEndpoint = %q, want %q", md.TokenEndpoint, srv.URL+"/token")
		}
		if md.DeviceAuthorizationEndpoint != srv.URL+"/device" {
			t.Errorf("DeviceAuthorizationEndpoint = %q, want %q", md.DeviceAuthorizationEndpoint, srv.URL+"/device")
		}
	})

	t.Run("caches until the TTL elapses", func(t *testing.T) {
		var fetches atomic.Int64
		var srv *httptest.Server
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fetches.Add(1)
			_ = json.NewEncoder(w).Encode(discoveryDoc(srv.URL))
		}))
		defer srv.Close()

		r := NewTestResolver(srv.URL, srv.Client(), time.Hour, testLogger())
		current := time.Now()
		r.now = func() time.Time { return current }

		for i := 0; i < 3; i++ {
			if _, err := r.Resolve(ctx); err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
		}
		if got := fetches.Load(); got != 1 {
			t.Errorf("fetches = %d, want 1 within TTL", got)
		}

		current = current.Add(2 * time.Hour)
		if _, err := r.Resolve(ctx); err != nil {
			t.Fatalf("Resolve() after TTL error = %v", err)
		}
		if got := fetches.Load(); got != 2 {
			t.Errorf("fetches = %d, want 2 after TTL expiry", got)
		}
	})

	t.Run("invalidate forces a refetch", func(t *testing.T) {
		var fetches atomic.Int64
		var srv *httptest.Server
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fetches.Add(1)
			_ = json.NewEncoder(w).Encode(discoveryDoc(srv.URL))
		}))
		defer srv.Close()

		r := NewTestResolver(srv.URL, srv.Client(), time.Hour, testLogger())
		if _, err := r.Resolve(ctx); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		r.Invalidate()
		if _, err := r.Resolve(ctx); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got := fetches.Load(); got != 2 {
			t.Errorf("fetches = %d, want 2 after Invalidate", got)
		}
	})

	t.Run("falls through to openid-configuration on 404", func(t *testing.T) {
		var paths []string
		var srv *httptest.Server
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			paths = append(paths, r.URL.Path)
			if r.URL.Path == "/.well-known/oauth-authorization-server" {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(discoveryDoc(srv.URL))
		}))
		defer srv.Close()

		r := NewTestResolver(srv.URL, srv.Client(), time.Hour, testLogger())
		if _, err := r.Resolve(ctx); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		want := []string{"/.well-known/oauth-authorization-server", "/.well-known/openid-configuration"}
		if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
			t.Errorf("paths = %v, want %v", paths, want)
		}
	})

	t.Run("non-404 failure does not fall through", func(t *testing.T) {
		var requests atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		r := NewTestResolver(srv.URL, srv.Client(), time.Hour, testLogger())
		if _, err := r.Resolve(ctx); err == nil {
			t.Fatal("Resolve() error = nil, want failure")
		}
		if got := requests.Load(); got != 1 {
			t.Errorf("requests = %d, want 1: a 500 must not trigger the fallback path", got)
		}
	})

	t.Run("missing required endpoint rejected", func(t *testing.T) {
		var srv *httptest.Server
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			doc := discoveryDoc(srv.URL)
			delete(doc, "jwks_uri")
			_ = json.NewEncoder(w).Encode(doc)
		}))
		defer srv.Close()

		r := NewTestResolver(srv.URL, srv.Client(), time.Hour, testLogger())
		_, err := r.Resolve(ctx)
		if err == nil {
			t.Fatal("Resolve() error = nil, want validation failure")
		}
		var derr *DiscoveryError
		if !errors.As(err, &derr) {
			t.Fatalf("error = %v, want *DiscoveryError", err)
		}
		if !strings.Contains(err.Error(), "jwks_uri") {
			t.Errorf("error = %q, want mention of the missing field", err)
		}
	})

	t.Run("failed refetch keeps serving nothing, not a stale document", func(t *testing.T) {
		var healthy atomic.Bool
		healthy.Store(true)
		var srv *httptest.Server
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !healthy.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(discoveryDoc(srv.URL))
		}))
		defer srv.Close()

		r := NewTestResolver(srv.URL, srv.Client(), time.Hour, testLogger())
		if _, err := r.Resolve(ctx); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}

		healthy.Store(false)
		r.Invalidate()
		if _, err := r.Resolve(ctx); err == nil {
			t.Error("Resolve() after invalidation with broken provider: expected error")
		}
	})
}

func TestNewResolverValidation(t *testing.T) {
	tests := []struct {
		name    string
		issuer  string
		wantErr bool
	}{
		{"valid https issuer", "https://idp.example.com", false},
		{"plain http rejected", "http://idp.example.com", true},
		{"loopback rejected", "https://127.0.0.1", true},
		{"private range rejected", "https://10.0.0.5", true},
		{"link-local rejected", "https://169.254.169.254", true},
		{"missing host rejected", "https://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver(tt.issuer, nil, 0, testLogger())
			if (err != nil) != tt.wantErr {
				t.Errorf("NewResolver(%q) error = %v, wantErr %v", tt.issuer, err, tt.wantErr)
			}
		})
	}
}
