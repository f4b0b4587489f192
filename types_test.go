package authproxy

import (
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestStoredTokenExpiry(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("expiry deadline from lifetime", func(t *testing.T) {
		tok := &StoredToken{IssuedAt: base, ExpiresIn: 3600}
		want := base.Add(time.Hour)
		if got := tok.ExpiresAt(); !got.Equal(want) {
			t.Errorf("ExpiresAt() = %v, want %v", got, want)
		}
	})

	t.Run("no reported lifetime means no deadline", func(t *testing.T) {
		tok := &StoredToken{IssuedAt: base}
		if got := tok.ExpiresAt(); !got.IsZero() {
			t.Errorf("ExpiresAt() = %v, want zero", got)
		}
		if tok.expiredWithin(time.Hour, base.Add(1000*time.Hour)) {
			t.Error("token without expiry reported expired")
		}
	})

	t.Run("skew window", func(t *testing.T) {
		tok := &StoredToken{IssuedAt: base, ExpiresIn: 60}
		tests := []struct {
			name string
			now  time.Time
			want bool
		}{
			{"well before expiry", base.Add(10 * time.Second), false},
			{"just outside the window", base.Add(29 * time.Second), false},
			{"inside the window", base.Add(31 * time.Second), true},
			{"at nominal expiry", base.Add(60 * time.Second), true},
			{"after expiry", base.Add(2 * time.Minute), true},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if got := tok.expiredWithin(30*time.Second, tt.now); got != tt.want {
					t.Errorf("expiredWithin() = %v, want %v", got, tt.want)
				}
			})
		}
	})
}

func TestNewStoredToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("defaults token type to Bearer", func(t *testing.T) {
		st := newStoredToken(&oauth2.Token{AccessToken: "at"}, now)
		if st.TokenType != "Bearer" {
			t.Errorf("TokenType = %q, want Bearer", st.TokenType)
		}
	})

	t.Run("captures scope extra and lifetime", func(t *testing.T) {
		tok := (&oauth2.Token{
			AccessToken: "at",
			Expiry:      now.Add(time.Hour),
		}).WithExtra(map[string]interface{}{"scope": "openid"})

		st := newStoredToken(tok, now)
		if st.Scope != "openid" {
			t.Errorf("Scope = %q, want openid", st.Scope)
		}
		if st.ExpiresIn != 3600 {
			t.Errorf("ExpiresIn = %d, want 3600", st.ExpiresIn)
		}
	})

	t.Run("already expired bundle stores no lifetime", func(t *testing.T) {
		st := newStoredToken(&oauth2.Token{AccessToken: "at", Expiry: now.Add(-time.Minute)}, now)
		if st.ExpiresIn != 0 {
			t.Errorf("ExpiresIn = %d, want 0", st.ExpiresIn)
		}
	})
}

func TestStoredTokenRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := &StoredToken{
		AccessToken:  "at",
		TokenType:    "Bearer",
		RefreshToken: "rt",
		Scope:        "openid",
		IssuedAt:     now,
		ExpiresIn:    3600,
	}

	tok := st.Token()
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" {
		t.Errorf("Token() = %+v, want credentials carried over", tok)
	}
	if scope, _ := tok.Extra("scope").(string); scope != "openid" {
		t.Errorf("scope extra = %q, want openid", scope)
	}
	if !tok.Expiry.Equal(now.Add(time.Hour)) {
		t.Errorf("Expiry = %v, want %v", tok.Expiry, now.Add(time.Hour))
	}
}

func TestStoredTokenClone(t *testing.T) {
	st := &StoredToken{AccessToken: "at", RefreshToken: "rt"}
	c := st.clone()
	c.AccessToken = "changed"
	if st.AccessToken != "at" {
		t.Error("mutating a clone changed the original")
	}
}
