package oidc

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// jwk is a single key from a JSON Web Key Set. Only RSA signing keys are
// consumed; other key types are skipped.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

// keySet caches the provider's published signing keys by key id.
// The cache is separate from the Resolver's metadata cache: keys rotate on
// their own schedule.
type keySet struct {
	httpClient *http.Client
	ttl        time.Duration
	logger     *slog.Logger

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time

	group singleflight.Group
	now   func() time.Time
}

func newKeySet(httpClient *http.Client, ttl time.Duration, logger *slog.Logger) *keySet {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl == 0 {
		ttl = 1 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &keySet{
		httpClient: httpClient,
		ttl:        ttl,
		logger:     logger,
		now:        time.Now,
	}
}

// key returns the RSA public key for the given key id, fetching the JWKS if
// the cache is stale or the kid is unknown. An unknown kid forces one
// refetch before failing, so freshly rotated keys are picked up.
func (ks *keySet) key(ctx context.Context, jwksURI, kid string) (*rsa.PublicKey, error) {
	ks.mu.RLock()
	fresh := ks.now().Before(ks.expiresAt)
	pub, ok := ks.keys[kid]
	ks.mu.RUnlock()

	if fresh && ok {
		return pub, nil
	}
	if fresh && !ok && ks.len() > 0 {
		// Cache is fresh but the kid is missing: likely a rotation.
		ks.logger.Debug("unknown kid, refetching key set", "kid", kid)
	}

	if err := ks.fetch(ctx, jwksURI); err != nil {
		return nil, err
	}

	ks.mu.RLock()
	defer ks.mu.RUnlock()
	pub, ok = ks.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no key with kid %q in key set", kid)
	}
	return pub, nil
}

// anyKey returns an arbitrary cached key. Used only when a token omits the
// kid header and the provider publishes a single key.
func (ks *keySet) anyKey(ctx context.Context, jwksURI string) (*rsa.PublicKey, error) {
	ks.mu.RLock()
	fresh := ks.now().Before(ks.expiresAt) && len(ks.keys) > 0
	ks.mu.RUnlock()

	if !fresh {
		if err := ks.fetch(ctx, jwksURI); err != nil {
			return nil, err
		}
	}

	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if len(ks.keys) != 1 {
		return nil, fmt.Errorf("token has no kid header and key set has %d keys", len(ks.keys))
	}
	for _, pub := range ks.keys {
		return pub, nil
	}
	return nil, fmt.Errorf("key set is empty")
}

func (ks *keySet) len() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.keys)
}

// invalidate drops the cached keys, forcing a refetch on next use.
func (ks *keySet) invalidate() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys = nil
	ks.expiresAt = time.Time{}
}

// fetch retrieves the JWKS and replaces the cache. Concurrent fetches for
// the same URI are collapsed into one request.
func (ks *keySet) fetch(ctx context.Context, jwksURI string) error {
	_, err, _ := ks.group.Do(jwksURI, func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create JWKS request: %w", err)
		}

		resp, err := ks.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("JWKS request returned status %d", resp.StatusCode)
		}

		var set jwks
		if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
			return nil, fmt.Errorf("failed to decode JWKS: %w", err)
		}

		keys := make(map[string]*rsa.PublicKey, len(set.Keys))
		for _, k := range set.Keys {
			if k.Kty != "RSA" {
				continue
			}
			if k.Use != "" && k.Use != "sig" {
				continue
			}
			pub, err := rsaPublicKey(k)
			if err != nil {
				ks.logger.Warn("skipping unparseable JWK", "kid", k.Kid, "error", err)
				continue
			}
			keys[k.Kid] = pub
		}

		if len(keys) == 0 {
			return nil, fmt.Errorf("key set contains no usable RSA signing keys")
		}

		ks.mu.Lock()
		ks.keys = keys
		ks.expiresAt = ks.now().Add(ks.ttl)
		ks.mu.Unlock()

		ks.logger.Debug("fetched JWKS", "uri", jwksURI, "keys", len(keys))
		return nil, nil
	})
	return err
}

// rsaPublicKey builds an rsa.PublicKey from the base64url-encoded modulus
// and exponent of a JWK.
func rsaPublicKey(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e == 0 {
		return nil, fmt.Errorf("zero exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}
