// Package testutil provides shared helpers for tests: a scriptable mock
// identity provider, JWT signing utilities, and a controllable clock.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MockTime is a controllable clock for tests.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a clock frozen at the given instant.
func NewMockTime(start time.Time) *MockTime {
	return &MockTime{now: start}
}

// Now returns the current mock time.
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward.
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// GenerateKey creates an RSA key for token signing in tests.
func GenerateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	return key
}

// SignToken signs a JWT with the given key and kid.
func SignToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// JWKSFor renders a JWKS document publishing the given key.
func JWKSFor(key *rsa.PrivateKey, kid string) []byte {
	pub := key.Public().(*rsa.PublicKey)
	jwks := map[string]interface{}{
		"keys": []map[string]string{{
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"kid": kid,
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}
	out, _ := json.Marshal(jwks)
	return out
}

// TokenResponse is one scripted answer from the mock token endpoint.
type TokenResponse struct {
	Status int
	Body   string
}

// MockIdP is an in-process identity provider. Its discovery document
// points back at the server itself, the JWKS endpoint publishes the
// signing key, and the token endpoint replays scripted responses in
// order. Requests to the token, device, and revocation endpoints are
// recorded for assertions.
type MockIdP struct {
	Server *httptest.Server
	Key    *rsa.PrivateKey
	Kid    string

	mu             sync.Mutex
	tokenQueue     []TokenResponse
	tokenRequests  []map[string]string
	deviceRequests []map[string]string
	revoked        []map[string]string
	deviceOnce     func() (int, string)
	omitDevice     bool
	omitRevocation bool
	tokenDelay     time.Duration
	failTokenOnce  bool
}

// NewMockIdP starts a mock provider. The caller must call Close.
func NewMockIdP(t *testing.T) *MockIdP {
	t.Helper()
	idp := &MockIdP{
		Key: GenerateKey(t),
		Kid: "test-key-1",
	}
	idp.Server = httptest.NewServer(http.HandlerFunc(idp.handle))
	t.Cleanup(idp.Server.Close)
	return idp
}

// Issuer returns the mock provider's issuer URL.
func (m *MockIdP) Issuer() string { return m.Server.URL }

// OmitDeviceEndpoint removes the device authorization endpoint from the
// discovery document.
func (m *MockIdP) OmitDeviceEndpoint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.omitDevice = true
}

// OmitRevocationEndpoint removes the revocation endpoint from the
// discovery document.
func (m *MockIdP) OmitRevocationEndpoint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.omitRevocation = true
}

// QueueTokenResponse appends a scripted response for the token endpoint.
func (m *MockIdP) QueueTokenResponse(status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenQueue = append(m.tokenQueue, TokenResponse{Status: status, Body: body})
}

// QueueTokenGrant queues a successful token response.
func (m *MockIdP) QueueTokenGrant(accessToken, refreshToken string, expiresIn int) {
	body := fmt.Sprintf(`{"access_token":%q,"token_type":"Bearer","expires_in":%d`, accessToken, expiresIn)
	if refreshToken != "" {
		body += fmt.Sprintf(`,"refresh_token":%q`, refreshToken)
	}
	body += "}"
	m.QueueTokenResponse(http.StatusOK, body)
}

// SetTokenDelay makes the token endpoint sleep before answering, so tests
// can hold several concurrent callers in flight at once.
func (m *MockIdP) SetTokenDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenDelay = d
}

// FailTokenOnce makes the next token request fail at the transport level:
// the connection is closed before any response is written, so the client
// sees a network error rather than an HTTP status.
func (m *MockIdP) FailTokenOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTokenOnce = true
}

// SetDeviceHandler overrides the device authorization response.
func (m *MockIdP) SetDeviceHandler(fn func() (int, string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceOnce = fn
}

// TokenRequests returns the recorded token endpoint form submissions.
func (m *MockIdP) TokenRequests() []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]string(nil), m.tokenRequests...)
}

// RevokedTokens returns the recorded revocation submissions.
func (m *MockIdP) RevokedTokens() []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]string(nil), m.revoked...)
}

// DeviceRequests returns the recorded device authorization submissions.
func (m *MockIdP) DeviceRequests() []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]string(nil), m.deviceRequests...)
}

// SignAccessToken mints a JWT access token for the given subject.
func (m *MockIdP) SignAccessToken(t *testing.T, subject string, expiresIn time.Duration) string {
	t.Helper()
	return SignToken(t, m.Key, m.Kid, jwt.MapClaims{
		"iss": m.Issuer(),
		"sub": subject,
		"exp": time.Now().Add(expiresIn).Unix(),
		"iat": time.Now().Unix(),
	})
}

func (m *MockIdP) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/.well-known/oauth-authorization-server", "/.well-known/openid-configuration":
		m.serveDiscovery(w)
	case "/jwks":
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(JWKSFor(m.Key, m.Kid))
	case "/token":
		m.serveToken(w, r)
	case "/device":
		m.serveDevice(w, r)
	case "/revoke":
		m.serveRevoke(w, r)
	case "/introspect":
		m.serveIntrospect(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (m *MockIdP) serveDiscovery(w http.ResponseWriter) {
	m.mu.Lock()
	omitDevice, omitRevocation := m.omitDevice, m.omitRevocation
	m.mu.Unlock()

	doc := map[string]string{
		"issuer":                 m.Issuer(),
		"authorization_endpoint": m.Issuer() + "/authorize",
		"token_endpoint":         m.Issuer() + "/token",
		"jwks_uri":               m.Issuer() + "/jwks",
		"introspection_endpoint": m.Issuer() + "/introspect",
	}
	if !omitDevice {
		doc["device_authorization_endpoint"] = m.Issuer() + "/device"
	}
	if !omitRevocation {
		doc["revocation_endpoint"] = m.Issuer() + "/revoke"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (m *MockIdP) serveToken(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	m.mu.Lock()
	m.tokenRequests = append(m.tokenRequests, flattenForm(r))
	if m.failTokenOnce {
		m.failTokenOnce = false
		m.mu.Unlock()
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
			}
		}
		return
	}
	var resp TokenResponse
	if len(m.tokenQueue) > 0 {
		resp = m.tokenQueue[0]
		m.tokenQueue = m.tokenQueue[1:]
	} else {
		resp = TokenResponse{Status: http.StatusBadRequest, Body: `{"error":"invalid_grant"}`}
	}
	delay := m.tokenDelay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write([]byte(resp.Body))
}

func (m *MockIdP) serveDevice(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	m.mu.Lock()
	m.deviceRequests = append(m.deviceRequests, flattenForm(r))
	fn := m.deviceOnce
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fn != nil {
		status, body := fn()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"device_code":      "dev-code-1",
		"user_code":        "ABCD-EFGH",
		"verification_uri": m.Issuer() + "/activate",
		"expires_in":       300,
		"interval":         1,
	})
}

func (m *MockIdP) serveRevoke(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	m.mu.Lock()
	m.revoked = append(m.revoked, flattenForm(r))
	m.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (m *MockIdP) serveIntrospect(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	token := r.PostFormValue("token")

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return m.Key.Public(), nil
	})

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		_, _ = w.Write([]byte(`{"active":false}`))
		return
	}
	sub, _ := claims["sub"].(string)
	exp, _ := claims.GetExpirationTime()
	out := map[string]interface{}{"active": true, "sub": sub}
	if exp != nil {
		out["exp"] = exp.Unix()
	}
	_ = json.NewEncoder(w).Encode(out)
}

func flattenForm(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
