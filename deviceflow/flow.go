package deviceflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/giantswarm/mcp-authproxy/instrumentation"
	"github.com/giantswarm/mcp-authproxy/providers/oidc"
)

// grantTypeDeviceCode is the RFC 8628 grant type for the token endpoint.
const grantTypeDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"

const (
	// defaultPollInterval is used when the provider omits "interval".
	defaultPollInterval = 5
	// slowDownStep is added to the interval on each slow_down response.
	slowDownStep = 5
	// maxPollInterval caps the interval growth from slow_down responses.
	maxPollInterval = 30

	defaultMaxAttempts  = 3
	defaultAttemptDelay = 5 * time.Second
)

// Authorization is one device/user code pair from the authorization
// endpoint. It is transient: it lives for a single authentication attempt
// and is never persisted.
type Authorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval,omitempty"`
}

// Config configures a device-flow Driver.
type Config struct {
	// ClientID is the OAuth client id (required).
	ClientID string

	// ClientSecret is the OAuth client secret. Empty for public clients.
	ClientSecret string

	// Scopes are the scopes requested from the provider.
	Scopes []string

	// MaxAttempts bounds how many times Authenticate restarts the whole
	// flow (new device code) after a retryable failure. Default: 3.
	MaxAttempts int

	// AttemptDelay is the fixed pause between restarted attempts.
	// Unlike the in-poll slow_down handling it does not grow. Default: 5s.
	AttemptDelay time.Duration

	// Out receives the human-readable sign-in instructions.
	// Default: os.Stderr.
	Out io.Writer

	// HTTPClient for provider requests (nil uses a default with 30s timeout).
	HTTPClient *http.Client

	// Logger for structured logging (nil uses slog.Default).
	Logger *slog.Logger

	// Instrumentation records flow metrics when set.
	Instrumentation *instrumentation.Instrumentation
}

// Driver executes the RFC 8628 Device Authorization Grant against the
// provider's discovered endpoints: request a device/user code pair, show
// the user where to enter it, and poll the token endpoint until the user
// approves or a terminal condition is reached.
type Driver struct {
	clientID     string
	clientSecret string
	scopes       []string
	maxAttempts  int
	attemptDelay time.Duration

	resolver   *oidc.Resolver
	httpClient *http.Client
	logger     *slog.Logger
	out        io.Writer
	inst       *instrumentation.Instrumentation

	// tick is the unit behind the provider's second-denominated fields.
	// Tests shrink it so polling runs in milliseconds.
	tick time.Duration
	now  func() time.Time
}

// NewDriver creates a device-flow driver.
func NewDriver(cfg Config, resolver *oidc.Resolver) (*Driver, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if err := oidc.ValidateScopes(cfg.Scopes); err != nil {
		return nil, fmt.Errorf("invalid scopes: %w", err)
	}

	d := &Driver{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		scopes:       cfg.Scopes,
		maxAttempts:  cfg.MaxAttempts,
		attemptDelay: cfg.AttemptDelay,
		resolver:     resolver,
		httpClient:   cfg.HTTPClient,
		logger:       cfg.Logger,
		out:          cfg.Out,
		inst:         cfg.Instrumentation,
		tick:         time.Second,
		now:          time.Now,
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = defaultMaxAttempts
	}
	if d.attemptDelay <= 0 {
		d.attemptDelay = defaultAttemptDelay
	}
	if d.httpClient == nil {
		d.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.out == nil {
		d.out = os.Stderr
	}
	return d, nil
}

// Authenticate runs the full flow: initiate, render instructions, poll.
// Retryable failures restart the whole flow with a fresh device code, up to
// MaxAttempts with a fixed delay in between. User denial and provider
// rejection abort immediately; re-prompting a user who declined is wrong.
func (d *Driver) Authenticate(ctx context.Context) (*oauth2.Token, error) {
	ctx, end := d.startSpan(ctx, "deviceflow.authenticate")
	defer end()

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		tok, err := d.runAttempt(ctx)
		if err == nil {
			d.countFlow(ctx, "success")
			return tok, nil
		}
		lastErr = err

		var ferr *FlowError
		if errors.As(err, &ferr) && !ferr.Retryable() {
			d.countFlow(ctx, ferr.Kind.String())
			return nil, err
		}
		if ctx.Err() != nil {
			d.countFlow(ctx, "canceled")
			return nil, err
		}
		if attempt == d.maxAttempts {
			break
		}

		d.logger.Warn("device flow attempt failed, restarting with a new device code",
			"attempt", attempt, "error", err)
		select {
		case <-time.After(d.attemptDelay):
		case <-ctx.Done():
			d.countFlow(ctx, "canceled")
			return nil, ctx.Err()
		}
	}

	d.countFlow(ctx, "exhausted")
	return nil, fmt.Errorf("device flow failed after %d attempts: %w", d.maxAttempts, lastErr)
}

func (d *Driver) runAttempt(ctx context.Context) (*oauth2.Token, error) {
	auth, err := d.Initiate(ctx)
	if err != nil {
		return nil, err
	}
	d.renderInstructions(auth)
	return d.Poll(ctx, auth)
}

// Initiate requests a device/user code pair from the provider's device
// authorization endpoint.
func (d *Driver) Initiate(ctx context.Context) (*Authorization, error) {
	md, err := d.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("device authorization failed: %w", err)
	}
	if md.DeviceAuthorizationEndpoint == "" {
		return nil, &FlowError{
			Kind:        KindRejected,
			Description: "provider does not support the device authorization grant",
		}
	}

	form := url.Values{}
	form.Set("client_id", d.clientID)
	if len(d.scopes) > 0 {
		form.Set("scope", strings.Join(d.scopes, " "))
	}

	resp, err := d.postForm(ctx, md.DeviceAuthorizationEndpoint, form)
	if err != nil {
		return nil, &FlowError{Kind: KindTransient, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, readOAuthError(resp)
	}

	var auth Authorization
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return nil, &FlowError{Kind: KindProtocol, Err: fmt.Errorf("failed to decode device authorization response: %w", err)}
	}
	if auth.DeviceCode == "" || auth.UserCode == "" || auth.VerificationURI == "" || auth.ExpiresIn <= 0 {
		return nil, &FlowError{Kind: KindProtocol, Err: fmt.Errorf("device authorization response is missing required fields")}
	}

	d.logger.Debug("device authorization initiated",
		"verification_uri", auth.VerificationURI,
		"expires_in", auth.ExpiresIn,
		"interval", auth.Interval)
	return &auth, nil
}

// Poll polls the token endpoint until the user approves, a terminal
// condition occurs, or the device code's wall-clock lifetime elapses.
// The inter-poll sleep is driven by a rate limiter so it stays cancellable;
// slow_down responses stretch the interval by 5s up to a 30s cap, and the
// stretched interval persists for the rest of the attempt. Transient
// network errors are logged and treated like authorization_pending.
func (d *Driver) Poll(ctx context.Context, auth *Authorization) (*oauth2.Token, error) {
	md, err := d.resolver.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("device authorization failed: %w", err)
	}

	interval := auth.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	pollCtx, cancel := context.WithDeadline(ctx, d.now().Add(time.Duration(auth.ExpiresIn)*d.tick))
	defer cancel()

	// The limiter starts with a full bucket, so the first poll fires
	// immediately and every later poll pays one full interval.
	limiter := rate.NewLimiter(rate.Every(time.Duration(interval)*d.tick), 1)

	for {
		if err := limiter.Wait(pollCtx); err != nil {
			if ctx.Err() != nil {
				// The caller abandoned the attempt; this is not an expiry.
				return nil, ctx.Err()
			}
			return nil, &FlowError{
				Kind:        KindExpired,
				Description: "device code expired before the user completed authorization",
				Err:         err,
			}
		}

		tok, ferr := d.requestToken(pollCtx, md.TokenEndpoint, auth.DeviceCode)
		if ferr == nil {
			d.countPoll(ctx, "authorized")
			return tok, nil
		}
		d.countPoll(ctx, ferr.Kind.String())

		switch ferr.Kind {
		case KindPending:
			// Keep waiting.
		case KindSlowDown:
			if interval+slowDownStep <= maxPollInterval {
				interval += slowDownStep
			} else {
				interval = maxPollInterval
			}
			limiter.SetLimit(rate.Every(time.Duration(interval) * d.tick))
			d.logger.Debug("provider requested slow_down", "interval", interval)
		case KindTransient:
			d.logger.Warn("transient error while polling token endpoint, retrying", "error", ferr.Err)
		default:
			return nil, ferr
		}
	}
}

// requestToken performs one device_code grant request against the token
// endpoint. A nil FlowError means the token was issued.
func (d *Driver) requestToken(ctx context.Context, tokenURL, deviceCode string) (*oauth2.Token, *FlowError) {
	form := url.Values{}
	form.Set("grant_type", grantTypeDeviceCode)
	form.Set("device_code", deviceCode)
	form.Set("client_id", d.clientID)

	resp, err := d.postForm(ctx, tokenURL, form)
	if err != nil {
		return nil, &FlowError{Kind: KindTransient, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, readOAuthError(resp)
	}

	var tr struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, &FlowError{Kind: KindProtocol, Err: fmt.Errorf("failed to decode token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return nil, &FlowError{Kind: KindProtocol, Err: fmt.Errorf("token response is missing access_token")}
	}

	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = d.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tr.Scope != "" {
		tok = tok.WithExtra(map[string]interface{}{"scope": tr.Scope})
	}
	return tok, nil
}

func (d *Driver) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if d.clientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(d.clientID), url.QueryEscape(d.clientSecret))
	}
	return d.httpClient.Do(req)
}

// renderInstructions writes the sign-in instructions to the configured
// output sink. Presentation only; failures to write are ignored.
func (d *Driver) renderInstructions(auth *Authorization) {
	if auth.VerificationURIComplete != "" {
		fmt.Fprintf(d.out, "\nTo sign in, open:\n\n\t%s\n\nor visit %s and enter the code: %s\n\n",
			auth.VerificationURIComplete, auth.VerificationURI, auth.UserCode)
		return
	}
	fmt.Fprintf(d.out, "\nTo sign in, visit:\n\n\t%s\n\nand enter the code: %s\n\n",
		auth.VerificationURI, auth.UserCode)
}

// readOAuthError decodes a non-200 token/device endpoint response into a
// classified FlowError. An unparseable body is a protocol error carrying a
// snippet of the raw response.
func readOAuthError(resp *http.Response) *FlowError {
	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		snippet := strings.TrimSpace(string(raw))
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return &FlowError{
			Kind:        KindProtocol,
			Description: fmt.Sprintf("unexpected response (status %d): %s", resp.StatusCode, snippet),
		}
	}
	return classifyOAuthError(body.Error, body.ErrorDescription)
}

func (d *Driver) startSpan(ctx context.Context, name string) (context.Context, func()) {
	if d.inst == nil {
		return ctx, func() {}
	}
	ctx, span := d.inst.Tracer("deviceflow").Start(ctx, name)
	return ctx, func() { span.End() }
}

func (d *Driver) countFlow(ctx context.Context, outcome string) {
	if d.inst == nil {
		return
	}
	d.inst.Metrics().DeviceFlowsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (d *Driver) countPoll(ctx context.Context, result string) {
	if d.inst == nil {
		return
	}
	d.inst.Metrics().DevicePollsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)))
}
