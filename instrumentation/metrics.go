package instrumentation

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the auth proxy core
type Metrics struct {
	// Session store metrics
	TokensStored        metric.Int64Counter
	TokenRefreshed      metric.Int64Counter
	RefreshDeduplicated metric.Int64Counter
	RefreshDuration     metric.Float64Histogram
	TokensRevoked       metric.Int64Counter
	SessionsDetached    metric.Int64Counter
	UsersLoggedOut      metric.Int64Counter
	ActiveUsers         metric.Int64ObservableGauge
	ActiveSessions      metric.Int64ObservableGauge

	// Device flow metrics
	DeviceFlowsTotal metric.Int64Counter
	DevicePollsTotal metric.Int64Counter
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	storeMeter := inst.Meter("store")
	flowMeter := inst.Meter("deviceflow")

	var err error
	m.TokensStored, err = storeMeter.Int64Counter(
		"authproxy.tokens.stored",
		metric.WithDescription("Number of token bundles stored or merged"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.stored counter: %w", err)
	}

	m.TokenRefreshed, err = storeMeter.Int64Counter(
		"authproxy.token.refreshed",
		metric.WithDescription("Number of refresh grants performed, by outcome"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.RefreshDeduplicated, err = storeMeter.Int64Counter(
		"authproxy.refresh.deduplicated",
		metric.WithDescription("Number of callers that joined an in-flight refresh instead of issuing their own"),
		metric.WithUnit("{caller}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh.deduplicated counter: %w", err)
	}

	m.RefreshDuration, err = storeMeter.Float64Histogram(
		"authproxy.refresh.duration",
		metric.WithDescription("Refresh grant duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh.duration histogram: %w", err)
	}

	m.TokensRevoked, err = storeMeter.Int64Counter(
		"authproxy.tokens.revoked",
		metric.WithDescription("Number of tokens revoked at the provider on logout"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.revoked counter: %w", err)
	}

	m.SessionsDetached, err = storeMeter.Int64Counter(
		"authproxy.sessions.detached",
		metric.WithDescription("Number of session bindings removed on disconnect"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.detached counter: %w", err)
	}

	m.UsersLoggedOut, err = storeMeter.Int64Counter(
		"authproxy.users.logged_out",
		metric.WithDescription("Number of user-scoped logouts"),
		metric.WithUnit("{user}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create users.logged_out counter: %w", err)
	}

	m.ActiveUsers, err = storeMeter.Int64ObservableGauge(
		"authproxy.users.active",
		metric.WithDescription("Number of users with a stored token"),
		metric.WithUnit("{user}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create users.active gauge: %w", err)
	}

	m.ActiveSessions, err = storeMeter.Int64ObservableGauge(
		"authproxy.sessions.active",
		metric.WithDescription("Number of bound sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions.active gauge: %w", err)
	}

	m.DeviceFlowsTotal, err = flowMeter.Int64Counter(
		"authproxy.deviceflow.flows",
		metric.WithDescription("Number of device authorization flows, by outcome"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deviceflow.flows counter: %w", err)
	}

	m.DevicePollsTotal, err = flowMeter.Int64Counter(
		"authproxy.deviceflow.polls",
		metric.WithDescription("Number of token endpoint polls, by result"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deviceflow.polls counter: %w", err)
	}

	return m, nil
}
