// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for
// the auth proxy core.
//
// It exposes pre-configured metric instruments for the session store and the
// device flow, plus named tracers for span creation. When disabled, no-op
// providers are used and recording has zero overhead.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//	    ServiceName:    "my-auth-proxy",
//	    ServiceVersion: "1.0.0",
//	    Enabled:        true,
//	    MeterProvider:  meterProvider, // e.g. an SDK provider with a Prometheus reader
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
package instrumentation
