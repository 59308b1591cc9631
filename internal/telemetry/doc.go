// Package telemetry provides OpenTelemetry instrumentation for healingd.
//
// Traces are exported over OTLP (gRPC or HTTP). Metrics are either pushed
// over OTLP or exposed for scraping through the Prometheus exporter, in which
// case MetricsHandler returns the handler to mount on /metrics.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	tracer := tel.Tracer("healingd.sandbox")
//	ctx, span := tracer.Start(ctx, "sandbox.run")
//	defer span.End()
//
// Telemetry failures do not crash the daemon. If a provider cannot be
// initialized the instance is marked degraded and falls back to the global
// no-op providers.
//
// Tests use NewTestTelemetry, which records spans and metrics in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "deploy.submit")
//	span.End()
//	tt.AssertSpanExists(t, "deploy.submit")
package telemetry
