// Package telemetry sets up OpenTelemetry tracing and metrics for
// protocold.
//
// Spans and metrics are exported over OTLP (gRPC or HTTP) to a collector.
// Telemetry is off by default; when enabled but unreachable it degrades to
// no-op providers instead of failing the daemon.
//
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng, err := engine.New(repo, catalog, engine.WithMeter(tel.Meter("protocold.engine")))
//
// Tests use NewTestTelemetry, which records spans in memory and collects
// metrics through a manual reader.
package telemetry
