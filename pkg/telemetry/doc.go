// Package telemetry provides structured logging, metrics and tracing for
// the converge engine.
//
// # Components
//
//  1. Logger - zerolog-based structured logging with run and resource fields
//  2. Metrics - Prometheus metrics for probes, actions, retries and runs
//  3. Tracer - OpenTelemetry tracing with run, cycle and unit spans
//
// The three components share one Config. Telemetry bundles them for the CLI;
// the engine takes the Logger and Metrics it needs directly.
//
// # Usage
//
// Creating telemetry from the default configuration:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Logging with run context:
//
//	logger := tel.Logger.NewComponentLogger("reconciler").WithRunID(runID)
//	logger.Info("Run started")
//
// The metrics endpoint is off by default; enable it in MetricsConfig and
// call StartMetricsServer. The listen address must not collide with a port
// the engine itself manages.
package telemetry
