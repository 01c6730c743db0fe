package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"production", func(c *Config) { *c = *ProductionConfig() }, false},
		{"development", func(c *Config) { *c = *DevelopmentConfig() }, false},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"bad sampling rate", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, true},
		{"metrics without address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddress = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected valid config, got: %v", err)
			}
		})
	}
}

func TestMetrics_DisabledIsNoOp(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// None of these must panic on a no-op instance.
	m.RecordProbe("port", 10*time.Millisecond, false)
	m.RecordAction("service", "start-service", "success", time.Second)
	m.RecordRetry("port")
	m.RecordRunCompleted("converged", 2, time.Minute)
	m.SetUnresolved("port", 0)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 from disabled metrics handler, got %d", rec.Code)
	}
}

func TestMetrics_RecordsAndServes(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{
		Enabled:       true,
		ListenAddress: ":0",
		Path:          "/metrics",
		Namespace:     "converge",
	})
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	m.RecordProbe("port", 5*time.Millisecond, true)
	m.RecordAction("service", "start-service", "success", 200*time.Millisecond)
	m.RecordRetry("port")
	m.RecordRunCompleted("degraded", 5, 90*time.Second)
	m.SetUnresolved("port", 1)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from metrics handler, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, metric := range []string{
		"converge_probes_total",
		"converge_probe_errors_total",
		"converge_actions_total",
		"converge_retries_total",
		"converge_runs_completed_total",
		"converge_unresolved_resources",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected %s in metrics output", metric)
		}
	}
}

func TestNewTelemetry_Default(t *testing.T) {
	tel, err := NewTelemetry(DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	if tel.Logger == nil || tel.Tracer == nil || tel.Metrics == nil {
		t.Fatal("Expected all components to be initialized")
	}

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("Expected telemetry to round-trip through context")
	}
	if FromTelemetryContext(context.Background()) != nil {
		t.Error("Expected nil for context without telemetry")
	}
}

func TestStartOperation_RecordsOutcome(t *testing.T) {
	tel, err := NewTelemetry(DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	op := tel.StartOperation(context.Background(), "test.operation")
	if op.Ctx == nil || op.Span == nil || op.Logger == nil {
		t.Fatal("Expected instrumented context to be populated")
	}
	op.End(nil)
}

func TestLoggerFields(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	// Chained field helpers must not panic or mutate the parent.
	child := logger.NewComponentLogger("engine").
		WithRunID("run-1").
		WithResourceID("port/9090").
		WithCycle(2).
		WithField("attempt", 1)
	child.Debug("field chain")
	logger.Debug("parent untouched")
}
