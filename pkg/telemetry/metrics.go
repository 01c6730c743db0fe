package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the reconciliation engine. All
// record methods are safe to call on a disabled instance; they become no-ops.
type Metrics struct {
	config MetricsConfig

	// Probe metrics
	probes        *prometheus.CounterVec
	probeErrors   *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec

	// Action metrics
	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	retries        *prometheus.CounterVec

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	runCycles     *prometheus.HistogramVec

	// Resource metrics
	unresolvedResources *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of resource probes",
			},
			[]string{"kind"},
		),
		probeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_errors_total",
				Help:      "Total number of probes whose mechanism failed",
			},
			[]string{"kind"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_seconds",
				Help:      "Duration of resource probes in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Total number of action attempts by outcome",
			},
			[]string{"kind", "action", "outcome"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of action attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "action"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of action retries",
			},
			[]string{"kind"},
		),

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of completed runs by terminal state",
			},
			[]string{"state"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),
		runCycles: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_cycles",
				Help:      "Number of cycles runs needed to finish",
				Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10},
			},
			[]string{"state"},
		),

		unresolvedResources: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "unresolved_resources",
				Help:      "Resources still mismatched after the last run",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.probes,
		m.probeErrors,
		m.probeDuration,
		m.actions,
		m.actionDuration,
		m.retries,
		m.runsCompleted,
		m.runDuration,
		m.runCycles,
		m.unresolvedResources,
	)

	return m, nil
}

// RecordProbe records one probe of a resource kind.
func (m *Metrics) RecordProbe(kind string, duration time.Duration, errored bool) {
	if m.probes == nil {
		return
	}
	m.probes.WithLabelValues(kind).Inc()
	m.probeDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if errored {
		m.probeErrors.WithLabelValues(kind).Inc()
	}
}

// RecordAction records one action attempt with its outcome.
func (m *Metrics) RecordAction(kind, action, outcome string, duration time.Duration) {
	if m.actions == nil {
		return
	}
	m.actions.WithLabelValues(kind, action, outcome).Inc()
	m.actionDuration.WithLabelValues(kind, action).Observe(duration.Seconds())
}

// RecordRetry records an action retry.
func (m *Metrics) RecordRetry(kind string) {
	if m.retries == nil {
		return
	}
	m.retries.WithLabelValues(kind).Inc()
}

// RecordRunCompleted records a finished run with its terminal state.
func (m *Metrics) RecordRunCompleted(state string, cycles int, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(state).Inc()
	m.runDuration.WithLabelValues(state).Observe(duration.Seconds())
	m.runCycles.WithLabelValues(state).Observe(float64(cycles))
}

// SetUnresolved sets the number of unresolved resources of a kind.
func (m *Metrics) SetUnresolved(kind string, count float64) {
	if m.unresolvedResources == nil {
		return
	}
	m.unresolvedResources.WithLabelValues(kind).Set(count)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
