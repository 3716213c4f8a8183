package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// Metrics provides Prometheus metrics for the engine and providers.
// It implements engine.MetricsRecorder.
type Metrics struct {
	config MetricsConfig

	// Node metrics
	nodeAttempts        *prometheus.CounterVec
	nodeAttemptDuration *prometheus.HistogramVec
	nodeOutcomes        *prometheus.CounterVec

	// Pass metrics
	passes         *prometheus.CounterVec
	passDuration   *prometheus.HistogramVec
	edgesTraversed *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	busyWorkers    *prometheus.GaugeVec

	// Orchestration metrics
	phaseDuration *prometheus.HistogramVec
	status        prometheus.Gauge

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		nodeAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_attempts_total",
				Help:      "Total number of node Perform/Reverse attempts",
			},
			[]string{"domain", "direction", "kind", "result"},
		),
		nodeAttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_attempt_duration_seconds",
				Help:      "Duration of node attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"domain", "direction", "kind"},
		),
		nodeOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_outcomes_total",
				Help:      "Final node statuses per pass",
			},
			[]string{"domain", "direction", "status"},
		),

		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_total",
				Help:      "Total number of scheduler passes",
			},
			[]string{"domain", "direction", "state"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Duration of scheduler passes in seconds",
				Buckets:   buckets,
			},
			[]string{"domain", "direction"},
		),
		edgesTraversed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "edges_traversed_total",
				Help:      "Total number of dependency edges released",
			},
			[]string{"domain", "direction"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ready_queue_depth",
				Help:      "Number of ready nodes waiting for a worker",
			},
			[]string{"domain"},
		),
		busyWorkers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "busy_workers",
				Help:      "Number of workers acting on a node",
			},
			[]string{"domain"},
		),

		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of orchestration phases in seconds",
				Buckets:   buckets,
			},
			[]string{"phase", "status"},
		),
		status: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "orchestration_status",
				Help:      "Current orchestration status code",
			},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider calls",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider errors",
			},
			[]string{"provider", "operation"},
		),
	}

	registry.MustRegister(
		m.nodeAttempts,
		m.nodeAttemptDuration,
		m.nodeOutcomes,
		m.passes,
		m.passDuration,
		m.edgesTraversed,
		m.queueDepth,
		m.busyWorkers,
		m.phaseDuration,
		m.status,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
	)

	return m, nil
}

// RecordNodeAttempt implements engine.MetricsRecorder.
func (m *Metrics) RecordNodeAttempt(domain engine.Domain, direction engine.Direction, kind engine.Kind, success bool, duration time.Duration) {
	if m.registry == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.nodeAttempts.WithLabelValues(string(domain), string(direction), string(kind), result).Inc()
	m.nodeAttemptDuration.WithLabelValues(string(domain), string(direction), string(kind)).Observe(duration.Seconds())
}

// RecordNodeOutcome implements engine.MetricsRecorder.
func (m *Metrics) RecordNodeOutcome(domain engine.Domain, direction engine.Direction, status engine.NodeStatus) {
	if m.registry == nil {
		return
	}
	m.nodeOutcomes.WithLabelValues(string(domain), string(direction), string(status)).Inc()
}

// RecordPass implements engine.MetricsRecorder.
func (m *Metrics) RecordPass(domain engine.Domain, direction engine.Direction, state engine.RunState, duration time.Duration, edges int) {
	if m.registry == nil {
		return
	}
	m.passes.WithLabelValues(string(domain), string(direction), string(state)).Inc()
	m.passDuration.WithLabelValues(string(domain), string(direction)).Observe(duration.Seconds())
	m.edgesTraversed.WithLabelValues(string(domain), string(direction)).Add(float64(edges))
}

// SetQueueDepth implements engine.MetricsRecorder.
func (m *Metrics) SetQueueDepth(domain engine.Domain, depth int) {
	if m.registry == nil {
		return
	}
	m.queueDepth.WithLabelValues(string(domain)).Set(float64(depth))
}

// SetBusyWorkers implements engine.MetricsRecorder.
func (m *Metrics) SetBusyWorkers(domain engine.Domain, busy int) {
	if m.registry == nil {
		return
	}
	m.busyWorkers.WithLabelValues(string(domain)).Set(float64(busy))
}

// RecordPhase implements engine.MetricsRecorder.
func (m *Metrics) RecordPhase(phase string, status engine.OrchestrationStatus, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase, string(status)).Observe(duration.Seconds())
}

// SetOrchestrationStatus implements engine.MetricsRecorder.
func (m *Metrics) SetOrchestrationStatus(status engine.OrchestrationStatus) {
	if m.registry == nil {
		return
	}
	m.status.Set(float64(status.Code()))
}

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if m.registry == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer measures the duration of an operation.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
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

// StartMetricsServer serves metrics on the configured address in the
// background. It is a no-op when metrics are disabled or no address is set.
func (m *Metrics) StartMetricsServer(logger *Logger) error {
	if m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()
	logger.WithField("address", m.config.ListenAddress).Info("Serving metrics")
	return nil
}

// Shutdown stops the metrics server, if running.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
