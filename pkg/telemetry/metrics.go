package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the event processor and workflows.
// A Metrics built with metrics disabled has nil collectors and every Record
// method is a no-op.
type Metrics struct {
	config MetricsConfig

	// Event processor metrics
	eventsReceived     *prometheus.CounterVec
	dispatches         *prometheus.CounterVec
	dispatchDuration   *prometheus.HistogramVec
	retriesScheduled   prometheus.Counter
	retriesExhausted   prometheus.Counter
	inFlightDispatches prometheus.Gauge
	pendingResources   prometheus.Gauge

	// Workflow metrics
	nodeExecutions *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

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

		eventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_received_total",
				Help:      "Total number of resource events received by the event processor",
			},
			[]string{"type"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total number of completed reconciliation dispatches",
			},
			[]string{"outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of reconciliation dispatches in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		retriesScheduled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_scheduled_total",
				Help:      "Total number of retries scheduled after a failed dispatch",
			},
		),
		retriesExhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_exhausted_total",
				Help:      "Total number of resources whose retry budget was exhausted",
			},
		),
		inFlightDispatches: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_dispatches",
				Help:      "Current number of dispatches in flight",
			},
		),
		pendingResources: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_resources",
				Help:      "Current number of resources with an unprocessed event",
			},
		),
		nodeExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_node_total",
				Help:      "Total number of workflow node executions by outcome",
			},
			[]string{"workflow", "node", "outcome"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_node_duration_seconds",
				Help:      "Duration of workflow node operations in seconds",
				Buckets:   buckets,
			},
			[]string{"workflow", "node"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.eventsReceived,
		m.dispatches,
		m.dispatchDuration,
		m.retriesScheduled,
		m.retriesExhausted,
		m.inFlightDispatches,
		m.pendingResources,
		m.nodeExecutions,
		m.nodeDuration,
		m.errorsByClass,
	)

	return m, nil
}

// Event processor metrics

// RecordEventReceived counts an incoming resource event.
func (m *Metrics) RecordEventReceived(eventType string) {
	if m.eventsReceived == nil {
		return
	}
	m.eventsReceived.WithLabelValues(eventType).Inc()
}

// RecordDispatch records a completed dispatch with its outcome and duration.
func (m *Metrics) RecordDispatch(outcome string, duration time.Duration) {
	if m.dispatches == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
	m.dispatchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordRetryScheduled counts a scheduled retry.
func (m *Metrics) RecordRetryScheduled() {
	if m.retriesScheduled == nil {
		return
	}
	m.retriesScheduled.Inc()
}

// RecordRetryExhausted counts a resource whose retries ran out.
func (m *Metrics) RecordRetryExhausted() {
	if m.retriesExhausted == nil {
		return
	}
	m.retriesExhausted.Inc()
}

// SetInFlight sets the number of dispatches in flight.
func (m *Metrics) SetInFlight(count int) {
	if m.inFlightDispatches == nil {
		return
	}
	m.inFlightDispatches.Set(float64(count))
}

// SetPendingResources sets the number of resources with a pending event.
func (m *Metrics) SetPendingResources(count int) {
	if m.pendingResources == nil {
		return
	}
	m.pendingResources.Set(float64(count))
}

// Workflow metrics

// RecordNodeExecution records the outcome and duration of a workflow node.
func (m *Metrics) RecordNodeExecution(workflow, node, outcome string, duration time.Duration) {
	if m.nodeExecutions == nil {
		return
	}
	m.nodeExecutions.WithLabelValues(workflow, node, outcome).Inc()
	m.nodeDuration.WithLabelValues(workflow, node).Observe(duration.Seconds())
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Timer provides a convenient way to time operations.
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

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
