package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the vmforge agent.
// A Metrics created with metrics disabled, or a nil *Metrics, records nothing.
type Metrics struct {
	config MetricsConfig

	// Task metrics
	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	tasksInFlight prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Resource metrics
	transitions *prometheus.CounterVec

	// Data path metrics
	uploadBytes *prometheus.CounterVec
	remoteOps   *prometheus.CounterVec
	remoteOpDur *prometheus.HistogramVec

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

		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total number of tasks dispatched, by outcome",
			},
			[]string{"type", "action", "outcome"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds",
				Buckets:   buckets,
			},
			[]string{"type", "action"},
		),
		tasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_in_flight",
				Help:      "Number of tasks currently executing",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_errors_total",
				Help:      "Total number of task errors by class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_errors_by_code_total",
				Help:      "Total number of task errors by code",
			},
			[]string{"code"},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_transitions_total",
				Help:      "Total number of resource state transitions",
			},
			[]string{"kind", "to"},
		),

		uploadBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upload_bytes_total",
				Help:      "Total number of bytes written into images by uploads",
			},
			[]string{"source"},
		),
		remoteOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_ops_total",
				Help:      "Total number of remote operations",
			},
			[]string{"op", "variant", "outcome"},
		),
		remoteOpDur: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_op_duration_seconds",
				Help:      "Duration of remote operations in seconds",
				Buckets:   buckets,
			},
			[]string{"op", "variant"},
		),
	}

	registry.MustRegister(
		m.tasksExecuted,
		m.taskDuration,
		m.tasksInFlight,
		m.errorsByClass,
		m.errorsByCode,
		m.transitions,
		m.uploadBytes,
		m.remoteOps,
		m.remoteOpDur,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Task Metrics

// TaskStarted increments the in-flight gauge.
func (m *Metrics) TaskStarted() {
	if !m.enabled() {
		return
	}
	m.tasksInFlight.Inc()
}

// RecordTask records a finished task with its outcome and duration.
func (m *Metrics) RecordTask(taskType, action, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.tasksInFlight.Dec()
	m.tasksExecuted.WithLabelValues(taskType, action, outcome).Inc()
	m.taskDuration.WithLabelValues(taskType, action).Observe(duration.Seconds())
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordTransition records a resource moving into a state.
func (m *Metrics) RecordTransition(kind, to string) {
	if !m.enabled() {
		return
	}
	m.transitions.WithLabelValues(kind, to).Inc()
}

// RecordUploadBytes adds n bytes written by an upload from source (url, chunk).
func (m *Metrics) RecordUploadBytes(source string, n int) {
	if !m.enabled() || n <= 0 {
		return
	}
	m.uploadBytes.WithLabelValues(source).Add(float64(n))
}

// RecordRemoteOp records a remote operation and its duration.
func (m *Metrics) RecordRemoteOp(op, variant string, err error, duration time.Duration) {
	if !m.enabled() {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.remoteOps.WithLabelValues(op, variant, outcome).Inc()
	m.remoteOpDur.WithLabelValues(op, variant).Observe(duration.Seconds())
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
