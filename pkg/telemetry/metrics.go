package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mailgrid/mailgrid/pkg/engine"
)

// Metrics records orchestration metrics in a private Prometheus registry.
type Metrics struct {
	config MetricsConfig

	transitions      *prometheus.CounterVec
	providerCalls    *prometheus.CounterVec
	providerErrors   *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	retries          *prometheus.CounterVec
	domains          *prometheus.GaugeVec
	runs             *prometheus.CounterVec
	runDuration      prometheus.Histogram

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them.
func NewMetrics(cfg MetricsConfig) *Metrics {
	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_transitions_total",
				Help:      "Domain state transitions by stage and resulting state",
			},
			[]string{"stage", "result"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider calls",
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Failed provider calls by error class",
			},
			[]string{"provider", "operation", "class"},
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
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retries scheduled by error class",
			},
			[]string{"class"},
		),
		domains: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "domains",
				Help:      "Domains per provisioning state",
			},
			[]string{"state"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Provisioning runs by result",
			},
			[]string{"result"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of provisioning runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
	}

	m.registry.MustRegister(
		m.transitions,
		m.providerCalls,
		m.providerErrors,
		m.providerDuration,
		m.retries,
		m.domains,
		m.runs,
		m.runDuration,
	)
	return m
}

// RecordTransition counts a state transition.
func (m *Metrics) RecordTransition(stage engine.Stage, from, to engine.DomainState) {
	m.transitions.WithLabelValues(string(stage), string(to)).Inc()
}

// RecordProviderCall records one provider invocation.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration, err error) {
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
	if err != nil {
		m.providerErrors.WithLabelValues(provider, operation, string(engine.Classify(err))).Inc()
	}
}

// RecordRetry counts a scheduled retry.
func (m *Metrics) RecordRetry(class engine.ErrorClass) {
	m.retries.WithLabelValues(string(class)).Inc()
}

// SetDomainCounts sets the per-state gauge. States missing from counts are zeroed.
func (m *Metrics) SetDomainCounts(counts map[engine.DomainState]int) {
	for _, state := range engine.AllStates() {
		m.domains.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(result string, duration time.Duration) {
	m.runs.WithLabelValues(result).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics until ctx is done. It returns nil when no listen
// address is configured.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if m.config.ListenAddress == "" {
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

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
