// Package metrics provides Prometheus collectors for the audit pipeline and
// a standalone metrics server.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the pipeline's collectors. All fields are registered
// against a private registry so tests can construct fresh instances.
type Metrics struct {
	registry *prometheus.Registry

	// EgressTotal counts egress entries recorded by the proxy.
	// Labels: function_id, protocol
	EgressTotal *prometheus.CounterVec

	// AppendFailures counts log store append failures, which abort the
	// request being logged.
	// Labels: store
	AppendFailures *prometheus.CounterVec

	// AppendDuration observes the time spent inside the sequencing
	// critical section, in seconds.
	AppendDuration prometheus.Histogram

	// ProxyUpstreamErrors counts forward attempts that failed after the
	// entry was committed.
	ProxyUpstreamErrors prometheus.Counter

	// SandboxExecutions counts function executions by outcome.
	// Labels: status (success, error, timeout)
	SandboxExecutions *prometheus.CounterVec

	// SandboxDuration observes wall-clock execution time in seconds.
	SandboxDuration prometheus.Histogram

	// ManifestVerifications counts manifest verification requests by outcome.
	// Labels: result (valid, invalid)
	ManifestVerifications *prometheus.CounterVec
}

// New creates a fresh metrics set backed by its own registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		EgressTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "egress_entries_total",
			Help:      "Egress entries recorded by the logging proxy.",
		}, []string{"function_id", "protocol"}),
		AppendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_append_failures_total",
			Help:      "Log store append failures.",
		}, []string{"store"}),
		AppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "log_append_duration_seconds",
			Help:      "Time spent in the sequencing critical section.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		ProxyUpstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_upstream_errors_total",
			Help:      "Upstream connection failures after the entry was committed.",
		}),
		SandboxExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_executions_total",
			Help:      "Function executions by outcome.",
		}, []string{"status"}),
		SandboxDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_duration_seconds",
			Help:      "Function execution wall-clock time.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		ManifestVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_verifications_total",
			Help:      "Manifest verification requests by outcome.",
		}, []string{"result"}),
	}
}

// MetricsServer serves the registry on its own listener, separate from the
// API server.
type MetricsServer struct {
	srv *http.Server
}

// NewServer creates a metrics server for the given metrics set.
func NewServer(m *Metrics, listenAddr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:         listenAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// ListenAndServe blocks serving metrics until Shutdown.
func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
