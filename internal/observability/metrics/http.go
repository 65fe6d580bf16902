package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus collectors exported by the daemon. Each
// instance owns its registry so tests can build as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	proofs        *prometheus.CounterVec
	proofLatency  *prometheus.HistogramVec
	verifications *prometheus.CounterVec
	anchors       *prometheus.CounterVec
	anchorCost    *prometheus.CounterVec
	requests      *prometheus.CounterVec
	jobs          *prometheus.CounterVec
}

// New creates a metrics set backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bioproof_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bioproof_http_request_errors_total",
			Help: "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bioproof_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		proofs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bioproof_proofs_generated_total",
			Help: "Proof generation outcomes by circuit and result.",
		}, []string{"circuit", "outcome"}),
		proofLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bioproof_proof_generation_seconds",
			Help:    "Time spent computing proofs.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"circuit"}),
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bioproof_proof_verifications_total",
			Help: "Proof verification results.",
		}, []string{"circuit", "valid"}),
		anchors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bioproof_anchors_total",
			Help: "Anchor writes by strategy, network and outcome.",
		}, []string{"strategy", "network", "outcome"}),
		anchorCost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bioproof_anchor_cost_total",
			Help: "Accumulated modelled anchoring cost.",
		}, []string{"strategy", "network"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bioproof_verification_requests_total",
			Help: "Verification request transitions by status.",
		}, []string{"status"}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bioproof_jobs_total",
			Help: "Pipeline job outcomes by kind.",
		}, []string{"kind", "status"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveProof records one proof generation attempt.
func (m *Metrics) ObserveProof(circuit, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.proofs.WithLabelValues(circuit, outcome).Inc()
	if duration > 0 {
		m.proofLatency.WithLabelValues(circuit).Observe(duration.Seconds())
	}
}

// ObserveVerification records a verification result.
func (m *Metrics) ObserveVerification(circuit string, valid bool) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(circuit, strconv.FormatBool(valid)).Inc()
}

// ObserveAnchor records a ledger write and its modelled cost.
func (m *Metrics) ObserveAnchor(strategy, network, outcome string, cost float64) {
	if m == nil {
		return
	}
	m.anchors.WithLabelValues(strategy, network, outcome).Inc()
	if cost > 0 {
		m.anchorCost.WithLabelValues(strategy, network).Add(cost)
	}
}

// ObserveRequest records a verification request transition.
func (m *Metrics) ObserveRequest(status string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(status).Inc()
}

// ObserveJob records a terminal pipeline job state.
func (m *Metrics) ObserveJob(kind, status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(kind, status).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
