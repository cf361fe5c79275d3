// Package observability exposes the gateway's Prometheus metrics on a private
// registry so tests can build isolated instances.
package observability

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3KD/dStream-sub001/wallet"
)

const namespace = "xmrgate"

// Metrics aggregates the gateway's instrument vectors.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	walletCalls  *prometheus.CounterVec
	escrowOps    *prometheus.CounterVec
}

// New builds a metrics set on a fresh private registry with the standard Go
// and process collectors attached.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests segmented by route, method, and status code.",
		}, []string{"route", "method", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		walletCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "calls_total",
			Help:      "Wallet RPC calls segmented by method and outcome.",
		}, []string{"method", "outcome"}),
		escrowOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "operations_total",
			Help:      "Escrow ceremony operations segmented by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpLatency,
		m.walletCalls,
		m.escrowOps,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WalletRecorder adapts the wallet client's completion hook onto the call
// counter, classifying failures by their error kind.
func (m *Metrics) WalletRecorder() wallet.CallRecorder {
	return func(method string, err error) {
		outcome := "ok"
		if err != nil {
			outcome = "transport_error"
			var callErr *wallet.CallError
			if errors.As(err, &callErr) {
				outcome = string(callErr.Kind) + "_error"
			}
		}
		m.walletCalls.WithLabelValues(method, outcome).Inc()
	}
}

// RecordEscrowOp counts one ceremony operation attempt.
func (m *Metrics) RecordEscrowOp(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.escrowOps.WithLabelValues(operation, outcome).Inc()
}

// Middleware instruments every routed request with a counter and latency
// histogram keyed by the chi route pattern, so path parameters do not explode
// label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := "unmatched"
		if ctx := chi.RouteContext(r.Context()); ctx != nil {
			if pattern := ctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Inc()
		m.httpLatency.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
