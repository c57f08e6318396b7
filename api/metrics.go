/*
metrics.go - Prometheus instrumentation

PURPOSE:
  One registry per process holding the HTTP, ledger and reconciliation
  series. Metrics implements cashbook.Observer so the ledger reports every
  attempted mutation without importing Prometheus itself.

SERIES:
  cashbook_http_requests_total{method,route,status}
  cashbook_mutations_total{action,outcome}
  cashbook_mutation_duration_seconds{action}
  cashbook_reconciliation_difference          credit - debit at last check
  cashbook_reconciliation_runs_total{status}

SEE ALSO:
  - cashbook/ledger.go: Observer interface
  - scheduler.go: Sets the reconciliation series
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/cashbook"
)

type Metrics struct {
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	mutations         *prometheus.CounterVec
	mutationDuration  *prometheus.HistogramVec
	reconDifference   prometheus.Gauge
	reconciliationRun *prometheus.CounterVec
}

// NewMetrics registers every series on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cashbook_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cashbook_mutations_total",
			Help: "Ledger mutations by action and outcome.",
		}, []string{"action", "outcome"}),
		mutationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cashbook_mutation_duration_seconds",
			Help:    "Ledger mutation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		reconDifference: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cashbook_reconciliation_difference",
			Help: "Total credit minus total debit of active entries at the last self-check.",
		}),
		reconciliationRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cashbook_reconciliation_runs_total",
			Help: "Reconciliation self-checks by result.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.mutations,
		m.mutationDuration,
		m.reconDifference,
		m.reconciliationRun,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveMutation implements cashbook.Observer.
func (m *Metrics) ObserveMutation(action cashbook.Action, outcome string, elapsed time.Duration) {
	m.mutations.WithLabelValues(string(action), outcome).Inc()
	m.mutationDuration.WithLabelValues(string(action)).Observe(elapsed.Seconds())
}

// ObserveReconciliation records one self-check.
func (m *Metrics) ObserveReconciliation(status string, difference decimal.Decimal) {
	m.reconciliationRun.WithLabelValues(status).Inc()
	if status != RunFailed {
		f, _ := difference.Float64()
		m.reconDifference.Set(f)
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Instrument counts requests by chi route pattern, so ids in paths do not
// explode the label space.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}

var _ cashbook.Observer = (*Metrics)(nil)
