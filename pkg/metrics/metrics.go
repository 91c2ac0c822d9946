// Package metrics exposes the aggregator's external-at-the-edge metrics
// surface (spec.md §1 "metrics export ... out of scope" at the core, but
// carried here as the ambient observability stack every process needs).
//
// Grounded on core/system_health_logging.go's HealthLogger: a
// prometheus.Registry built once, a fixed set of named gauges/counters
// registered against it, and a promhttp-backed HTTP server the caller
// starts/stops explicitly. Generalized from blockchain-node metrics
// (block height, peer count, total supply) to DAP aggregator metrics
// (reports consumed/rejected, merges, collections, gateway traffic).
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds every Prometheus collector the aggregator records against.
type Metrics struct {
	registry *prometheus.Registry
	log      *logrus.Logger

	reportsConsumed   *prometheus.CounterVec // label: outcome (consumed|rejected)
	reportsRejected   *prometheus.CounterVec // label: failure
	mergesTotal       *prometheus.CounterVec // label: kind (ok|replays|already_collected|other)
	collectionsTotal  *prometheus.CounterVec // label: result (ok|overlap|invalid_size|internal)
	gatewayRequests   *prometheus.CounterVec // label: backend, outcome
	partitionsPurged  prometheus.Counter
}

// New builds a Metrics instance with every collector registered against a
// fresh registry. log receives operational events the way HealthLogger's
// LogEvent does; pass logrus.StandardLogger() for the common case.
func New(log *logrus.Logger) *Metrics {
	if log == nil {
		log = logrus.StandardLogger()
	}
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		log:      log,
		reportsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dap_reports_consumed_total",
			Help: "Reports processed by the Report Consumer, by outcome.",
		}, []string{"outcome"}),
		reportsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dap_reports_rejected_total",
			Help: "Per-report rejections, by transition failure code.",
		}, []string{"failure"}),
		mergesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dap_store_merges_total",
			Help: "Aggregate Store try_put_span outcomes, by kind.",
		}, []string{"kind"}),
		collectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dap_collections_total",
			Help: "Batch Coordinator collection attempts, by result.",
		}, []string{"result"}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dap_gateway_requests_total",
			Help: "Admission Gateway requests, by backend and outcome.",
		}, []string{"backend", "outcome"}),
		partitionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dap_store_partitions_purged_total",
			Help: "Storage partitions garbage-collected past their safety interval.",
		}),
	}

	reg.MustRegister(
		m.reportsConsumed,
		m.reportsRejected,
		m.mergesTotal,
		m.collectionsTotal,
		m.gatewayRequests,
		m.partitionsPurged,
	)
	return m
}

func (m *Metrics) ReportConsumed()             { m.reportsConsumed.WithLabelValues("consumed").Inc() }
func (m *Metrics) ReportRejected(failure string) {
	m.reportsConsumed.WithLabelValues("rejected").Inc()
	m.reportsRejected.WithLabelValues(failure).Inc()
}
func (m *Metrics) Merge(kind string)                    { m.mergesTotal.WithLabelValues(kind).Inc() }
func (m *Metrics) Collection(result string)             { m.collectionsTotal.WithLabelValues(result).Inc() }
func (m *Metrics) GatewayRequest(backend, outcome string) {
	m.gatewayRequests.WithLabelValues(backend, outcome).Inc()
}
func (m *Metrics) PartitionsPurged(n int) {
	if n > 0 {
		m.partitionsPurged.Add(float64(n))
	}
}

// Serve starts a promhttp-backed metrics endpoint on addr and returns the
// underlying *http.Server so the caller manages its lifecycle (spec §6.4
// "optional metrics push {server_url, bearer_token}" names the push target;
// the aggregator itself still exposes a pull endpoint other tooling scrapes).
func (m *Metrics) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv
}

// Shutdown gracefully stops a server returned by Serve.
func (m *Metrics) Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
