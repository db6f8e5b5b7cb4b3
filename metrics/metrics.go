// Package metrics registers the Prometheus counters and gauges every engine
// reports through, following the single-struct-registered-at-startup
// pattern: one Metrics value, constructed once in cmd/spaced, passed down
// by constructor injection rather than a package-global registry.
//
// Exposing these is ambient observability, not a feature: this service
// excludes cross-space transactions and multi-writer consensus, not
// metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "spacestore"

// Metrics bundles every counter/gauge the core engines report through.
type Metrics struct {
	registry *prometheus.Registry

	CommitsTotal   *prometheus.CounterVec // by space
	ConflictsTotal *prometheus.CounterVec // by space, reason
	EpochGauge     *prometheus.GaugeVec   // current epoch, by space
	QueueDepth     *prometheus.GaugeVec   // pending plus in-flight batches, by space, subscription
	BackfillTotal  *prometheus.CounterVec // by space, kind (none/delta/snapshot)
	AckLagEpochs   *prometheus.GaugeVec   // currentEpoch - lastAckedEpoch, by space, client
	StoreIOErrors  *prometheus.CounterVec // by space
}

// New registers every series against a fresh registry. Production code
// calls this once at startup and serves Handler() alongside /healthz;
// tests construct their own Metrics to assert on without touching the
// default global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		CommitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commits_total", Help: "Successful transaction commits.",
		}, []string{"space"}),
		ConflictsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "conflicts_total", Help: "Transactions rejected as conflicts.",
		}, []string{"space", "reason"}),
		EpochGauge: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "current_epoch", Help: "Current epoch counter per space.",
		}, []string{"space"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fanout_queue_depth", Help: "Pending plus in-flight batches per subscription queue.",
		}, []string{"space", "subscription"}),
		BackfillTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "backfill_total", Help: "Backfills served by kind.",
		}, []string{"space", "kind"}),
		AckLagEpochs: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ack_lag_epochs", Help: "currentEpoch minus a client's lastAckedEpoch.",
		}, []string{"space", "client"}),
		StoreIOErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_io_errors_total", Help: "Space Store persistence failures.",
		}, []string{"space"}),
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
