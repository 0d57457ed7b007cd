package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "copytrader"

// Metrics are the pipeline's Prometheus collectors.
type Metrics struct {
	TradesReceived     *prometheus.CounterVec
	TradesDeduplicated prometheus.Counter
	FilterRejections   *prometheus.CounterVec
	OrdersSubmitted    *prometheus.CounterVec
	OrdersFailed       *prometheus.CounterVec
	SubmitRetries      prometheus.Counter
	Matches            *prometheus.CounterVec
	SnapshotsPublished prometheus.Counter
	SnapshotsSkipped   prometheus.Counter
	SweepDeletions     prometheus.Counter
	ExecutionLatency   prometheus.Histogram
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TradesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "trades_received_total",
			Help:      "Leader trades received, by ingestion source.",
		}, []string{"source"}),
		TradesDeduplicated: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "trades_deduplicated_total",
			Help:      "Leader trades dropped as already processed.",
		}),
		FilterRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "filter_rejections_total",
			Help:      "Copy attempts rejected by filters or limits, by category.",
		}, []string{"category"}),
		OrdersSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "orders_submitted_total",
			Help:      "Orders accepted by the exchange, by side.",
		}, []string{"side"}),
		OrdersFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "orders_failed_total",
			Help:      "Orders abandoned after the final attempt, by side.",
		}, []string{"side"}),
		SubmitRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "submit_retries_total",
			Help:      "Re-signed order submission retries.",
		}),
		Matches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fifo_matches_total",
			Help:      "FIFO match records written, by trigger kind.",
		}, []string{"kind"}),
		SnapshotsPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "position_snapshots_published_total",
			Help:      "Position snapshots published to subscribers.",
		}),
		SnapshotsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "position_snapshots_skipped_total",
			Help:      "Poll cycles skipped because a fetch failed.",
		}),
		SweepDeletions: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_deleted_orders_total",
			Help:      "Orders deleted by the status sweep.",
		}),
		ExecutionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "execution_seconds",
			Help:      "Time from sign to exchange acceptance, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}

// nopMetrics registers on a private registry so components can run without one.
func nopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
