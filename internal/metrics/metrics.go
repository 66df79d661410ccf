package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the price sync engine.
type Metrics struct {
	SyncCycles    *prometheus.CounterVec // labels: kind (cmp|lcp), outcome (done|skipped|auth_failed)
	CycleDur      *prometheus.HistogramVec
	QuotesFetched prometheus.Counter
	RowsWritten   *prometheus.CounterVec // labels: table

	ChunkRequests prometheus.Counter
	ChunkFailures prometheus.Counter

	BatchCommitDur prometheus.Histogram
	BatchFailures  prometheus.Counter

	LoginAttempts prometheus.Counter
	LoginFailures prometheus.Counter

	MarketOpen    prometheus.Gauge // 0=closed, 1=open
	Authenticated prometheus.Gauge // 0=no session, 1=session live
}

// New registers and returns all metrics.
func New() *Metrics {
	m := &Metrics{
		SyncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricesync_cycles_total",
			Help: "Sync cycles by kind and terminal outcome",
		}, []string{"kind", "outcome"}),
		CycleDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pricesync_cycle_duration_seconds",
			Help:    "End-to-end sync cycle duration",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
		QuotesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricesync_quotes_fetched_total",
			Help: "Quote records returned by the provider",
		}),
		RowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricesync_rows_written_total",
			Help: "Rows committed to the store by table",
		}, []string{"table"}),
		ChunkRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricesync_chunk_requests_total",
			Help: "Quote chunk requests issued",
		}),
		ChunkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricesync_chunk_failures_total",
			Help: "Quote chunk requests that failed (chunk omitted from result)",
		}),
		BatchCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricesync_batch_commit_duration_seconds",
			Help:    "Store batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		BatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricesync_batch_failures_total",
			Help: "Store batches that failed (other batches unaffected)",
		}),
		LoginAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricesync_login_attempts_total",
			Help: "Login requests sent to the auth provider",
		}),
		LoginFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricesync_login_failures_total",
			Help: "Login requests that failed",
		}),
		MarketOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricesync_market_open",
			Help: "Live-window state (0=closed, 1=open)",
		}),
		Authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricesync_authenticated",
			Help: "Session state (0=no session, 1=live)",
		}),
	}

	prometheus.MustRegister(
		m.SyncCycles,
		m.CycleDur,
		m.QuotesFetched,
		m.RowsWritten,
		m.ChunkRequests,
		m.ChunkFailures,
		m.BatchCommitDur,
		m.BatchFailures,
		m.LoginAttempts,
		m.LoginFailures,
		m.MarketOpen,
		m.Authenticated,
	)

	return m
}
