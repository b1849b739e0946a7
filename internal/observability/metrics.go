package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpOracle.
type Metrics struct {
	// --- Engine ---
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	EngineSequence   prometheus.Gauge

	// --- Oracle & positions ---
	PricesAccepted   *prometheus.CounterVec
	PositionsOpened  prometheus.Counter
	CollateralLocked prometheus.Counter

	// --- Channels & persistence ---
	ProjectionDrops     prometheus.Counter
	PersistBackpressure prometheus.Counter
	PersistBatchDur     prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistLastSequence prometheus.Gauge

	// --- Ingestion ---
	IngestParseErrors *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_commands_applied_total",
			Help: "Commands successfully applied by the engine",
		}, []string{"kind"}),

		CommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_commands_rejected_total",
			Help: "Commands rejected (dedup, authorization, validation, liveness)",
		}, []string{"kind", "reason"}),

		CommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oracle_command_apply_duration_seconds",
			Help:    "Time to apply a single command",
			Buckets: latencyBuckets,
		}, []string{"kind"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_engine_sequence",
			Help: "Current global sequence number",
		}),

		PricesAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_prices_accepted_total",
			Help: "Accepted price submissions per feed",
		}, []string{"feed"}),

		PositionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oracle_positions_opened_total",
			Help: "Positions opened",
		}),

		CollateralLocked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oracle_collateral_locked_total",
			Help: "Cumulative collateral locked against positions",
		}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oracle_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oracle_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "oracle_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_persist_errors_total",
			Help: "Persistence write errors by kind",
		}, []string{"kind"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_persist_last_sequence",
			Help: "Last sequence durably written",
		}),

		IngestParseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_ingest_parse_errors_total",
			Help: "Inbound payloads that failed to parse",
		}, []string{"subject"}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oracle_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"endpoint"}),
	}
}
