package observability

import (
	sdkmath "cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Metrics holds all Prometheus metrics for PerpVault.
// Metrics are registered on the default registry, so NewMetrics must be
// called once per process; tests pass nil instead.
type Metrics struct {
	// --- Core Processing ---
	CoreCallsApplied  *prometheus.CounterVec
	CoreCallsRejected *prometheus.CounterVec
	CoreCallDuration  *prometheus.HistogramVec
	CoreOutcomes      *prometheus.CounterVec
	CoreStateHashDur  prometheus.Histogram
	CoreSequence      prometheus.Gauge

	// --- Protocol State ---
	VaultBalance       prometheus.Gauge
	LongBalance        prometheus.Gauge
	TotalExpo          prometheus.Gauge
	PendingActions     prometheus.Gauge
	PendingProtocolFee prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Oracle ---
	OraclePrices   *prometheus.CounterVec
	OracleRejected *prometheus.CounterVec

	// --- Liquidation, Rebase, Rebalancer ---
	LiquidatedTicks     prometheus.Counter
	LiquidatedPositions prometheus.Counter
	LiquidationRewards  prometheus.Counter
	LiquidationPending  prometheus.Counter
	Rebases             prometheus.Counter
	RebalancerTriggers  prometheus.Counter
	ProtocolFeesPaid    prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge
	WALWrites            *prometheus.CounterVec

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreCallsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_core_calls_applied_total",
			Help: "Calls successfully applied by core",
		}, []string{"call"}),

		CoreCallsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_core_calls_rejected_total",
			Help: "Calls rejected (dedup, gap, validation, domain error)",
		}, []string{"call", "reason"}),

		CoreCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_core_call_apply_duration_seconds",
			Help:    "Time to apply a single call in core",
			Buckets: latencyBuckets,
		}, []string{"call"}),

		CoreOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_core_outcomes_total",
			Help: "Call outcomes by status",
		}, []string{"call", "status"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_core_state_hash_duration_seconds",
			Help:    "Time to compute the state digest and hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_core_sequence",
			Help: "Current global sequence number",
		}),

		// Protocol State
		VaultBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_balance_vault_tokens",
			Help: "Vault side balance (whole tokens)",
		}),

		LongBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_balance_long_tokens",
			Help: "Long side balance (whole tokens)",
		}),

		TotalExpo: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_total_expo_tokens",
			Help: "Total exposure of the long positions (whole tokens)",
		}),

		PendingActions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_pending_actions",
			Help: "Pending two-phase actions in the queue",
		}),

		PendingProtocolFee: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_pending_protocol_fee_tokens",
			Help: "Protocol fee accrued and not yet distributed",
		}),

		// Latency
		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"call"}),

		ApplyToPersist: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_apply_to_persist_seconds",
			Help:    "Core emit to durable commit",
			Buckets: latencyBuckets,
		}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Persistence batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_dedup_lru_size",
			Help: "Current LRU entries",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup query time",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),

		EventSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_event_sequence_gap_total",
			Help: "Sequence gaps detected",
		}, []string{"partition"}),

		EventOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_event_out_of_order_total",
			Help: "Out-of-order commands",
		}, []string{"partition"}),

		// Oracle
		OraclePrices: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_oracle_prices_total",
			Help: "Prices accepted by the oracle middleware",
		}, []string{"mode", "action"}),

		OracleRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_oracle_rejected_total",
			Help: "Prices rejected by the oracle middleware",
		}, []string{"mode", "reason"}),

		// Liquidation, Rebase, Rebalancer
		LiquidatedTicks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_liquidated_ticks_total",
			Help: "Ticks liquidated",
		}),

		LiquidatedPositions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_liquidated_positions_total",
			Help: "Positions liquidated",
		}),

		LiquidationRewards: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_liquidation_rewards_tokens_total",
			Help: "Liquidation rewards paid (whole tokens)",
		}),

		LiquidationPending: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_liquidation_pending_total",
			Help: "Calls that stopped at the liquidation iteration cap",
		}),

		Rebases: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_share_rebases_total",
			Help: "Share token rebases",
		}),

		RebalancerTriggers: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_rebalancer_triggers_total",
			Help: "Rebalancer position refreshes",
		}),

		ProtocolFeesPaid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_protocol_fees_paid_tokens_total",
			Help: "Protocol fees distributed to the fee collector (whole tokens)",
		}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_events_written_total",
			Help: "Outputs written to the event log",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_size",
			Help:    "Outputs per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		WALWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_wal_writes_total",
			Help: "Records appended to the local write-ahead log",
		}, []string{"kind"}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

// Tokens converts an 18-decimal amount to whole tokens for gauges and counters.
func Tokens(v sdkmath.Int) float64 {
	if v.IsNil() {
		return 0
	}
	return decimal.NewFromBigInt(v.BigInt(), -18).InexactFloat64()
}
