package observability

import (
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Metrics holds all Prometheus metrics for CDPLedger.
type Metrics struct {
	// --- Core processing ---
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	CoreJournals     *prometheus.CounterVec
	CoreStateHashDur prometheus.Histogram
	CoreSequence     prometheus.Gauge

	// --- Oracle ---
	SafeMode      prometheus.Gauge
	OracleQuotes  *prometheus.CounterVec
	LastGoodPrice *prometheus.GaugeVec
	DirectPrice   prometheus.Gauge

	// --- Branches and pool ---
	BranchCollateral *prometheus.GaugeVec
	BranchDebt       *prometheus.GaugeVec
	VaultCount       *prometheus.GaugeVec
	PoolDeposits     prometheus.Gauge
	PoolCollateral   *prometheus.GaugeVec

	// --- Liquidation and redemption ---
	Liquidations      *prometheus.CounterVec
	LiquidatedDebt    *prometheus.CounterVec
	Redemptions       *prometheus.CounterVec
	RedeemedDebt      *prometheus.CounterVec
	RedemptionFeeBps  prometheus.Gauge
	SettlementLegs    *prometheus.CounterVec
	SettlementFailure prometheus.Counter

	// --- Feeds ---
	FeedUpdates  *prometheus.CounterVec
	FeedGaps     *prometheus.CounterVec
	FeedRejected *prometheus.CounterVec

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Projections & query API ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionWatermark prometheus.Gauge
	QueryRequests       *prometheus.CounterVec
	QueryDuration       *prometheus.HistogramVec
	QueryErrors         *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05, 0.25,
	}

	return &Metrics{
		// Core processing
		CommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_commands_applied_total",
			Help: "Commands successfully applied by core",
		}, []string{"command_type"}),

		CommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_commands_rejected_total",
			Help: "Commands rejected (duplicate, validation, settlement)",
		}, []string{"command_type", "reason"}),

		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_core_command_duration_seconds",
			Help:    "Time to execute a single command, settlement included",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_core_journals_generated_total",
			Help: "Custody journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_core_sequence",
			Help: "Last assigned command sequence",
		}),

		// Oracle
		SafeMode: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_oracle_safe_mode",
			Help: "1 while the circuit breaker is latched",
		}),

		OracleQuotes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_oracle_refresh_total",
			Help: "Price refreshes by resulting status",
		}, []string{"kind", "status"}),

		LastGoodPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_oracle_last_good_price",
			Help: "Last good price per collateral kind, in USD",
		}, []string{"kind"}),
		DirectPrice: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_oracle_direct_derivative_price",
			Help: "Direct derivative feed reading, monitoring only",
		}),

		// Branches and pool
		BranchCollateral: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_branch_collateral",
			Help: "Total collateral held by a branch, whole units",
		}, []string{"kind"}),

		BranchDebt: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_branch_debt",
			Help: "Total debt of a branch, whole units",
		}, []string{"kind"}),

		VaultCount: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_branch_vaults",
			Help: "Open vaults per branch",
		}, []string{"kind"}),

		PoolDeposits: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_pool_deposits",
			Help: "Stability pool total deposits, whole units",
		}),

		PoolCollateral: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_pool_collateral",
			Help: "Collateral gains held by the stability pool, whole units",
		}, []string{"kind"}),

		// Liquidation and redemption
		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidations_total",
			Help: "Vaults liquidated",
		}, []string{"kind"}),

		LiquidatedDebt: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_liquidated_debt_total",
			Help: "Debt offset by liquidations, whole units",
		}, []string{"kind"}),

		Redemptions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_redemptions_total",
			Help: "Redemptions executed",
		}, []string{"kind"}),

		RedeemedDebt: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_redeemed_debt_total",
			Help: "Stablecoin redeemed, whole units",
		}, []string{"kind"}),

		RedemptionFeeBps: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_redemption_fee_bps",
			Help: "Redemption fee charged by the last redemption",
		}),

		SettlementLegs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_settlement_legs_total",
			Help: "Token adapter calls executed",
		}, []string{"action"}),

		SettlementFailure: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_settlement_failures_total",
			Help: "Batches whose settlement failed and was reversed",
		}),

		// Feeds
		FeedUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_feed_updates_total",
			Help: "Price updates accepted from a stream source",
		}, []string{"source"}),

		FeedGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_feed_sequence_gaps_total",
			Help: "Sequence gaps seen on a price stream",
		}, []string{"source"}),

		FeedRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_feed_rejected_total",
			Help: "Price updates rejected",
		}, []string{"source", "reason"}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdp_channel_utilization",
			Help: "Channel usage / capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_publish_drops_total",
			Help: "Events dropped because the publish channel was full",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_backpressure_total",
			Help: "Times the core blocked on the persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"command_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_dedup_lru_size",
			Help: "Keys held by the idempotency LRU",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_events_written_total",
			Help: "Envelopes written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_journals_written_total",
			Help: "Journal rows written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_size",
			Help:    "Envelopes per write batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_persist_batch_duration_seconds",
			Help:    "Time to write one batch",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cdp_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cdp_replay_events_total",
			Help: "Commands replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Projections & query API
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_projection_update_duration_seconds",
			Help:    "Time to apply one output to the read model",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"projection"}),

		ProjectionWatermark: f.NewGauge(prometheus.GaugeOpts{
			Name: "cdp_projection_watermark",
			Help: "Last sequence applied to the read model",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdp_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cdp_query_errors_total",
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

// Units converts a fixed-point amount to a float for gauges. Precision is
// lost; never feed the result back into accounting.
func Units(amount *uint256.Int, decimals uint8) float64 {
	if amount == nil {
		return 0
	}
	return decimal.NewFromBigInt(amount.ToBig(), -int32(decimals)).InexactFloat64()
}
