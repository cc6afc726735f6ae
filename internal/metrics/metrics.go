package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the signal pipeline.
type Metrics struct {
	// Indicator cache
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	CacheComputeDur prometheus.Histogram

	// Strategies and aggregation
	SignalsTotal    *prometheus.CounterVec // labels: strategy, direction
	DecisionsTotal  *prometheus.CounterVec // labels: aggregator, outcome
	ShadowMismatch  prometheus.Counter
	ScanDur         prometheus.Histogram
	ScanErrors      *prometheus.CounterVec // labels: stage
	ProfileRefresh  *prometheus.CounterVec // labels: source=history|fallback
	CooldownSkipped prometheus.Counter

	// Trailing stops
	TrailingEvents  *prometheus.CounterVec // labels: type
	StaleUpdates    prometheus.Counter
	OpenPositions   prometheus.Gauge
	EventsDropped   prometheus.Counter
	TicksTotal      prometheus.Counter
	FeedReconnects  prometheus.Counter

	// Storage
	RedisPublishDur          prometheus.Histogram
	SQLiteCommitDur          prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter

	// Notifications
	NotifyFailures *prometheus.CounterVec // labels: channel

	// Market session
	MarketState prometheus.Gauge // 0=closed, 1=open

	// Paper P&L
	RealizedPnL  prometheus.Gauge
	ClosedTrades *prometheus.CounterVec // labels: result=win|loss

	// Signal gateway
	GatewayClients   prometheus.Gauge
	GatewayMessages  *prometheus.CounterVec // labels: kind
	GatewaySlowDrops prometheus.Counter
	GatewayDelay     prometheus.Histogram
}

var fastBuckets = []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05}

// NewMetrics creates every metric and registers it with reg. A nil reg uses
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradesignals_indicator_cache_hits_total",
			Help: "Indicator set lookups served from cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradesignals_indicator_cache_misses_total",
			Help: "Indicator set lookups that required a computation or a shared flight",
		}),
		CacheComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradesignals_indicator_compute_duration_seconds",
			Help:    "Time to compute a full indicator set",
			Buckets: fastBuckets,
		}),

		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesignals_signals_total",
			Help: "Signals produced per strategy and direction",
		}, []string{"strategy", "direction"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesignals_decisions_total",
			Help: "Aggregator decisions by outcome (execute, hold, conflict, cooldown)",
		}, []string{"aggregator", "outcome"}),
		ShadowMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradesignals_shadow_mismatch_total",
			Help: "Cycles where the shadow aggregator disagreed with the primary",
		}),
		ScanDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradesignals_scan_duration_seconds",
			Help:    "Wall time of one full watchlist scan",
			Buckets: prometheus.DefBuckets,
		}),
		ScanErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesignals_scan_errors_total",
			Help: "Per-symbol scan failures by stage",
		}, []string{"stage"}),
		ProfileRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesignals_movement_profile_refresh_total",
			Help: "Movement profile recomputations by source",
		}, []string{"source"}),
		CooldownSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradesignals_cooldown_skipped_total",
			Help: "Qualifying decisions suppressed by a symbol cooldown",
		}),

		TrailingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesignals_trailing_events_total",
			Help: "Trailing stop state changes by type",
		}, []string{"type"}),
		StaleUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradesignals_trailing_stale_updates_total",
			Help: "Price updates rejected because they were not newer than the last applied one",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradesignals_open_positions",
			Help: "Positions currently tracked by the trailing engine",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradesignals_trailing_events_dropped_total",
			Help: "Trailing events dropped because the consumer fell behind",
		}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradesignals_ticks_total",
			Help: "Price ticks received from the feed",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradesignals_feed_reconnects_total",
			Help: "Price feed reconnection attempts",
		}),

		RedisPublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradesignals_redis_publish_duration_seconds",
			Help:    "Redis publish latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradesignals_sqlite_commit_duration_seconds",
			Help:    "SQLite write latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradesignals_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradesignals_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradesignals_redis_buffered_writes_total",
			Help: "Publishes buffered locally while the Redis circuit breaker was open",
		}),

		NotifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesignals_notify_failures_total",
			Help: "Failed notification deliveries by channel",
		}, []string{"channel"}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradesignals_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),

		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradesignals_realized_pnl_usd",
			Help: "Realized paper P&L since start",
		}),
		ClosedTrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesignals_closed_trades_total",
			Help: "Closed paper trades by result",
		}, []string{"result"}),

		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradesignals_gateway_clients",
			Help: "Connected gateway WebSocket clients",
		}),
		GatewayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradesignals_gateway_messages_total",
			Help: "Envelopes relayed by the gateway",
		}, []string{"kind"}),
		GatewaySlowDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradesignals_gateway_slow_client_drops_total",
			Help: "Envelopes dropped because a client queue was full",
		}),
		GatewayDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradesignals_gateway_delay_seconds",
			Help:    "Delay from decision or event time to gateway broadcast",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}

	reg.MustRegister(
		m.CacheHits,
		m.CacheMisses,
		m.CacheComputeDur,
		m.SignalsTotal,
		m.DecisionsTotal,
		m.ShadowMismatch,
		m.ScanDur,
		m.ScanErrors,
		m.ProfileRefresh,
		m.CooldownSkipped,
		m.TrailingEvents,
		m.StaleUpdates,
		m.OpenPositions,
		m.EventsDropped,
		m.TicksTotal,
		m.FeedReconnects,
		m.RedisPublishDur,
		m.SQLiteCommitDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
		m.NotifyFailures,
		m.MarketState,
		m.RealizedPnL,
		m.ClosedTrades,
		m.GatewayClients,
		m.GatewayMessages,
		m.GatewaySlowDrops,
		m.GatewayDelay,
	)

	return m
}
