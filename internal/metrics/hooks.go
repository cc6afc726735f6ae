package metrics

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradesignals/internal/feed"
	"tradesignals/internal/gateway"
	"tradesignals/internal/indicator"
	"tradesignals/internal/marketdata/ws"
	"tradesignals/internal/model"
	"tradesignals/internal/movement"
	"tradesignals/internal/notification"
	"tradesignals/internal/portfolio"
	"tradesignals/internal/scanner"
	"tradesignals/internal/store/redis"
	"tradesignals/internal/store/sqlite"
	"tradesignals/internal/strategy"
	"tradesignals/internal/trailing"
)

// InstrumentCache binds the indicator cache hooks.
func (m *Metrics) InstrumentCache(c *indicator.Cache) {
	c.OnHit = m.CacheHits.Inc
	c.OnMiss = m.CacheMisses.Inc
	c.OnCompute = func(d time.Duration) { m.CacheComputeDur.Observe(d.Seconds()) }
}

// InstrumentStrategies counts every signal the engine produces.
func (m *Metrics) InstrumentStrategies(e *strategy.Engine) {
	e.OnSignal = func(sig *model.Signal) {
		m.SignalsTotal.WithLabelValues(sig.Strategy, string(sig.Direction)).Inc()
	}
}

// InstrumentAnalyzer counts movement profile refreshes by source.
func (m *Metrics) InstrumentAnalyzer(a *movement.Analyzer) {
	a.OnRefresh = func(_ string, _ model.Timeframe, fallback bool) {
		src := "history"
		if fallback {
			src = "fallback"
		}
		m.ProfileRefresh.WithLabelValues(src).Inc()
	}
}

// InstrumentTrailing counts position events and keeps the open gauge in step.
func (m *Metrics) InstrumentTrailing(e *trailing.Engine) {
	e.OnEvent = func(ev trailing.Event) {
		m.TrailingEvents.WithLabelValues(string(ev.Type)).Inc()
		m.OpenPositions.Set(float64(len(e.Positions())))
	}
	e.OnStale = func(string) { m.StaleUpdates.Inc() }
}

// InstrumentBreaker mirrors circuit breaker transitions.
func (m *Metrics) InstrumentBreaker(cb *redis.CircuitBreaker) {
	cb.OnStateChange = func(_, to redis.State) {
		m.RedisCircuitBreakerState.Set(float64(to))
		if to == redis.StateOpen {
			m.RedisCircuitBreakerTrips.Inc()
		}
	}
}

// ObserveDecision counts one aggregator outcome.
func (m *Metrics) ObserveDecision(aggregator, outcome string) {
	m.DecisionsTotal.WithLabelValues(aggregator, outcome).Inc()
}

// InstrumentPublisher times Redis pipelines and counts buffered writes.
func (m *Metrics) InstrumentPublisher(p *redis.Publisher, bp *redis.BufferedPublisher) {
	p.OnPublish = func(d time.Duration) { m.RedisPublishDur.Observe(d.Seconds()) }
	if bp != nil {
		bp.OnBuffer = m.RedisBufferedWrites.Inc
	}
}

// InstrumentBarStore times SQLite bar commits.
func (m *Metrics) InstrumentBarStore(b *sqlite.BarStore) {
	b.OnCommit = func(d time.Duration) { m.SQLiteCommitDur.Observe(d.Seconds()) }
}

// InstrumentFeed counts reconnects and mirrors connectivity into health.
func (m *Metrics) InstrumentFeed(f *ws.Feed, h *HealthStatus) {
	f.OnReconnect = m.FeedReconnects.Inc
	f.OnConnected = h.SetFeedConnected
}

// InstrumentDispatcher counts ticks and records the last tick time.
func (m *Metrics) InstrumentDispatcher(d *feed.Dispatcher, h *HealthStatus) {
	d.OnTick = func(tk model.Tick) {
		m.TicksTotal.Inc()
		h.SetLastTickTime(tk.TS)
	}
}

// InstrumentScanner binds cycle timing, decision outcomes and errors.
func (m *Metrics) InstrumentScanner(s *scanner.Scanner, h *HealthStatus) {
	s.OnDecision = m.ObserveDecision
	s.OnShadowMismatch = m.ShadowMismatch.Inc
	s.OnCooldownSkip = m.CooldownSkipped.Inc
	s.OnError = func(stage string) { m.ScanErrors.WithLabelValues(stage).Inc() }
	s.OnCycle = func(r scanner.Result, took time.Duration) {
		m.ScanDur.Observe(took.Seconds())
		h.RecordScan(time.Now(), r.Errors)
	}
	s.OnMarketState = func(open bool) {
		v := 0.0
		if open {
			v = 1
		}
		m.MarketState.Set(v)
		h.SetMarketOpen(open)
	}
}

// InstrumentNotifier counts failed deliveries per channel.
func (m *Metrics) InstrumentNotifier(n *notification.Multi) {
	n.OnFailure = func(channel string) { m.NotifyFailures.WithLabelValues(channel).Inc() }
}

// InstrumentLedger mirrors realized P&L and counts wins and losses.
func (m *Metrics) InstrumentLedger(l *portfolio.Ledger) {
	l.OnTrade = func(t portfolio.ClosedTrade, realized decimal.Decimal) {
		result := "loss"
		if t.Win() {
			result = "win"
		}
		m.ClosedTrades.WithLabelValues(result).Inc()
		m.RealizedPnL.Set(realized.InexactFloat64())
	}
}

// InstrumentGateway tracks gateway clients, relayed envelopes and delay.
func (m *Metrics) InstrumentGateway(h *gateway.Hub) {
	h.OnClients = func(n int) { m.GatewayClients.Set(float64(n)) }
	h.OnSlowClient = m.GatewaySlowDrops.Inc
	h.OnBroadcast = func(kind string, delay time.Duration) {
		m.GatewayMessages.WithLabelValues(kind).Inc()
		if delay > 0 {
			m.GatewayDelay.Observe(delay.Seconds())
		}
	}
}

// WatchDropped samples the trailing engine's dropped-event counter and
// position count every interval until ctx ends.
func (m *Metrics) WatchDropped(ctx context.Context, e *trailing.Engine, h *HealthStatus, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var last uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := e.Dropped(); n > last {
					m.EventsDropped.Add(float64(n - last))
					last = n
				}
				open := len(e.Positions())
				m.OpenPositions.Set(float64(open))
				h.SetOpenPositions(open)
			}
		}
	}()
}
