// Package agg builds fixed-interval OHLCV bars from a tick stream.
package agg

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tradesignals/internal/model"
)

// barState holds the in-progress bar for one symbol in the current bucket.
type barState struct {
	bucket time.Time
	bar    model.Bar
}

// Aggregator builds bars of one timeframe from ticks. A bar is emitted when
// a tick for a later bucket arrives, or when the bucket has been over for
// Grace on the wall clock.
type Aggregator struct {
	tf    model.Timeframe
	width time.Duration
	log   *zap.Logger
	now   func() time.Time

	mu     sync.Mutex
	states map[string]*barState

	// Grace is how long after a bucket ends a quiet symbol's bar is held
	// open for straggling ticks. Default: 2s.
	Grace         time.Duration
	flushInterval time.Duration

	// Metrics hooks (optional, set externally)
	OnDroppedTick func()
	OnBar         func(b model.Bar)
}

// New creates an Aggregator for tf. Unknown timeframes fall back to 1m.
func New(tf model.Timeframe, log *zap.Logger) *Aggregator {
	width := tf.Duration()
	if width == 0 {
		tf, width = model.TF1m, time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{
		tf:            tf,
		width:         width,
		log:           log.Named("agg"),
		now:           time.Now,
		states:        make(map[string]*barState),
		Grace:         2 * time.Second,
		flushInterval: 250 * time.Millisecond,
	}
}

// Timeframe returns the bar interval this aggregator builds.
func (a *Aggregator) Timeframe() model.Timeframe { return a.tf }

// Run consumes ticks from tickCh and sends closed bars to barCh. Open bars
// are flushed on exit. Blocks until ctx is cancelled or tickCh is closed.
func (a *Aggregator) Run(ctx context.Context, tickCh <-chan model.Tick, barCh chan<- model.Bar) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.emit(a.FlushAll(), barCh)
			return
		case tick, ok := <-tickCh:
			if !ok {
				a.emit(a.FlushAll(), barCh)
				return
			}
			if b, ok := a.Process(tick); ok {
				a.emit([]model.Bar{b}, barCh)
			}
		case <-ticker.C:
			a.emit(a.FlushOld(), barCh)
		}
	}
}

// Process incorporates one tick. It returns the previous bar for the
// symbol when the tick opens a new bucket.
func (a *Aggregator) Process(tick model.Tick) (model.Bar, bool) {
	bucket := tick.TS.UTC().Truncate(a.width)

	a.mu.Lock()
	state, exists := a.states[tick.Symbol]
	if exists && bucket.Before(state.bucket) {
		a.mu.Unlock()
		if a.OnDroppedTick != nil {
			a.OnDroppedTick()
		}
		return model.Bar{}, false
	}

	var closed model.Bar
	emitted := false
	if exists && bucket.After(state.bucket) {
		closed, emitted = state.bar, true
		exists = false
	}

	if !exists {
		a.states[tick.Symbol] = &barState{
			bucket: bucket,
			bar: model.Bar{
				Symbol: tick.Symbol,
				TS:     bucket,
				Open:   tick.Price,
				High:   tick.Price,
				Low:    tick.Price,
				Close:  tick.Price,
				Volume: tick.Qty,
			},
		}
		a.mu.Unlock()
		return closed, emitted
	}

	b := &state.bar
	if tick.Price > b.High {
		b.High = tick.Price
	}
	if tick.Price < b.Low {
		b.Low = tick.Price
	}
	b.Close = tick.Price
	b.Volume += tick.Qty
	a.mu.Unlock()
	return model.Bar{}, false
}

// FlushOld closes bars whose bucket ended more than Grace ago.
func (a *Aggregator) FlushOld() []model.Bar {
	cutoff := a.now().Add(-a.Grace)

	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.Bar
	for sym, s := range a.states {
		if !s.bucket.Add(a.width).After(cutoff) {
			out = append(out, s.bar)
			delete(a.states, sym)
		}
	}
	return out
}

// FlushAll closes every open bar.
func (a *Aggregator) FlushAll() []model.Bar {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.Bar, 0, len(a.states))
	for sym, s := range a.states {
		out = append(out, s.bar)
		delete(a.states, sym)
	}
	return out
}

// emit sends closed bars to barCh without blocking.
func (a *Aggregator) emit(bars []model.Bar, barCh chan<- model.Bar) {
	for _, b := range bars {
		if a.OnBar != nil {
			a.OnBar(b)
		}
		select {
		case barCh <- b:
		default:
			a.log.Warn("bar channel full, dropping bar", zap.String("symbol", b.Symbol), zap.Time("ts", b.TS))
		}
	}
}
