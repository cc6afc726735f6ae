// Package trailing tracks open positions and ratchets a protective stop
// behind the best price seen, closing the position when price crosses it.
//
// Each position moves INACTIVE → ACTIVE → CLOSED. The stop never moves
// against the holder. Updates for one symbol are serialized by that
// position's mutex; different symbols never share a lock during an update.
package trailing

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrStaleUpdate rejects a tick not newer than the last applied one.
	ErrStaleUpdate = errors.New("trailing: stale price update")
	// ErrInvalidPrice rejects non-positive or non-finite prices.
	ErrInvalidPrice = errors.New("trailing: invalid price")
	// ErrPositionExists rejects a second position for the same symbol.
	ErrPositionExists = errors.New("trailing: position already tracked")
)

// Config holds trailing-stop defaults.
type Config struct {
	// ActivationPct is the default profit percent that engages trailing.
	ActivationPct float64 `mapstructure:"activation_pct"`
	// ActivationRiskMultiple, when > 0, derives activation as this many
	// times the initial risk distance in percent.
	ActivationRiskMultiple float64 `mapstructure:"activation_risk_multiple"`
	TrailingCapPct         float64 `mapstructure:"trailing_cap_pct"`
	DefaultTrailingPct     float64 `mapstructure:"default_trailing_pct"`
	TickSize               float64 `mapstructure:"tick_size"`
	EventBuffer            int     `mapstructure:"event_buffer"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ActivationPct:      1.5,
		TrailingCapPct:     2.0,
		DefaultTrailingPct: 0.5,
		TickSize:           0.01,
		EventBuffer:        256,
	}
}

// Validate returns the first invalid setting.
func (c Config) Validate() error {
	switch {
	case !(c.ActivationPct > 0):
		return fmt.Errorf("trailing: activation_pct must be > 0")
	case c.ActivationRiskMultiple < 0:
		return fmt.Errorf("trailing: activation_risk_multiple must be >= 0")
	case !(c.TrailingCapPct > 0) || c.TrailingCapPct >= 100:
		return fmt.Errorf("trailing: trailing_cap_pct must be in (0,100)")
	case !(c.DefaultTrailingPct > 0) || c.DefaultTrailingPct > c.TrailingCapPct:
		return fmt.Errorf("trailing: default_trailing_pct must be in (0, cap]")
	case !(c.TickSize > 0):
		return fmt.Errorf("trailing: tick_size must be > 0")
	case c.EventBuffer < 0:
		return fmt.Errorf("trailing: event_buffer must be >= 0")
	}
	return nil
}

// EventType classifies an Event.
type EventType string

const (
	EventActivated EventType = "ACTIVATED"
	EventRatcheted EventType = "RATCHETED"
	EventClosed    EventType = "CLOSED"
)

// Event reports a state change on one position.
type Event struct {
	Type     EventType `json:"type"`
	Symbol   string    `json:"symbol"`
	Price    float64   `json:"price"`
	Stop     float64   `json:"stop"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
	Position Snapshot  `json:"position"`
}

// Engine tracks at most one position per symbol.
type Engine struct {
	cfg  Config
	tick decimal.Decimal
	log  *zap.Logger

	mu        sync.RWMutex // guards positions map only
	positions map[string]*position

	events  chan Event
	dropped atomic.Uint64
	stale   atomic.Uint64

	// Optional metrics hooks
	OnEvent func(Event)
	OnStale func(symbol string)
}

// NewEngine validates cfg and builds an engine.
func NewEngine(cfg Config, log *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:       cfg,
		tick:      decimal.NewFromFloat(cfg.TickSize),
		log:       log.Named("trailing"),
		positions: make(map[string]*position),
		events:    make(chan Event, cfg.EventBuffer),
	}, nil
}

// Events returns every emitted event. Events are dropped, not blocked on,
// when the buffer is full.
func (e *Engine) Events() <-chan Event { return e.events }

// Dropped returns the number of events lost to a full buffer.
func (e *Engine) Dropped() uint64 { return e.dropped.Load() }

// StaleUpdates returns the number of rejected stale ticks.
func (e *Engine) StaleUpdates() uint64 { return e.stale.Load() }

// AddPosition starts tracking spec.Symbol in the INACTIVE state.
func (e *Engine) AddPosition(spec PositionSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}

	trail := spec.TrailingPct
	if trail == 0 {
		trail = e.cfg.DefaultTrailingPct
	}
	trail = math.Min(trail, e.cfg.TrailingCapPct)

	activate := spec.ActivationPct
	if activate == 0 {
		activate = e.cfg.ActivationPct
		if e.cfg.ActivationRiskMultiple > 0 {
			risk := math.Abs(spec.Entry-spec.StopLoss) / spec.Entry * 100
			activate = e.cfg.ActivationRiskMultiple * risk
		}
	}

	opened := spec.OpenedAt
	if opened.IsZero() {
		opened = time.Now()
	}
	entry := decimal.NewFromFloat(spec.Entry)
	stop := decimal.NewFromFloat(spec.StopLoss)
	p := &position{
		symbol:      spec.Symbol,
		side:        spec.Side,
		qty:         spec.Qty,
		signalID:    spec.SignalID,
		entry:       entry,
		initialStop: stop,
		stop:        stop,
		extreme:     entry,
		last:        entry,
		trailFrac:   decimal.NewFromFloat(trail).Div(hundred),
		trailPct:    trail,
		activatePct: activate,
		state:       Inactive,
		openedAt:    opened,
	}

	e.mu.Lock()
	if _, ok := e.positions[spec.Symbol]; ok {
		e.mu.Unlock()
		return fmt.Errorf("%s: %w", spec.Symbol, ErrPositionExists)
	}
	e.positions[spec.Symbol] = p
	e.mu.Unlock()

	e.log.Info("tracking position",
		zap.String("symbol", spec.Symbol),
		zap.String("side", string(spec.Side)),
		zap.Float64("entry", spec.Entry),
		zap.Float64("stop", spec.StopLoss),
		zap.Float64("trailing_pct", trail),
		zap.Float64("activation_pct", activate))
	return nil
}

func (e *Engine) lookup(symbol string) *position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.positions[symbol]
}

func (e *Engine) forget(symbol string, p *position) {
	e.mu.Lock()
	if e.positions[symbol] == p {
		delete(e.positions, symbol)
	}
	e.mu.Unlock()
}

// OnPriceUpdate applies one tick. It returns the most significant event the
// tick caused, or nil. An untracked symbol is a no-op.
func (e *Engine) OnPriceUpdate(symbol string, price float64, ts time.Time) (*Event, error) {
	p := e.lookup(symbol)
	if p == nil {
		return nil, nil
	}
	if !(price > 0) || math.IsInf(price, 0) {
		return nil, fmt.Errorf("%s price %v: %w", symbol, price, ErrInvalidPrice)
	}

	p.mu.Lock()
	if p.state == Closed {
		p.mu.Unlock()
		return nil, nil
	}
	if !ts.After(p.lastUpdate) {
		last := p.lastUpdate
		p.mu.Unlock()
		e.stale.Add(1)
		if e.OnStale != nil {
			e.OnStale(symbol)
		}
		e.log.Warn("rejected stale update",
			zap.String("symbol", symbol),
			zap.Time("ts", ts),
			zap.Time("last", last))
		return nil, fmt.Errorf("%s at %s (last %s): %w", symbol, ts.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano), ErrStaleUpdate)
	}

	px := decimal.NewFromFloat(price)
	p.lastUpdate = ts
	p.last = px
	p.updateExtreme(px)

	var evs []Event
	emit := func(t EventType, reason string) {
		evs = append(evs, Event{
			Type: t, Symbol: symbol, Price: price, Stop: p.stop.InexactFloat64(),
			Reason: reason, At: ts, Position: p.snapshot(),
		})
	}

	if p.state == Inactive && p.profitPct(px).GreaterThanOrEqual(decimal.NewFromFloat(p.activatePct)) {
		p.state = Active
		p.activated = true
		emit(EventActivated, "profit reached activation threshold")
	}
	if p.state == Active {
		if c := p.candidate(e.tick); p.better(c) {
			p.stop = c
			if len(evs) == 0 {
				emit(EventRatcheted, "")
			} else {
				evs[0].Stop, evs[0].Position = c.InexactFloat64(), p.snapshot()
			}
		}
	}
	if p.crossed(px) {
		p.state = Closed
		emit(EventClosed, "stop crossed")
	}
	p.mu.Unlock()

	if len(evs) == 0 {
		return nil, nil
	}
	last := evs[len(evs)-1]
	if last.Type == EventClosed {
		e.forget(symbol, p)
	}
	for _, ev := range evs {
		e.publish(ev)
	}
	return &last, nil
}

// RemovePosition closes symbol on an external notification. The CLOSED
// event is reported only if this call closed the position.
func (e *Engine) RemovePosition(symbol, reason string) (*Event, bool) {
	p := e.lookup(symbol)
	if p == nil {
		return nil, false
	}
	p.mu.Lock()
	if p.state == Closed {
		p.mu.Unlock()
		return nil, false
	}
	p.state = Closed
	ev := Event{
		Type: EventClosed, Symbol: symbol, Price: p.last.InexactFloat64(),
		Stop: p.stop.InexactFloat64(), Reason: reason, At: time.Now(),
		Position: p.snapshot(),
	}
	p.mu.Unlock()

	e.forget(symbol, p)
	e.publish(ev)
	return &ev, true
}

// Status returns the snapshot for symbol.
func (e *Engine) Status(symbol string) (Snapshot, bool) {
	p := e.lookup(symbol)
	if p == nil {
		return Snapshot{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot(), true
}

// Positions returns snapshots of every tracked position, sorted by symbol.
func (e *Engine) Positions() []Snapshot {
	e.mu.RLock()
	ps := make([]*position, 0, len(e.positions))
	for _, p := range e.positions {
		ps = append(ps, p)
	}
	e.mu.RUnlock()

	out := make([]Snapshot, 0, len(ps))
	for _, p := range ps {
		p.mu.Lock()
		out = append(out, p.snapshot())
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (e *Engine) publish(ev Event) {
	if e.OnEvent != nil {
		e.OnEvent(ev)
	}
	lvl := e.log.Debug
	if ev.Type != EventRatcheted {
		lvl = e.log.Info
	}
	lvl("position event",
		zap.String("type", string(ev.Type)),
		zap.String("symbol", ev.Symbol),
		zap.Float64("price", ev.Price),
		zap.Float64("stop", ev.Stop),
		zap.String("reason", ev.Reason))

	select {
	case e.events <- ev:
	default:
		e.dropped.Add(1)
	}
}
