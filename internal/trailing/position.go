package trailing

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradesignals/internal/model"
)

// State is the lifecycle state of a tracked position.
type State string

const (
	Inactive State = "INACTIVE" // stop fixed at the original stop-loss
	Active   State = "ACTIVE"   // stop trails the extreme
	Closed   State = "CLOSED"   // terminal, no longer tracked
)

// Side is long or short.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// SideFor maps a signal direction to the position side it opens.
func SideFor(d model.Direction) Side {
	if d == model.Sell {
		return Short
	}
	return Long
}

// PositionSpec describes a newly opened position.
type PositionSpec struct {
	Symbol   string
	Side     Side
	Qty      int64
	Entry    float64
	StopLoss float64

	// TrailingPct is the trail distance in percent; 0 uses the default.
	TrailingPct float64
	// ActivationPct is the profit percent that engages trailing; 0 derives it.
	ActivationPct float64

	SignalID string
	OpenedAt time.Time
}

func (s PositionSpec) validate() error {
	switch {
	case s.Symbol == "":
		return fmt.Errorf("position: empty symbol")
	case s.Side != Long && s.Side != Short:
		return fmt.Errorf("position %s: unknown side %q", s.Symbol, s.Side)
	case s.Qty <= 0:
		return fmt.Errorf("position %s: qty must be > 0", s.Symbol)
	case !(s.Entry > 0):
		return fmt.Errorf("position %s: entry must be > 0", s.Symbol)
	case s.Side == Long && !(s.StopLoss > 0 && s.StopLoss < s.Entry):
		return fmt.Errorf("position %s LONG: stop %.4f must be in (0, entry %.4f)", s.Symbol, s.StopLoss, s.Entry)
	case s.Side == Short && !(s.StopLoss > s.Entry):
		return fmt.Errorf("position %s SHORT: stop %.4f must be above entry %.4f", s.Symbol, s.StopLoss, s.Entry)
	case s.TrailingPct < 0 || s.ActivationPct < 0:
		return fmt.Errorf("position %s: negative trailing or activation pct", s.Symbol)
	}
	return nil
}

// Snapshot is a read-only copy of a position.
type Snapshot struct {
	Symbol         string    `json:"symbol"`
	Side           Side      `json:"side"`
	Qty            int64     `json:"qty"`
	Entry          float64   `json:"entry"`
	Stop           float64   `json:"stop"`
	InitialStop    float64   `json:"initial_stop"`
	Extreme        float64   `json:"extreme"`
	LastPrice      float64   `json:"last_price"`
	TrailingPct    float64   `json:"trailing_pct"`
	ActivationPct  float64   `json:"activation_pct"`
	State          State     `json:"state"`
	TrailingActive bool      `json:"trailing_active"`
	SignalID       string    `json:"signal_id,omitempty"`
	OpenedAt       time.Time `json:"opened_at"`
	LastUpdate     time.Time `json:"last_update"` // zero until the first tick
}

// UnrealizedPct is the profit percent at the last price.
func (s Snapshot) UnrealizedPct() float64 {
	if s.Entry == 0 {
		return 0
	}
	if s.Side == Short {
		return (s.Entry - s.LastPrice) / s.Entry * 100
	}
	return (s.LastPrice - s.Entry) / s.Entry * 100
}

// position is owned by the engine; every field is guarded by mu.
type position struct {
	mu sync.Mutex

	symbol   string
	side     Side
	qty      int64
	signalID string

	entry       decimal.Decimal
	initialStop decimal.Decimal
	stop        decimal.Decimal
	extreme     decimal.Decimal
	last        decimal.Decimal
	trailFrac   decimal.Decimal // TrailingPct / 100
	trailPct    float64
	activatePct float64

	state      State
	activated  bool // never reset once set
	openedAt   time.Time
	lastUpdate time.Time // zero until the first tick; feed and fills may use different clocks
}

// profitPct is the favourable move from entry at price, in percent.
func (p *position) profitPct(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.entry)
	if p.side == Short {
		diff = diff.Neg()
	}
	return diff.Div(p.entry).Mul(hundred)
}

// updateExtreme keeps the most favourable price seen.
func (p *position) updateExtreme(price decimal.Decimal) {
	if p.side == Long && price.GreaterThan(p.extreme) {
		p.extreme = price
	}
	if p.side == Short && price.LessThan(p.extreme) {
		p.extreme = price
	}
}

// candidate is the trailing stop implied by the current extreme.
func (p *position) candidate(tick decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if p.side == Long {
		return roundTick(p.extreme.Mul(one.Sub(p.trailFrac)), tick)
	}
	return roundTick(p.extreme.Mul(one.Add(p.trailFrac)), tick)
}

// better reports whether s protects more than the current stop.
func (p *position) better(s decimal.Decimal) bool {
	if p.side == Long {
		return s.GreaterThan(p.stop)
	}
	return s.LessThan(p.stop)
}

// crossed reports whether price has reached the stop against the holder.
func (p *position) crossed(price decimal.Decimal) bool {
	if p.side == Long {
		return price.LessThanOrEqual(p.stop)
	}
	return price.GreaterThanOrEqual(p.stop)
}

func (p *position) snapshot() Snapshot {
	return Snapshot{
		Symbol:         p.symbol,
		Side:           p.side,
		Qty:            p.qty,
		Entry:          p.entry.InexactFloat64(),
		Stop:           p.stop.InexactFloat64(),
		InitialStop:    p.initialStop.InexactFloat64(),
		Extreme:        p.extreme.InexactFloat64(),
		LastPrice:      p.last.InexactFloat64(),
		TrailingPct:    p.trailPct,
		ActivationPct:  p.activatePct,
		State:          p.state,
		TrailingActive: p.activated,
		SignalID:       p.signalID,
		OpenedAt:       p.openedAt,
		LastUpdate:     p.lastUpdate,
	}
}

var hundred = decimal.NewFromInt(100)

// roundTick rounds v to the nearest tick, halves away from zero.
func roundTick(v, tick decimal.Decimal) decimal.Decimal {
	return v.Div(tick).Round(0).Mul(tick)
}
