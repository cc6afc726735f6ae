package portfolio

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradesignals/internal/trailing"
)

// ClosedTrade is one round trip realized from a trailing CLOSED event.
type ClosedTrade struct {
	Symbol   string          `json:"symbol"`
	Side     trailing.Side   `json:"side"`
	Qty      int64           `json:"qty"`
	Entry    float64         `json:"entry"`
	Exit     float64         `json:"exit"`
	PnL      decimal.Decimal `json:"pnl_usd"`
	Reason   string          `json:"reason"`
	SignalID string          `json:"signal_id,omitempty"`
	OpenedAt time.Time       `json:"opened_at"`
	ClosedAt time.Time       `json:"closed_at"`
}

// Win reports whether the trade made money.
func (t ClosedTrade) Win() bool { return t.PnL.IsPositive() }

// Summary is the ledger state plus marks for open positions.
type Summary struct {
	Realized    decimal.Decimal `json:"realized_usd"`
	Unrealized  decimal.Decimal `json:"unrealized_usd"`
	Total       decimal.Decimal `json:"total_usd"`
	Trades      int             `json:"trades"`
	Wins        int             `json:"wins"`
	WinRate     float64         `json:"win_rate_pct"`
	MaxDrawdown decimal.Decimal `json:"max_drawdown_usd"` // worst fall of realized equity from its peak
	Open        Exposure        `json:"open"`
}

// Ledger accumulates realized P&L. Safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	trades   []ClosedTrade
	realized decimal.Decimal
	peak     decimal.Decimal
	maxDD    decimal.Decimal
	wins     int

	// Optional metrics hook, called after each trade with the new total.
	OnTrade func(t ClosedTrade, realized decimal.Decimal)
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		trades:   make([]ClosedTrade, 0, 128),
		realized: decimal.Zero,
		peak:     decimal.Zero,
		maxDD:    decimal.Zero,
	}
}

// HandleEvent records CLOSED events and ignores the rest. It satisfies the
// feed dispatcher's event handler interface.
func (l *Ledger) HandleEvent(_ context.Context, ev trailing.Event) error {
	if ev.Type != trailing.EventClosed {
		return nil
	}
	p := ev.Position
	l.Record(ClosedTrade{
		Symbol:   ev.Symbol,
		Side:     p.Side,
		Qty:      p.Qty,
		Entry:    p.Entry,
		Exit:     ev.Price,
		PnL:      pnl(p.Side, p.Qty, p.Entry, ev.Price),
		Reason:   ev.Reason,
		SignalID: p.SignalID,
		OpenedAt: p.OpenedAt,
		ClosedAt: ev.At,
	})
	return nil
}

// Record appends a closed trade and updates the equity curve.
func (l *Ledger) Record(t ClosedTrade) {
	l.mu.Lock()
	l.trades = append(l.trades, t)
	l.realized = l.realized.Add(t.PnL)
	if t.Win() {
		l.wins++
	}
	if l.realized.GreaterThan(l.peak) {
		l.peak = l.realized
	}
	if dd := l.peak.Sub(l.realized); dd.GreaterThan(l.maxDD) {
		l.maxDD = dd
	}
	realized := l.realized
	l.mu.Unlock()

	if l.OnTrade != nil {
		l.OnTrade(t, realized)
	}
}

// Realized returns the realized P&L so far.
func (l *Ledger) Realized() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.realized
}

// Trades returns a copy of the closed trades in close order.
func (l *Ledger) Trades() []ClosedTrade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cp := make([]ClosedTrade, len(l.trades))
	copy(cp, l.trades)
	return cp
}

// Summary combines realized results with marks for the open positions.
func (l *Ledger) Summary(open []trailing.Snapshot) Summary {
	exp := ExposureOf(open)

	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Summary{
		Realized:    l.realized,
		Unrealized:  exp.Unrealized,
		Total:       l.realized.Add(exp.Unrealized),
		Trades:      len(l.trades),
		Wins:        l.wins,
		MaxDrawdown: l.maxDD,
		Open:        exp,
	}
	if s.Trades > 0 {
		s.WinRate = 100 * float64(s.Wins) / float64(s.Trades)
	}
	return s
}
