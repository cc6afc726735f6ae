// Package portfolio keeps paper P&L for positions managed by the trailing
// engine. Closed trades are realized from trailing CLOSED events; open
// positions are marked to their last price.
package portfolio

import (
	"github.com/shopspring/decimal"

	"tradesignals/internal/trailing"
)

// Exposure summarises open positions.
type Exposure struct {
	Long       int             `json:"long"`
	Short      int             `json:"short"`
	Gross      decimal.Decimal `json:"gross_usd"`      // sum of |qty * last|
	Net        decimal.Decimal `json:"net_usd"`        // long minus short notional
	Unrealized decimal.Decimal `json:"unrealized_usd"` // marked at last price
}

// pnl returns the dollar P&L of qty units moved from entry to exit.
func pnl(side trailing.Side, qty int64, entry, exit float64) decimal.Decimal {
	d := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry))
	if side == trailing.Short {
		d = d.Neg()
	}
	return d.Mul(decimal.NewFromInt(qty)).Round(2)
}

// Unrealized marks one open position at its last price.
func Unrealized(s trailing.Snapshot) decimal.Decimal {
	last := s.LastPrice
	if last == 0 {
		last = s.Entry
	}
	return pnl(s.Side, s.Qty, s.Entry, last)
}

// ExposureOf summarises the given open positions.
func ExposureOf(open []trailing.Snapshot) Exposure {
	e := Exposure{Gross: decimal.Zero, Net: decimal.Zero, Unrealized: decimal.Zero}
	for _, s := range open {
		last := s.LastPrice
		if last == 0 {
			last = s.Entry
		}
		notional := decimal.NewFromFloat(last).Mul(decimal.NewFromInt(s.Qty))
		e.Gross = e.Gross.Add(notional)
		if s.Side == trailing.Short {
			e.Short++
			e.Net = e.Net.Sub(notional)
		} else {
			e.Long++
			e.Net = e.Net.Add(notional)
		}
		e.Unrealized = e.Unrealized.Add(Unrealized(s))
	}
	return e
}
