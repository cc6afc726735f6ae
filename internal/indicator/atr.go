package indicator

import (
	"math"

	"tradesignals/internal/model"
)

// trueRange returns max(high-low, |high-prevClose|, |low-prevClose|).
// The first bar has no previous close and uses high-low.
func trueRange(bar model.Bar, prevClose float64, havePrev bool) float64 {
	tr := bar.High - bar.Low
	if !havePrev {
		return tr
	}
	return math.Max(tr, math.Max(math.Abs(bar.High-prevClose), math.Abs(bar.Low-prevClose)))
}

// ATR calculates Average True Range with Wilder smoothing.
type ATR struct {
	smma      *SMMA
	prevClose float64
	havePrev  bool
}

// NewATR creates a new ATR indicator with the given period (typically 14).
func NewATR(period int) *ATR {
	return &ATR{smma: NewSMMA(period)}
}

func (a *ATR) Name() string { return "ATR" }

func (a *ATR) Update(bar model.Bar) {
	a.smma.Add(trueRange(bar, a.prevClose, a.havePrev))
	a.prevClose = bar.Close
	a.havePrev = true
}

func (a *ATR) Value() float64 { return a.smma.Value() }
func (a *ATR) Ready() bool    { return a.smma.Ready() }
