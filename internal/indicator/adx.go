package indicator

import (
	"math"

	"tradesignals/internal/model"
)

// ADX computes Wilder's Average Directional Index with +DI and -DI.
//
// +DI and -DI are NaN while the smoothed true range is zero (a perfectly
// flat window). DX for such bars counts as 0 so ADX keeps accumulating.
type ADX struct {
	period int

	tr      *SMMA
	plusDM  *SMMA
	minusDM *SMMA
	adx     *SMMA

	prev     model.Bar
	havePrev bool

	plusDI, minusDI float64
}

// NewADX creates an ADX indicator with the given period (typically 14).
func NewADX(period int) *ADX {
	return &ADX{
		period:  period,
		tr:      NewSMMA(period),
		plusDM:  NewSMMA(period),
		minusDM: NewSMMA(period),
		adx:     NewSMMA(period),
		plusDI:  math.NaN(),
		minusDI: math.NaN(),
	}
}

func (a *ADX) Update(bar model.Bar) {
	if !a.havePrev {
		a.prev = bar
		a.havePrev = true
		return
	}

	up := bar.High - a.prev.High
	down := a.prev.Low - bar.Low
	pdm, mdm := 0.0, 0.0
	if up > down && up > 0 {
		pdm = up
	}
	if down > up && down > 0 {
		mdm = down
	}

	a.tr.Add(trueRange(bar, a.prev.Close, true))
	a.plusDM.Add(pdm)
	a.minusDM.Add(mdm)
	a.prev = bar

	if !a.tr.Ready() {
		return
	}
	a.plusDI = 100 * ratio(a.plusDM.Value(), a.tr.Value())
	a.minusDI = 100 * ratio(a.minusDM.Value(), a.tr.Value())

	dx := 0.0
	if sum := a.plusDI + a.minusDI; finite(sum) && sum > 0 {
		dx = 100 * math.Abs(a.plusDI-a.minusDI) / sum
	}
	a.adx.Add(dx)
}

// Ready is true once ADX itself is seeded (2*period bars).
func (a *ADX) Ready() bool { return a.adx.Ready() }

// DIReady is true once +DI/-DI are available (period+1 bars).
func (a *ADX) DIReady() bool { return a.tr.Ready() }

func (a *ADX) Value() float64   { return a.adx.Value() }
func (a *ADX) PlusDI() float64  { return a.plusDI }
func (a *ADX) MinusDI() float64 { return a.minusDI }
