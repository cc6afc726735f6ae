package indicator

import (
	"math"

	"tradesignals/internal/model"
)

// Bollinger computes SMA(period) ± k population standard deviations.
type Bollinger struct {
	sma *SMA
	k   float64

	upper, middle, lower float64
}

// NewBollinger creates bands with the given period and width multiplier.
func NewBollinger(period int, k float64) *Bollinger {
	return &Bollinger{sma: NewSMA(period), k: k}
}

func (b *Bollinger) Update(bar model.Bar) {
	b.sma.Update(bar)
	if !b.sma.Ready() {
		return
	}
	mean := b.sma.Value()
	var ss float64
	for _, v := range b.sma.Window() {
		d := v - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(b.sma.period))
	b.middle = mean
	b.upper = mean + b.k*sd
	b.lower = mean - b.k*sd
}

func (b *Bollinger) Ready() bool     { return b.sma.Ready() }
func (b *Bollinger) Upper() float64  { return b.upper }
func (b *Bollinger) Middle() float64 { return b.middle }
func (b *Bollinger) Lower() float64  { return b.lower }

// Width returns (upper-lower)/middle. Zero for a flat window.
func (b *Bollinger) Width() float64 { return ratio(b.upper-b.lower, b.middle) }
