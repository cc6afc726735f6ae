package indicator

import (
	"math"
	"sort"
	"strconv"
	"time"

	"tradesignals/internal/model"
)

// Series names exposed by every Set.
const (
	SMA20           = "sma_20"
	SMA50           = "sma_50"
	EMA9            = "ema_9"
	EMA12           = "ema_12"
	EMA21           = "ema_21"
	EMA26           = "ema_26"
	RSI14           = "rsi_14"
	MACDLine        = "macd"
	MACDSignal      = "macd_signal"
	MACDHist        = "macd_hist"
	BBUpper         = "bb_upper"
	BBMiddle        = "bb_middle"
	BBLower         = "bb_lower"
	BBWidth         = "bb_width"
	ATR14           = "atr_14"
	ADX14           = "adx_14"
	PlusDI          = "plus_di"
	MinusDI         = "minus_di"
	WilliamsR14     = "williams_r_14"
	ROC10           = "roc_10"
	Momentum10      = "momentum_10"
	VWAPName        = "vwap"
	VolumeSMA20     = "volume_sma_20"
	VolumeRatioName = "volume_ratio"
	StochK          = "stoch_k"
	StochD          = "stoch_d"
	CloseName       = "close"
	VolumeName      = "volume"
)

// Key identifies one memoized Set. Any new bar or a revised last close
// produces a different key.
type Key struct {
	Symbol    string
	Bars      int
	LastClose float64
}

func (k Key) String() string {
	return k.Symbol + "|" + strconv.Itoa(k.Bars) + "|" + strconv.FormatFloat(k.LastClose, 'g', -1, 64)
}

// KeyFor derives the cache key for bars.
func KeyFor(symbol string, bars []model.Bar) Key {
	k := Key{Symbol: symbol, Bars: len(bars)}
	if len(bars) > 0 {
		k.LastClose = bars[len(bars)-1].Close
	}
	return k
}

// Set holds every indicator series for one key. Each series has exactly
// Len() points; points where an indicator is not ready or degenerate are NaN.
// A Set is never mutated after Compute returns it.
type Set struct {
	key        Key
	series     map[string][]float64
	computedAt time.Time
}

func (s *Set) Key() Key              { return s.key }
func (s *Set) Len() int              { return s.key.Bars }
func (s *Set) ComputedAt() time.Time { return s.computedAt }

// Names returns the series names in sorted order.
func (s *Set) Names() []string {
	out := make([]string, 0, len(s.series))
	for n := range s.series {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Series returns a copy of the named series.
func (s *Set) Series(name string) ([]float64, bool) {
	src, ok := s.series[name]
	if !ok {
		return nil, false
	}
	out := make([]float64, len(src))
	copy(out, src)
	return out, true
}

// At returns the value at index i, ok=false when unavailable.
func (s *Set) At(name string, i int) (float64, bool) {
	src, ok := s.series[name]
	if !ok || i < 0 || i >= len(src) || !finite(src[i]) {
		return 0, false
	}
	return src[i], true
}

// Latest returns the last value of the named series.
func (s *Set) Latest(name string) (float64, bool) {
	return s.At(name, s.key.Bars-1)
}

// Snapshot returns the latest available value of each named series.
// With no names it covers every series.
func (s *Set) Snapshot(names ...string) Snapshot {
	if len(names) == 0 {
		names = s.Names()
	}
	snap := make(Snapshot, len(names))
	for _, n := range names {
		if v, ok := s.Latest(n); ok {
			snap[n] = v
		}
	}
	return snap
}

// Equal reports whether two sets hold bit-identical series for the same key.
func (s *Set) Equal(o *Set) bool {
	if s.key != o.key || len(s.series) != len(o.series) {
		return false
	}
	for name, a := range s.series {
		b, ok := o.series[name]
		if !ok || len(a) != len(b) {
			return false
		}
		for i := range a {
			if math.Float64bits(a[i]) != math.Float64bits(b[i]) {
				return false
			}
		}
	}
	return true
}

// Snapshot maps series name to its latest available value. Degenerate or
// not-yet-ready indicators are absent.
type Snapshot map[string]float64

// Get returns the value and whether it is available.
func (s Snapshot) Get(name string) (float64, bool) {
	v, ok := s[name]
	return v, ok
}

// output binds a series name to the indicator state that produces it.
type output struct {
	name  string
	value func() (float64, bool)
}

// pipeline is one pass worth of indicator instances.
type pipeline struct {
	updaters []interface{ Update(model.Bar) }
	outputs  []output
}

func newPipeline() *pipeline {
	sma20, sma50 := NewSMA(20), NewSMA(50)
	ema9, ema12, ema21, ema26 := NewEMA(9), NewEMA(12), NewEMA(21), NewEMA(26)
	rsi := NewRSI(14)
	macd := NewMACD(12, 26, 9)
	bb := NewBollinger(20, 2)
	atr := NewATR(14)
	adx := NewADX(14)
	willr := NewWilliamsR(14)
	roc := NewROC(10)
	vwap := NewVWAP()
	vol := NewVolumeRatio(20)
	stoch := NewStochastic(14, 3)

	var last model.Bar
	closeTracker := updaterFunc(func(b model.Bar) { last = b })

	single := func(name string, ind Indicator) output {
		return output{name, func() (float64, bool) { return ind.Value(), ind.Ready() }}
	}

	return &pipeline{
		updaters: []interface{ Update(model.Bar) }{
			closeTracker, sma20, sma50, ema9, ema12, ema21, ema26, rsi, macd,
			bb, atr, adx, willr, roc, vwap, vol, stoch,
		},
		outputs: []output{
			{CloseName, func() (float64, bool) { return last.Close, true }},
			{VolumeName, func() (float64, bool) { return float64(last.Volume), true }},
			single(SMA20, sma20),
			single(SMA50, sma50),
			single(EMA9, ema9),
			single(EMA12, ema12),
			single(EMA21, ema21),
			single(EMA26, ema26),
			single(RSI14, rsi),
			{MACDLine, func() (float64, bool) { return macd.Line(), macd.LineReady() }},
			{MACDSignal, func() (float64, bool) { return macd.Signal(), macd.SignalReady() }},
			{MACDHist, func() (float64, bool) { return macd.Hist(), macd.SignalReady() }},
			{BBUpper, func() (float64, bool) { return bb.Upper(), bb.Ready() }},
			{BBMiddle, func() (float64, bool) { return bb.Middle(), bb.Ready() }},
			{BBLower, func() (float64, bool) { return bb.Lower(), bb.Ready() }},
			{BBWidth, func() (float64, bool) { return bb.Width(), bb.Ready() }},
			single(ATR14, atr),
			{ADX14, func() (float64, bool) { return adx.Value(), adx.Ready() }},
			{PlusDI, func() (float64, bool) { return adx.PlusDI(), adx.DIReady() }},
			{MinusDI, func() (float64, bool) { return adx.MinusDI(), adx.DIReady() }},
			single(WilliamsR14, willr),
			single(ROC10, roc),
			{Momentum10, func() (float64, bool) { return roc.Momentum(), roc.Ready() }},
			single(VWAPName, vwap),
			{VolumeSMA20, func() (float64, bool) { return vol.Average(), vol.Ready() }},
			single(VolumeRatioName, vol),
			{StochK, func() (float64, bool) { return stoch.K(), stoch.KReady() }},
			{StochD, func() (float64, bool) { return stoch.D(), stoch.DReady() }},
		},
	}
}

type updaterFunc func(model.Bar)

func (f updaterFunc) Update(b model.Bar) { f(b) }

// AllNames lists every series Compute produces.
func AllNames() []string {
	p := newPipeline()
	out := make([]string, len(p.outputs))
	for i, o := range p.outputs {
		out[i] = o.name
	}
	return out
}

// Compute runs the full superset over bars in one pass. It does not check
// MinLookback; Cache.Get does.
func Compute(symbol string, bars []model.Bar) *Set {
	p := newPipeline()
	n := len(bars)
	series := make(map[string][]float64, len(p.outputs))
	for _, o := range p.outputs {
		series[o.name] = make([]float64, n)
	}

	for i, b := range bars {
		for _, u := range p.updaters {
			u.Update(b)
		}
		for _, o := range p.outputs {
			v, ready := o.value()
			if !ready || !finite(v) {
				v = math.NaN()
			}
			series[o.name][i] = v
		}
	}

	return &Set{
		key:        KeyFor(symbol, bars),
		series:     series,
		computedAt: time.Now(),
	}
}
