package indicator

import (
	"math"

	"tradesignals/internal/model"
)

// hlWindow keeps the last n highs and lows for range oscillators.
type hlWindow struct {
	n      int
	highs  []float64
	lows   []float64
	idx    int
	count  int
	latest float64 // latest close
}

func newHLWindow(n int) *hlWindow {
	return &hlWindow{n: n, highs: make([]float64, n), lows: make([]float64, n)}
}

func (w *hlWindow) add(bar model.Bar) {
	w.highs[w.idx] = bar.High
	w.lows[w.idx] = bar.Low
	w.idx = (w.idx + 1) % w.n
	w.count++
	w.latest = bar.Close
}

func (w *hlWindow) ready() bool { return w.count >= w.n }

func (w *hlWindow) extremes() (hh, ll float64) {
	hh, ll = math.Inf(-1), math.Inf(1)
	for i := 0; i < w.n; i++ {
		hh = math.Max(hh, w.highs[i])
		ll = math.Min(ll, w.lows[i])
	}
	return hh, ll
}

// WilliamsR computes Williams %R in [-100, 0]. NaN when the window's
// high equals its low.
type WilliamsR struct {
	w       *hlWindow
	current float64
}

// NewWilliamsR creates a Williams %R with the given lookback (typically 14).
func NewWilliamsR(period int) *WilliamsR {
	return &WilliamsR{w: newHLWindow(period), current: math.NaN()}
}

func (r *WilliamsR) Name() string { return "WILLR" }

func (r *WilliamsR) Update(bar model.Bar) {
	r.w.add(bar)
	if !r.w.ready() {
		return
	}
	hh, ll := r.w.extremes()
	r.current = -100 * ratio(hh-r.w.latest, hh-ll)
}

func (r *WilliamsR) Value() float64 { return r.current }
func (r *WilliamsR) Ready() bool    { return r.w.ready() }

// Stochastic computes %K and a simple %D over the last dPeriod %K values.
// %D is NaN while any %K in its window is NaN.
type Stochastic struct {
	w       *hlWindow
	dPeriod int
	ks      []float64
	k       float64
	d       float64
}

// NewStochastic creates a stochastic oscillator (typically 14, 3).
func NewStochastic(kPeriod, dPeriod int) *Stochastic {
	return &Stochastic{w: newHLWindow(kPeriod), dPeriod: dPeriod, k: math.NaN(), d: math.NaN()}
}

func (s *Stochastic) Update(bar model.Bar) {
	s.w.add(bar)
	if !s.w.ready() {
		return
	}
	hh, ll := s.w.extremes()
	s.k = 100 * ratio(s.w.latest-ll, hh-ll)

	s.ks = append(s.ks, s.k)
	if len(s.ks) > s.dPeriod {
		s.ks = s.ks[1:]
	}
	if len(s.ks) < s.dPeriod {
		return
	}
	sum := 0.0
	for _, v := range s.ks {
		sum += v // NaN propagates
	}
	s.d = sum / float64(s.dPeriod)
}

func (s *Stochastic) K() float64   { return s.k }
func (s *Stochastic) D() float64   { return s.d }
func (s *Stochastic) KReady() bool { return s.w.ready() }
func (s *Stochastic) DReady() bool { return len(s.ks) >= s.dPeriod }

// ROC computes rate of change in percent and raw momentum over n bars.
type ROC struct {
	n      int
	closes []float64
}

// NewROC creates a rate-of-change indicator over n bars (typically 10).
func NewROC(n int) *ROC {
	return &ROC{n: n, closes: make([]float64, 0, n+1)}
}

func (r *ROC) Name() string { return "ROC" }

func (r *ROC) Update(bar model.Bar) {
	r.closes = append(r.closes, bar.Close)
	if len(r.closes) > r.n+1 {
		r.closes = r.closes[1:]
	}
}

func (r *ROC) Ready() bool { return len(r.closes) == r.n+1 }

// Value returns (close - close[n]) / close[n] * 100.
func (r *ROC) Value() float64 {
	if !r.Ready() {
		return 0
	}
	return 100 * ratio(r.closes[r.n]-r.closes[0], r.closes[0])
}

// Momentum returns close - close[n].
func (r *ROC) Momentum() float64 {
	if !r.Ready() {
		return 0
	}
	return r.closes[r.n] - r.closes[0]
}
