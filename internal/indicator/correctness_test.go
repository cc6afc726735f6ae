package indicator

import (
	"math"
	"testing"
	"time"

	"tradesignals/internal/model"
)

// bar is a ±0.5 range bar around close.
func bar(close float64) model.Bar {
	return model.Bar{Symbol: "TEST", Open: close, High: close + 0.5, Low: close - 0.5, Close: close, Volume: 1000}
}

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f)", label, got, want, tol)
	}
}

type series interface {
	Update(model.Bar)
	Value() float64
	Ready() bool
}

// TestMovingAverages_HandComputed checks each average against values worked
// out by hand. A zero in want means not ready yet.
func TestMovingAverages_HandComputed(t *testing.T) {
	closes := []float64{100, 102, 104, 103, 105}
	cases := []struct {
		name string
		ind  series
		in   []float64
		want []float64
		tol  float64
	}{
		// (100+102+104)/3, (102+104+103)/3, (104+103+105)/3
		{"SMA3", NewSMA(3), closes, []float64{0, 0, 102, 103, 104}, 1e-9},
		{"SMA5", NewSMA(5), []float64{10, 11, 12, 13, 14, 15, 16}, []float64{0, 0, 0, 0, 12, 13, 14}, 1e-9},
		// k = 0.5, seeded with the SMA: 102, 0.5*103+0.5*102, 0.5*105+0.5*102.5
		{"EMA3", NewEMA(3), closes, []float64{0, 0, 102, 102.5, 103.75}, 1e-9},
		// k = 1/3, seed 44.20, then 44.2167 and 44.1444
		{"EMA5", NewEMA(5), []float64{44, 44.25, 44.5, 43.75, 44.5, 44.25, 44}, []float64{0, 0, 0, 0, 44.2, 44.2167, 44.1444}, 1e-3},
		// Wilder: (prev*2 + close)/3 after the SMA seed
		{"SMMA3", NewSMMA(3), closes, []float64{0, 0, 102, 102.3333, 103.2222}, 1e-3},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			for i, px := range c.in {
				c.ind.Update(bar(px))
				ready := c.want[i] != 0
				if c.ind.Ready() != ready {
					t.Fatalf("bar %d: Ready()=%v, want %v", i, c.ind.Ready(), ready)
				}
				if ready {
					assertClose(t, c.name, c.ind.Value(), c.want[i], c.tol)
				}
			}
		})
	}
}

// Wilder RSI(5) on the classic 44.00..45.84 series. The first value needs
// period+1 closes: avg gain 1.56/5, avg loss 0.73/5, RS 2.137, RSI 68.11.
func TestRSI_Wilder(t *testing.T) {
	closes := []float64{44, 44.34, 44.09, 43.61, 44.33, 44.83, 45.10, 45.42, 45.84}
	want := map[int]float64{5: 68.112, 6: 72.219, 7: 76.658, 8: 81.509}

	rsi := NewRSI(5)
	for i, px := range closes {
		rsi.Update(bar(px))
		if w, ok := want[i]; ok {
			assertClose(t, "RSI(5)", rsi.Value(), w, 0.2)
		}
	}
}

func TestRSI_Extremes(t *testing.T) {
	for _, c := range []struct {
		name string
		step float64
		want float64
	}{
		{"all up", 1, 100},
		{"all down", -1, 0},
		{"flat reads neutral", 0, 50},
	} {
		rsi := NewRSI(5)
		for i := 0; i < 10; i++ {
			rsi.Update(bar(150 + c.step*float64(i)))
		}
		assertClose(t, c.name, rsi.Value(), c.want, 1e-3)
	}
}

func TestAverages_TrendOrdering(t *testing.T) {
	fast, slow, ema := NewSMA(5), NewSMA(20), NewEMA(5)
	for i := 0; i < 30; i++ {
		b := bar(100 + float64(i))
		fast.Update(b)
		slow.Update(b)
		ema.Update(b)
	}
	if fast.Value() <= slow.Value() || ema.Value() <= slow.Value() {
		t.Errorf("uptrend: SMA5=%.2f EMA5=%.2f should exceed SMA20=%.2f", fast.Value(), ema.Value(), slow.Value())
	}

	fast, slow = NewSMA(5), NewSMA(20)
	for i := 0; i < 30; i++ {
		b := bar(200 - float64(i))
		fast.Update(b)
		slow.Update(b)
	}
	if fast.Value() >= slow.Value() {
		t.Errorf("downtrend: SMA5=%.2f should be below SMA20=%.2f", fast.Value(), slow.Value())
	}
}

func TestEMA_ReactsFasterThanSMA(t *testing.T) {
	sma, ema := NewSMA(10), NewEMA(10)
	for i := 0; i < 20; i++ {
		sma.Update(bar(100))
		ema.Update(bar(100))
	}
	sma.Update(bar(120))
	ema.Update(bar(120))
	if ema.Value() <= sma.Value() {
		t.Errorf("after a jump EMA=%.4f should lead SMA=%.4f", ema.Value(), sma.Value())
	}
}

func TestATR_ConstantRange(t *testing.T) {
	// Every bar spans close±0.5 with an unchanged close, so TR = 1.0
	// on every bar and ATR(5) = 1.0 once seeded.
	atr := NewATR(5)
	for i := 0; i < 4; i++ {
		atr.Update(bar(100))
		if atr.Ready() {
			t.Fatalf("bar %d: ATR(5) ready too early", i)
		}
	}
	atr.Update(bar(100))
	if !atr.Ready() {
		t.Fatal("ATR(5) not ready after 5 bars")
	}
	assertClose(t, "ATR(5)", atr.Value(), 1.0, 1e-9)
}

func TestATR_GapUsesPreviousClose(t *testing.T) {
	// Bar 1: 100 ±0.5 → TR = 1.0
	// Bar 2: 105 ±0.5 → TR = max(1.0, |105.5-100|, |104.5-100|) = 5.5
	// ATR(2) seed = (1.0 + 5.5)/2 = 3.25
	atr := NewATR(2)
	atr.Update(bar(100))
	atr.Update(bar(105))
	assertClose(t, "ATR(2) with gap", atr.Value(), 3.25, 1e-9)
}

func TestMACD_Readiness(t *testing.T) {
	m := NewMACD(12, 26, 9)
	for i := 0; i < 25; i++ {
		m.Update(bar(100 + 0.1*float64(i)))
	}
	if m.LineReady() {
		t.Fatal("MACD line ready before slow EMA seeded")
	}
	m.Update(bar(102.5))
	if !m.LineReady() || m.SignalReady() {
		t.Fatalf("after 26 bars: line=%v signal=%v, want true/false", m.LineReady(), m.SignalReady())
	}
	for i := 0; i < 8; i++ {
		m.Update(bar(102.6 + 0.1*float64(i)))
	}
	if !m.SignalReady() {
		t.Fatal("MACD signal not ready after 34 bars")
	}
	// Rising series: fast EMA above slow EMA.
	if m.Line() <= 0 {
		t.Errorf("MACD line should be positive in uptrend, got %.6f", m.Line())
	}
	assertClose(t, "MACD hist", m.Hist(), m.Line()-m.Signal(), 1e-12)
}

func TestBollinger_KnownWindow(t *testing.T) {
	// Closes 2,4,4,4,5,5,7,9 → mean 5, population sd 2.
	// Bands(8, 2): upper 9, middle 5, lower 1, width (9-1)/5 = 1.6
	bb := NewBollinger(8, 2)
	for _, c := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		bb.Update(bar(c))
	}
	assertClose(t, "BB upper", bb.Upper(), 9, 1e-9)
	assertClose(t, "BB middle", bb.Middle(), 5, 1e-9)
	assertClose(t, "BB lower", bb.Lower(), 1, 1e-9)
	assertClose(t, "BB width", bb.Width(), 1.6, 1e-9)
}

func TestBollinger_FlatWindowZeroWidth(t *testing.T) {
	bb := NewBollinger(5, 2)
	for i := 0; i < 5; i++ {
		bb.Update(bar(100))
	}
	assertClose(t, "flat width", bb.Width(), 0, 1e-12)
	if bb.Upper() != bb.Lower() {
		t.Errorf("flat window: upper %.4f != lower %.4f", bb.Upper(), bb.Lower())
	}
}

// ────────────────────────────────────────────────────────────
// Range oscillators and degenerate inputs
// ────────────────────────────────────────────────────────────

func flatBar(price float64) model.Bar {
	return model.Bar{Symbol: "TEST", Open: price, High: price, Low: price, Close: price, Volume: 0}
}

func TestWilliamsR_Range(t *testing.T) {
	// Window highs max 104.5, lows min 99.5, close 104 →
	// %R = -100 * (104.5-104)/(104.5-99.5) = -10
	w := NewWilliamsR(5)
	for _, c := range []float64{100, 101, 102, 103, 104} {
		w.Update(bar(c))
	}
	assertClose(t, "%R", w.Value(), -10, 1e-9)
}

func TestWilliamsR_FlatIsNaN(t *testing.T) {
	w := NewWilliamsR(3)
	for i := 0; i < 3; i++ {
		w.Update(flatBar(50))
	}
	if !math.IsNaN(w.Value()) {
		t.Errorf("flat window %%R should be NaN, got %.4f", w.Value())
	}
}

func TestStochastic_KD(t *testing.T) {
	// K(3): window of ±0.5 bars around 100,101,102 → HH 102.5, LL 99.5,
	// close 102 → K = 100*(102-99.5)/3 = 83.333
	s := NewStochastic(3, 2)
	for _, c := range []float64{100, 101, 102} {
		s.Update(bar(c))
	}
	assertClose(t, "%K", s.K(), 83.3333, 1e-3)
	if s.DReady() {
		t.Fatal("%D ready with one K value")
	}
	// Next close 103: window 100.5..103.5, K = 100*(103-100.5)/3 = 83.333
	s.Update(bar(103))
	assertClose(t, "%D", s.D(), 83.3333, 1e-3)
}

func TestROC_Momentum(t *testing.T) {
	// ROC(3): closes 100,101,102,110 → (110-100)/100*100 = 10%
	r := NewROC(3)
	for _, c := range []float64{100, 101, 102} {
		r.Update(bar(c))
		if r.Ready() {
			t.Fatal("ROC(3) ready before 4 closes")
		}
	}
	r.Update(bar(110))
	assertClose(t, "ROC", r.Value(), 10, 1e-9)
	assertClose(t, "Momentum", r.Momentum(), 10, 1e-9)
}

func TestVWAP_SessionReset(t *testing.T) {
	day1 := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	v := NewVWAP()
	v.Update(model.Bar{Symbol: "T", TS: day1, Open: 10, High: 10, Low: 10, Close: 10, Volume: 100})
	v.Update(model.Bar{Symbol: "T", TS: day1.Add(time.Minute), Open: 20, High: 20, Low: 20, Close: 20, Volume: 300})
	// (10*100 + 20*300) / 400 = 17.5
	assertClose(t, "VWAP day 1", v.Value(), 17.5, 1e-9)

	v.Update(model.Bar{Symbol: "T", TS: day2, Open: 30, High: 30, Low: 30, Close: 30, Volume: 50})
	assertClose(t, "VWAP day 2", v.Value(), 30, 1e-9)
}

func TestVWAP_ZeroVolumeIsNaN(t *testing.T) {
	v := NewVWAP()
	v.Update(flatBar(10))
	if !math.IsNaN(v.Value()) {
		t.Errorf("zero-volume VWAP should be NaN, got %.4f", v.Value())
	}
}

func TestVolumeRatio_ZeroAverageIsNaN(t *testing.T) {
	vr := NewVolumeRatio(3)
	for i := 0; i < 3; i++ {
		vr.Update(flatBar(10))
	}
	if !math.IsNaN(vr.Value()) {
		t.Errorf("zero-average volume ratio should be NaN, got %.4f", vr.Value())
	}
}

func TestADX_TrendingUp(t *testing.T) {
	adx := NewADX(5)
	for i := 0; i < 30; i++ {
		adx.Update(bar(100 + float64(i)))
	}
	if !adx.Ready() {
		t.Fatal("ADX(5) not ready after 30 bars")
	}
	if adx.PlusDI() <= adx.MinusDI() {
		t.Errorf("uptrend: +DI %.2f should exceed -DI %.2f", adx.PlusDI(), adx.MinusDI())
	}
	if adx.Value() < 50 {
		t.Errorf("steady uptrend should give a strong ADX, got %.2f", adx.Value())
	}
}

func TestADX_FlatDIsAreNaN(t *testing.T) {
	adx := NewADX(3)
	for i := 0; i < 10; i++ {
		adx.Update(flatBar(10))
	}
	if !math.IsNaN(adx.PlusDI()) || !math.IsNaN(adx.MinusDI()) {
		t.Errorf("flat window DIs should be NaN, got +%.2f -%.2f", adx.PlusDI(), adx.MinusDI())
	}
	assertClose(t, "flat ADX", adx.Value(), 0, 1e-12)
}
