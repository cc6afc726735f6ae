package strategy

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesignals/internal/indicator"
	"tradesignals/internal/model"
	"tradesignals/internal/movement"
)

var t0 = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

// path builds one-minute bars whose open is the previous close and whose
// range extends 0.2 beyond the body.
func path(symbol string, closes []float64, vols []int64) []model.Bar {
	bars := make([]model.Bar, len(closes))
	prev := closes[0]
	for i, c := range closes {
		bars[i] = model.Bar{
			Symbol: symbol,
			TS:     t0.Add(time.Duration(i) * time.Minute),
			Open:   prev,
			High:   math.Max(prev, c) + 0.2,
			Low:    math.Min(prev, c) - 0.2,
			Close:  c,
			Volume: vols[i],
		}
		prev = c
	}
	return bars
}

// zig alternates +up and -dn moves from start.
func zig(start float64, n int, up, dn float64) []float64 {
	out := []float64{start}
	p := start
	for i := 0; i < n-1; i++ {
		if i%2 == 0 {
			p += up
		} else {
			p -= dn
		}
		out = append(out, p)
	}
	return out
}

func flatVolume(n int, v int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// acceleratingUptrend: a grinding zigzag rally that breaks out over the
// last five bars on triple volume.
func acceleratingUptrend(symbol string) []model.Bar {
	closes := zig(100, 40, 0.8, 0.5)
	p := closes[len(closes)-1]
	for _, inc := range []float64{1.5, 2.5, 3.5, 4.5, 5.5} {
		p += inc
		closes = append(closes, p)
	}
	vols := flatVolume(len(closes), 1000)
	vols[len(vols)-1] = 3000
	return path(symbol, closes, vols)
}

// acceleratingDowntrend mirrors acceleratingUptrend around 100.
func acceleratingDowntrend(symbol string) []model.Bar {
	up := acceleratingUptrend(symbol)
	closes := make([]float64, len(up))
	vols := make([]int64, len(up))
	for i, b := range up {
		closes[i] = 200 - (b.Close - 100)
		vols[i] = b.Volume
	}
	return path(symbol, closes, vols)
}

// vwapPullback: a slow rally with heavy late volume, a three-bar dip and a
// final bar that wicks through VWAP and closes back above it.
func vwapPullback(symbol string) []model.Bar {
	closes := zig(100, 60, 0.3, 0.2)
	closes = append(closes, 102.9, 102.6, 102.3, 102.45)
	vols := flatVolume(len(closes), 1000)
	for i := 45; i < len(vols); i++ {
		vols[i] = 4000
	}
	vols[len(vols)-1] = 5000
	bars := path(symbol, closes, vols)
	bars[len(bars)-1].Low = 101.8
	return bars
}

func randomWalk(symbol string, n int, seed int64) []model.Bar {
	rng := rand.New(rand.NewSource(seed))
	closes := make([]float64, n)
	vols := make([]int64, n)
	p := 100.0
	for i := range closes {
		p *= 1 + (rng.Float64()-0.5)*0.02
		closes[i] = p
		vols[i] = 500 + rng.Int63n(3000)
	}
	return path(symbol, closes, vols)
}

// fixedLevels returns 1% / 2% levels without any history.
type fixedLevels struct{ err error }

func (f fixedLevels) LevelsFor(_ string, _ model.Timeframe, entry float64, dir model.Direction, _ []model.Bar) (movement.Levels, error) {
	if f.err != nil {
		return movement.Levels{}, f.err
	}
	lv := movement.Levels{Entry: entry, StopPct: 1, ProfitPct: 2, TrailingStopPct: 0.7}
	if dir == model.Buy {
		lv.StopLoss, lv.ProfitTarget = entry*0.99, entry*1.02
	} else {
		lv.StopLoss, lv.ProfitTarget = entry*1.01, entry*0.98
	}
	return lv, nil
}

func newFixture(t *testing.T) (Config, *indicator.Cache, Leveler) {
	t.Helper()
	return DefaultConfig(), indicator.NewCache(nil), fixedLevels{}
}

// ── Contract ─────────────────────────────────────────────────────────

func TestStrategies_TenBarsNoSignal(t *testing.T) {
	cfg, cache, lv := newFixture(t)
	bars := randomWalk("AAPL", 10, 1)

	for _, s := range []Strategy{
		NewMomentum(cfg, cache, lv, nil),
		NewMeanReversion(cfg, cache, lv, nil),
		NewVWAPBounce(cfg, cache, lv, nil),
	} {
		sig, err := s.GenerateSignal("AAPL", bars)
		assert.NoError(t, err, s.ID())
		assert.Nil(t, sig, s.ID())
	}

	_, err := cache.Get("AAPL", bars)
	assert.True(t, errors.Is(err, indicator.ErrInsufficientData))
	assert.Equal(t, uint64(0), cache.Stats().Computations)
}

func TestMeanReversion_MinBarsMatchesLookback(t *testing.T) {
	cfg, cache, lv := newFixture(t)
	s := NewMeanReversion(cfg, cache, lv, nil)
	assert.Equal(t, 26, s.MinBars())
	assert.Equal(t, indicator.MinLookback, s.MinBars())
}

// ── Built-in strategies ──────────────────────────────────────────────

func TestMomentum_BuyOnBreakout(t *testing.T) {
	cfg, cache, lv := newFixture(t)
	bars := acceleratingUptrend("NVDA")

	sig, err := NewMomentum(cfg, cache, lv, nil).GenerateSignal("NVDA", bars)
	require.NoError(t, err)
	require.NotNil(t, sig)

	assert.Equal(t, model.Buy, sig.Direction)
	assert.Equal(t, string(Momentum), sig.Strategy)
	assert.Equal(t, "6/7", sig.Metadata["conditions"])
	assert.NotContains(t, sig.Metadata["met"], "rsi_bullish", "RSI is overbought after the breakout")
	assert.InDelta(t, 0.8458, float64(sig.Confidence), 1e-3)
	assert.Equal(t, bars[len(bars)-1].Close, sig.Entry)
	assert.NoError(t, sig.Validate())
	assert.Equal(t, cfg.Timeframe, sig.Timeframe)
}

func TestMomentum_SellMirrorsBuy(t *testing.T) {
	cfg, cache, lv := newFixture(t)
	sig, err := NewMomentum(cfg, cache, lv, nil).GenerateSignal("NVDA", acceleratingDowntrend("NVDA"))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, model.Sell, sig.Direction)
	assert.InDelta(t, 0.8458, float64(sig.Confidence), 1e-3)
	assert.Greater(t, sig.StopLoss, sig.Entry)
}

func TestMeanReversion_FadesStretchedMove(t *testing.T) {
	cfg, cache, lv := newFixture(t)
	s := NewMeanReversion(cfg, cache, lv, nil)

	sig, err := s.GenerateSignal("NVDA", acceleratingUptrend("NVDA"))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, model.Sell, sig.Direction)
	assert.Equal(t, "7/8", sig.Metadata["conditions"])
	// 0.55·7/8 + 0.45·1
	assert.InDelta(t, 0.93125, float64(sig.Confidence), 1e-9)

	sig, err = s.GenerateSignal("NVDA", acceleratingDowntrend("NVDA"))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, model.Buy, sig.Direction)
}

func TestVWAPBounce_BuyOffVWAP(t *testing.T) {
	cfg, cache, lv := newFixture(t)
	bars := vwapPullback("MSFT")

	sig, err := NewVWAPBounce(cfg, cache, lv, nil).GenerateSignal("MSFT", bars)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, model.Buy, sig.Direction)
	assert.Equal(t, "7/7", sig.Metadata["conditions"])
	assert.InDelta(t, 0.815, float64(sig.Confidence), 1e-3)

	// Neither of the others has a qualifying opinion on the same bars.
	for _, s := range []Strategy{NewMomentum(cfg, cache, lv, nil), NewMeanReversion(cfg, cache, lv, nil)} {
		sig, err := s.GenerateSignal("MSFT", bars)
		require.NoError(t, err)
		assert.Nil(t, sig, s.ID())
	}
}

func TestMomentum_RSIBandFromConfig(t *testing.T) {
	cfg, cache, lv := newFixture(t)
	cfg.Momentum.Thresholds.RSIBuyHigh = 100

	sig, err := NewMomentum(cfg, cache, lv, nil).GenerateSignal("NVDA", acceleratingUptrend("NVDA"))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, "7/7", sig.Metadata["conditions"])
	assert.Contains(t, sig.Metadata["met"], "rsi_bullish")
}

func TestVWAPBounce_VolumeAndProximityFromConfig(t *testing.T) {
	cfg, cache, lv := newFixture(t)
	bars := vwapPullback("MSFT")

	cfg.VWAPBounce.Thresholds.VolumeRatio = 50
	sig, err := NewVWAPBounce(cfg, cache, lv, nil).GenerateSignal("MSFT", bars)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, "6/7", sig.Metadata["conditions"])
	assert.NotContains(t, sig.Metadata["met"], "volume_present")

	cfg.VWAPBounce.Thresholds.VolumeRatio = 1.0
	cfg.VWAPBounce.Thresholds.VWAPProximityATR = 1e-9
	sig, err = NewVWAPBounce(cfg, cache, lv, nil).GenerateSignal("MSFT", bars)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.NotContains(t, sig.Metadata["met"], "near_vwap")
}

func TestVWAPBounce_NoSignalInBreakout(t *testing.T) {
	cfg, cache, lv := newFixture(t)
	sig, err := NewVWAPBounce(cfg, cache, lv, nil).GenerateSignal("NVDA", acceleratingUptrend("NVDA"))
	require.NoError(t, err)
	assert.Nil(t, sig, "far above VWAP only three conditions hold")
}

func TestStrategies_WithAdaptiveLevels(t *testing.T) {
	cfg := DefaultConfig()
	cache := indicator.NewCache(nil)
	an := movement.NewAnalyzer(movement.DefaultConfig(), nil, nil)

	sig, err := NewMomentum(cfg, cache, an, nil).GenerateSignal("NVDA", acceleratingUptrend("NVDA"))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.False(t, sig.FallbackLevels, "44 moves are enough for a measured profile")
	assert.Less(t, sig.StopLoss, sig.Entry)
	assert.Greater(t, sig.ProfitTarget, sig.Entry)
	assert.Greater(t, sig.TrailingStopPct, 0.0)
}

func TestStrategies_LevelErrorMeansNoSignal(t *testing.T) {
	cfg, cache, _ := newFixture(t)
	s := NewMomentum(cfg, cache, fixedLevels{err: errors.New("boom")}, nil)
	sig, err := s.GenerateSignal("NVDA", acceleratingUptrend("NVDA"))
	assert.NoError(t, err)
	assert.Nil(t, sig)
}

func TestStrategies_ConfidenceBoundedOnRandomWalks(t *testing.T) {
	cfg, cache, lv := newFixture(t)
	all := []Strategy{
		NewMomentum(cfg, cache, lv, nil),
		NewMeanReversion(cfg, cache, lv, nil),
		NewVWAPBounce(cfg, cache, lv, nil),
	}
	for seed := int64(0); seed < 60; seed++ {
		bars := randomWalk("RND", 40+int(seed), seed)
		for _, s := range all {
			sig, err := s.GenerateSignal("RND", bars)
			require.NoError(t, err)
			if sig == nil {
				continue
			}
			assert.True(t, sig.Confidence.Valid())
			assert.LessOrEqual(t, float64(sig.Confidence), cfg.MaxConfidence)
			assert.NoError(t, sig.Validate(), "seed %d %s", seed, s.ID())
		}
	}
}

// ── Evaluator ────────────────────────────────────────────────────────

func always(name string, met bool) Condition {
	return Condition{Name: name, Eval: func(frame) (bool, bool) { return met, true }}
}

func unavailable(name string) Condition {
	return Condition{Name: name, Eval: func(frame) (bool, bool) { return false, false }}
}

// breakout is a fourth strategy built only from the public pieces.
type breakout struct{ evaluator }

func newBreakout(t *testing.T, cache *indicator.Cache, buy, sell []Condition, strength float64) *breakout {
	t.Helper()
	require.NoError(t, cache.RegisterSubset("breakout", indicator.BBWidth, indicator.ADX14))
	cfg := DefaultConfig()
	b := &breakout{newEvaluator("breakout", Params{Enabled: true, MinBars: 30, MinConditions: 1, MinConfidence: 0.2}, cfg, cache, fixedLevels{}, nil)}
	b.fracWeight = 0.5
	b.strength = func(frame, model.Direction) float64 { return strength }
	b.buy, b.sell = buy, sell
	return b
}

func TestEvaluator_ConfidenceCapped(t *testing.T) {
	cache := indicator.NewCache(nil)
	b := newBreakout(t, cache, []Condition{always("a", true), always("b", true)}, nil, 7)
	sig, err := b.GenerateSignal("X", randomWalk("X", 40, 3))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, model.Score(0.95), sig.Confidence)
}

func TestEvaluator_TieIsNoSignal(t *testing.T) {
	cache := indicator.NewCache(nil)
	b := newBreakout(t, cache, []Condition{always("up", true)}, []Condition{always("down", true)}, 1)
	sig, err := b.GenerateSignal("X", randomWalk("X", 40, 3))
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestEvaluator_UnavailableConditionsExcluded(t *testing.T) {
	cache := indicator.NewCache(nil)
	b := newBreakout(t, cache,
		[]Condition{always("a", true), unavailable("b"), unavailable("c"), always("d", false)}, nil, 0)
	sig, err := b.GenerateSignal("X", randomWalk("X", 40, 3))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, "1/2", sig.Metadata["conditions"])
	assert.InDelta(t, 0.25, float64(sig.Confidence), 1e-12)
}

func TestEvaluator_UnregisteredSubsetIsError(t *testing.T) {
	cache := indicator.NewCache(nil)
	e := newEvaluator("ghost", Params{Enabled: true, MinBars: 30, MinConditions: 1}, DefaultConfig(), cache, fixedLevels{}, nil)
	e.strength = func(frame, model.Direction) float64 { return 0 }
	_, err := e.GenerateSignal("X", randomWalk("X", 40, 3))
	assert.Error(t, err)
}

// ── Engine ───────────────────────────────────────────────────────────

func TestEngine_EvaluateRunsAllStrategies(t *testing.T) {
	cfg, cache, lv := newFixture(t)
	e, err := NewDefaultEngine(cfg, cache, lv, nil)
	require.NoError(t, err)
	assert.Equal(t, []ID{Momentum, MeanReversion, VWAPBounce}, e.Strategies())

	var seen atomic.Int32
	e.OnSignal = func(*model.Signal) { seen.Add(1) }

	sigs, err := e.Evaluate(context.Background(), "NVDA", acceleratingUptrend("NVDA"))
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.Equal(t, model.Buy, sigs[Momentum].Direction)
	assert.Equal(t, model.Sell, sigs[MeanReversion].Direction)
	assert.Equal(t, int32(2), seen.Load())
	assert.Equal(t, uint64(1), cache.Stats().Computations, "strategies share one indicator computation")
}

func TestEngine_InvalidBarsYieldNothing(t *testing.T) {
	cfg, cache, lv := newFixture(t)
	e, err := NewDefaultEngine(cfg, cache, lv, nil)
	require.NoError(t, err)

	bars := acceleratingUptrend("NVDA")
	bars[10].TS = bars[9].TS
	sigs, err := e.Evaluate(context.Background(), "NVDA", bars)
	require.NoError(t, err)
	assert.Empty(t, sigs)

	sigs, err = e.Evaluate(context.Background(), "NVDA", nil)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestEngine_ContractErrorPropagates(t *testing.T) {
	cache := indicator.NewCache(nil)
	e := NewEngine(nil)
	ghost := &breakout{newEvaluator("ghost", Params{Enabled: true, MinBars: 30, MinConditions: 1}, DefaultConfig(), cache, fixedLevels{}, nil)}
	e.Register(ghost)
	_, err := e.Evaluate(context.Background(), "X", randomWalk("X", 40, 3))
	assert.Error(t, err)
}

func TestNewDefaultEngine_Validation(t *testing.T) {
	_, err := NewDefaultEngine(DefaultConfig(), nil, fixedLevels{}, nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.MaxConfidence = 1
	_, err = NewDefaultEngine(cfg, indicator.NewCache(nil), fixedLevels{}, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.MeanReversion.Thresholds.RSIBuyHigh = 120
	_, err = NewDefaultEngine(cfg, indicator.NewCache(nil), fixedLevels{}, nil)
	assert.ErrorContains(t, err, "mean_reversion")

	cfg = DefaultConfig()
	cfg.MeanReversion.Thresholds.WilliamsOversold = -10
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.VWAPBounce.Thresholds.VWAPProximityATR = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.VWAPBounce.Enabled = false
	e, err := NewDefaultEngine(cfg, indicator.NewCache(nil), fixedLevels{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []ID{Momentum, MeanReversion}, e.Strategies())
}
