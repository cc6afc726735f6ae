package aggregator

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesignals/internal/model"
	"tradesignals/internal/strategy"
)

var now = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func sig(id strategy.ID, dir model.Direction, conf float64) *model.Signal {
	s := &model.Signal{
		Symbol: "AAPL", Direction: dir, Strategy: string(id),
		Confidence: model.Score(conf), Entry: 100,
	}
	if dir == model.Buy {
		s.StopLoss, s.ProfitTarget = 99, 102
	} else {
		s.StopLoss, s.ProfitTarget = 101, 98
	}
	return s
}

func newAgg(t *testing.T) *Aggregator {
	t.Helper()
	a, err := New("primary", DefaultConfig(), nil)
	require.NoError(t, err)
	return a
}

func TestAggregate_NoSignals(t *testing.T) {
	d := newAgg(t).Aggregate("AAPL", nil, now)
	assert.False(t, d.Execute)
	assert.Nil(t, d.Primary)
	assert.Equal(t, "no signals", d.Reason)
	assert.Equal(t, model.Score(0), d.Confidence)
}

func TestAggregate_SingleStrongStrategyExecutes(t *testing.T) {
	d := newAgg(t).Aggregate("AAPL", map[strategy.ID]*model.Signal{
		strategy.Momentum: sig(strategy.Momentum, model.Buy, 0.9),
	}, now)
	assert.True(t, d.Execute)
	assert.Equal(t, model.Buy, d.Direction)
	assert.InDelta(t, 0.9, float64(d.Confidence), 1e-12)
	assert.Equal(t, []string{"momentum"}, d.Voters)
	assert.Empty(t, d.Dissent)
}

func TestAggregate_AgreementAveragesByWeight(t *testing.T) {
	d := newAgg(t).Aggregate("AAPL", map[strategy.ID]*model.Signal{
		strategy.Momentum:      sig(strategy.Momentum, model.Buy, 0.85),
		strategy.MeanReversion: sig(strategy.MeanReversion, model.Buy, 0.80),
	}, now)
	// (0.4·0.85 + 0.35·0.80) / 0.75
	assert.InDelta(t, 0.62/0.75, float64(d.Confidence), 1e-9)
	assert.True(t, d.Execute)
	assert.Equal(t, []string{"mean_reversion", "momentum"}, d.Voters)
	require.NotNil(t, d.Primary)
	assert.Equal(t, "momentum", d.Primary.Strategy, "largest weighted contribution")
}

func TestAggregate_ConflictIsPenalized(t *testing.T) {
	d := newAgg(t).Aggregate("AAPL", map[strategy.ID]*model.Signal{
		strategy.Momentum:      sig(strategy.Momentum, model.Buy, 0.85),
		strategy.MeanReversion: sig(strategy.MeanReversion, model.Sell, 0.93),
	}, now)
	assert.Equal(t, model.Buy, d.Direction, "0.340 beats 0.3255")
	assert.InDelta(t, 0.85*0.40/0.75, float64(d.Confidence), 1e-9)
	assert.False(t, d.Execute)
	assert.Equal(t, []string{"mean_reversion"}, d.Dissent)
	assert.Equal(t, model.Buy, d.Primary.Direction, "never a blend of both sides")
}

func TestAggregate_TieNeverExecutes(t *testing.T) {
	d := newAgg(t).Aggregate("AAPL", map[strategy.ID]*model.Signal{
		strategy.Momentum:   sig(strategy.Momentum, model.Buy, 0.5),
		strategy.VWAPBounce: sig(strategy.VWAPBounce, model.Sell, 0.8),
	}, now)
	assert.False(t, d.Execute)
	assert.Equal(t, model.Direction(""), d.Direction)
	assert.Nil(t, d.Primary)
	assert.Equal(t, []string{"momentum", "vwap_bounce"}, d.Dissent)
}

func TestAggregate_ThresholdIsStrict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = map[string]float64{"momentum": 0.5, "mean_reversion": 0.5}
	a, err := New("even", cfg, nil)
	require.NoError(t, err)

	d := a.Aggregate("AAPL", map[strategy.ID]*model.Signal{
		strategy.Momentum: sig(strategy.Momentum, model.Buy, 0.75),
	}, now)
	require.Equal(t, model.Score(0.75), d.Confidence)
	assert.False(t, d.Execute)
	assert.Contains(t, d.Reason, "not above")
}

func TestAggregate_UnweightedStrategyIgnored(t *testing.T) {
	d := newAgg(t).Aggregate("AAPL", map[strategy.ID]*model.Signal{
		"breakout": sig("breakout", model.Sell, 0.95),
	}, now)
	assert.Equal(t, "no signals", d.Reason)
}

func TestAggregate_Cooldowns(t *testing.T) {
	a := newAgg(t)
	strong := map[strategy.ID]*model.Signal{strategy.Momentum: sig(strategy.Momentum, model.Buy, 0.9)}

	a.RecordSignal("AAPL", now)
	d := a.Aggregate("AAPL", strong, now.Add(time.Minute))
	assert.False(t, d.Execute)
	assert.Contains(t, d.Reason, "cooldown")
	assert.Equal(t, 4*time.Minute, a.CooldownRemaining("AAPL", now.Add(time.Minute)))

	assert.True(t, a.Aggregate("MSFT", strong, now.Add(time.Minute)).Execute, "cooldown is per symbol")
	assert.True(t, a.Aggregate("AAPL", strong, now.Add(5*time.Minute)).Execute)

	a.RecordFailure("AAPL", now)
	assert.False(t, a.Aggregate("AAPL", strong, now.Add(10*time.Minute)).Execute)
	assert.True(t, a.Aggregate("AAPL", strong, now.Add(15*time.Minute)).Execute)

	// A later normal cooldown never shortens a failure cooldown.
	a.RecordFailure("AAPL", now)
	a.RecordSignal("AAPL", now.Add(time.Minute))
	assert.Equal(t, 5*time.Minute, a.CooldownRemaining("AAPL", now.Add(10*time.Minute)))
}

func TestAggregate_ShadowInstancesAreIndependent(t *testing.T) {
	primary := newAgg(t)
	cfg := DefaultConfig()
	cfg.MinConfidence = 0.85
	shadow, err := New("shadow", cfg, nil)
	require.NoError(t, err)

	in := map[strategy.ID]*model.Signal{strategy.Momentum: sig(strategy.Momentum, model.Buy, 0.8)}
	primary.RecordSignal("AAPL", now)

	p := primary.Aggregate("AAPL", in, now)
	s := shadow.Aggregate("AAPL", in, now)
	assert.False(t, p.Execute, "primary is cooling down")
	assert.False(t, s.Execute, "shadow threshold is higher")

	p = primary.Aggregate("AAPL", in, now.Add(6*time.Minute))
	s = shadow.Aggregate("AAPL", in, now.Add(6*time.Minute))
	mismatch, why := Compare(p, s)
	assert.True(t, mismatch)
	assert.Equal(t, "execute true vs false", why)
}

func TestAggregate_ConfidenceBounded(t *testing.T) {
	a := newAgg(t)
	rng := rand.New(rand.NewSource(42))
	ids := []strategy.ID{strategy.Momentum, strategy.MeanReversion, strategy.VWAPBounce}
	for i := 0; i < 500; i++ {
		in := make(map[strategy.ID]*model.Signal)
		for _, id := range ids {
			if rng.Intn(3) == 0 {
				continue
			}
			dir := model.Buy
			if rng.Intn(2) == 0 {
				dir = model.Sell
			}
			in[id] = sig(id, dir, rng.Float64()*0.95)
		}
		d := a.Aggregate("AAPL", in, now)
		assert.True(t, d.Confidence.Valid())
		if d.Execute {
			assert.Greater(t, float64(d.Confidence), 0.75)
			require.NotNil(t, d.Primary)
			assert.Equal(t, d.Direction, d.Primary.Direction)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	c := DefaultConfig()
	c.Weights["momentum"] = 0.30
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.Weights["momentum"] = -0.1
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.MinConfidence = 1
	_, err := New("bad", c, nil)
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	buy := model.ExecutionDecision{Execute: true, Direction: model.Buy}
	sell := model.ExecutionDecision{Execute: true, Direction: model.Sell}
	skip := model.ExecutionDecision{Direction: model.Sell}

	m, _ := Compare(buy, buy)
	assert.False(t, m)
	m, why := Compare(buy, sell)
	assert.True(t, m)
	assert.Equal(t, "direction BUY vs SELL", why)
	m, _ = Compare(skip, model.ExecutionDecision{})
	assert.False(t, m, "two non-executions agree")
}
