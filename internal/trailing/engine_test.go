package trailing

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultConfig(), nil)
	require.NoError(t, err)
	return e
}

func longSpec(symbol string) PositionSpec {
	return PositionSpec{
		Symbol: symbol, Side: Long, Qty: 10,
		Entry: 100, StopLoss: 98,
		TrailingPct: 0.5, ActivationPct: 1.5,
		OpenedAt: t0,
	}
}

// ── Scenario ─────────────────────────────────────────────────────────

func TestEngine_LongScenario(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.AddPosition(longSpec("AAPL")))

	ev, err := e.OnPriceUpdate("AAPL", 101.50, at(1))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, EventActivated, ev.Type)
	assert.Equal(t, 100.99, ev.Stop, "101.50 × 0.995 = 100.9925")

	ev, err = e.OnPriceUpdate("AAPL", 103.00, at(2))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, EventRatcheted, ev.Type)
	assert.Equal(t, 102.49, ev.Stop, "103.00 × 0.995 = 102.485, half rounds up")

	ev, err = e.OnPriceUpdate("AAPL", 102.00, at(3))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, EventClosed, ev.Type)
	assert.Equal(t, 102.00, ev.Price)
	assert.Equal(t, 102.49, ev.Stop)
	assert.Equal(t, Closed, ev.Position.State)
	assert.True(t, ev.Position.TrailingActive)

	_, tracked := e.Status("AAPL")
	assert.False(t, tracked, "closed positions are removed")

	ev, err = e.OnPriceUpdate("AAPL", 101.00, at(4))
	assert.NoError(t, err)
	assert.Nil(t, ev, "no second CLOSED for the same position")

	var types []EventType
	for len(e.Events()) > 0 {
		types = append(types, (<-e.Events()).Type)
	}
	assert.Equal(t, []EventType{EventActivated, EventRatcheted, EventClosed}, types)
}

func TestEngine_ShortMirrors(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.AddPosition(PositionSpec{
		Symbol: "TSLA", Side: Short, Qty: 5, Entry: 100, StopLoss: 102,
		TrailingPct: 0.5, ActivationPct: 1.5, OpenedAt: t0,
	}))

	ev, err := e.OnPriceUpdate("TSLA", 98.50, at(1))
	require.NoError(t, err)
	assert.Equal(t, EventActivated, ev.Type)
	assert.Equal(t, 98.99, ev.Stop, "98.50 × 1.005 = 98.9925")

	ev, err = e.OnPriceUpdate("TSLA", 97.00, at(2))
	require.NoError(t, err)
	assert.Equal(t, 97.49, ev.Stop, "97.00 × 1.005 = 97.485")

	ev, err = e.OnPriceUpdate("TSLA", 97.20, at(3))
	require.NoError(t, err)
	assert.Nil(t, ev, "stop holds while price stays below it")

	ev, err = e.OnPriceUpdate("TSLA", 97.49, at(4))
	require.NoError(t, err)
	assert.Equal(t, EventClosed, ev.Type, "touching the stop closes")
}

// ── State machine details ────────────────────────────────────────────

func TestEngine_InactiveStopFixedButExtremeTracked(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.AddPosition(longSpec("MSFT")))

	ev, err := e.OnPriceUpdate("MSFT", 101.20, at(1))
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = e.OnPriceUpdate("MSFT", 100.40, at(2))
	require.NoError(t, err)
	assert.Nil(t, ev)

	s, ok := e.Status("MSFT")
	require.True(t, ok)
	assert.Equal(t, Inactive, s.State)
	assert.Equal(t, 98.0, s.Stop)
	assert.Equal(t, 101.20, s.Extreme)
	assert.Equal(t, 100.40, s.LastPrice)
	assert.InDelta(t, 0.4, s.UnrealizedPct(), 1e-9)
}

func TestEngine_InitialStopTriggersWhileInactive(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.AddPosition(longSpec("MSFT")))
	ev, err := e.OnPriceUpdate("MSFT", 97.50, at(1))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, EventClosed, ev.Type)
	assert.False(t, ev.Position.TrailingActive)
}

func TestEngine_ActivationFromRiskMultiple(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ActivationRiskMultiple = 1.5
	e, err := NewEngine(cfg, nil)
	require.NoError(t, err)

	spec := longSpec("AMD")
	spec.ActivationPct = 0
	spec.StopLoss = 99 // 1% risk
	require.NoError(t, e.AddPosition(spec))

	s, _ := e.Status("AMD")
	assert.InDelta(t, 1.5, s.ActivationPct, 1e-12)
}

func TestEngine_TrailingPctDefaultsAndCap(t *testing.T) {
	e := newEngine(t)
	spec := longSpec("A")
	spec.TrailingPct = 0
	require.NoError(t, e.AddPosition(spec))
	spec = longSpec("B")
	spec.TrailingPct = 5
	require.NoError(t, e.AddPosition(spec))

	a, _ := e.Status("A")
	b, _ := e.Status("B")
	assert.Equal(t, 0.5, a.TrailingPct)
	assert.Equal(t, 2.0, b.TrailingPct)
	assert.Len(t, e.Positions(), 2)
}

func TestEngine_StaleUpdateRejected(t *testing.T) {
	e := newEngine(t)
	var staleHook atomic.Int32
	e.OnStale = func(string) { staleHook.Add(1) }
	require.NoError(t, e.AddPosition(longSpec("AAPL")))

	_, err := e.OnPriceUpdate("AAPL", 101.60, at(5))
	require.NoError(t, err)
	before, _ := e.Status("AAPL")

	_, err = e.OnPriceUpdate("AAPL", 90, at(5))
	assert.True(t, errors.Is(err, ErrStaleUpdate), "equal timestamp")
	_, err = e.OnPriceUpdate("AAPL", 90, at(3))
	assert.True(t, errors.Is(err, ErrStaleUpdate), "older timestamp")

	after, ok := e.Status("AAPL")
	require.True(t, ok, "a stale crossing must not close the position")
	assert.Equal(t, before, after)
	assert.Equal(t, uint64(2), e.StaleUpdates())
	assert.Equal(t, int32(2), staleHook.Load())

	_, err = e.OnPriceUpdate("AAPL", 101.70, t0.Add(-time.Second))
	assert.True(t, errors.Is(err, ErrStaleUpdate), "older than the last applied tick")
}

func TestEngine_FirstTickMayPredateFill(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.AddPosition(longSpec("AAPL")))
	snap, _ := e.Status("AAPL")
	assert.True(t, snap.LastUpdate.IsZero())

	// The feed clock lags the fill clock by two seconds; the crossing
	// still closes the position.
	ev, err := e.OnPriceUpdate("AAPL", 97.50, t0.Add(-2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, EventClosed, ev.Type)
	_, ok := e.Status("AAPL")
	assert.False(t, ok)
	assert.Equal(t, uint64(0), e.StaleUpdates())
}

func TestEngine_UnknownSymbolIsNoop(t *testing.T) {
	e := newEngine(t)
	ev, err := e.OnPriceUpdate("NOPE", 10, at(1))
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func TestEngine_InvalidPrice(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.AddPosition(longSpec("AAPL")))
	_, err := e.OnPriceUpdate("AAPL", 0, at(1))
	assert.True(t, errors.Is(err, ErrInvalidPrice))

	// The rejected tick did not consume its timestamp.
	_, err = e.OnPriceUpdate("AAPL", 100.5, at(1))
	assert.NoError(t, err)
}

func TestEngine_AddPositionValidation(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.AddPosition(longSpec("AAPL")))
	err := e.AddPosition(longSpec("AAPL"))
	assert.True(t, errors.Is(err, ErrPositionExists))

	bad := longSpec("X")
	bad.StopLoss = 101
	assert.Error(t, e.AddPosition(bad))

	bad = longSpec("Y")
	bad.Side = Short
	assert.Error(t, e.AddPosition(bad), "short stop must sit above entry")

	bad = longSpec("Z")
	bad.Qty = 0
	assert.Error(t, e.AddPosition(bad))
}

func TestEngine_RemovePositionReportsOnce(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.AddPosition(longSpec("AAPL")))

	ev, ok := e.RemovePosition("AAPL", "filled upstream")
	require.True(t, ok)
	assert.Equal(t, EventClosed, ev.Type)
	assert.Equal(t, "filled upstream", ev.Reason)

	_, ok = e.RemovePosition("AAPL", "again")
	assert.False(t, ok)

	ev, err := e.OnPriceUpdate("AAPL", 50, at(1))
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func TestEngine_ConcurrentCrossingClosesOnce(t *testing.T) {
	e := newEngine(t)
	var closed atomic.Int32
	e.OnEvent = func(ev Event) {
		if ev.Type == EventClosed {
			closed.Add(1)
		}
	}
	require.NoError(t, e.AddPosition(longSpec("AAPL")))

	var wg sync.WaitGroup
	for i := 1; i <= 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = e.OnPriceUpdate("AAPL", 90, at(i))
		}(i)
		if i%8 == 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.RemovePosition("AAPL", "external")
			}()
		}
	}
	wg.Wait()
	assert.Equal(t, int32(1), closed.Load())
}

func TestEngine_EventBufferDropsInsteadOfBlocking(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventBuffer = 1
	e, err := NewEngine(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, e.AddPosition(longSpec("AAPL")))

	_, _ = e.OnPriceUpdate("AAPL", 101.5, at(1))
	_, _ = e.OnPriceUpdate("AAPL", 103, at(2))
	assert.Equal(t, uint64(1), e.Dropped())
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	c := DefaultConfig()
	c.DefaultTrailingPct = 3
	assert.Error(t, c.Validate(), "default above cap")

	c = DefaultConfig()
	c.TickSize = 0
	_, err := NewEngine(c, nil)
	assert.Error(t, err)
}
