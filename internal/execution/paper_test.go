package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesignals/internal/model"
	"tradesignals/internal/trailing"
)

type fakeJournal struct{ fills []model.Fill }

func (f *fakeJournal) RecordFill(_ context.Context, fl model.Fill) error {
	f.fills = append(f.fills, fl)
	return nil
}

type fakeFailures struct{ symbols []string }

func (f *fakeFailures) RecordFailure(symbol string, _ time.Time) {
	f.symbols = append(f.symbols, symbol)
}

var fixed = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func decision(dir model.Direction, entry, stop, target float64) model.ExecutionDecision {
	sig := &model.Signal{
		ID: "sig-1", Symbol: "AAPL", Direction: dir, Strategy: "momentum",
		Confidence: 0.8, Entry: entry, StopLoss: stop, ProfitTarget: target,
		TrailingStopPct: 0.5, Timeframe: model.TF5m, CreatedAt: fixed,
	}
	return model.ExecutionDecision{
		Symbol: "AAPL", Direction: dir, Confidence: 0.8, Execute: true,
		Primary: sig, DecidedAt: fixed,
	}
}

func newPaper(t *testing.T, cfg Config) (*PaperExecutor, *trailing.Engine, *fakeJournal, *fakeFailures) {
	t.Helper()
	eng, err := trailing.NewEngine(trailing.DefaultConfig(), nil)
	require.NoError(t, err)
	j, f := &fakeJournal{}, &fakeFailures{}
	p, err := NewPaperExecutor(cfg, eng, nil,
		WithJournal(j), WithFailureReporter(f), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)
	return p, eng, j, f
}

func TestPaper_BuyFillOpensPosition(t *testing.T) {
	p, eng, j, _ := newPaper(t, DefaultConfig())

	d := decision(model.Buy, 100, 98, 103)
	require.NoError(t, p.Emit(context.Background(), *d.Primary, d))

	fills := p.Fills()
	require.Len(t, fills, 1)
	assert.Equal(t, "100.05", fills[0].Price.String())
	assert.Equal(t, "0.05", fills[0].Slippage.String())
	assert.EqualValues(t, 100, fills[0].Qty)
	assert.Contains(t, fills[0].OrderID, "PAPER-1-")
	assert.Len(t, j.fills, 1)

	snap, ok := eng.Status("AAPL")
	require.True(t, ok)
	assert.Equal(t, trailing.Long, snap.Side)
	assert.Equal(t, trailing.Inactive, snap.State)
	assert.InDelta(t, 100.05, snap.Entry, 1e-9)
	assert.InDelta(t, 98, snap.Stop, 1e-9)

	r := <-p.Results()
	assert.Equal(t, StatusFilled, r.Status)
}

func TestPaper_SellFillsLower(t *testing.T) {
	p, eng, _, _ := newPaper(t, DefaultConfig())

	d := decision(model.Sell, 100, 102, 97)
	require.NoError(t, p.Emit(context.Background(), *d.Primary, d))

	assert.Equal(t, "99.95", p.Fills()[0].Price.String())
	snap, ok := eng.Status("AAPL")
	require.True(t, ok)
	assert.Equal(t, trailing.Short, snap.Side)
}

func TestPaper_HeldDecisionIgnored(t *testing.T) {
	p, eng, _, _ := newPaper(t, DefaultConfig())

	d := decision(model.Buy, 100, 98, 103)
	d.Execute = false
	require.NoError(t, p.Emit(context.Background(), *d.Primary, d))
	assert.Empty(t, p.Fills())
	assert.Empty(t, eng.Positions())
}

func TestPaper_DuplicatePositionReportsFailure(t *testing.T) {
	p, _, j, f := newPaper(t, DefaultConfig())

	d := decision(model.Buy, 100, 98, 103)
	require.NoError(t, p.Emit(context.Background(), *d.Primary, d))

	err := p.Emit(context.Background(), *d.Primary, d)
	require.Error(t, err)
	assert.True(t, errors.Is(err, trailing.ErrPositionExists))
	assert.Equal(t, []string{"AAPL"}, f.symbols)
	assert.Len(t, j.fills, 1)
	assert.Len(t, p.Fills(), 1)
}

func TestPaper_NoPrimary(t *testing.T) {
	p, _, _, f := newPaper(t, DefaultConfig())

	d := model.ExecutionDecision{Symbol: "MSFT", Execute: true}
	err := p.Emit(context.Background(), model.Signal{}, d)
	assert.ErrorIs(t, err, ErrNoPrimary)
	assert.Equal(t, []string{"MSFT"}, f.symbols)
}

func TestPaper_NotionalSizing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NotionalUSD = 10000
	cfg.SlippageBps = 0
	p, _, _, _ := newPaper(t, cfg)

	d := decision(model.Buy, 187.5, 185, 192)
	require.NoError(t, p.Emit(context.Background(), *d.Primary, d))
	assert.EqualValues(t, 53, p.Fills()[0].Qty) // floor(10000 / 187.5)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Qty = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.SlippageBps = -1
	assert.Error(t, bad.Validate())
}
