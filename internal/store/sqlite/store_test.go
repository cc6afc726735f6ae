package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesignals/internal/model"
	"tradesignals/internal/trailing"
)

var t0 = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func bars(symbol string, n int) []TimedBar {
	out := make([]TimedBar, n)
	for i := range out {
		px := 100 + float64(i)
		out[i] = TimedBar{TF: model.TF5m, Bar: model.Bar{
			Symbol: symbol, TS: t0.Add(time.Duration(i) * 5 * time.Minute),
			Open: px, High: px + 1, Low: px - 1, Close: px + 0.5, Volume: 1000,
		}}
	}
	return out
}

func TestBarStore_GetBarsNewestAscending(t *testing.T) {
	ctx := context.Background()
	bs := openStore(t).Bars()
	require.NoError(t, bs.InsertBars(ctx, bars("aapl", 50)))

	got, err := bs.GetBars(ctx, "AAPL", model.TF5m, 30)
	require.NoError(t, err)
	require.Len(t, got, 30)
	assert.Equal(t, 120.0, got[0].Open, "oldest of the newest 30")
	assert.Equal(t, 149.0, got[29].Open)
	assert.NoError(t, model.ValidateBars(got))

	last, err := bs.LastTimestamp(ctx, "AAPL", model.TF5m)
	require.NoError(t, err)
	assert.Equal(t, got[29].TS, last)
}

func TestBarStore_NeverPartial(t *testing.T) {
	ctx := context.Background()
	bs := openStore(t).Bars()
	require.NoError(t, bs.InsertBars(ctx, bars("MSFT", 10)))

	_, err := bs.GetBars(ctx, "MSFT", model.TF5m, 26)
	assert.True(t, errors.Is(err, model.ErrNoBars))

	_, err = bs.GetBars(ctx, "MSFT", model.TF1h, 1)
	assert.True(t, errors.Is(err, model.ErrNoBars), "other timeframe is empty")
}

func TestBarStore_UpsertAndRange(t *testing.T) {
	ctx := context.Background()
	bs := openStore(t).Bars()
	in := bars("NVDA", 5)
	require.NoError(t, bs.InsertBars(ctx, in))
	in[2].Bar.Close = 999
	require.NoError(t, bs.InsertBars(ctx, in[2:3]))

	got, err := bs.Range(ctx, "NVDA", model.TF5m, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, 999.0, got[2].Close)
}

func TestBarStore_RunFlushesOnClose(t *testing.T) {
	bs := openStore(t).Bars()
	ch := make(chan TimedBar)
	done := make(chan struct{})
	go func() {
		bs.Run(context.Background(), ch)
		close(done)
	}()
	for _, b := range bars("AMD", 7) {
		ch <- b
	}
	close(ch)
	<-done

	got, err := bs.GetBars(context.Background(), "AMD", model.TF5m, 7)
	require.NoError(t, err)
	assert.Len(t, got, 7)
}

func TestJournal_DecisionsFillsEvents(t *testing.T) {
	ctx := context.Background()
	j := openStore(t).Journal()

	sig := model.Signal{
		ID: "sig-1", Symbol: "AAPL", Direction: model.Buy, Strategy: "momentum",
		Confidence: 0.8, Entry: 100, StopLoss: 99, ProfitTarget: 102, CreatedAt: t0,
	}
	exec := model.ExecutionDecision{Symbol: "AAPL", Direction: model.Buy, Confidence: 0.8, Execute: true, Primary: &sig, DecidedAt: t0}
	hold := model.ExecutionDecision{Symbol: "AAPL", Confidence: 0.3, Reason: "no signals", DecidedAt: t0}
	require.NoError(t, j.Emit(ctx, sig, exec))
	require.NoError(t, j.RecordDecision(ctx, "primary", hold))
	require.NoError(t, j.RecordDecision(ctx, "shadow", hold))

	executed, held, err := j.DecisionCounts(ctx, "primary")
	require.NoError(t, err)
	assert.Equal(t, 1, executed)
	assert.Equal(t, 1, held)

	require.NoError(t, j.RecordFill(ctx, model.Fill{
		OrderID: "PAPER-1", Signal: sig, Qty: 10,
		Price: decimal.RequireFromString("100.05"), Slippage: decimal.RequireFromString("0.05"),
		FilledAt: t0,
	}))
	trades, err := j.Trades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "sig-1", trades[0].SignalID)
	assert.True(t, decimal.RequireFromString("100.05").Equal(trades[0].Price))
	assert.Equal(t, t0, trades[0].FilledAt)

	for _, typ := range []trailing.EventType{trailing.EventActivated, trailing.EventClosed} {
		require.NoError(t, j.RecordEvent(ctx, trailing.Event{Type: typ, Symbol: "AAPL", Price: 101, Stop: 100.5, At: t0}))
	}
	types, err := j.EventTypes(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, []string{"ACTIVATED", "CLOSED"}, types)
}
