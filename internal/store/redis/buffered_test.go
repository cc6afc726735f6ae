package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesignals/internal/model"
	"tradesignals/internal/trailing"
)

type fakeBackend struct {
	mu     sync.Mutex
	fail   bool
	writes []string
}

func (f *fakeBackend) publishDecision(_ context.Context, symbol, _, _ string) error {
	return f.record("decision:" + symbol)
}

func (f *fakeBackend) publishEvent(_ context.Context, symbol, _ string) error {
	return f.record("event:" + symbol)
}

func (f *fakeBackend) record(w string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errFail
	}
	f.writes = append(f.writes, w)
	return nil
}

func (f *fakeBackend) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeBackend) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func sig(symbol string) model.Signal {
	return model.Signal{ID: "id-" + symbol, Symbol: symbol, Direction: model.Buy, Entry: 100, StopLoss: 99, ProfitTarget: 102}
}

func TestBuffered_HoldsWhileOpenAndReplaysInOrder(t *testing.T) {
	ctx := context.Background()
	be := &fakeBackend{}
	cb, clk := newBreaker(1, time.Second)
	bp := newBuffered(ctx, be, cb, 10, nil)

	be.setFail(true)
	err := bp.Emit(ctx, sig("AAPL"), model.ExecutionDecision{Symbol: "AAPL"})
	assert.Error(t, err, "the tripping failure is reported")
	assert.Equal(t, StateOpen, cb.CurrentState())

	require.NoError(t, bp.PublishEvent(ctx, trailing.Event{Type: trailing.EventActivated, Symbol: "MSFT"}))
	require.NoError(t, bp.Emit(ctx, sig("TSLA"), model.ExecutionDecision{Symbol: "TSLA"}))
	assert.Equal(t, 3, bp.PendingCount())
	assert.Empty(t, be.got())

	be.setFail(false)
	clk.advance(time.Second)
	require.NoError(t, bp.Emit(ctx, sig("NVDA"), model.ExecutionDecision{Symbol: "NVDA"}))

	// Closing the breaker triggers an asynchronous flush.
	assert.Eventually(t, func() bool { return bp.PendingCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"decision:NVDA", "decision:AAPL", "event:MSFT", "decision:TSLA"}, be.got())
}

func TestBuffered_DropsOldestWhenFull(t *testing.T) {
	ctx := context.Background()
	be := &fakeBackend{fail: true}
	cb, _ := newBreaker(1, time.Hour)
	bp := newBuffered(ctx, be, cb, 2, nil)

	for _, s := range []string{"A", "B", "C"} {
		bp.Emit(ctx, sig(s), model.ExecutionDecision{Symbol: s})
	}
	assert.Equal(t, 2, bp.PendingCount())
	assert.Equal(t, 1, bp.Lost())

	be.setFail(false)
	assert.Equal(t, 2, bp.Flush(ctx))
	assert.Equal(t, []string{"decision:B", "decision:C"}, be.got())
}

func TestBuffered_FailedFlushKeepsRemainder(t *testing.T) {
	ctx := context.Background()
	be := &fakeBackend{fail: true}
	cb, _ := newBreaker(1, time.Hour)
	bp := newBuffered(ctx, be, cb, 10, nil)
	bp.Emit(ctx, sig("A"), model.ExecutionDecision{Symbol: "A"})
	bp.Emit(ctx, sig("B"), model.ExecutionDecision{Symbol: "B"})

	assert.Equal(t, 0, bp.Flush(ctx))
	assert.Equal(t, 2, bp.PendingCount())
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "signals:AAPL", SignalStreamKey("aapl"))
	assert.Equal(t, "signal:latest:AAPL", LatestSignalKey("AAPL"))
	assert.Equal(t, "positions:TSLA", PositionStreamKey("tsla"))
	assert.Equal(t, "bars:5m:MSFT", BarStreamKey("msft", model.TF5m))
}

func TestDecodeBars_ReversesNewestFirst(t *testing.T) {
	b1 := model.Bar{Symbol: "A", TS: time.Unix(60, 0).UTC(), Open: 1, High: 1, Low: 1, Close: 1}
	b2 := b1
	b2.TS = time.Unix(120, 0).UTC()
	msgs := []goredis.XMessage{
		{ID: "2-0", Values: map[string]interface{}{"data": string(b2.JSON())}},
		{ID: "1-0", Values: map[string]interface{}{"data": string(b1.JSON())}},
	}
	got, err := decodeBars(msgs)
	require.NoError(t, err)
	assert.Equal(t, []model.Bar{b1, b2}, got)

	_, err = decodeBars([]goredis.XMessage{{ID: "3-0", Values: map[string]interface{}{}}})
	assert.Error(t, err)
}

func TestDecodeTick(t *testing.T) {
	ok := goredis.XMessage{ID: "1-0", Values: map[string]interface{}{
		"data": `{"symbol":"AAPL","price":101.5,"qty":10,"ts":"2026-03-02T15:00:00Z"}`,
	}}
	tick, err := decodeTick(ok)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", tick.Symbol)
	assert.Equal(t, 101.5, tick.Price)

	bad := goredis.XMessage{ID: "2-0", Values: map[string]interface{}{"data": `{"symbol":"AAPL","price":0}`}}
	_, err = decodeTick(bad)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrCircuitOpen))
}
