package indicator

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesignals/internal/model"
)

// genBars builds a deterministic random walk with n bars.
func genBars(symbol string, n int, seed int64) []model.Bar {
	rng := rand.New(rand.NewSource(seed))
	t0 := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	price := 100.0
	bars := make([]model.Bar, n)
	for i := range bars {
		open := price
		price *= 1 + (rng.Float64()-0.5)*0.01
		hi := math.Max(open, price) * (1 + rng.Float64()*0.002)
		lo := math.Min(open, price) * (1 - rng.Float64()*0.002)
		bars[i] = model.Bar{
			Symbol: symbol,
			TS:     t0.Add(time.Duration(i) * time.Minute),
			Open:   open, High: hi, Low: lo, Close: price,
			Volume: 1000 + rng.Int63n(4000),
		}
	}
	return bars
}

func TestCache_InsufficientData(t *testing.T) {
	c := NewCache(nil)
	bars := genBars("AAPL", 10, 1)

	set, err := c.Get("AAPL", bars)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientData))
	assert.Nil(t, set)

	st := c.Stats()
	assert.Equal(t, uint64(0), st.Computations, "nothing may be computed below the lookback")
	assert.Equal(t, uint64(1), st.Insufficient)
	assert.Equal(t, 0, st.Entries)

	_, err = c.GetForStrategy("AAPL", bars, SubsetMomentum)
	assert.True(t, errors.Is(err, ErrInsufficientData))
}

func TestCache_MemoizesAndMatchesFreshCompute(t *testing.T) {
	c := NewCache(nil)
	bars := genBars("AAPL", 120, 7)

	first, err := c.Get("AAPL", bars)
	require.NoError(t, err)
	second, err := c.Get("AAPL", bars)
	require.NoError(t, err)

	assert.Same(t, first, second, "same key must return the memoized set")
	assert.True(t, first.Equal(Compute("AAPL", bars)), "cached set must equal a fresh computation")

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Computations)
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
}

func TestCache_SeriesLengthMatchesBars(t *testing.T) {
	c := NewCache(nil)
	bars := genBars("MSFT", 80, 3)
	set, err := c.Get("MSFT", bars)
	require.NoError(t, err)

	for _, name := range AllNames() {
		s, ok := set.Series(name)
		require.True(t, ok, name)
		assert.Len(t, s, len(bars), name)
	}
}

func TestCache_KeyChangesOnNewBarOrRevisedClose(t *testing.T) {
	c := NewCache(nil)
	bars := genBars("AAPL", 60, 11)

	base, err := c.Get("AAPL", bars)
	require.NoError(t, err)

	revised := append([]model.Bar(nil), bars...)
	revised[len(revised)-1].Close += 0.37
	rev, err := c.Get("AAPL", revised)
	require.NoError(t, err)
	assert.NotEqual(t, base.Key(), rev.Key())

	longer := genBars("AAPL", 61, 11)
	more, err := c.Get("AAPL", longer)
	require.NoError(t, err)
	assert.Equal(t, 61, more.Len())

	assert.Equal(t, uint64(3), c.Stats().Computations)
}

func TestCache_ConcurrentSameKeyComputesOnce(t *testing.T) {
	c := NewCache(nil)
	bars := genBars("NVDA", 200, 5)

	const workers = 32
	var wg sync.WaitGroup
	sets := make([]*Set, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			s, err := c.Get("NVDA", bars)
			if err == nil {
				sets[i] = s
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, uint64(1), c.Stats().Computations)
	for i := 1; i < workers; i++ {
		require.NotNil(t, sets[i])
		assert.Same(t, sets[0], sets[i])
	}
}

func TestCache_ConcurrentDifferentSymbols(t *testing.T) {
	c := NewCache(nil)
	symbols := []string{"AAPL", "MSFT", "NVDA", "AMZN", "META", "GOOG"}

	var wg sync.WaitGroup
	for i, sym := range symbols {
		wg.Add(1)
		go func(sym string, seed int64) {
			defer wg.Done()
			_, err := c.Get(sym, genBars(sym, 100, seed))
			assert.NoError(t, err)
		}(sym, int64(i))
	}
	wg.Wait()

	st := c.Stats()
	assert.Equal(t, uint64(len(symbols)), st.Computations)
	assert.Equal(t, len(symbols), st.Entries)
}

func TestCache_Clear(t *testing.T) {
	c := NewCache(nil)
	a, m := genBars("AAPL", 40, 1), genBars("MSFT", 40, 2)
	_, _ = c.Get("AAPL", a)
	_, _ = c.Get("MSFT", m)
	require.Equal(t, 2, c.Stats().Entries)

	c.Clear("AAPL")
	assert.Equal(t, 1, c.Stats().Entries)

	// Recompute after invalidation is an ordinary miss.
	_, err := c.Get("AAPL", a)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), c.Stats().Computations)

	c.Clear("")
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestCache_EvictsOldestPerSymbol(t *testing.T) {
	c := NewCache(nil)
	c.SetEntriesPerSymbol(2)
	full := genBars("AAPL", 60, 9)
	for n := 40; n < 44; n++ {
		_, err := c.Get("AAPL", full[:n])
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Stats().Entries)

	// Oldest key was evicted, so asking again recomputes.
	_, err := c.Get("AAPL", full[:40])
	require.NoError(t, err)
	assert.Equal(t, uint64(5), c.Stats().Computations)
}

func TestCache_GetForStrategy(t *testing.T) {
	c := NewCache(nil)
	bars := genBars("AAPL", 120, 21)

	v, err := c.GetForStrategy("AAPL", bars, SubsetMeanReversion)
	require.NoError(t, err)

	names := v.Names()
	assert.Contains(t, names, RSI14, "shared indicator")
	assert.Contains(t, names, BBLower, "specialized indicator")
	assert.NotContains(t, names, MACDLine, "other strategy's indicator")

	_, ok := v.Series(MACDLine)
	assert.False(t, ok, "view must not expose indicators outside its subset")

	s, ok := v.Series(BBLower)
	require.True(t, ok)
	last, ok := v.Snapshot.Get(BBLower)
	require.True(t, ok)
	assert.Equal(t, s[len(s)-1], last)

	// Views for different strategies share one computation.
	_, err = c.GetForStrategy("AAPL", bars, SubsetMomentum)
	require.NoError(t, err)
	_, err = c.GetForStrategy("AAPL", bars, SubsetVWAPBounce)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Stats().Computations)

	_, err = c.GetForStrategy("AAPL", bars, "unknown")
	assert.Error(t, err)
}

func TestCache_RegisterSubset(t *testing.T) {
	c := NewCache(nil)
	require.NoError(t, c.RegisterSubset("breakout", BBWidth, ADX14))
	assert.Error(t, c.RegisterSubset("bad", "no_such_indicator"))

	v, err := c.GetForStrategy("AAPL", genBars("AAPL", 60, 2), "breakout")
	require.NoError(t, err)
	assert.Contains(t, v.Names(), ADX14)
	assert.Contains(t, v.Names(), EMA9)
}

func TestCompute_FlatWindowDegradesToUnavailable(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	bars := make([]model.Bar, 40)
	for i := range bars {
		bars[i] = model.Bar{Symbol: "FLAT", TS: t0.Add(time.Duration(i) * time.Minute),
			Open: 50, High: 50, Low: 50, Close: 50, Volume: 0}
	}
	set := Compute("FLAT", bars)

	for _, name := range []string{WilliamsR14, StochK, VWAPName, VolumeRatioName, PlusDI, MinusDI} {
		_, ok := set.Latest(name)
		assert.False(t, ok, "%s should be unavailable on a flat window", name)
	}
	snap := set.Snapshot()
	for name, v := range snap {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "snapshot leaked non-finite %s", name)
	}
	rsi, ok := set.Latest(RSI14)
	require.True(t, ok)
	assert.Equal(t, 50.0, rsi)
}

func TestCompute_Deterministic(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		bars := genBars("X", 30+int(seed)*5, seed)
		a := Compute("X", bars)
		b := Compute("X", bars)
		assert.True(t, a.Equal(b), "seed %d", seed)
	}
}
