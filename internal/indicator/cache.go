package indicator

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tradesignals/internal/model"
)

// DefaultEntriesPerSymbol bounds how many keys one symbol keeps. Keys for
// a symbol advance with every bar, so older ones are evicted first.
const DefaultEntriesPerSymbol = 4

// Strategy subset identifiers understood by GetForStrategy.
const (
	SubsetMomentum      = "momentum"
	SubsetMeanReversion = "mean_reversion"
	SubsetVWAPBounce    = "vwap_bounce"
)

// SharedNames are the indicators every strategy view includes.
var SharedNames = []string{CloseName, VolumeName, EMA9, EMA21, RSI14, ATR14, VolumeRatioName}

var defaultSubsets = map[string][]string{
	SubsetMomentum:      {MACDLine, MACDSignal, MACDHist, ADX14, PlusDI, MinusDI, ROC10, Momentum10},
	SubsetMeanReversion: {BBUpper, BBMiddle, BBLower, BBWidth, WilliamsR14, StochK, StochD, SMA20},
	SubsetVWAPBounce:    {VWAPName, EMA12, EMA26, SMA50, WilliamsR14},
}

// CacheStats is a point-in-time view of cache counters.
type CacheStats struct {
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Computations uint64 `json:"computations"`
	Insufficient uint64 `json:"insufficient"`
	Entries      int    `json:"entries"`
}

// shard holds one symbol's entries behind its own lock.
type shard struct {
	mu      sync.Mutex
	entries map[Key]*Set
	order   []Key // insertion order, oldest first
}

// Cache memoizes Compute per Key. Lookups and fills for different symbols
// never contend; concurrent fills of the same key are collapsed into one
// computation with singleflight.
type Cache struct {
	log      *zap.Logger
	maxPerSy int

	mu     sync.RWMutex // guards shards map only
	shards map[string]*shard

	subMu   sync.RWMutex
	subsets map[string][]string

	group singleflight.Group

	hits, misses, computes, insufficient atomic.Uint64

	// Optional metrics hooks
	OnHit     func()
	OnMiss    func()
	OnCompute func(d time.Duration)
}

// NewCache creates an empty cache. A nil logger disables logging.
func NewCache(log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	subsets := make(map[string][]string, len(defaultSubsets))
	for id, names := range defaultSubsets {
		subsets[id] = append([]string(nil), names...)
	}
	return &Cache{
		log:      log.Named("indicator-cache"),
		maxPerSy: DefaultEntriesPerSymbol,
		shards:   make(map[string]*shard, 64),
		subsets:  subsets,
	}
}

// SetEntriesPerSymbol changes the per-symbol bound. n < 1 is ignored.
func (c *Cache) SetEntriesPerSymbol(n int) {
	if n >= 1 {
		c.maxPerSy = n
	}
}

// Get returns the indicator set for bars, computing it at most once per key.
// Fewer than MinLookback bars returns an error wrapping ErrInsufficientData
// and computes nothing.
func (c *Cache) Get(symbol string, bars []model.Bar) (*Set, error) {
	if len(bars) < MinLookback {
		c.insufficient.Add(1)
		return nil, fmt.Errorf("%s: %d bars, need %d: %w", symbol, len(bars), MinLookback, ErrInsufficientData)
	}
	key := KeyFor(symbol, bars)

	if set := c.lookup(key); set != nil {
		c.hit()
		return set, nil
	}

	v, _, _ := c.group.Do(key.String(), func() (interface{}, error) {
		// Another flight may have stored it between lookup and Do.
		if set := c.lookup(key); set != nil {
			return set, nil
		}
		start := time.Now()
		set := Compute(symbol, bars)
		elapsed := time.Since(start)
		c.store(set)

		c.computes.Add(1)
		if c.OnCompute != nil {
			c.OnCompute(elapsed)
		}
		c.log.Debug("computed indicator set",
			zap.String("symbol", symbol),
			zap.Int("bars", key.Bars),
			zap.Float64("last_close", key.LastClose),
			zap.Duration("took", elapsed))
		return set, nil
	})

	c.misses.Add(1)
	if c.OnMiss != nil {
		c.OnMiss()
	}
	return v.(*Set), nil
}

// View is a strategy's slice of a Set: shared indicators plus the
// strategy's own, and the latest value of each.
type View struct {
	set      *Set
	names    []string
	allowed  map[string]struct{}
	Snapshot Snapshot
}

// Names returns the indicator names in this view.
func (v *View) Names() []string { return append([]string(nil), v.names...) }

// Key returns the key of the underlying set.
func (v *View) Key() Key { return v.set.Key() }

// Series returns a copy of the named series if it belongs to the view.
func (v *View) Series(name string) ([]float64, bool) {
	if _, ok := v.allowed[name]; !ok {
		return nil, false
	}
	return v.set.Series(name)
}

// At returns the value at index i if the name belongs to the view.
func (v *View) At(name string, i int) (float64, bool) {
	if _, ok := v.allowed[name]; !ok {
		return 0, false
	}
	return v.set.At(name, i)
}

// Len returns the series length.
func (v *View) Len() int { return v.set.Len() }

// GetForStrategy returns the view for strategyID. Unknown ids are a
// programming error and return an error without touching the cache.
func (c *Cache) GetForStrategy(symbol string, bars []model.Bar, strategyID string) (*View, error) {
	names, err := c.subsetNames(strategyID)
	if err != nil {
		return nil, err
	}
	set, err := c.Get(symbol, bars)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]struct{}, len(names))
	for _, n := range names {
		allowed[n] = struct{}{}
	}
	return &View{
		set:      set,
		names:    names,
		allowed:  allowed,
		Snapshot: set.Snapshot(names...),
	}, nil
}

// RegisterSubset adds or replaces the specialized indicators for a
// strategy id. Every name must be one Compute produces.
func (c *Cache) RegisterSubset(strategyID string, names ...string) error {
	known := make(map[string]struct{})
	for _, n := range AllNames() {
		known[n] = struct{}{}
	}
	for _, n := range names {
		if _, ok := known[n]; !ok {
			return fmt.Errorf("register subset %q: unknown indicator %q", strategyID, n)
		}
	}
	c.subMu.Lock()
	c.subsets[strategyID] = append([]string(nil), names...)
	c.subMu.Unlock()
	return nil
}

func (c *Cache) subsetNames(strategyID string) ([]string, error) {
	c.subMu.RLock()
	own, ok := c.subsets[strategyID]
	c.subMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("indicator subset for strategy %q not registered", strategyID)
	}
	seen := make(map[string]struct{}, len(SharedNames)+len(own))
	names := make([]string, 0, len(SharedNames)+len(own))
	for _, n := range append(append([]string(nil), SharedNames...), own...) {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Clear evicts one symbol's entries, or everything when symbol is "".
func (c *Cache) Clear(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if symbol == "" {
		n := len(c.shards)
		c.shards = make(map[string]*shard, 64)
		c.log.Info("cleared indicator cache", zap.Int("symbols", n))
		return
	}
	delete(c.shards, symbol)
	c.log.Info("cleared indicator cache", zap.String("symbol", symbol))
}

// Stats returns current counters.
func (c *Cache) Stats() CacheStats {
	entries := 0
	c.mu.RLock()
	for _, sh := range c.shards {
		sh.mu.Lock()
		entries += len(sh.entries)
		sh.mu.Unlock()
	}
	c.mu.RUnlock()
	return CacheStats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Computations: c.computes.Load(),
		Insufficient: c.insufficient.Load(),
		Entries:      entries,
	}
}

func (c *Cache) hit() {
	c.hits.Add(1)
	if c.OnHit != nil {
		c.OnHit()
	}
}

func (c *Cache) lookup(key Key) *Set {
	c.mu.RLock()
	sh := c.shards[key.Symbol]
	c.mu.RUnlock()
	if sh == nil {
		return nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.entries[key]
}

func (c *Cache) store(set *Set) {
	key := set.Key()
	c.mu.Lock()
	sh := c.shards[key.Symbol]
	if sh == nil {
		sh = &shard{entries: make(map[Key]*Set, c.maxPerSy)}
		c.shards[key.Symbol] = sh
	}
	c.mu.Unlock()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.entries[key]; exists {
		return
	}
	sh.entries[key] = set
	sh.order = append(sh.order, key)
	for len(sh.order) > c.maxPerSy {
		delete(sh.entries, sh.order[0])
		sh.order = sh.order[1:]
	}
}
