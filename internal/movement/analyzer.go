package movement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tradesignals/internal/model"
)

var (
	ErrInvalidEntry     = errors.New("movement: entry price must be positive")
	ErrInvalidDirection = errors.New("movement: unknown direction")
)

// Levels are absolute stop and target prices for one entry.
type Levels struct {
	Entry           float64 `json:"entry"`
	StopLoss        float64 `json:"stop_loss"`
	ProfitTarget    float64 `json:"profit_target"`
	StopPct         float64 `json:"stop_pct"`
	ProfitPct       float64 `json:"profit_pct"`
	TrailingStopPct float64 `json:"trailing_stop_pct"`
	Fallback        bool    `json:"fallback"`
}

// Analyzer caches one Profile per (symbol, timeframe). Profiles expire after
// RefreshInterval; fallback profiles after FallbackRefresh so real history
// replaces them as soon as enough bars exist.
type Analyzer struct {
	cfg Config
	src model.BarSource
	log *zap.Logger
	now func() time.Time

	mu       sync.RWMutex
	profiles map[string]Profile
	group    singleflight.Group

	// Optional metrics hook
	OnRefresh func(symbol string, tf model.Timeframe, fallback bool)
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithClock sets the time source used for profile freshness. Replays pass
// bar time so profiles age with the data.
func WithClock(now func() time.Time) Option { return func(a *Analyzer) { a.now = now } }

// NewAnalyzer builds an analyzer. src may be nil when profiles are only fed
// through LevelsFor history.
func NewAnalyzer(cfg Config, src model.BarSource, log *zap.Logger, opts ...Option) *Analyzer {
	if log == nil {
		log = zap.NewNop()
	}
	a := &Analyzer{
		cfg:      cfg.normalized(),
		src:      src,
		log:      log.Named("movement"),
		now:      time.Now,
		profiles: make(map[string]Profile),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func profileKey(symbol string, tf model.Timeframe) string {
	return strings.ToUpper(symbol) + "|" + string(tf)
}

func (a *Analyzer) fresh(p Profile) bool {
	ttl := a.cfg.RefreshInterval
	if p.Fallback && a.cfg.FallbackRefresh > 0 {
		ttl = a.cfg.FallbackRefresh
	}
	return a.now().Sub(p.ComputedAt) < ttl
}

func (a *Analyzer) cached(symbol string, tf model.Timeframe) (Profile, bool) {
	a.mu.RLock()
	p, ok := a.profiles[profileKey(symbol, tf)]
	a.mu.RUnlock()
	if !ok || !a.fresh(p) {
		return Profile{}, false
	}
	return p, true
}

func (a *Analyzer) put(p Profile) {
	a.mu.Lock()
	a.profiles[profileKey(p.Symbol, p.Timeframe)] = p
	a.mu.Unlock()
	if a.OnRefresh != nil {
		a.OnRefresh(p.Symbol, p.Timeframe, p.Fallback)
	}
	a.log.Debug("movement profile updated",
		zap.String("symbol", p.Symbol),
		zap.String("timeframe", string(p.Timeframe)),
		zap.Int("samples", p.Samples),
		zap.Int("discarded", p.Discarded),
		zap.Float64("p75", p.P75),
		zap.Float64("stop_pct", p.SuggestedStopPct),
		zap.Bool("fallback", p.Fallback))
}

// Profile returns the cached profile, recomputing from history when the
// cached one is missing or stale. Empty history yields a fallback profile.
func (a *Analyzer) Profile(symbol string, tf model.Timeframe, history []model.Bar) Profile {
	if p, ok := a.cached(symbol, tf); ok {
		return p
	}
	v, _, _ := a.group.Do(profileKey(symbol, tf), func() (interface{}, error) {
		if p, ok := a.cached(symbol, tf); ok {
			return p, nil
		}
		p := a.cfg.ComputeProfile(symbol, tf, history, a.now())
		a.put(p)
		return p, nil
	})
	return v.(Profile)
}

// Refresh reloads the profile from the bar source, bypassing the cache.
// Source errors degrade to a fallback profile and are returned alongside it.
func (a *Analyzer) Refresh(ctx context.Context, symbol string, tf model.Timeframe) (Profile, error) {
	v, err, _ := a.group.Do("refresh|"+profileKey(symbol, tf), func() (interface{}, error) {
		var bars []model.Bar
		var srcErr error
		if a.src != nil {
			bars, srcErr = a.history(ctx, symbol, tf)
		}
		p := a.cfg.ComputeProfile(symbol, tf, bars, a.now())
		a.put(p)
		if srcErr != nil {
			a.log.Warn("movement refresh fell back",
				zap.String("symbol", symbol),
				zap.String("timeframe", string(tf)),
				zap.Error(srcErr))
			return p, fmt.Errorf("refresh %s %s: %w", symbol, tf, srcErr)
		}
		return p, nil
	})
	return v.(Profile), err
}

// history asks for the full lookback window. Sources never return partial
// sequences, so a short history is retried with halving counts down to the
// minimum that can still yield MinSamples moves.
func (a *Analyzer) history(ctx context.Context, symbol string, tf model.Timeframe) ([]model.Bar, error) {
	floor := a.cfg.MinSamples + 1
	n := max(a.cfg.LookbackBars, a.cfg.MinSamples) + 1
	for {
		bars, err := a.src.GetBars(ctx, symbol, tf, n)
		if err == nil || !errors.Is(err, model.ErrNoBars) || n <= floor {
			return bars, err
		}
		n = max(n/2, floor)
	}
}

// RunRefresh reloads the profiles of symbols at tf now and then every
// interval until ctx is cancelled. A failed reload drops the cached
// fallback so the next LevelsFor call can seed from scan history.
func (a *Analyzer) RunRefresh(ctx context.Context, symbols []string, tf model.Timeframe, interval time.Duration) {
	if interval <= 0 {
		interval = a.cfg.RefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, sym := range symbols {
			if ctx.Err() != nil {
				return
			}
			if _, err := a.Refresh(ctx, sym, tf); err != nil {
				a.Invalidate(sym)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Invalidate drops every cached profile for symbol.
func (a *Analyzer) Invalidate(symbol string) {
	prefix := strings.ToUpper(symbol) + "|"
	a.mu.Lock()
	for k := range a.profiles {
		if strings.HasPrefix(k, prefix) {
			delete(a.profiles, k)
		}
	}
	a.mu.Unlock()
}

// LevelsFor turns the (symbol, timeframe) profile into stop and target
// prices. history seeds the profile when none is cached and may be nil.
func (a *Analyzer) LevelsFor(symbol string, tf model.Timeframe, entry float64, dir model.Direction, history []model.Bar) (Levels, error) {
	if !(entry > 0) {
		return Levels{}, fmt.Errorf("%s entry %v: %w", symbol, entry, ErrInvalidEntry)
	}
	if dir != model.Buy && dir != model.Sell {
		return Levels{}, fmt.Errorf("%s direction %q: %w", symbol, dir, ErrInvalidDirection)
	}
	p := a.Profile(symbol, tf, history)
	return a.cfg.levels(p, entry, dir), nil
}

// levels rounds stop and target away from entry on the tick grid, so they
// stay strictly on the protective and profitable side.
func (c Config) levels(p Profile, entry float64, dir model.Direction) Levels {
	e := decimal.NewFromFloat(entry)
	tick := decimal.NewFromFloat(c.TickSize)
	hundred := decimal.NewFromInt(100)
	stopFrac := decimal.NewFromFloat(p.SuggestedStopPct).Div(hundred)
	profitFrac := decimal.NewFromFloat(p.SuggestedProfitPct).Div(hundred)

	one := decimal.NewFromInt(1)
	var stop, target decimal.Decimal
	if dir == model.Buy {
		stop = e.Mul(one.Sub(stopFrac)).Div(tick).Floor().Mul(tick)
		target = e.Mul(one.Add(profitFrac)).Div(tick).Ceil().Mul(tick)
	} else {
		stop = e.Mul(one.Add(stopFrac)).Div(tick).Ceil().Mul(tick)
		target = e.Mul(one.Sub(profitFrac)).Div(tick).Floor().Mul(tick)
	}

	return Levels{
		Entry:           entry,
		StopLoss:        stop.InexactFloat64(),
		ProfitTarget:    target.InexactFloat64(),
		StopPct:         p.SuggestedStopPct,
		ProfitPct:       p.SuggestedProfitPct,
		TrailingStopPct: p.TrailingStopPct,
		Fallback:        p.Fallback,
	}
}
