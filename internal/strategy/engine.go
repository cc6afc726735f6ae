package strategy

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradesignals/internal/indicator"
	"tradesignals/internal/model"
)

// Engine manages registered strategies and evaluates them for a symbol.
type Engine struct {
	log        *zap.Logger
	strategies []Strategy

	// Optional metrics hook, called once per produced signal.
	OnSignal func(sig *model.Signal)
}

// NewEngine creates an engine with no strategies.
func NewEngine(log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{log: log.Named("strategy")}
}

// NewDefaultEngine registers every enabled built-in strategy.
func NewDefaultEngine(cfg Config, cache *indicator.Cache, levels Leveler, log *zap.Logger) (*Engine, error) {
	if cache == nil || levels == nil {
		return nil, fmt.Errorf("strategy: cache and levels are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := NewEngine(log)
	if cfg.Momentum.Enabled {
		e.Register(NewMomentum(cfg, cache, levels, log))
	}
	if cfg.MeanReversion.Enabled {
		e.Register(NewMeanReversion(cfg, cache, levels, log))
	}
	if cfg.VWAPBounce.Enabled {
		e.Register(NewVWAPBounce(cfg, cache, levels, log))
	}
	return e, nil
}

// Register adds a strategy to the engine.
func (e *Engine) Register(s Strategy) {
	e.strategies = append(e.strategies, s)
}

// Strategies returns the registered strategy ids in registration order.
func (e *Engine) Strategies() []ID {
	out := make([]ID, len(e.strategies))
	for i, s := range e.strategies {
		out[i] = s.ID()
	}
	return out
}

// Evaluate runs every strategy concurrently against bars. Strategies with
// no opinion are absent from the result. Bars that fail validation yield
// an empty result, not an error.
func (e *Engine) Evaluate(ctx context.Context, symbol string, bars []model.Bar) (map[ID]*model.Signal, error) {
	out := make(map[ID]*model.Signal, len(e.strategies))
	if err := model.ValidateBars(bars); err != nil {
		e.log.Warn("skipping invalid bars", zap.String("symbol", symbol), zap.Error(err))
		return out, nil
	}

	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	for _, s := range e.strategies {
		s := s
		g.Go(func() error {
			sig, err := s.GenerateSignal(symbol, bars)
			if err != nil {
				return fmt.Errorf("%s on %s: %w", s.ID(), symbol, err)
			}
			if sig == nil {
				return nil
			}
			mu.Lock()
			out[s.ID()] = sig
			mu.Unlock()
			if e.OnSignal != nil {
				e.OnSignal(sig)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
