package model

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ── Port Interfaces ──
// These interfaces decouple the signal core from concrete collaborators
// (SQLite, Redis, paper broker). Each adapter satisfies one or more of them.

// BarSource supplies ordered bars for a symbol and timeframe.
type BarSource interface {
	// GetBars returns at least minCount bars in ascending timestamp order,
	// or an error wrapping ErrNoBars. Never a partial or unsorted sequence.
	GetBars(ctx context.Context, symbol string, tf Timeframe, minCount int) ([]Bar, error)
}

// ExecutionSink receives recommendations. The core makes no assumption about
// fills, partial fills or rejection.
type ExecutionSink interface {
	Emit(ctx context.Context, sig Signal, decision ExecutionDecision) error
}

// SinkFunc adapts a function to ExecutionSink.
type SinkFunc func(ctx context.Context, sig Signal, decision ExecutionDecision) error

func (f SinkFunc) Emit(ctx context.Context, sig Signal, decision ExecutionDecision) error {
	return f(ctx, sig, decision)
}

// MultiSink emits to every sink in order and returns the first error.
type MultiSink []ExecutionSink

func (m MultiSink) Emit(ctx context.Context, sig Signal, decision ExecutionDecision) error {
	var first error
	for _, s := range m {
		if err := s.Emit(ctx, sig, decision); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// StaticBarSource is an in-memory BarSource keyed by symbol and timeframe.
// Used by tests and by the backtest, which advances it bar by bar.
type StaticBarSource struct {
	mu   sync.RWMutex
	bars map[string][]Bar
}

// NewStaticBarSource creates an empty in-memory source.
func NewStaticBarSource() *StaticBarSource {
	return &StaticBarSource{bars: make(map[string][]Bar)}
}

func staticKey(symbol string, tf Timeframe) string { return string(tf) + ":" + symbol }

// Set replaces the bars for symbol/tf. The slice is copied and sorted.
func (s *StaticBarSource) Set(symbol string, tf Timeframe, bars []Bar) {
	cp := make([]Bar, len(bars))
	copy(cp, bars)
	sort.Slice(cp, func(i, j int) bool { return cp[i].TS.Before(cp[j].TS) })
	s.mu.Lock()
	s.bars[staticKey(symbol, tf)] = cp
	s.mu.Unlock()
}

// Append adds one bar to the end of symbol/tf.
func (s *StaticBarSource) Append(tf Timeframe, b Bar) {
	s.mu.Lock()
	k := staticKey(b.Symbol, tf)
	s.bars[k] = append(s.bars[k], b)
	s.mu.Unlock()
}

// GetBars returns the most recent bars, at least minCount of them.
func (s *StaticBarSource) GetBars(_ context.Context, symbol string, tf Timeframe, minCount int) ([]Bar, error) {
	s.mu.RLock()
	src := s.bars[staticKey(symbol, tf)]
	s.mu.RUnlock()
	if len(src) == 0 || len(src) < minCount {
		return nil, fmt.Errorf("%s %s: have %d bars, need %d: %w", symbol, tf, len(src), minCount, ErrNoBars)
	}
	out := make([]Bar, len(src))
	copy(out, src)
	return out, nil
}
