// Package aggregator combines per-strategy signals into one execution
// decision per symbol.
//
// Each direction is scored as the sum of weight·confidence over the
// strategies that voted for it. The higher score wins; equal scores never
// execute. The reported confidence is the winning score normalized by the
// winning weight, scaled by how much of the voting weight agreed.
package aggregator

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"tradesignals/internal/model"
	"tradesignals/internal/strategy"
)

// Config tunes one aggregator instance.
type Config struct {
	Weights         map[string]float64 `mapstructure:"weights"`
	MinConfidence   float64            `mapstructure:"min_confidence"`
	Cooldown        time.Duration      `mapstructure:"cooldown"`
	FailureCooldown time.Duration      `mapstructure:"failure_cooldown"`
}

// DefaultConfig returns the production weights and gates.
func DefaultConfig() Config {
	return Config{
		Weights: map[string]float64{
			string(strategy.Momentum):      0.40,
			string(strategy.MeanReversion): 0.35,
			string(strategy.VWAPBounce):    0.25,
		},
		MinConfidence:   0.75,
		Cooldown:        5 * time.Minute,
		FailureCooldown: 15 * time.Minute,
	}
}

const weightTolerance = 1e-6

// Validate checks that weights are non-negative and sum to 1.
func (c Config) Validate() error {
	if len(c.Weights) == 0 {
		return fmt.Errorf("aggregator: no weights configured")
	}
	sum := 0.0
	for id, w := range c.Weights {
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("aggregator: weight for %s is %v", id, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("aggregator: weights sum to %.6f, want 1", sum)
	}
	if c.MinConfidence <= 0 || c.MinConfidence >= 1 {
		return fmt.Errorf("aggregator: min_confidence must be in (0,1), got %.2f", c.MinConfidence)
	}
	if c.Cooldown < 0 || c.FailureCooldown < 0 {
		return fmt.Errorf("aggregator: cooldowns must not be negative")
	}
	return nil
}

// Aggregator turns a cycle's signals into an ExecutionDecision. The only
// state it keeps is per-symbol cooldown.
type Aggregator struct {
	name    string
	cfg     Config
	weights map[strategy.ID]float64
	log     *zap.Logger
	cd      *cooldowns
}

// New validates cfg and builds a named aggregator.
func New(name string, cfg Config, log *zap.Logger) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := make(map[strategy.ID]float64, len(cfg.Weights))
	for id, v := range cfg.Weights {
		w[strategy.ID(strings.ToLower(id))] = v
	}
	return &Aggregator{
		name:    name,
		cfg:     cfg,
		weights: w,
		log:     log.Named("aggregator").With(zap.String("instance", name)),
		cd:      newCooldowns(cfg.Cooldown, cfg.FailureCooldown),
	}, nil
}

// Name returns the instance name.
func (a *Aggregator) Name() string { return a.name }

type side struct {
	score  float64
	weight float64
	ids    []string
	best   *model.Signal
	bestW  float64
}

func (s *side) add(id strategy.ID, w float64, sig *model.Signal) {
	contrib := w * float64(sig.Confidence)
	s.score += contrib
	s.weight += w
	s.ids = append(s.ids, string(id))
	if s.best == nil || contrib > s.bestW || (contrib == s.bestW && sig.Strategy < s.best.Strategy) {
		s.best, s.bestW = sig, contrib
	}
}

// Aggregate decides for symbol. It does not record cooldowns; callers do
// that once the decision has been acted on.
func (a *Aggregator) Aggregate(symbol string, signals map[strategy.ID]*model.Signal, now time.Time) model.ExecutionDecision {
	d := model.ExecutionDecision{Symbol: symbol, DecidedAt: now.UTC()}

	var buy, sell side
	for id, sig := range signals {
		if sig == nil {
			continue
		}
		w, ok := a.weights[id]
		if !ok || w == 0 {
			a.log.Debug("ignoring unweighted strategy", zap.String("strategy", string(id)))
			continue
		}
		switch sig.Direction {
		case model.Buy:
			buy.add(id, w, sig)
		case model.Sell:
			sell.add(id, w, sig)
		}
	}

	if buy.weight == 0 && sell.weight == 0 {
		d.Reason = "no signals"
		return d
	}

	var win, lose *side
	switch {
	case buy.score > sell.score:
		d.Direction, win, lose = model.Buy, &buy, &sell
	case sell.score > buy.score:
		d.Direction, win, lose = model.Sell, &sell, &buy
	default:
		d.Reason = "conflict: directions tied"
		d.Dissent = sorted(append(append([]string(nil), buy.ids...), sell.ids...))
		return d
	}

	agreement := win.weight / (win.weight + lose.weight)
	d.Confidence = model.ClampScore(win.score/win.weight*agreement, 1)
	d.Primary = win.best
	d.Voters = sorted(win.ids)
	d.Dissent = sorted(lose.ids)

	switch {
	case float64(d.Confidence) <= a.cfg.MinConfidence:
		d.Reason = fmt.Sprintf("confidence %.3f not above %.2f", float64(d.Confidence), a.cfg.MinConfidence)
	case a.cd.active(symbol, now):
		d.Reason = fmt.Sprintf("cooldown %s remaining", a.cd.remaining(symbol, now).Round(time.Second))
	default:
		d.Execute = true
		d.Reason = "threshold met"
	}

	a.log.Debug("decision",
		zap.String("symbol", symbol),
		zap.String("direction", string(d.Direction)),
		zap.Float64("confidence", float64(d.Confidence)),
		zap.Bool("execute", d.Execute),
		zap.Strings("dissent", d.Dissent),
		zap.String("reason", d.Reason))
	return d
}

// RecordSignal starts the normal cooldown for symbol.
func (a *Aggregator) RecordSignal(symbol string, now time.Time) { a.cd.signal(symbol, now) }

// RecordFailure starts the longer post-failure cooldown for symbol.
func (a *Aggregator) RecordFailure(symbol string, now time.Time) { a.cd.recordFailure(symbol, now) }

// CooldownRemaining reports how long symbol stays blocked.
func (a *Aggregator) CooldownRemaining(symbol string, now time.Time) time.Duration {
	return a.cd.remaining(symbol, now)
}

func sorted(ids []string) []string {
	sort.Strings(ids)
	return ids
}

// Compare reports whether a shadow decision disagrees with the primary one
// on whether or which way to trade.
func Compare(primary, shadow model.ExecutionDecision) (bool, string) {
	switch {
	case primary.Execute != shadow.Execute:
		return true, fmt.Sprintf("execute %t vs %t", primary.Execute, shadow.Execute)
	case primary.Execute && primary.Direction != shadow.Direction:
		return true, fmt.Sprintf("direction %s vs %s", primary.Direction, shadow.Direction)
	}
	return false, ""
}
