package strategy

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tradesignals/internal/indicator"
	"tradesignals/internal/model"
)

// frame is what conditions see: the strategy's indicator view at the last
// bar, plus the bar itself.
type frame struct {
	view *indicator.View
	bar  model.Bar
}

func (f frame) cur(name string) (float64, bool) { return f.view.Snapshot.Get(name) }

func (f frame) prev(name string) (float64, bool) { return f.view.At(name, f.view.Len()-2) }

// all fetches several latest values; ok is false if any is unavailable.
func (f frame) all(names ...string) ([]float64, bool) {
	out := make([]float64, len(names))
	for i, n := range names {
		v, ok := f.cur(n)
		if !ok {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// Condition is one named check. ok=false means its inputs are unavailable
// and the condition is left out of the count entirely.
type Condition struct {
	Name string
	Eval func(f frame) (met, ok bool)
}

// cmp builds a condition comparing two series at the last bar.
func cmp(name, a string, op func(x, y float64) bool, b string) Condition {
	return Condition{Name: name, Eval: func(f frame) (bool, bool) {
		v, ok := f.all(a, b)
		if !ok {
			return false, false
		}
		return op(v[0], v[1]), true
	}}
}

// threshold builds a condition comparing one series to a constant.
func threshold(name, a string, op func(x, y float64) bool, k float64) Condition {
	return Condition{Name: name, Eval: func(f frame) (bool, bool) {
		v, ok := f.cur(a)
		if !ok {
			return false, false
		}
		return op(v, k), true
	}}
}

// between is an open-interval check on one series.
func between(name, a string, lo, hi float64) Condition {
	return Condition{Name: name, Eval: func(f frame) (bool, bool) {
		v, ok := f.cur(a)
		if !ok {
			return false, false
		}
		return v > lo && v < hi, true
	}}
}

func gt(x, y float64) bool { return x > y }
func lt(x, y float64) bool { return x < y }
func ge(x, y float64) bool { return x >= y }
func le(x, y float64) bool { return x <= y }

type tally struct {
	met       int
	evaluated int
	names     []string
}

func (t tally) frac() float64 {
	if t.evaluated == 0 {
		return 0
	}
	return float64(t.met) / float64(t.evaluated)
}

func evaluate(conds []Condition, f frame) tally {
	var t tally
	for _, c := range conds {
		met, ok := c.Eval(f)
		if !ok {
			continue
		}
		t.evaluated++
		if met {
			t.met++
			t.names = append(t.names, c.Name)
		}
	}
	return t
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// evaluator is the pipeline shared by every built-in strategy.
type evaluator struct {
	id      ID
	params  Params
	maxConf float64
	tf      model.Timeframe
	cache   *indicator.Cache
	levels  Leveler
	log     *zap.Logger
	now     func() time.Time

	buy, sell []Condition

	// fracWeight weighs the satisfied fraction; the rest goes to strength.
	fracWeight float64
	strength   func(f frame, dir model.Direction) float64
}

func newEvaluator(id ID, p Params, cfg Config, cache *indicator.Cache, levels Leveler, log *zap.Logger) evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	return evaluator{
		id:      id,
		params:  p,
		maxConf: cfg.MaxConfidence,
		tf:      cfg.Timeframe,
		cache:   cache,
		levels:  levels,
		log:     log.Named(string(id)),
		now:     time.Now,
	}
}

func (e *evaluator) ID() ID       { return e.id }
func (e *evaluator) MinBars() int { return e.params.MinBars }

// confidence combines the satisfied fraction and the strength reading.
func (e *evaluator) confidence(t tally, f frame, dir model.Direction) model.Score {
	s := clamp01(e.strength(f, dir))
	return model.ClampScore(e.fracWeight*t.frac()+(1-e.fracWeight)*s, e.maxConf)
}

func (e *evaluator) GenerateSignal(symbol string, bars []model.Bar) (*model.Signal, error) {
	if len(bars) < e.params.MinBars {
		e.log.Debug("not enough bars", zap.String("symbol", symbol),
			zap.Int("bars", len(bars)), zap.Int("need", e.params.MinBars))
		return nil, nil
	}
	view, err := e.cache.GetForStrategy(symbol, bars, string(e.id))
	if errors.Is(err, indicator.ErrInsufficientData) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	f := frame{view: view, bar: bars[len(bars)-1]}
	buy, sell := evaluate(e.buy, f), evaluate(e.sell, f)

	var dir model.Direction
	var t tally
	switch {
	case buy.met > sell.met:
		dir, t = model.Buy, buy
	case sell.met > buy.met:
		dir, t = model.Sell, sell
	default:
		return nil, nil
	}
	if t.met < e.params.MinConditions {
		return nil, nil
	}

	conf := e.confidence(t, f, dir)
	if float64(conf) < e.params.MinConfidence {
		e.log.Debug("below confidence threshold", zap.String("symbol", symbol),
			zap.String("direction", string(dir)), zap.Float64("confidence", float64(conf)))
		return nil, nil
	}

	entry := f.bar.Close
	lv, err := e.levels.LevelsFor(symbol, e.tf, entry, dir, bars)
	if err != nil {
		e.log.Warn("levels unavailable", zap.String("symbol", symbol), zap.Error(err))
		return nil, nil
	}

	sig := &model.Signal{
		ID:              model.NewSignalID(),
		Symbol:          symbol,
		Direction:       dir,
		Strategy:        string(e.id),
		Confidence:      conf,
		Entry:           entry,
		StopLoss:        lv.StopLoss,
		ProfitTarget:    lv.ProfitTarget,
		TrailingStopPct: lv.TrailingStopPct,
		Timeframe:       e.tf,
		FallbackLevels:  lv.Fallback,
		CreatedAt:       e.now().UTC(),
		Metadata: map[string]string{
			"conditions": strconv.Itoa(t.met) + "/" + strconv.Itoa(t.evaluated),
			"met":        strings.Join(t.names, ","),
		},
	}
	if err := sig.Validate(); err != nil {
		e.log.Warn("dropping invalid signal", zap.Error(err))
		return nil, nil
	}
	return sig, nil
}
