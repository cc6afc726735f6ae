// Package scanner runs the signal pipeline on a fixed interval: for each
// watched symbol it loads bars, evaluates every strategy, aggregates the
// votes and hands executable decisions to the sink.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradesignals/internal/aggregator"
	"tradesignals/internal/logger"
	"tradesignals/internal/markethours"
	"tradesignals/internal/model"
	"tradesignals/internal/notification"
	"tradesignals/internal/strategy"
)

// Config controls what is scanned and how often.
type Config struct {
	Symbols         []string        `mapstructure:"symbols"`
	Timeframe       model.Timeframe `mapstructure:"timeframe"`
	BarCount        int             `mapstructure:"bar_count"`
	ScanInterval    time.Duration   `mapstructure:"scan_interval"`
	MaxParallel     int             `mapstructure:"max_parallel"`
	MarketHoursOnly bool            `mapstructure:"market_hours_only"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Symbols:         []string{"AAPL", "MSFT", "NVDA", "AMZN", "GOOGL", "META", "TSLA", "SPY", "QQQ"},
		Timeframe:       model.TF5m,
		BarCount:        120,
		ScanInterval:    30 * time.Second,
		MaxParallel:     8,
		MarketHoursOnly: true,
	}
}

// Validate returns the first invalid setting.
func (c Config) Validate() error {
	switch {
	case len(c.Symbols) == 0:
		return fmt.Errorf("scanner: no symbols")
	case !c.Timeframe.Valid():
		return fmt.Errorf("scanner: invalid timeframe %q", c.Timeframe)
	case c.BarCount < 1:
		return fmt.Errorf("scanner: bar_count must be >= 1")
	case c.ScanInterval <= 0:
		return fmt.Errorf("scanner: scan_interval must be > 0")
	case c.MaxParallel < 1:
		return fmt.Errorf("scanner: max_parallel must be >= 1")
	}
	return nil
}

// DecisionRecorder journals aggregator output. Satisfied by the SQLite
// journal.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, aggregator string, d model.ExecutionDecision) error
}

// Outcome labels for decision accounting.
const (
	OutcomeExecute  = "execute"
	OutcomeHold     = "hold"
	OutcomeNoSignal = "no_signal"
)

// Result summarizes one scan cycle.
type Result struct {
	TraceID  string
	Scanned  int
	Signals  int
	Executed int
	Errors   int
	Skipped  bool // market closed
}

// Scanner drives the pipeline. The primary aggregator's decisions are acted
// on; the optional shadow aggregator is evaluated on the same signals and
// only compared.
type Scanner struct {
	cfg     Config
	src     model.BarSource
	engine  *strategy.Engine
	primary *aggregator.Aggregator
	shadow  *aggregator.Aggregator
	sink    model.ExecutionSink
	journal DecisionRecorder
	notify  notification.Notifier
	log     *zap.Logger

	now    func() time.Time
	isOpen func(time.Time) bool

	// Optional metrics hooks
	OnDecision       func(aggregator, outcome string)
	OnShadowMismatch func()
	OnCooldownSkip   func()
	OnError          func(stage string)
	OnCycle          func(r Result, took time.Duration)
	OnMarketState    func(open bool)
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithShadow evaluates a second, independent aggregator on every cycle.
func WithShadow(a *aggregator.Aggregator) Option { return func(s *Scanner) { s.shadow = a } }

// WithJournal records every decision that had at least one vote.
func WithJournal(j DecisionRecorder) Option { return func(s *Scanner) { s.journal = j } }

// WithNotifier alerts on executed decisions and shadow mismatches.
func WithNotifier(n notification.Notifier) Option { return func(s *Scanner) { s.notify = n } }

// WithClock overrides time.Now and the market-hours check.
func WithClock(now func() time.Time, isOpen func(time.Time) bool) Option {
	return func(s *Scanner) {
		s.now = now
		if isOpen != nil {
			s.isOpen = isOpen
		}
	}
}

// New validates cfg and wires a Scanner.
func New(cfg Config, src model.BarSource, engine *strategy.Engine, primary *aggregator.Aggregator,
	sink model.ExecutionSink, log *zap.Logger, opts ...Option) (*Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil || engine == nil || primary == nil || sink == nil {
		return nil, fmt.Errorf("scanner: bar source, engine, aggregator and sink are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scanner{
		cfg:     cfg,
		src:     src,
		engine:  engine,
		primary: primary,
		sink:    sink,
		log:     log.Named("scanner"),
		now:     time.Now,
		isOpen:  markethours.IsMarketOpen,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Run scans immediately and then every ScanInterval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	s.log.Info("scanner started",
		zap.Strings("symbols", s.cfg.Symbols),
		zap.String("tf", string(s.cfg.Timeframe)),
		zap.Duration("interval", s.cfg.ScanInterval))

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		s.Cycle(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("scanner stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle runs one scan over every symbol. Symbols are evaluated concurrently,
// at most MaxParallel at a time. A cancelled context stops new symbols from
// starting but never interrupts one in progress.
func (s *Scanner) Cycle(ctx context.Context) Result {
	start := s.now()
	traceID := logger.GenerateTraceID("scan", start)
	ctx = logger.WithTraceID(ctx, traceID)
	log := logger.For(ctx, s.log)
	res := Result{TraceID: traceID}

	open := s.isOpen(start)
	if s.OnMarketState != nil {
		s.OnMarketState(open)
	}
	if s.cfg.MarketHoursOnly && !open {
		res.Skipped = true
		log.Debug("market closed, skipping cycle", zap.String("status", markethours.StatusString(start)))
		return res
	}

	var scanned, signals, executed, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxParallel)
	for _, symbol := range s.cfg.Symbols {
		if ctx.Err() != nil {
			break
		}
		symbol := symbol
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			scanned.Add(1)
			n, exec, err := s.scanSymbol(ctx, symbol, start)
			signals.Add(int64(n))
			if exec {
				executed.Add(1)
			}
			if err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Scanned = int(scanned.Load())
	res.Signals = int(signals.Load())
	res.Executed = int(executed.Load())
	res.Errors = int(failed.Load())
	took := s.now().Sub(start)
	if s.OnCycle != nil {
		s.OnCycle(res, took)
	}
	log.Info("scan cycle complete",
		zap.Int("scanned", res.Scanned),
		zap.Int("signals", res.Signals),
		zap.Int("executed", res.Executed),
		zap.Int("errors", res.Errors),
		zap.Duration("took", took))
	return res
}

func (s *Scanner) fail(stage string) {
	if s.OnError != nil {
		s.OnError(stage)
	}
}

// scanSymbol returns the number of signals produced and whether a decision
// was handed to the sink successfully.
func (s *Scanner) scanSymbol(ctx context.Context, symbol string, now time.Time) (int, bool, error) {
	log := logger.For(ctx, s.log).With(zap.String("symbol", symbol))

	if rem := s.primary.CooldownRemaining(symbol, now); rem > 0 && s.shadow == nil {
		if s.OnCooldownSkip != nil {
			s.OnCooldownSkip()
		}
		log.Debug("in cooldown", zap.Duration("remaining", rem))
		return 0, false, nil
	}

	bars, err := s.src.GetBars(ctx, symbol, s.cfg.Timeframe, s.cfg.BarCount)
	if err != nil {
		if errors.Is(err, model.ErrNoBars) {
			log.Debug("not enough bars", zap.Error(err))
		} else {
			log.Warn("bar source failed", zap.Error(err))
		}
		s.fail("bars")
		return 0, false, err
	}

	sigs, err := s.engine.Evaluate(ctx, symbol, bars)
	if err != nil {
		log.Error("strategy evaluation failed", zap.Error(err))
		s.fail("strategy")
		return 0, false, err
	}

	d := s.primary.Aggregate(symbol, sigs, now)
	s.observe(s.primary.Name(), d)
	if len(sigs) > 0 {
		s.record(ctx, s.primary.Name(), d)
	}

	if s.shadow != nil {
		sd := s.shadow.Aggregate(symbol, sigs, now)
		s.observe(s.shadow.Name(), sd)
		if len(sigs) > 0 {
			s.record(ctx, s.shadow.Name(), sd)
		}
		if sd.Execute {
			s.shadow.RecordSignal(symbol, now)
		}
		if mismatch, why := aggregator.Compare(d, sd); mismatch {
			if s.OnShadowMismatch != nil {
				s.OnShadowMismatch()
			}
			log.Warn("shadow aggregator disagrees", zap.String("reason", why))
			s.alert(ctx, notification.ShadowAlert(d, sd, why))
		}
	}

	if !d.Execute {
		return len(sigs), false, nil
	}

	if err := s.sink.Emit(ctx, *d.Primary, d); err != nil {
		log.Error("sink rejected decision", zap.Error(err))
		s.fail("sink")
		return len(sigs), false, err
	}
	s.primary.RecordSignal(symbol, now)
	log.Info("decision executed",
		zap.String("direction", string(d.Direction)),
		zap.Float64("confidence", float64(d.Confidence)),
		zap.Strings("voters", d.Voters))
	s.alert(ctx, notification.DecisionAlert(d))
	return len(sigs), true, nil
}

func (s *Scanner) observe(name string, d model.ExecutionDecision) {
	if s.OnDecision == nil {
		return
	}
	outcome := OutcomeHold
	switch {
	case d.Execute:
		outcome = OutcomeExecute
	case d.Direction == "" && len(d.Dissent) == 0:
		outcome = OutcomeNoSignal
	}
	s.OnDecision(name, outcome)
}

func (s *Scanner) record(ctx context.Context, name string, d model.ExecutionDecision) {
	if s.journal == nil {
		return
	}
	if err := s.journal.RecordDecision(ctx, name, d); err != nil {
		s.log.Warn("journal decision failed", zap.String("symbol", d.Symbol), zap.Error(err))
		s.fail("journal")
	}
}

func (s *Scanner) alert(ctx context.Context, a notification.Alert) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Send(ctx, a); err != nil {
		s.log.Warn("notification failed", zap.String("title", a.Title), zap.Error(err))
	}
}
