package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradesignals/internal/model"
	"tradesignals/internal/trailing"
)

// ErrNoPrimary rejects an executable decision that carries no signal.
var ErrNoPrimary = errors.New("execution: decision has no primary signal")

var tenThousand = decimal.NewFromInt(10000)

// Config controls position sizing and simulated slippage.
type Config struct {
	// Qty is the fixed share count when NotionalUSD is 0.
	Qty int64 `mapstructure:"qty"`
	// NotionalUSD sizes each order as floor(notional / price), minimum 1.
	NotionalUSD float64 `mapstructure:"notional_usd"`
	// SlippageBps is basis points of adverse slippage (e.g. 5 = 0.05%).
	SlippageBps  int64 `mapstructure:"slippage_bps"`
	ResultBuffer int   `mapstructure:"result_buffer"`
}

// DefaultConfig returns paper-trading defaults.
func DefaultConfig() Config {
	return Config{Qty: 100, SlippageBps: 5, ResultBuffer: 256}
}

// Validate returns the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Qty <= 0 && c.NotionalUSD <= 0:
		return fmt.Errorf("execution: qty or notional_usd must be > 0")
	case c.NotionalUSD < 0:
		return fmt.Errorf("execution: notional_usd must be >= 0")
	case c.SlippageBps < 0 || c.SlippageBps >= 10000:
		return fmt.Errorf("execution: slippage_bps must be in [0,10000)")
	case c.ResultBuffer < 0:
		return fmt.Errorf("execution: result_buffer must be >= 0")
	}
	return nil
}

// PaperExecutor simulates order execution without real broker calls.
// Useful for backtesting and paper trading.
type PaperExecutor struct {
	cfg       Config
	positions PositionOpener
	journal   FillRecorder
	failures  FailureReporter
	log       *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	fills    []model.Fill
	orderSeq int64

	resultCh chan OrderResult
}

// Option configures a PaperExecutor.
type Option func(*PaperExecutor)

// WithJournal persists every fill.
func WithJournal(j FillRecorder) Option { return func(p *PaperExecutor) { p.journal = j } }

// WithFailureReporter reports rejected executions.
func WithFailureReporter(f FailureReporter) Option { return func(p *PaperExecutor) { p.failures = f } }

// WithClock overrides time.Now, for backtests that run on bar time.
func WithClock(now func() time.Time) Option { return func(p *PaperExecutor) { p.now = now } }

// NewPaperExecutor creates a paper trading executor that opens positions on
// positions.
func NewPaperExecutor(cfg Config, positions PositionOpener, log *zap.Logger, opts ...Option) (*PaperExecutor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if positions == nil {
		return nil, fmt.Errorf("execution: nil position opener")
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &PaperExecutor{
		cfg:       cfg,
		positions: positions,
		log:       log.Named("paper"),
		now:       time.Now,
		fills:     make([]model.Fill, 0, 1000),
		resultCh:  make(chan OrderResult, cfg.ResultBuffer),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Results returns the channel of order results. Results are dropped when
// nobody drains it.
func (p *PaperExecutor) Results() <-chan OrderResult {
	return p.resultCh
}

// Fills returns a snapshot of all fills.
func (p *PaperExecutor) Fills() []model.Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]model.Fill, len(p.fills))
	copy(cp, p.fills)
	return cp
}

// Emit fills an executable decision. Held decisions are ignored.
func (p *PaperExecutor) Emit(ctx context.Context, _ model.Signal, d model.ExecutionDecision) error {
	if !d.Execute {
		return nil
	}
	if d.Primary == nil {
		p.fail(d.Symbol, model.Signal{Symbol: d.Symbol}, "", ErrNoPrimary)
		return ErrNoPrimary
	}
	return p.execute(ctx, *d.Primary)
}

func (p *PaperExecutor) execute(ctx context.Context, sig model.Signal) error {
	now := p.now()

	p.mu.Lock()
	p.orderSeq++
	orderID := fmt.Sprintf("PAPER-%d-%s", p.orderSeq, uuid.NewString()[:8])
	p.mu.Unlock()

	price, slippage := p.fillPrice(sig)
	qty := p.size(price)

	spec := trailing.PositionSpec{
		Symbol:      sig.Symbol,
		Side:        trailing.SideFor(sig.Direction),
		Qty:         qty,
		Entry:       price.InexactFloat64(),
		StopLoss:    sig.StopLoss,
		TrailingPct: sig.TrailingStopPct,
		SignalID:    sig.ID,
		OpenedAt:    now,
	}
	if err := p.positions.AddPosition(spec); err != nil {
		p.fail(sig.Symbol, sig, orderID, err)
		return fmt.Errorf("paper %s: %w", orderID, err)
	}

	fill := model.Fill{
		OrderID:  orderID,
		Signal:   sig,
		Qty:      qty,
		Price:    price,
		Slippage: slippage,
		FilledAt: now,
	}
	p.mu.Lock()
	p.fills = append(p.fills, fill)
	p.mu.Unlock()

	p.log.Info("paper fill",
		zap.String("order", orderID),
		zap.String("symbol", sig.Symbol),
		zap.String("direction", string(sig.Direction)),
		zap.String("strategy", sig.Strategy),
		zap.Int64("qty", qty),
		zap.String("price", price.String()),
		zap.String("slippage", slippage.String()))

	if p.journal != nil {
		if err := p.journal.RecordFill(ctx, fill); err != nil {
			// The position is open either way; a journal gap is logged, not undone.
			p.log.Error("journal fill failed", zap.String("order", orderID), zap.Error(err))
		}
	}

	p.result(OrderResult{
		OrderID: orderID,
		Status:  StatusFilled,
		Message: fmt.Sprintf("paper filled %d @ %s", qty, price.String()),
		Signal:  sig,
	})
	return nil
}

// fillPrice applies adverse slippage: buys fill higher, sells lower.
func (p *PaperExecutor) fillPrice(sig model.Signal) (price, slippage decimal.Decimal) {
	entry := decimal.NewFromFloat(sig.Entry)
	if p.cfg.SlippageBps == 0 {
		return entry, decimal.Zero
	}
	slippage = entry.Mul(decimal.NewFromInt(p.cfg.SlippageBps)).Div(tenThousand).Round(4)
	if sig.Direction == model.Sell {
		return entry.Sub(slippage), slippage
	}
	return entry.Add(slippage), slippage
}

func (p *PaperExecutor) size(price decimal.Decimal) int64 {
	if p.cfg.NotionalUSD <= 0 {
		return p.cfg.Qty
	}
	q := int64(math.Floor(p.cfg.NotionalUSD / price.InexactFloat64()))
	if q < 1 {
		q = 1
	}
	return q
}

func (p *PaperExecutor) fail(symbol string, sig model.Signal, orderID string, err error) {
	p.log.Warn("paper order rejected",
		zap.String("order", orderID),
		zap.String("symbol", symbol),
		zap.Error(err))
	if p.failures != nil {
		p.failures.RecordFailure(symbol, p.now())
	}
	p.result(OrderResult{OrderID: orderID, Status: StatusRejected, Message: err.Error(), Signal: sig})
}

func (p *PaperExecutor) result(r OrderResult) {
	select {
	case p.resultCh <- r:
	default:
	}
}
