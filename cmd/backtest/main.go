// cmd/backtest replays stored bars from SQLite through the live signal
// pipeline: strategies, aggregation, paper execution and trailing stops.
// Nothing is written back to the database.
//
// Usage:
//
//	go run ./cmd/backtest --from=2026-03-02 --to=2026-03-06 --symbols=AAPL,NVDA
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tradesignals/config"
	"tradesignals/internal/aggregator"
	"tradesignals/internal/execution"
	"tradesignals/internal/feed"
	"tradesignals/internal/indicator"
	"tradesignals/internal/logger"
	"tradesignals/internal/marketdata/replay"
	"tradesignals/internal/model"
	"tradesignals/internal/movement"
	"tradesignals/internal/portfolio"
	"tradesignals/internal/scanner"
	sqlitestore "tradesignals/internal/store/sqlite"
	"tradesignals/internal/strategy"
	"tradesignals/internal/trailing"
)

const dateLayout = "2006-01-02"

func main() {
	fromStr := flag.String("from", "", "First day to replay, YYYY-MM-DD or RFC3339 (default: all)")
	toStr := flag.String("to", "", "Last day to replay, YYYY-MM-DD or RFC3339 (default: all)")
	symbolsStr := flag.String("symbols", "", "Comma-separated symbols (default: scanner.symbols)")
	speed := flag.Float64("speed", 0, "Playback speed multiplier (0=max, 1=realtime, 100=100x)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "backtest: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.Init("backtest", logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "backtest: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	from, err := parseTime(*fromStr, false)
	if err != nil {
		log.Fatal("bad --from", zap.Error(err))
	}
	to, err := parseTime(*toStr, true)
	if err != nil {
		log.Fatal("bad --to", zap.Error(err))
	}
	symbols := cfg.Scanner.Symbols
	if *symbolsStr != "" {
		symbols = splitSymbols(*symbolsStr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	store, err := sqlitestore.Open(cfg.SQLite, log)
	if err != nil {
		log.Fatal("sqlite open failed", zap.Error(err))
	}
	defer store.Close()

	bt, err := newBacktest(cfg, symbols, log)
	if err != nil {
		log.Fatal("pipeline init failed", zap.Error(err))
	}

	replayer := replay.New(store.Bars(), log)
	barCh := make(chan model.Bar, 10000)
	errCh := make(chan error, 1)
	go func() {
		_, err := replayer.Run(ctx, symbols, cfg.Scanner.Timeframe, from, to, *speed, barCh)
		close(barCh)
		errCh <- err
	}()

	for b := range barCh {
		bt.step(ctx, b)
	}
	if err := <-errCh; err != nil {
		log.Error("replay stopped early", zap.Error(err))
	}
	bt.finish(ctx)
	bt.report(os.Stdout, symbols)
}

// backtest owns one pipeline fed bar by bar. Each symbol gets its own
// scanner so a bar only triggers evaluation of its own symbol; the
// strategies, aggregator and positions are shared.
type backtest struct {
	tf       model.Timeframe
	bars     *model.StaticBarSource
	scanners map[string]*scanner.Scanner
	stops    *trailing.Engine
	paper    *execution.PaperExecutor
	events   *feed.Dispatcher
	log      *zap.Logger

	now    time.Time
	ledger *portfolio.Ledger

	processed int
	signals   int
	executed  int
}

func newBacktest(cfg config.Config, symbols []string, log *zap.Logger) (*backtest, error) {
	bt := &backtest{
		tf:       cfg.Scanner.Timeframe,
		bars:     model.NewStaticBarSource(),
		scanners: make(map[string]*scanner.Scanner, len(symbols)),
		ledger:   portfolio.NewLedger(),
		log:      log,
	}
	clock := func() time.Time { return bt.now }

	cache := indicator.NewCache(log)
	analyzer := movement.NewAnalyzer(cfg.Movement, bt.bars, log, movement.WithClock(clock))
	engine, err := strategy.NewDefaultEngine(cfg.Strategies, cache, analyzer, log)
	if err != nil {
		return nil, err
	}
	primary, err := aggregator.New("primary", cfg.Aggregator, log)
	if err != nil {
		return nil, err
	}
	if bt.stops, err = trailing.NewEngine(cfg.Trailing, log); err != nil {
		return nil, err
	}
	bt.paper, err = execution.NewPaperExecutor(cfg.Execution, bt.stops, log,
		execution.WithFailureReporter(primary),
		execution.WithClock(clock))
	if err != nil {
		return nil, err
	}
	bt.events = feed.New(bt.stops, log, feed.NamedHandler{Name: "ledger", EventHandler: bt.ledger})

	for _, sym := range symbols {
		sc := cfg.Scanner
		sc.Symbols = []string{sym}
		sc.MaxParallel = 1
		s, err := scanner.New(sc, bt.bars, engine, primary, bt.paper, log,
			scanner.WithClock(clock, func(time.Time) bool { return true }))
		if err != nil {
			return nil, err
		}
		s.OnDecision = func(agg, outcome string) {
			if outcome != scanner.OutcomeNoSignal {
				bt.signals++
			}
			if outcome == scanner.OutcomeExecute {
				bt.executed++
			}
		}
		bt.scanners[sym] = s
	}
	return bt, nil
}

// step moves open positions with the bar's close, then evaluates the symbol
// at the bar's close time.
func (bt *backtest) step(ctx context.Context, b model.Bar) {
	bt.processed++
	bt.now = b.TS.Add(bt.tf.Duration())
	bt.bars.Append(bt.tf, b)

	bt.events.HandleTick(model.Tick{Symbol: b.Symbol, Price: b.Close, TS: bt.now})
	bt.drain(ctx)

	if s, ok := bt.scanners[b.Symbol]; ok {
		s.Cycle(ctx)
	}
	bt.drain(ctx)
}

// finish closes whatever is still open at the last replayed price.
func (bt *backtest) finish(ctx context.Context) {
	for _, p := range bt.stops.Positions() {
		bt.stops.RemovePosition(p.Symbol, "backtest end")
	}
	bt.drain(ctx)
}

func (bt *backtest) drain(ctx context.Context) {
	for {
		select {
		case ev := <-bt.stops.Events():
			bt.events.HandleEvent(ctx, ev)
		default:
			return
		}
	}
}

func (bt *backtest) report(w *os.File, symbols []string) {
	for _, t := range bt.ledger.Trades() {
		fmt.Fprintf(w, "  %-6s %-5s qty=%-5d entry=%-10.2f exit=%-10.2f pnl=%10s  %s\n",
			t.Symbol, t.Side, t.Qty, t.Entry, t.Exit, t.PnL.StringFixed(2), t.Reason)
	}
	sum := bt.ledger.Summary(nil)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        BACKTEST COMPLETE             ║")
	fmt.Fprintln(w, "╠══════════════════════════════════════╣")
	fmt.Fprintf(w, "║  Symbols:           %-16d ║\n", len(symbols))
	fmt.Fprintf(w, "║  Bars processed:    %-16d ║\n", bt.processed)
	fmt.Fprintf(w, "║  Decisions voted:   %-16d ║\n", bt.signals)
	fmt.Fprintf(w, "║  Executed:          %-16d ║\n", bt.executed)
	fmt.Fprintf(w, "║  Fills:             %-16d ║\n", len(bt.paper.Fills()))
	fmt.Fprintf(w, "║  Closed trades:     %-16d ║\n", sum.Trades)
	fmt.Fprintf(w, "║  Win rate:          %-15.1f%% ║\n", sum.WinRate)
	fmt.Fprintf(w, "║  Net P&L (USD):     %-16s ║\n", sum.Realized.StringFixed(2))
	fmt.Fprintf(w, "║  Max drawdown:      %-16s ║\n", sum.MaxDrawdown.StringFixed(2))
	fmt.Fprintln(w, "╚══════════════════════════════════════╝")
}

// parseTime accepts a date or an RFC3339 timestamp. A bare date used as the
// exclusive upper bound covers the whole day. Empty means unbounded.
func parseTime(s string, end bool) (time.Time, error) {
	if s == "" {
		if end {
			return time.Now().Add(24 * time.Hour), nil
		}
		return time.Unix(0, 0), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither %s nor RFC3339", s, dateLayout)
	}
	if end {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

func splitSymbols(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
