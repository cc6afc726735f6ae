// Command scanner is the live signal service. It scans the watchlist on a
// fixed interval, paper-executes consensus decisions and trails the stops
// of open positions from the live tick feed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradesignals/config"
	"tradesignals/internal/aggregator"
	"tradesignals/internal/execution"
	"tradesignals/internal/feed"
	"tradesignals/internal/indicator"
	"tradesignals/internal/logger"
	"tradesignals/internal/marketdata/agg"
	"tradesignals/internal/marketdata/bus"
	"tradesignals/internal/marketdata/closedetector"
	"tradesignals/internal/marketdata/ws"
	"tradesignals/internal/markethours"
	"tradesignals/internal/metrics"
	"tradesignals/internal/model"
	"tradesignals/internal/movement"
	"tradesignals/internal/notification"
	"tradesignals/internal/portfolio"
	"tradesignals/internal/scanner"
	redisstore "tradesignals/internal/store/redis"
	sqlitestore "tradesignals/internal/store/sqlite"
	"tradesignals/internal/strategy"
	"tradesignals/internal/trailing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "scanner: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.Init(cfg.Service, logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "scanner: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil {
		log.Fatal("scanner failed", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	log.Info("starting",
		zap.Strings("symbols", cfg.Scanner.Symbols),
		zap.String("tf", string(cfg.Scanner.Timeframe)),
		zap.String("bars", cfg.Bars.Source),
		zap.String("ticks", cfg.Ticks.Source),
		zap.Bool("shadow", cfg.Shadow.Enabled),
		zap.String("session", markethours.StatusString(time.Now())))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// pipeline holds everything that evaluates, fills or persists. It is
	// drained before the position events, Redis and SQLite are shut down.
	var pipeline errgroup.Group

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()
	health.Require(cfg.Ticks.Source != config.SourceNone, cfg.Bars.Source == config.SourceRedis, true)
	health.SetScanStaleAfter(3 * cfg.Scanner.ScanInterval)
	metricsSrv := metrics.NewServer(cfg.Metrics.Addr, health, nil, log)
	metricsSrv.Start()

	// ---- SQLite ----
	if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	store, err := sqlitestore.Open(cfg.SQLite, log)
	if err != nil {
		return err
	}
	defer store.Close()
	health.SetSQLiteOK(true)
	barStore := store.Bars()
	prom.InstrumentBarStore(barStore)
	journal := store.Journal()

	// ---- Redis (optional unless it is the bar or tick source) ----
	var (
		client   *goredis.Client
		buffered *redisstore.BufferedPublisher
	)
	client, err = redisstore.Dial(ctx, cfg.Redis)
	switch {
	case err != nil && (cfg.Bars.Source == config.SourceRedis || cfg.Ticks.Source == config.SourceRedis):
		return err
	case err != nil:
		log.Warn("redis unavailable, continuing without publishing", zap.Error(err))
		health.SetRedisConnected(false)
	default:
		health.SetRedisConnected(true)
		pub := redisstore.NewPublisher(client, log)
		cb := redisstore.NewCircuitBreaker(cfg.Redis.BreakerFailures, cfg.Redis.BreakerReset)
		prom.InstrumentBreaker(cb)
		buffered = redisstore.NewBufferedPublisher(ctx, pub, cb, cfg.Redis.MaxBuffered, log)
		prom.InstrumentPublisher(pub, buffered)
		defer pub.Close()
		log.Info("redis ready", zap.String("addr", cfg.Redis.Addr))
	}
	health.StartLivenessChecker(ctx, client, store.DB(), 10*time.Second)

	var barSource model.BarSource = barStore
	var barStream *redisstore.BarStream
	if client != nil {
		barStream = redisstore.NewBarStream(client, cfg.Bars.RedisWindow)
		if cfg.Bars.Source == config.SourceRedis {
			barSource = barStream
		}
	}

	// ---- Signal pipeline ----
	cache := indicator.NewCache(log)
	prom.InstrumentCache(cache)
	analyzer := movement.NewAnalyzer(cfg.Movement, barSource, log)
	prom.InstrumentAnalyzer(analyzer)
	pipeline.Go(func() error {
		analyzer.RunRefresh(ctx, cfg.Scanner.Symbols, cfg.Scanner.Timeframe, cfg.Movement.RefreshInterval)
		return nil
	})
	engine, err := strategy.NewDefaultEngine(cfg.Strategies, cache, analyzer, log)
	if err != nil {
		return err
	}
	prom.InstrumentStrategies(engine)

	primary, err := aggregator.New("primary", cfg.Aggregator, log)
	if err != nil {
		return err
	}
	var shadow *aggregator.Aggregator
	if cfg.Shadow.Enabled {
		if shadow, err = aggregator.New("shadow", cfg.Shadow.Aggregator, log); err != nil {
			return err
		}
	}

	// ---- Positions & execution ----
	stops, err := trailing.NewEngine(cfg.Trailing, log)
	if err != nil {
		return err
	}
	prom.InstrumentTrailing(stops)
	prom.WatchDropped(ctx, stops, health, 5*time.Second)

	paper, err := execution.NewPaperExecutor(cfg.Execution, stops, log,
		execution.WithJournal(journal),
		execution.WithFailureReporter(primary))
	if err != nil {
		return err
	}
	go logOrders(ctx, paper.Results(), log)

	sink := model.SinkFunc(func(ctx context.Context, sig model.Signal, d model.ExecutionDecision) error {
		if err := paper.Emit(ctx, sig, d); err != nil {
			return err
		}
		if buffered != nil {
			// The fill already happened; a Redis outage must not undo its cooldown.
			if err := buffered.Emit(ctx, sig, d); err != nil {
				log.Warn("decision publish deferred", zap.String("symbol", d.Symbol), zap.Error(err))
			}
		}
		return nil
	})

	// ---- Notifications ----
	channels := []notification.Channel{{Name: "log", Notifier: notification.NewLogNotifier(log)}}
	if cfg.Notify.TelegramToken != "" {
		tg, err := notification.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, log)
		if err != nil {
			log.Warn("telegram disabled", zap.Error(err))
		} else {
			channels = append(channels, notification.Channel{Name: "telegram", Notifier: tg})
		}
	}
	if cfg.Notify.WebhookURL != "" {
		channels = append(channels, notification.Channel{
			Name: "webhook", Notifier: notification.NewWebhookNotifier(cfg.Notify.WebhookURL, log),
		})
	}
	notifier := notification.NewMulti(log, channels...)
	prom.InstrumentNotifier(notifier)

	// ---- Scanner ----
	opts := []scanner.Option{scanner.WithJournal(journal), scanner.WithNotifier(notifier)}
	if shadow != nil {
		opts = append(opts, scanner.WithShadow(shadow))
	}
	sc, err := scanner.New(cfg.Scanner, barSource, engine, primary, sink, log, opts...)
	if err != nil {
		return err
	}
	prom.InstrumentScanner(sc, health)

	// ---- Position events ----
	ledger := portfolio.NewLedger()
	prom.InstrumentLedger(ledger)
	handlers := []feed.NamedHandler{
		{Name: "journal", EventHandler: feed.EventHandlerFunc(journal.RecordEvent)},
		{Name: "ledger", EventHandler: ledger},
		{Name: "notify", EventHandler: feed.NotifyEvents(notifier)},
	}
	if buffered != nil {
		handlers = append(handlers, feed.NamedHandler{Name: "redis", EventHandler: feed.EventHandlerFunc(buffered.PublishEvent)})
	}
	dispatcher := feed.New(stops, log, handlers...)
	if cfg.Session.FlattenAtClose {
		det := closedetector.New(markethours.TodayClose(time.Now()))
		det.StableFor = cfg.Session.CloseStableFor
		det.MaxGrace = cfg.Session.CloseMaxGrace
		dispatcher.FlattenAtClose(det)
	}
	prom.InstrumentDispatcher(dispatcher, health)
	eventsCtx, stopEvents := context.WithCancel(context.Background())
	defer stopEvents()
	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		dispatcher.RunEvents(eventsCtx)
	}()

	// ---- Ticks ----
	if err := startTicks(ctx, &pipeline, cfg, client, dispatcher, barStore, barStream, prom, health, log); err != nil {
		return err
	}

	pipeline.Go(func() error {
		if err := sc.Run(ctx); err != nil {
			log.Error("scanner stopped", zap.Error(err))
		}
		return nil
	})

	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))
	cancel()

	// The symbol in progress finishes and its fill reaches the journal
	// before anything below closes.
	drained := make(chan struct{})
	go func() {
		_ = pipeline.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		log.Warn("pipeline still running at shutdown", zap.Duration("waited", drainTimeout))
	}
	stopEvents()
	<-eventsDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if buffered != nil {
		if n := buffered.Flush(shutdownCtx); n > 0 {
			log.Info("flushed buffered redis writes", zap.Int("count", n))
		}
		if lost := buffered.Lost(); lost > 0 {
			log.Warn("redis writes lost while buffering", zap.Int("count", lost))
		}
	}
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.Warn("metrics server stop", zap.Error(err))
	}
	sum := ledger.Summary(stops.Positions())
	log.Info("stopped",
		zap.Int("open_positions", sum.Open.Long+sum.Open.Short),
		zap.Int("closed_trades", sum.Trades),
		zap.String("realized_usd", sum.Realized.StringFixed(2)),
		zap.String("unrealized_usd", sum.Unrealized.StringFixed(2)))
	return nil
}

const drainTimeout = 30 * time.Second

// startTicks connects the configured price feed. Every tick drives the
// trailing stops; when bar persistence is on, ticks are also folded into
// scanner-timeframe bars and stored. Stages that touch positions or SQLite
// run in g.
func startTicks(ctx context.Context, g *errgroup.Group, cfg config.Config, client *goredis.Client, d *feed.Dispatcher,
	bars *sqlitestore.BarStore, stream *redisstore.BarStream, prom *metrics.Metrics, health *metrics.HealthStatus, log *zap.Logger) error {
	if cfg.Ticks.Source == config.SourceNone {
		log.Warn("no tick source configured, trailing stops will not move")
		return nil
	}

	tickCh := make(chan model.Tick, cfg.Ticks.Buffer)
	switch cfg.Ticks.Source {
	case config.SourceWS:
		f, err := ws.New(cfg.Feed, log)
		if err != nil {
			return err
		}
		prom.InstrumentFeed(f, health)
		go func() {
			if err := f.Start(ctx, tickCh); err != nil {
				log.Error("tick feed stopped", zap.Error(err))
			}
		}()
	case config.SourceRedis:
		consumer := redisstore.NewTickConsumer(client, cfg.Ticks.Redis, log)
		if err := consumer.EnsureGroup(ctx); err != nil {
			return err
		}
		health.SetFeedConnected(true)
		go func() {
			if err := consumer.Run(ctx, tickCh); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("tick consumer stopped", zap.Error(err))
				health.SetFeedConnected(false)
			}
		}()
	}

	fan := bus.New[model.Tick](cfg.Ticks.Buffer, log)
	stopTicks := fan.Subscribe()
	var barTicks <-chan model.Tick
	if cfg.Bars.Persist {
		barTicks = fan.Subscribe()
	}
	g.Go(func() error { fan.Run(ctx, tickCh); return nil })
	g.Go(func() error { d.Run(ctx, stopTicks); return nil })

	if barTicks != nil {
		builder := agg.New(cfg.Scanner.Timeframe, log)
		barCh := make(chan model.Bar, 1024)
		timed := make(chan sqlitestore.TimedBar, 1024)
		g.Go(func() error { builder.Run(ctx, barTicks, barCh); return nil })
		g.Go(func() error { bars.Run(ctx, timed); return nil })
		g.Go(func() error { persistBars(ctx, builder.Timeframe(), barCh, timed, stream, log); return nil })
	}
	return nil
}

// persistBars hands every closed bar to SQLite and, when available, to the
// Redis bar stream.
func persistBars(ctx context.Context, tf model.Timeframe, in <-chan model.Bar, out chan<- sqlitestore.TimedBar,
	stream *redisstore.BarStream, log *zap.Logger) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- sqlitestore.TimedBar{TF: tf, Bar: b}:
			case <-ctx.Done():
				return
			}
			if stream != nil {
				if err := stream.AppendBar(ctx, tf, b); err != nil {
					log.Warn("bar stream append", zap.String("symbol", b.Symbol), zap.Error(err))
				}
			}
		}
	}
}

func logOrders(ctx context.Context, results <-chan execution.OrderResult, log *zap.Logger) {
	log = log.Named("orders")
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-results:
			if r.Status == execution.StatusRejected {
				log.Warn("order rejected", zap.String("order_id", r.OrderID), zap.String("symbol", r.Signal.Symbol), zap.String("reason", r.Message))
				continue
			}
			log.Info("order filled", zap.String("order_id", r.OrderID), zap.String("symbol", r.Signal.Symbol))
		}
	}
}
