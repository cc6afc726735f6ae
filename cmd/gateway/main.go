// Command gateway serves published decisions and position events to
// browser clients. It follows the scanner's Redis pub/sub channels and
// relays them over WebSocket, with REST endpoints for the latest signals,
// journaled trades, stored bars and gap backfill.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tradesignals/config"
	"tradesignals/internal/gateway"
	"tradesignals/internal/logger"
	"tradesignals/internal/metrics"
	redisstore "tradesignals/internal/store/redis"
	sqlitestore "tradesignals/internal/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.Init("gateway", logger.ParseLevel(cfg.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil {
		log.Fatal("gateway failed", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()

	client, err := redisstore.Dial(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer client.Close()
	health.SetRedisConnected(true)

	deps := gateway.Deps{
		Signals:   redisstore.NewPublisher(client, log),
		Timeframe: cfg.Scanner.Timeframe,
		Started:   time.Now(),
	}

	// The journal and bars are optional; the gateway only reads them.
	store, err := sqlitestore.Open(cfg.SQLite, log)
	if err != nil {
		log.Warn("sqlite unavailable, trade and bar endpoints disabled", zap.Error(err))
		health.Require(false, true, false)
		health.StartLivenessChecker(ctx, client, nil, 10*time.Second)
	} else {
		defer store.Close()
		deps.Trades = store.Journal()
		deps.Bars = store.Bars()
		health.SetSQLiteOK(true)
		health.Require(false, true, true)
		health.StartLivenessChecker(ctx, client, store.DB(), 10*time.Second)
	}

	hub := gateway.NewHub(cfg.Gateway, log)
	prom.InstrumentGateway(hub)
	go gateway.NewRouter(client, hub, log).Run(ctx)

	mux := http.NewServeMux()
	gateway.RegisterRoutes(mux, hub, deps, log)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)

	srv := &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("listening", zap.String("addr", cfg.Gateway.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
			sigCh <- syscall.SIGTERM
		}
	}()

	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()), zap.Int("clients", hub.ClientCount()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
