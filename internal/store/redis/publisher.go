package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"tradesignals/internal/model"
	"tradesignals/internal/trailing"
)

const (
	signalStreamMaxLen   = 5000
	positionStreamMaxLen = 5000
	defaultLatestTTL     = 24 * time.Hour

	// PubSignals carries every published decision for live subscribers.
	PubSignals = "pub:signals"
	// PubPositions carries every trailing stop event.
	PubPositions = "pub:positions"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	BreakerFailures int           `mapstructure:"breaker_failures"`
	BreakerReset    time.Duration `mapstructure:"breaker_reset"`
	MaxBuffered     int           `mapstructure:"max_buffered"`
}

// DefaultConfig returns local development defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            "localhost:6379",
		BreakerFailures: 5,
		BreakerReset:    10 * time.Second,
		MaxBuffered:     10000,
	}
}

// Dial opens a client and pings the server.
func Dial(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// SignalStreamKey is the per-symbol stream of executed decisions.
func SignalStreamKey(symbol string) string { return "signals:" + strings.ToUpper(symbol) }

// LatestSignalKey holds the most recent decision for symbol.
func LatestSignalKey(symbol string) string { return "signal:latest:" + strings.ToUpper(symbol) }

// PositionStreamKey is the per-symbol stream of trailing stop events.
func PositionStreamKey(symbol string) string { return "positions:" + strings.ToUpper(symbol) }

// Publisher writes decisions and position events to Redis streams and
// pubsub. It satisfies model.ExecutionSink.
type Publisher struct {
	client *goredis.Client
	log    *zap.Logger

	// Optional metrics hook
	OnPublish func(d time.Duration)
}

// NewPublisher wraps an open client.
func NewPublisher(client *goredis.Client, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{client: client, log: log.Named("redis")}
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Emit publishes an executed decision: XADD to the symbol stream, SET the
// latest key and PUBLISH, in one pipeline.
func (p *Publisher) Emit(ctx context.Context, sig model.Signal, d model.ExecutionDecision) error {
	return p.publishDecision(ctx, sig.Symbol, string(sig.JSON()), string(d.JSON()))
}

func (p *Publisher) publishDecision(ctx context.Context, symbol, sigJSON, decJSON string) error {
	start := time.Now()
	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: SignalStreamKey(symbol),
		MaxLen: signalStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"signal": sigJSON, "decision": decJSON},
	})
	pipe.Set(ctx, LatestSignalKey(symbol), sigJSON, defaultLatestTTL)
	pipe.Publish(ctx, PubSignals, decJSON)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish decision %s: %w", symbol, err)
	}
	if p.OnPublish != nil {
		p.OnPublish(time.Since(start))
	}
	return nil
}

// PublishEvent records one trailing stop event.
func (p *Publisher) PublishEvent(ctx context.Context, ev trailing.Event) error {
	return p.publishEvent(ctx, ev.Symbol, string(eventJSON(ev)))
}

func (p *Publisher) publishEvent(ctx context.Context, symbol, data string) error {
	pipe := p.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: PositionStreamKey(symbol),
		MaxLen: positionStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": data},
	})
	pipe.Publish(ctx, PubPositions, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish position event %s: %w", symbol, err)
	}
	return nil
}

// Latest returns the most recently published signal JSON for symbol, or
// "" if none is stored.
func (p *Publisher) Latest(ctx context.Context, symbol string) (string, error) {
	v, err := p.client.Get(ctx, LatestSignalKey(symbol)).Result()
	if err == goredis.Nil {
		return "", nil
	}
	return v, err
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
