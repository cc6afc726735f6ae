package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"tradesignals/internal/model"
)

// BarStreamKey is the stream holding closed bars for symbol/tf.
func BarStreamKey(symbol string, tf model.Timeframe) string {
	return "bars:" + string(tf) + ":" + strings.ToUpper(symbol)
}

// BarStream reads and appends bars kept in Redis streams. It satisfies
// model.BarSource.
type BarStream struct {
	client *goredis.Client
	window int   // bars fetched per GetBars when minCount is smaller
	maxLen int64 // approximate stream trim length
}

// NewBarStream wraps an open client. window bounds how many bars a read
// returns when the caller asks for fewer.
func NewBarStream(client *goredis.Client, window int) *BarStream {
	if window <= 0 {
		window = 300
	}
	return &BarStream{client: client, window: window, maxLen: int64(window) * 4}
}

// AppendBar adds a closed bar to its stream.
func (s *BarStream) AppendBar(ctx context.Context, tf model.Timeframe, b model.Bar) error {
	return s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: BarStreamKey(b.Symbol, tf),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(b.JSON())},
	}).Err()
}

// GetBars returns the newest bars in ascending order, at least minCount.
func (s *BarStream) GetBars(ctx context.Context, symbol string, tf model.Timeframe, minCount int) ([]model.Bar, error) {
	count := s.window
	if minCount > count {
		count = minCount
	}
	msgs, err := s.client.XRevRangeN(ctx, BarStreamKey(symbol, tf), "+", "-", int64(count)).Result()
	if err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("xrevrange %s: %w", BarStreamKey(symbol, tf), err)
	}
	bars, err := decodeBars(msgs)
	if err != nil {
		return nil, err
	}
	if len(bars) < minCount || len(bars) == 0 {
		return nil, fmt.Errorf("%s %s: have %d bars, need %d: %w", symbol, tf, len(bars), minCount, model.ErrNoBars)
	}
	if err := model.ValidateBars(bars); err != nil {
		return nil, fmt.Errorf("%s %s: %v: %w", symbol, tf, err, model.ErrNoBars)
	}
	return bars, nil
}

// decodeBars turns newest-first stream entries into ascending bars.
func decodeBars(msgs []goredis.XMessage) ([]model.Bar, error) {
	bars := make([]model.Bar, len(msgs))
	for i, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			return nil, fmt.Errorf("bar entry %s: missing data field", msg.ID)
		}
		var b model.Bar
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return nil, fmt.Errorf("bar entry %s: %w", msg.ID, err)
		}
		bars[len(msgs)-1-i] = b
	}
	return bars, nil
}

// TickConsumerConfig configures the tick stream consumer.
type TickConsumerConfig struct {
	Stream        string `mapstructure:"stream"`
	ConsumerGroup string `mapstructure:"consumer_group"`
	ConsumerName  string `mapstructure:"consumer_name"`
}

// TickConsumer reads price ticks from a Redis stream through a consumer
// group, acking each tick after it is handed off.
type TickConsumer struct {
	client *goredis.Client
	cfg    TickConsumerConfig
	log    *zap.Logger
}

// NewTickConsumer wraps an open client.
func NewTickConsumer(client *goredis.Client, cfg TickConsumerConfig, log *zap.Logger) *TickConsumer {
	if cfg.Stream == "" {
		cfg.Stream = "ticks"
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "tradesignals"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "worker-1"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TickConsumer{client: client, cfg: cfg, log: log.Named("redis-ticks")}
}

// EnsureGroup creates the consumer group if it doesn't exist. New groups
// only see ticks published after creation.
func (c *TickConsumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.ConsumerGroup, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s: %w", c.cfg.Stream, err)
	}
	return nil
}

// Run delivers ticks to out until ctx is cancelled. Pending entries left by
// a previous run are replayed first.
func (c *TickConsumer) Run(ctx context.Context, out chan<- model.Tick) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	if err := c.read(ctx, "0", out); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.read(ctx, ">", out); err != nil {
			return err
		}
	}
}

func (c *TickConsumer) read(ctx context.Context, from string, out chan<- model.Tick) error {
	results, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    c.cfg.ConsumerGroup,
		Consumer: c.cfg.ConsumerName,
		Streams:  []string{c.cfg.Stream, from},
		Count:    200,
		Block:    2 * time.Second,
	}).Result()
	if err != nil {
		if err == goredis.Nil || ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("xreadgroup failed", zap.Error(err))
		select {
		case <-time.After(500 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, stream := range results {
		for _, msg := range stream.Messages {
			tick, err := decodeTick(msg)
			if err != nil {
				c.log.Warn("dropping malformed tick", zap.String("id", msg.ID), zap.Error(err))
				c.client.XAck(ctx, stream.Stream, c.cfg.ConsumerGroup, msg.ID)
				continue
			}
			select {
			case out <- tick:
			case <-ctx.Done():
				return ctx.Err()
			}
			c.client.XAck(ctx, stream.Stream, c.cfg.ConsumerGroup, msg.ID)
		}
	}
	return nil
}

func decodeTick(msg goredis.XMessage) (model.Tick, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return model.Tick{}, fmt.Errorf("missing data field")
	}
	var t model.Tick
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return model.Tick{}, err
	}
	if t.Symbol == "" || !(t.Price > 0) || t.TS.IsZero() {
		return model.Tick{}, fmt.Errorf("incomplete tick %q", data)
	}
	return t, nil
}
