// Package config loads the typed configuration tree for every binary.
//
// Precedence, lowest first: Default(), the YAML file named by CONFIG_FILE
// (default configs/tradesignals.yaml, optional), then TS_* environment
// variables (TS_SCANNER_SCAN_INTERVAL=1m). A .env file in the working
// directory is loaded into the environment before anything else.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"tradesignals/internal/aggregator"
	"tradesignals/internal/execution"
	"tradesignals/internal/gateway"
	"tradesignals/internal/marketdata/ws"
	"tradesignals/internal/movement"
	"tradesignals/internal/scanner"
	redisstore "tradesignals/internal/store/redis"
	sqlitestore "tradesignals/internal/store/sqlite"
	"tradesignals/internal/strategy"
	"tradesignals/internal/trailing"
)

// DefaultFile is read when CONFIG_FILE is unset and the file exists.
const DefaultFile = "configs/tradesignals.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TS"

// Tick and bar source names.
const (
	SourceWS     = "ws"
	SourceRedis  = "redis"
	SourceNone   = "none"
	SourceSQLite = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	Service  string `mapstructure:"service"`
	LogLevel string `mapstructure:"log_level"`

	Scanner    scanner.Config    `mapstructure:"scanner"`
	Strategies strategy.Config   `mapstructure:"strategies"`
	Aggregator aggregator.Config `mapstructure:"aggregator"`
	Shadow     ShadowConfig      `mapstructure:"shadow"`
	Movement   movement.Config   `mapstructure:"movement"`
	Trailing   trailing.Config   `mapstructure:"trailing"`
	Execution  execution.Config  `mapstructure:"execution"`

	Redis  redisstore.Config  `mapstructure:"redis"`
	SQLite sqlitestore.Config `mapstructure:"sqlite"`
	Bars   BarsConfig         `mapstructure:"bars"`
	Ticks  TicksConfig        `mapstructure:"ticks"`
	Feed   ws.Config          `mapstructure:"feed"`

	Session SessionConfig  `mapstructure:"session"`
	Notify  NotifyConfig   `mapstructure:"notify"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	Gateway gateway.Config `mapstructure:"gateway"`
}

// ShadowConfig is an independent second aggregator whose decisions are
// compared against the primary one and never executed.
type ShadowConfig struct {
	Enabled    bool              `mapstructure:"enabled"`
	Aggregator aggregator.Config `mapstructure:"aggregator"`
}

// BarsConfig selects where the scanner reads bars from.
type BarsConfig struct {
	Source      string `mapstructure:"source"` // sqlite | redis
	RedisWindow int    `mapstructure:"redis_window"`
	// Persist builds bars from live ticks and stores them.
	Persist bool `mapstructure:"persist"`
}

// TicksConfig selects the live price feed.
type TicksConfig struct {
	Source string                        `mapstructure:"source"` // ws | redis | none
	Redis  redisstore.TickConsumerConfig `mapstructure:"redis"`
	Buffer int                           `mapstructure:"buffer"`
}

// SessionConfig controls end-of-day handling of open positions.
type SessionConfig struct {
	FlattenAtClose bool          `mapstructure:"flatten_at_close"`
	CloseStableFor time.Duration `mapstructure:"close_stable_for"`
	CloseMaxGrace  time.Duration `mapstructure:"close_max_grace"`
}

// NotifyConfig enables alert channels. Empty values disable a channel.
type NotifyConfig struct {
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
	WebhookURL     string `mapstructure:"webhook_url"`
}

// MetricsConfig controls the /metrics and /healthz listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns a complete working configuration.
func Default() Config {
	shadow := aggregator.DefaultConfig()
	shadow.MinConfidence = 0.80
	sc := scanner.DefaultConfig()
	return Config{
		Service:    "tradesignals",
		LogLevel:   "info",
		Scanner:    sc,
		Strategies: strategy.DefaultConfig(),
		Aggregator: aggregator.DefaultConfig(),
		Shadow:     ShadowConfig{Enabled: false, Aggregator: shadow},
		Movement:   movement.DefaultConfig(),
		Trailing:   trailing.DefaultConfig(),
		Execution:  execution.DefaultConfig(),
		Redis:      redisstore.DefaultConfig(),
		SQLite:     sqlitestore.DefaultConfig(),
		Bars:       BarsConfig{Source: SourceSQLite, RedisWindow: 500, Persist: true},
		Ticks: TicksConfig{
			Source: SourceWS,
			Redis: redisstore.TickConsumerConfig{
				Stream:        "ticks",
				ConsumerGroup: "tradesignals",
				ConsumerName:  "scanner-1",
			},
			Buffer: 10000,
		},
		Feed: ws.Config{
			URL:               "ws://localhost:9001/ws",
			Symbols:           sc.Symbols,
			ReconnectDelay:    2 * time.Second,
			MaxReconnectDelay: 30 * time.Second,
			PingInterval:      15 * time.Second,
		},
		Session: SessionConfig{
			FlattenAtClose: true,
			CloseStableFor: 30 * time.Second,
			CloseMaxGrace:  5 * time.Minute,
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		Gateway: gateway.DefaultConfig(),
	}
}

// Validate returns the first invalid setting.
func (c Config) Validate() error {
	checks := []interface{ Validate() error }{
		c.Scanner, c.Strategies, c.Aggregator, c.Movement, c.Trailing, c.Execution,
	}
	for _, v := range checks {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if c.Shadow.Enabled {
		if err := c.Shadow.Aggregator.Validate(); err != nil {
			return fmt.Errorf("shadow: %w", err)
		}
	}
	if c.Strategies.Timeframe != c.Scanner.Timeframe {
		return fmt.Errorf("config: strategies.timeframe %q differs from scanner.timeframe %q",
			c.Strategies.Timeframe, c.Scanner.Timeframe)
	}
	switch c.Bars.Source {
	case SourceSQLite, SourceRedis:
	default:
		return fmt.Errorf("config: bars.source must be %q or %q, got %q", SourceSQLite, SourceRedis, c.Bars.Source)
	}
	if c.Bars.Source == SourceRedis && c.Bars.RedisWindow < c.Scanner.BarCount {
		return fmt.Errorf("config: bars.redis_window %d below scanner.bar_count %d", c.Bars.RedisWindow, c.Scanner.BarCount)
	}
	switch c.Ticks.Source {
	case SourceWS:
		if c.Feed.URL == "" {
			return errors.New("config: feed.url is required for ticks.source=ws")
		}
	case SourceRedis:
		if c.Ticks.Redis.Stream == "" || c.Ticks.Redis.ConsumerGroup == "" {
			return errors.New("config: ticks.redis.stream and consumer_group are required")
		}
	case SourceNone:
	default:
		return fmt.Errorf("config: unknown ticks.source %q", c.Ticks.Source)
	}
	if c.SQLite.Path == "" {
		return errors.New("config: sqlite.path is required")
	}
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == 0) {
		return errors.New("config: notify.telegram_token and telegram_chat_id go together")
	}
	return nil
}

// Load reads .env, the optional YAML file and TS_* overrides on top of
// Default(), then validates.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	bindEnvs(v, reflect.TypeOf(cfg), "")

	file := os.Getenv("CONFIG_FILE")
	explicit := file != ""
	if !explicit {
		file = DefaultFile
	}
	if _, err := os.Stat(file); err == nil {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	} else if explicit {
		return Config{}, fmt.Errorf("config: %s: %w", file, err)
	}

	// A configured weight table replaces the default one instead of merging.
	if v.IsSet("aggregator.weights") {
		cfg.Aggregator.Weights = nil
	}
	if v.IsSet("shadow.aggregator.weights") {
		cfg.Shadow.Aggregator.Weights = nil
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if len(cfg.Feed.Symbols) == 0 {
		cfg.Feed.Symbols = cfg.Scanner.Symbols
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// bindEnvs registers every leaf key so AutomaticEnv can override it during
// Unmarshal. Maps are file-only.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		switch {
		case f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Time{}):
			bindEnvs(v, f.Type, key)
		case f.Type.Kind() == reflect.Map:
		default:
			_ = v.BindEnv(key)
		}
	}
}
