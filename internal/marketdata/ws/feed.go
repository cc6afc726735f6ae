// Package ws streams last-traded-price ticks from a JSON WebSocket feed.
//
// After connecting, the client optionally authenticates and then subscribes:
//
//	{"action":"auth","key":"...","totp":"123456"}
//	{"action":"subscribe","symbols":["AAPL","MSFT"]}
//
// The server sends ticks as a single object or an array of objects shaped
// like model.Tick:
//
//	{"symbol":"AAPL","price":189.42,"qty":100,"ts":"2026-03-02T15:04:05.123Z"}
//
// Messages with a "type" of "error" are logged; other control messages are
// ignored.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"tradesignals/internal/model"
)

// Config holds configuration for the feed client.
type Config struct {
	URL        string   `mapstructure:"url"` // e.g. "ws://localhost:9001/ws"
	APIKey     string   `mapstructure:"api_key"`
	TOTPSecret string   `mapstructure:"totp_secret"`
	Symbols    []string `mapstructure:"symbols"`

	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 15 * time.Second
	}
}

type controlMsg struct {
	Action  string   `json:"action"`
	Key     string   `json:"key,omitempty"`
	TOTP    string   `json:"totp,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
}

// Feed connects to the tick WebSocket and pushes ticks into a channel,
// reconnecting with exponential backoff.
type Feed struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	// Optional hooks
	OnReconnect func()
	OnConnected func(connected bool)
	OnDrop      func()
}

// New creates a Feed. Returns an error if the URL is unusable.
func New(cfg Config, log *zap.Logger) (*Feed, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("ws feed: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("ws feed: unsupported scheme %q", u.Scheme)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{cfg: cfg, log: log.Named("ws-feed"), now: time.Now}, nil
}

// Start streams ticks into tickCh until ctx is cancelled.
func (f *Feed) Start(ctx context.Context, tickCh chan<- model.Tick) error {
	delay := f.cfg.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return nil
		}
		start := f.now()
		err := f.runOnce(ctx, tickCh)
		if f.OnConnected != nil {
			f.OnConnected(false)
		}
		if err == nil {
			return nil
		}
		// A connection that stayed up a while resets the backoff.
		if f.now().Sub(start) > f.cfg.MaxReconnectDelay {
			delay = f.cfg.ReconnectDelay
		}

		f.log.Warn("disconnected, reconnecting", zap.Error(err), zap.Duration("delay", delay))
		if f.OnReconnect != nil {
			f.OnReconnect()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection and reads until disconnect or ctx
// cancel. A nil return means ctx ended.
func (f *Feed) runOnce(ctx context.Context, tickCh chan<- model.Tick) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := f.handshake(conn); err != nil {
		return err
	}
	f.log.Info("connected", zap.String("url", f.cfg.URL), zap.Int("symbols", len(f.cfg.Symbols)))
	if f.OnConnected != nil {
		f.OnConnected(true)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(f.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
					time.Now().Add(time.Second))
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		ticks, err := ParseMessage(raw)
		if err != nil {
			f.log.Warn("parse error", zap.Error(err), zap.ByteString("raw", raw))
			continue
		}
		for _, t := range ticks {
			select {
			case tickCh <- t:
			default:
				if f.OnDrop != nil {
					f.OnDrop()
				}
			}
		}
	}
}

func (f *Feed) handshake(conn *websocket.Conn) error {
	if f.cfg.APIKey != "" {
		auth := controlMsg{Action: "auth", Key: f.cfg.APIKey}
		if f.cfg.TOTPSecret != "" {
			code, err := totp.GenerateCode(f.cfg.TOTPSecret, f.now())
			if err != nil {
				return fmt.Errorf("ws feed: totp: %w", err)
			}
			auth.TOTP = code
		}
		if err := conn.WriteJSON(auth); err != nil {
			return fmt.Errorf("ws feed: auth: %w", err)
		}
	}
	symbols := make([]string, len(f.cfg.Symbols))
	for i, s := range f.cfg.Symbols {
		symbols[i] = strings.ToUpper(s)
	}
	if err := conn.WriteJSON(controlMsg{Action: "subscribe", Symbols: symbols}); err != nil {
		return fmt.Errorf("ws feed: subscribe: %w", err)
	}
	return nil
}

// ErrFeedError wraps an error message sent by the server.
var ErrFeedError = errors.New("feed error")

// ParseMessage decodes one frame into zero or more ticks. Control frames
// yield no ticks; server error frames yield ErrFeedError.
func ParseMessage(raw []byte) ([]model.Tick, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '[' {
		var ticks []model.Tick
		if err := json.Unmarshal(raw, &ticks); err != nil {
			return nil, err
		}
		out := ticks[:0]
		for _, t := range ticks {
			if t, ok := normalize(t); ok {
				out = append(out, t)
			}
		}
		return out, nil
	}

	var probe struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	switch probe.Type {
	case "":
	case "error":
		return nil, fmt.Errorf("%w: %s", ErrFeedError, probe.Message)
	default:
		return nil, nil
	}

	var t model.Tick
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	if t, ok := normalize(t); ok {
		return []model.Tick{t}, nil
	}
	return nil, fmt.Errorf("incomplete tick %s", raw)
}

func normalize(t model.Tick) (model.Tick, bool) {
	if t.Symbol == "" || !(t.Price > 0) || t.TS.IsZero() {
		return t, false
	}
	t.Symbol = strings.ToUpper(t.Symbol)
	t.TS = t.TS.UTC()
	return t, true
}
