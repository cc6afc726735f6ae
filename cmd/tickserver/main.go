// cmd/tickserver is a demo WebSocket tick server for local development.
// It random-walks prices for a set of US equities and streams them using
// the same protocol the scanner's feed client speaks:
//
//	-> {"action":"auth","key":"...","totp":"123456"}   (when TICK_API_KEY is set)
//	-> {"action":"subscribe","symbols":["AAPL","MSFT"]}
//	<- [{"symbol":"AAPL","price":189.42,"qty":100,"ts":"2026-03-02T15:04:05.123Z"}, ...]
//
// Environment variables (a .env file is honoured):
//
//	TICK_SERVER_ADDR  listen address (default ":9001")
//	TICK_SYMBOLS      comma-separated SYMBOL[:PRICE] list (default: a large-cap watchlist)
//	TICK_INTERVAL_MS  broadcast interval in milliseconds (default 250)
//	TICK_API_KEY      required auth key; empty disables auth
//	TICK_TOTP_SECRET  base32 TOTP secret checked alongside the key
package main

import (
	"encoding/json"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"tradesignals/internal/logger"
	"tradesignals/internal/model"
)

var defaultPrices = map[string]float64{
	"AAPL":  190,
	"MSFT":  415,
	"NVDA":  880,
	"AMZN":  178,
	"GOOGL": 152,
	"META":  495,
	"TSLA":  175,
	"SPY":   510,
	"QQQ":   440,
}

type controlMsg struct {
	Action  string   `json:"action"`
	Key     string   `json:"key"`
	TOTP    string   `json:"totp"`
	Symbols []string `json:"symbols"`
}

type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ─── Auth ─────────────────────────────────────────────────────────────────────

// One period of clock skew either side.
var totpOpts = totp.ValidateOpts{Period: 30, Skew: 1, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1}

type authenticator struct {
	apiKey     string
	totpSecret string
	now        func() time.Time
}

func (a authenticator) required() bool { return a.apiKey != "" }

func (a authenticator) check(m controlMsg) bool {
	if m.Key != a.apiKey {
		return false
	}
	if a.totpSecret == "" {
		return true
	}
	ok, err := totp.ValidateCustom(m.TOTP, a.totpSecret, a.now(), totpOpts)
	return err == nil && ok
}

// ─── Client ───────────────────────────────────────────────────────────────────

type client struct {
	send chan []byte

	mu     sync.RWMutex
	authed bool
	subs   map[string]bool
}

func newClient(authed bool) *client {
	return &client{send: make(chan []byte, 256), authed: authed, subs: make(map[string]bool)}
}

// handle applies one control message and returns an error frame to send
// back, or nil.
func (c *client) handle(a authenticator, m controlMsg) *errorMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch m.Action {
	case "auth":
		if !a.check(m) {
			return &errorMsg{Type: "error", Message: "authentication failed"}
		}
		c.authed = true
	case "subscribe":
		if !c.authed {
			return &errorMsg{Type: "error", Message: "not authenticated"}
		}
		for _, s := range m.Symbols {
			c.subs[strings.ToUpper(s)] = true
		}
	case "unsubscribe":
		for _, s := range m.Symbols {
			delete(c.subs, strings.ToUpper(s))
		}
	default:
		return &errorMsg{Type: "error", Message: "unknown action " + strconv.Quote(m.Action)}
	}
	return nil
}

// filter returns the ticks this client subscribed to.
func (c *client) filter(ticks []model.Tick) []model.Tick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.authed || len(c.subs) == 0 {
		return nil
	}
	var out []model.Tick
	for _, t := range ticks {
		if c.subs[t.Symbol] {
			out = append(out, t)
		}
	}
	return out
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	log     *zap.Logger
}

func newHub(log *zap.Logger) *hub {
	return &hub{clients: make(map[*client]struct{}), log: log}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// reply queues a frame for one client if it is still registered.
func (h *hub) reply(c *client, b []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (h *hub) broadcast(ticks []model.Tick) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		batch := c.filter(ticks)
		if len(batch) == 0 {
			continue
		}
		b, err := json.Marshal(batch)
		if err != nil {
			continue
		}
		select {
		case c.send <- b:
		default: // slow client, drop the batch
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub, auth authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("upgrade failed", zap.Error(err))
			return
		}
		log := h.log.With(zap.String("remote", r.RemoteAddr))
		log.Info("client connected")

		c := newClient(!auth.required())
		h.register(c)
		defer func() {
			h.unregister(c)
			conn.Close()
			log.Info("client disconnected")
		}()

		// Read pump: control messages.
		go func() {
			defer h.unregister(c)
			for {
				var m controlMsg
				if err := conn.ReadJSON(&m); err != nil {
					return
				}
				if e := c.handle(auth, m); e != nil {
					log.Warn("control rejected", zap.String("action", m.Action), zap.String("reason", e.Message))
					b, _ := json.Marshal(e)
					h.reply(c, b)
				}
			}
		}()

		// Write pump: ticks and error frames.
		for msg := range c.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Tick generator ──────────────────────────────────────────────────────────

type instrument struct {
	Symbol string
	Price  float64
}

// walkPrice applies a small random walk (±0.1%) rounded to the cent.
func walkPrice(rng *rand.Rand, price float64) float64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	next := math.Round(price*(1+pct)*100) / 100
	if next < 0.01 {
		next = 0.01
	}
	return next
}

func runGenerator(h *hub, instruments []instrument, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for range ticker.C {
		now := time.Now().UTC()
		ticks := make([]model.Tick, len(instruments))
		for i := range instruments {
			instruments[i].Price = walkPrice(rng, instruments[i].Price)
			ticks[i] = model.Tick{
				Symbol: instruments[i].Symbol,
				Price:  instruments[i].Price,
				Qty:    int64(rng.Intn(500) + 1),
				TS:     now,
			}
		}
		h.broadcast(ticks)
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	_ = godotenv.Load()
	log, err := logger.Init("tickserver", logger.ParseLevel(os.Getenv("LOG_LEVEL")))
	if err != nil {
		panic(err)
	}
	defer log.Sync() //nolint:errcheck

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	interval := time.Duration(envIntOrDefault("TICK_INTERVAL_MS", 250)) * time.Millisecond
	instruments := parseInstruments(os.Getenv("TICK_SYMBOLS"), log)
	if len(instruments) == 0 {
		log.Fatal("no instruments configured via TICK_SYMBOLS")
	}
	auth := authenticator{
		apiKey:     os.Getenv("TICK_API_KEY"),
		totpSecret: os.Getenv("TICK_TOTP_SECRET"),
		now:        time.Now,
	}

	log.Info("starting demo tick server",
		zap.Int("instruments", len(instruments)),
		zap.Duration("interval", interval),
		zap.Bool("auth", auth.required()),
		zap.Bool("totp", auth.totpSecret != ""))

	h := newHub(log)
	go runGenerator(h, instruments, interval)

	http.HandleFunc("/ws", wsHandler(h, auth))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"tickserver"}` + "\n"))
	})

	log.Info("listening", zap.String("addr", addr), zap.String("ws", "ws://localhost"+addr+"/ws"))
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseInstruments(s string, log *zap.Logger) []instrument {
	if strings.TrimSpace(s) == "" {
		s = "AAPL,MSFT,NVDA,AMZN,GOOGL,META,TSLA,SPY,QQQ"
	}
	var out []instrument
	for _, part := range strings.Split(s, ",") {
		seg := strings.SplitN(strings.TrimSpace(part), ":", 2)
		sym := strings.ToUpper(strings.TrimSpace(seg[0]))
		if sym == "" {
			continue
		}
		price := defaultPrices[sym]
		if len(seg) == 2 {
			p, err := strconv.ParseFloat(strings.TrimSpace(seg[1]), 64)
			if err != nil || p <= 0 {
				log.Warn("skipping invalid symbol spec", zap.String("spec", part))
				continue
			}
			price = p
		}
		if price == 0 {
			price = 100
		}
		out = append(out, instrument{Symbol: sym, Price: price})
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
