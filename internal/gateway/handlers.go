package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tradesignals/internal/markethours"
	"tradesignals/internal/model"
	sqlitestore "tradesignals/internal/store/sqlite"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// TradeLister reads journaled paper fills. Satisfied by the SQLite journal.
type TradeLister interface {
	Trades(ctx context.Context, limit int) ([]sqlitestore.TradeRecord, error)
}

// LatestReader reads the last published signal of a symbol. Satisfied by
// the Redis publisher.
type LatestReader interface {
	Latest(ctx context.Context, symbol string) (string, error)
}

// BarRanger reads stored bars in a time range. Satisfied by the SQLite bar
// store.
type BarRanger interface {
	Range(ctx context.Context, symbol string, tf model.Timeframe, from, to time.Time) ([]model.Bar, error)
}

// Deps are the optional read-side stores behind the REST endpoints. A nil
// dependency disables its endpoint with 503.
type Deps struct {
	Trades    TradeLister
	Signals   LatestReader
	Bars      BarRanger
	Timeframe model.Timeframe
	Started   time.Time
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def, max int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		if v > max {
			return max
		}
		return v
	}
	return def
}

// RegisterRoutes mounts the WebSocket and REST endpoints on mux.
func RegisterRoutes(mux *http.ServeMux, hub *Hub, deps Deps, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Started.IsZero() {
		deps.Started = time.Now()
	}

	// WebSocket stream of envelopes. ?last_ts= limits the initial state.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("ws upgrade failed", zap.Error(err))
			return
		}
		conn.EnableWriteCompression(true)
		hub.Attach(conn, r.URL.Query().Get("last_ts"))
	})

	// Latest payload per topic.
	mux.HandleFunc("/api/latest", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, hub.Latest())
	})

	// Gap backfill: /api/missed?topic=signal:AAPL&from=5&to=9
	mux.HandleFunc("/api/missed", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		topic := q.Get("topic")
		from, err1 := strconv.ParseInt(q.Get("from"), 10, 64)
		to, err2 := strconv.ParseInt(q.Get("to"), 10, 64)
		if topic == "" || err1 != nil {
			writeError(w, http.StatusBadRequest, "topic and from are required")
			return
		}
		if err2 != nil {
			to = hub.TopicSeq(topic)
		}
		envs := hub.Replay(topic, from, to)
		out := make([]json.RawMessage, len(envs))
		for i, e := range envs {
			out[i] = e
		}
		writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "seq": hub.TopicSeq(topic), "envelopes": out})
	})

	// Last published signal for a symbol, from Redis.
	mux.HandleFunc("/api/signals/latest", func(w http.ResponseWriter, r *http.Request) {
		if deps.Signals == nil {
			writeError(w, http.StatusServiceUnavailable, "signal store unavailable")
			return
		}
		symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
		if symbol == "" {
			writeError(w, http.StatusBadRequest, "symbol is required")
			return
		}
		raw, err := deps.Signals.Latest(r.Context(), symbol)
		switch {
		case err != nil:
			writeError(w, http.StatusBadGateway, err.Error())
		case raw == "":
			writeError(w, http.StatusNotFound, "no signal for "+symbol)
		default:
			writeJSON(w, http.StatusOK, json.RawMessage(raw))
		}
	})

	// Journaled paper fills, newest first.
	mux.HandleFunc("/api/trades", func(w http.ResponseWriter, r *http.Request) {
		if deps.Trades == nil {
			writeError(w, http.StatusServiceUnavailable, "journal unavailable")
			return
		}
		trades, err := deps.Trades.Trades(r.Context(), queryInt(r, "limit", 50, 500))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if trades == nil {
			trades = []sqlitestore.TradeRecord{}
		}
		writeJSON(w, http.StatusOK, trades)
	})

	// Stored bars: /api/bars?symbol=AAPL&limit=200[&before=RFC3339]
	mux.HandleFunc("/api/bars", func(w http.ResponseWriter, r *http.Request) {
		if deps.Bars == nil {
			writeError(w, http.StatusServiceUnavailable, "bar store unavailable")
			return
		}
		symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
		if symbol == "" {
			writeError(w, http.StatusBadRequest, "symbol is required")
			return
		}
		limit := queryInt(r, "limit", 200, 1000)
		to := time.Now()
		if v := r.URL.Query().Get("before"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "before must be RFC3339")
				return
			}
			to = t
		}
		// Covers limit bars plus overnight and weekend gaps.
		from := to.Add(-time.Duration(limit)*deps.Timeframe.Duration() - 4*24*time.Hour)
		bars, err := deps.Bars.Range(r.Context(), symbol, deps.Timeframe, from, to)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if bars == nil {
			bars = []model.Bar{}
		}
		if len(bars) > limit {
			bars = bars[len(bars)-limit:]
		}
		writeJSON(w, http.StatusOK, bars)
	})

	// Gateway status.
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		writeJSON(w, http.StatusOK, map[string]any{
			"ws_clients":    hub.ClientCount(),
			"latency":       hub.Latency.Quantiles(),
			"market_open":   markethours.IsMarketOpen(now),
			"market_status": markethours.StatusString(now),
			"uptime_sec":    int64(time.Since(deps.Started).Seconds()),
			"ts":            now.UTC().Format(time.RFC3339Nano),
		})
	})
}
