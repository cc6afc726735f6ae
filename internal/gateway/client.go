package gateway

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 4096
)

// SubscribeMsg narrows what a client receives. Empty lists mean all.
//
//	{"type":"SUBSCRIBE","symbols":["AAPL"],"kinds":["signal"]}
type SubscribeMsg struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
	Kinds   []string `json:"kinds"`
}

// Client is one WebSocket peer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	symbols map[string]bool
	kinds   map[string]bool
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, h.cfg.ClientBuffer),
		symbols: make(map[string]bool),
		kinds:   make(map[string]bool),
	}
}

// wants reports whether the client's filters admit kind/symbol.
func (c *Client) wants(kind, symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.kinds) > 0 && !c.kinds[kind] {
		return false
	}
	return len(c.symbols) == 0 || c.symbols[strings.ToUpper(symbol)]
}

func (c *Client) subscribe(m SubscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range m.Symbols {
		c.symbols[strings.ToUpper(s)] = true
	}
	for _, k := range m.Kinds {
		c.kinds[strings.ToLower(k)] = true
	}
}

func (c *Client) unsubscribe(m SubscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range m.Symbols {
		delete(c.symbols, strings.ToUpper(s))
	}
	for _, k := range m.Kinds {
		delete(c.kinds, strings.ToLower(k))
	}
}

// sendInitialState queues the latest payload of every wanted topic newer
// than lastTS (RFC3339Nano), or all of them when lastTS is empty.
func (c *Client) sendInitialState(lastTS string) {
	var cutoff time.Time
	if lastTS != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastTS); err == nil {
			cutoff = t
		}
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	for topic, e := range c.hub.latest {
		if !cutoff.IsZero() && !e.TS.After(cutoff) {
			continue
		}
		kind, symbol, ok := splitTopic(topic)
		if !ok || !c.wants(kind, symbol) {
			continue
		}
		c.hub.enqueueLocked(c, buildEnvelope(topic, kind, e.Data, e.TS, 0, e.Seq, true))
	}
}

// writePump coalesces queued envelopes into one newline-separated frame
// and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			for n := len(c.send); n > 0; n-- {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var base struct {
			Type string `json:"type"`
			Ping int64  `json:"ping"`
		}
		if json.Unmarshal(raw, &base) != nil {
			c.reply(map[string]any{"type": "error", "message": "invalid JSON"})
			continue
		}

		switch strings.ToUpper(base.Type) {
		case "SUBSCRIBE", "UNSUBSCRIBE":
			var m SubscribeMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				c.reply(map[string]any{"type": "error", "message": "invalid " + base.Type})
				continue
			}
			if strings.EqualFold(base.Type, "SUBSCRIBE") {
				c.subscribe(m)
				c.hub.log.Debug("client subscribed", zap.Strings("symbols", m.Symbols), zap.Strings("kinds", m.Kinds))
				c.reply(map[string]any{"type": "subscribed", "symbols": m.Symbols, "kinds": m.Kinds})
				c.sendInitialState("")
			} else {
				c.unsubscribe(m)
				c.reply(map[string]any{"type": "unsubscribed", "symbols": m.Symbols, "kinds": m.Kinds})
			}
		default:
			if base.Ping > 0 {
				c.reply(map[string]any{"type": "pong", "ping": base.Ping, "server_ts": time.Now().UnixMilli()})
				continue
			}
			c.reply(map[string]any{"type": "error", "message": "unknown message type " + base.Type})
		}
	}
}

func (c *Client) reply(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.hub.enqueue(c, b)
}
