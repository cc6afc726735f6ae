// Package gateway relays published decisions and position events to
// WebSocket clients. Each message belongs to a topic such as
// "signal:AAPL" or "position:NVDA"; every topic keeps its own sequence
// number and a replay buffer so clients can detect and backfill gaps.
//
// Envelope sent to clients:
//
//	{"topic":"signal:AAPL","kind":"signal","data":{...},"ts":"...","seq":42,"topic_seq":7}
package gateway

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message kinds.
const (
	KindSignal   = "signal"
	KindPosition = "position"
)

// Config controls buffering and the listen address.
type Config struct {
	Addr           string `mapstructure:"addr"`
	ReplaySize     int    `mapstructure:"replay_size"`     // envelopes kept per topic
	LatencySamples int    `mapstructure:"latency_samples"` // delays kept for percentiles
	ClientBuffer   int    `mapstructure:"client_buffer"`   // queued envelopes per client
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Addr: ":8080", ReplaySize: 500, LatencySamples: 10000, ClientBuffer: 256}
}

// Topic names the stream of one kind for one symbol.
func Topic(kind, symbol string) string { return kind + ":" + strings.ToUpper(symbol) }

// splitTopic is the inverse of Topic.
func splitTopic(topic string) (kind, symbol string, ok bool) {
	return strings.Cut(topic, ":")
}

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
	Seq  int64
}

// Hub tracks connected clients and per-topic state. It is a compositor:
// the Broadcaster builds and fans out envelopes, the Router feeds it from
// Redis.
type Hub struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu        sync.RWMutex
	clients   map[*Client]struct{}
	latest    map[string]latestEntry
	topicSeqs map[string]int64
	replay    map[string]*ReplayBuffer
	seq       int64

	Latency     *LatencyTracker
	Broadcaster *Broadcaster

	// Optional metrics hooks
	OnBroadcast  func(kind string, delay time.Duration)
	OnClients    func(n int)
	OnSlowClient func()
}

// NewHub creates an empty hub.
func NewHub(cfg Config, log *zap.Logger) *Hub {
	def := DefaultConfig()
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = def.ReplaySize
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		cfg:       cfg,
		log:       log.Named("gateway"),
		now:       time.Now,
		clients:   make(map[*Client]struct{}),
		latest:    make(map[string]latestEntry),
		topicSeqs: make(map[string]int64),
		replay:    make(map[string]*ReplayBuffer),
		Latency:   NewLatencyTracker(cfg.LatencySamples),
	}
	h.Broadcaster = NewBroadcaster(h)
	return h
}

// Publish relays one payload of the given kind. The payload must carry a
// "symbol" field; anything else is dropped.
func (h *Hub) Publish(kind string, data []byte) {
	h.Broadcaster.Broadcast(kind, data)
}

// Attach registers a WebSocket connection and starts its pumps. Clients
// that pass lastTS receive only the latest state newer than it.
func (h *Hub) Attach(conn *websocket.Conn, lastTS string) *Client {
	c := newClient(h, conn)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.clientCount(n)
	h.log.Info("client connected", zap.Int("clients", n))

	go c.sendInitialState(lastTS)
	go c.writePump()
	go c.readPump()
	return c
}

// remove unregisters c and closes its queue. Safe to call more than once.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.clientCount(n)
		h.log.Info("client disconnected", zap.Int("clients", n))
	}
}

// enqueue queues an envelope for c if it is still connected. Must not be
// called with h.mu held.
func (h *Hub) enqueue(c *Client, b []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.enqueueLocked(c, b)
}

func (h *Hub) enqueueLocked(c *Client, b []byte) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- b:
	default:
		if h.OnSlowClient != nil {
			h.OnSlowClient()
		}
	}
}

func (h *Hub) clientCount(n int) {
	if h.OnClients != nil {
		h.OnClients(n)
	}
}

// Latest returns the newest payload of every topic.
func (h *Hub) Latest() map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(h.latest))
	for k, v := range h.latest {
		out[k] = v.Data
	}
	return out
}

// Replay returns buffered envelopes of topic with seq in [fromSeq, toSeq].
func (h *Hub) Replay(topic string, fromSeq, toSeq int64) [][]byte {
	h.mu.RLock()
	rb, ok := h.replay[topic]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	entries := rb.Range(fromSeq, toSeq)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// TopicSeq returns the last sequence number issued on topic.
func (h *Hub) TopicSeq(topic string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.topicSeqs[topic]
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
