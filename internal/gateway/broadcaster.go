package gateway

import (
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Broadcaster builds envelopes and fans them out to matching clients.
type Broadcaster struct {
	hub *Hub
}

// NewBroadcaster creates a Broadcaster backed by hub.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

// payloadMeta is the part of a decision or position event the gateway
// routes on.
type payloadMeta struct {
	Symbol    string    `json:"symbol"`
	DecidedAt time.Time `json:"decided_at"` // decisions
	At        time.Time `json:"at"`         // position events
}

func (m payloadMeta) published() time.Time {
	if !m.DecidedAt.IsZero() {
		return m.DecidedAt
	}
	return m.At
}

// Broadcast assigns sequence numbers, records the payload as the topic's
// latest state, buffers the envelope for replay and queues it for every
// subscribed client. Slow clients lose the envelope rather than block.
func (b *Broadcaster) Broadcast(kind string, data []byte) {
	h := b.hub
	var meta payloadMeta
	if err := json.Unmarshal(data, &meta); err != nil || meta.Symbol == "" {
		h.log.Warn("dropping unroutable payload", zap.String("kind", kind), zap.ByteString("data", data))
		return
	}
	topic := Topic(kind, meta.Symbol)
	now := h.now().UTC()

	var delay time.Duration
	if pub := meta.published(); !pub.IsZero() {
		delay = now.Sub(pub)
		h.Latency.Observe(delay)
	}

	h.mu.Lock()
	h.seq++
	h.topicSeqs[topic]++
	seq, topicSeq := h.seq, h.topicSeqs[topic]
	h.latest[topic] = latestEntry{Data: append(json.RawMessage(nil), data...), TS: now, Seq: topicSeq}
	rb, ok := h.replay[topic]
	if !ok {
		rb = NewReplayBuffer(h.cfg.ReplaySize)
		h.replay[topic] = rb
	}
	h.mu.Unlock()

	env := buildEnvelope(topic, kind, data, now, seq, topicSeq, false)
	rb.Push(topicSeq, env)

	h.mu.RLock()
	for c := range h.clients {
		if c.wants(kind, meta.Symbol) {
			h.enqueueLocked(c, env)
		}
	}
	h.mu.RUnlock()

	if h.OnBroadcast != nil {
		h.OnBroadcast(kind, delay)
	}
}

// buildEnvelope hand-crafts the envelope JSON; data is already encoded.
func buildEnvelope(topic, kind string, data []byte, ts time.Time, seq, topicSeq int64, initial bool) []byte {
	buf := make([]byte, 0, len(topic)+len(data)+160)
	buf = append(buf, `{"topic":"`...)
	buf = append(buf, topic...)
	buf = append(buf, `","kind":"`...)
	buf = append(buf, kind...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = ts.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"topic_seq":`...)
	buf = strconv.AppendInt(buf, topicSeq, 10)
	if initial {
		buf = append(buf, `,"initial":true`...)
	}
	buf = append(buf, '}')
	return buf
}
