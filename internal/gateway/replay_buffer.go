package gateway

import "sync"

// replayEntry is one envelope kept for gap backfill.
type replayEntry struct {
	Seq  int64
	Data []byte
}

// ReplayBuffer keeps the most recent envelopes of one topic, oldest
// overwritten first. Safe for concurrent use.
type ReplayBuffer struct {
	mu      sync.RWMutex
	entries []replayEntry
	start   int // index of the oldest entry once full
	limit   int
}

// NewReplayBuffer creates a buffer holding up to capacity envelopes.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &ReplayBuffer{entries: make([]replayEntry, 0, capacity), limit: capacity}
}

// Push stores a copy of data under seq. Sequence numbers must increase.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(rb.entries) < rb.limit {
		rb.entries = append(rb.entries, replayEntry{Seq: seq, Data: cp})
		return
	}
	rb.entries[rb.start] = replayEntry{Seq: seq, Data: cp}
	rb.start = (rb.start + 1) % rb.limit
}

// Range returns the entries with fromSeq <= seq <= toSeq, oldest first.
func (rb *ReplayBuffer) Range(fromSeq, toSeq int64) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []replayEntry
	n := len(rb.entries)
	for i := 0; i < n; i++ {
		e := rb.entries[(rb.start+i)%n]
		if e.Seq >= fromSeq && e.Seq <= toSeq {
			out = append(out, e)
		}
	}
	return out
}

// Since returns every entry newer than seq, oldest first.
func (rb *ReplayBuffer) Since(seq int64) []replayEntry {
	return rb.Range(seq+1, int64(^uint64(0)>>1))
}

// Len returns the number of buffered entries.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.entries)
}
