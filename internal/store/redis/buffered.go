package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tradesignals/internal/model"
	"tradesignals/internal/trailing"
)

type backend interface {
	publishDecision(ctx context.Context, symbol, sigJSON, decJSON string) error
	publishEvent(ctx context.Context, symbol, data string) error
}

type pendingKind uint8

const (
	pendingDecision pendingKind = iota
	pendingEvent
)

// pendingWrite is a publish held back while Redis was unavailable.
type pendingWrite struct {
	kind    pendingKind
	symbol  string
	payload string
	extra   string // decision JSON for pendingDecision
}

// BufferedPublisher wraps a Publisher with a circuit breaker. While the
// breaker is open, or a publish fails, writes are held locally and
// replayed in order once the breaker closes again.
type BufferedPublisher struct {
	pub backend
	cb  *CircuitBreaker
	ctx context.Context
	log *zap.Logger

	mu     sync.Mutex
	buffer []pendingWrite
	maxBuf int // oldest writes are dropped beyond this
	lost   int

	// Callbacks
	OnBuffer func()          // called when a write is buffered
	OnFlush  func(count int) // called after replaying buffered writes
}

// NewBufferedPublisher creates a BufferedPublisher around p. ctx bounds the
// background flushes.
func NewBufferedPublisher(ctx context.Context, p *Publisher, cb *CircuitBreaker, maxBufferSize int, log *zap.Logger) *BufferedPublisher {
	return newBuffered(ctx, p, cb, maxBufferSize, log)
}

func newBuffered(ctx context.Context, p backend, cb *CircuitBreaker, maxBufferSize int, log *zap.Logger) *BufferedPublisher {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	if log == nil {
		log = zap.NewNop()
	}
	bp := &BufferedPublisher{
		pub:    p,
		cb:     cb,
		ctx:    ctx,
		log:    log.Named("redis-buffer"),
		buffer: make([]pendingWrite, 0, 64),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bp.Flush(bp.ctx)
		}
	}
	return bp
}

// Emit publishes an executed decision through the breaker.
func (bp *BufferedPublisher) Emit(ctx context.Context, sig model.Signal, d model.ExecutionDecision) error {
	w := pendingWrite{kind: pendingDecision, symbol: sig.Symbol, payload: string(sig.JSON()), extra: string(d.JSON())}
	return bp.send(ctx, w)
}

// PublishEvent publishes a trailing stop event through the breaker.
func (bp *BufferedPublisher) PublishEvent(ctx context.Context, ev trailing.Event) error {
	w := pendingWrite{kind: pendingEvent, symbol: ev.Symbol, payload: string(eventJSON(ev))}
	return bp.send(ctx, w)
}

func (bp *BufferedPublisher) send(ctx context.Context, w pendingWrite) error {
	err := bp.cb.Execute(func() error { return bp.write(ctx, w) })
	if err == nil {
		return nil
	}
	bp.hold(w)
	if errors.Is(err, ErrCircuitOpen) {
		return nil
	}
	return fmt.Errorf("buffered after failure: %w", err)
}

func (bp *BufferedPublisher) write(ctx context.Context, w pendingWrite) error {
	if w.kind == pendingEvent {
		return bp.pub.publishEvent(ctx, w.symbol, w.payload)
	}
	return bp.pub.publishDecision(ctx, w.symbol, w.payload, w.extra)
}

func (bp *BufferedPublisher) hold(w pendingWrite) {
	bp.mu.Lock()
	if len(bp.buffer) >= bp.maxBuf {
		bp.buffer = bp.buffer[1:]
		bp.lost++
	}
	bp.buffer = append(bp.buffer, w)
	bp.mu.Unlock()

	if bp.OnBuffer != nil {
		bp.OnBuffer()
	}
}

// Flush replays buffered writes in order and returns how many succeeded.
// Writes that fail again go back to the front of the buffer.
func (bp *BufferedPublisher) Flush(ctx context.Context) int {
	bp.mu.Lock()
	if len(bp.buffer) == 0 {
		bp.mu.Unlock()
		return 0
	}
	toFlush := bp.buffer
	bp.buffer = make([]pendingWrite, 0, 64)
	bp.mu.Unlock()

	flushed := 0
	for i, w := range toFlush {
		if err := bp.write(ctx, w); err != nil {
			bp.log.Warn("flush interrupted", zap.Int("flushed", flushed), zap.Error(err))
			bp.mu.Lock()
			bp.buffer = append(append([]pendingWrite(nil), toFlush[i:]...), bp.buffer...)
			bp.mu.Unlock()
			break
		}
		flushed++
	}

	bp.log.Info("flushed buffered publishes", zap.Int("count", flushed))
	if bp.OnFlush != nil {
		bp.OnFlush(flushed)
	}
	return flushed
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bp *BufferedPublisher) PendingCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer)
}

// Lost returns the number of writes dropped because the buffer was full.
func (bp *BufferedPublisher) Lost() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.lost
}

func eventJSON(ev trailing.Event) []byte {
	b, _ := json.Marshal(ev)
	return b
}
