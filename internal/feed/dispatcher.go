// Package feed connects the live price stream to the trailing-stop engine
// and fans the resulting position events out to storage and alerts.
package feed

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tradesignals/internal/marketdata/closedetector"
	"tradesignals/internal/markethours"
	"tradesignals/internal/model"
	"tradesignals/internal/notification"
	"tradesignals/internal/trailing"
)

// EventHandler consumes one position event.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev trailing.Event) error
}

// EventHandlerFunc adapts a function, such as Journal.RecordEvent or
// Publisher.PublishEvent, to EventHandler.
type EventHandlerFunc func(ctx context.Context, ev trailing.Event) error

func (f EventHandlerFunc) HandleEvent(ctx context.Context, ev trailing.Event) error { return f(ctx, ev) }

// NotifyEvents alerts on activations and closes. Ratchets are too frequent
// to page anyone about.
func NotifyEvents(n notification.Notifier) EventHandler {
	return EventHandlerFunc(func(ctx context.Context, ev trailing.Event) error {
		if ev.Type == trailing.EventRatcheted {
			return nil
		}
		return n.Send(ctx, notification.EventAlert(ev))
	})
}

// NamedHandler labels a handler for logs.
type NamedHandler struct {
	Name string
	EventHandler
}

// Dispatcher applies ticks to the trailing engine. When a close detector is
// set, positions are flattened once each symbol's closing price is captured,
// and any leftovers at the detector's hard deadline.
type Dispatcher struct {
	engine   *trailing.Engine
	handlers []NamedHandler
	closer   *closedetector.Detector
	log      *zap.Logger

	// SweepInterval is how often leftovers are checked after the close.
	SweepInterval time.Duration

	// Optional metrics hooks
	OnTick        func(model.Tick)
	OnInvalidTick func(symbol string)
}

// New creates a Dispatcher for engine. handlers receive every event in the
// order given.
func New(engine *trailing.Engine, log *zap.Logger, handlers ...NamedHandler) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		engine:        engine,
		handlers:      handlers,
		log:           log.Named("dispatcher"),
		SweepInterval: 30 * time.Second,
	}
}

// FlattenAtClose closes every position after the regular session ends.
func (d *Dispatcher) FlattenAtClose(det *closedetector.Detector) { d.closer = det }

// Run applies ticks until ctx is cancelled or ticks is closed.
func (d *Dispatcher) Run(ctx context.Context, ticks <-chan model.Tick) {
	var sweep <-chan time.Time
	if d.closer != nil && d.SweepInterval > 0 {
		t := time.NewTicker(d.SweepInterval)
		defer t.Stop()
		sweep = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case tk, ok := <-ticks:
			if !ok {
				return
			}
			d.HandleTick(tk)
		case now := <-sweep:
			d.Sweep(now)
		}
	}
}

// HandleTick applies one tick.
func (d *Dispatcher) HandleTick(tk model.Tick) {
	if d.OnTick != nil {
		d.OnTick(tk)
	}
	_, err := d.engine.OnPriceUpdate(tk.Symbol, tk.Price, tk.TS)
	switch {
	case err == nil:
	case errors.Is(err, trailing.ErrStaleUpdate):
		// counted and logged by the engine
	default:
		if d.OnInvalidTick != nil {
			d.OnInvalidTick(tk.Symbol)
		}
		d.log.Warn("tick rejected", zap.String("symbol", tk.Symbol), zap.Error(err))
	}

	if d.closer == nil {
		return
	}
	d.rollSession(tk.TS)
	if d.closer.Observe(tk.Symbol, tk.Price, tk.TS) {
		px, _ := d.closer.ClosingPrice(tk.Symbol)
		d.flatten(tk.Symbol, px)
	}
}

// Sweep flattens every remaining position once the detector's hard deadline
// has passed.
func (d *Dispatcher) Sweep(now time.Time) {
	if d.closer == nil {
		return
	}
	d.rollSession(now)
	if !now.After(d.closer.CloseTime().Add(d.closer.MaxGrace)) {
		return
	}
	for _, p := range d.engine.Positions() {
		d.flatten(p.Symbol, p.LastPrice)
	}
}

// rollSession moves the detector to the current trading day's close.
func (d *Dispatcher) rollSession(at time.Time) {
	if !markethours.IsTradingDay(at) {
		return
	}
	if sessionClose := markethours.TodayClose(at); !sessionClose.Equal(d.closer.CloseTime()) {
		d.closer.Reset(sessionClose)
	}
}

func (d *Dispatcher) flatten(symbol string, px float64) {
	if ev, ok := d.engine.RemovePosition(symbol, "session close"); ok {
		d.log.Info("flattened at session close",
			zap.String("symbol", symbol),
			zap.Float64("closing_price", px),
			zap.Float64("stop", ev.Stop))
	}
}

// RunEvents forwards engine events to every handler until ctx is cancelled,
// then delivers whatever is still buffered. A failing handler is logged and
// never blocks the others.
func (d *Dispatcher) RunEvents(ctx context.Context) {
	events := d.engine.Events()
	for {
		select {
		case <-ctx.Done():
			d.drain(context.WithoutCancel(ctx), events)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.HandleEvent(ctx, ev)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context, events <-chan trailing.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.HandleEvent(ctx, ev)
		default:
			return
		}
	}
}

// HandleEvent delivers ev to every handler.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev trailing.Event) {
	for _, h := range d.handlers {
		if err := h.HandleEvent(ctx, ev); err != nil {
			d.log.Warn("event handler failed",
				zap.String("handler", h.Name),
				zap.String("type", string(ev.Type)),
				zap.String("symbol", ev.Symbol),
				zap.Error(err))
		}
	}
}
