// Package closedetector decides when a symbol's closing price has been
// captured after the session close: once its price has stopped changing
// for StableFor, or at a hard deadline.
package closedetector

import (
	"sync"
	"time"
)

type symbolState struct {
	lastPrice   float64
	stableSince time.Time
	captured    bool
}

// Detector tracks post-close price stability per symbol. Safe for
// concurrent use.
type Detector struct {
	mu        sync.Mutex
	closeTime time.Time
	states    map[string]*symbolState

	// StableFor is how long the price must remain constant to be considered
	// the closing price. Default: 30 seconds.
	StableFor time.Duration

	// MaxGrace is the hard deadline after closeTime. Default: 5 minutes.
	MaxGrace time.Duration
}

// New creates a Detector for the given session close.
func New(closeTime time.Time) *Detector {
	return &Detector{
		closeTime: closeTime,
		states:    make(map[string]*symbolState),
		StableFor: 30 * time.Second,
		MaxGrace:  5 * time.Minute,
	}
}

// Reset starts tracking a new session close and forgets every symbol.
func (d *Detector) Reset(closeTime time.Time) {
	d.mu.Lock()
	d.closeTime = closeTime
	d.states = make(map[string]*symbolState)
	d.mu.Unlock()
}

// CloseTime returns the session close being tracked.
func (d *Detector) CloseTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeTime
}

// IsPostClose returns true if now is after the session close.
func (d *Detector) IsPostClose(now time.Time) bool {
	return now.After(d.CloseTime())
}

// Observe records a price and returns true exactly once per symbol: when
// the closing price is captured.
func (d *Detector) Observe(symbol string, price float64, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.states[symbol]
	if !ok {
		s = &symbolState{lastPrice: price}
		d.states[symbol] = s
	}
	if s.captured {
		return false
	}

	if now.After(d.closeTime.Add(d.MaxGrace)) {
		s.lastPrice = price
		s.captured = true
		return true
	}
	if !now.After(d.closeTime) {
		s.lastPrice = price
		return false
	}
	if price != s.lastPrice {
		s.lastPrice = price
		s.stableSince = now
		return false
	}
	if s.stableSince.IsZero() {
		s.stableSince = now
		return false
	}
	if now.Sub(s.stableSince) >= d.StableFor {
		s.captured = true
		return true
	}
	return false
}

// ClosingPrice returns the last observed price for symbol.
func (d *Detector) ClosingPrice(symbol string) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.states[symbol]
	if !ok {
		return 0, false
	}
	return s.lastPrice, true
}
