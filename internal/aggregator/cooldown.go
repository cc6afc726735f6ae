package aggregator

import (
	"sync"
	"time"
)

// cooldowns tracks when each symbol may trade again.
type cooldowns struct {
	normal, failure time.Duration

	mu    sync.Mutex
	until map[string]time.Time
}

func newCooldowns(normal, failure time.Duration) *cooldowns {
	return &cooldowns{normal: normal, failure: failure, until: make(map[string]time.Time)}
}

func (c *cooldowns) extend(symbol string, t time.Time) {
	c.mu.Lock()
	if t.After(c.until[symbol]) {
		c.until[symbol] = t
	}
	c.mu.Unlock()
}

func (c *cooldowns) signal(symbol string, now time.Time)        { c.extend(symbol, now.Add(c.normal)) }
func (c *cooldowns) recordFailure(symbol string, now time.Time) { c.extend(symbol, now.Add(c.failure)) }

func (c *cooldowns) remaining(symbol string, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.until[symbol]
	if !ok || !now.Before(u) {
		delete(c.until, symbol)
		return 0
	}
	return u.Sub(now)
}

func (c *cooldowns) active(symbol string, now time.Time) bool {
	return c.remaining(symbol, now) > 0
}
