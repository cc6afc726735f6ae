package indicator

import "tradesignals/internal/model"

// MACD tracks the fast/slow EMA spread, its signal EMA and the histogram.
// The signal line starts accumulating once the slow EMA is seeded, so the
// histogram is ready after slow+signal-1 bars (34 for 12/26/9).
type MACD struct {
	fast   *EMA
	slow   *EMA
	signal *EMA
	line   float64
}

// NewMACD creates a MACD with the given fast, slow and signal periods.
func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{
		fast:   NewEMA(fast),
		slow:   NewEMA(slow),
		signal: NewEMA(signal),
	}
}

func (m *MACD) Update(bar model.Bar) {
	m.fast.Update(bar)
	m.slow.Update(bar)
	if !m.slow.Ready() {
		return
	}
	m.line = m.fast.Value() - m.slow.Value()
	m.signal.Add(m.line)
}

// Line returns fastEMA - slowEMA.
func (m *MACD) Line() float64 { return m.line }

// Signal returns the EMA of the MACD line.
func (m *MACD) Signal() float64 { return m.signal.Value() }

// Hist returns Line - Signal.
func (m *MACD) Hist() float64 { return m.line - m.signal.Value() }

func (m *MACD) LineReady() bool   { return m.slow.Ready() }
func (m *MACD) SignalReady() bool { return m.signal.Ready() }
