package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Direction is the side a signal recommends. There is no HOLD value:
// the absence of a signal means no opinion.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// Score is a bounded heuristic in [0,1]. It summarizes how many and how
// strongly conditions were met; it is not a calibrated probability.
type Score float64

// ClampScore bounds v to [0, max]. NaN maps to 0.
func ClampScore(v, max float64) Score {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > max {
		return Score(max)
	}
	return Score(v)
}

// Valid reports whether s lies in [0,1].
func (s Score) Valid() bool { return s >= 0 && s <= 1 }

// Signal is a directional recommendation from one strategy. It is created
// once and never mutated.
type Signal struct {
	ID              string            `json:"id"`
	Symbol          string            `json:"symbol"`
	Direction       Direction         `json:"direction"`
	Strategy        string            `json:"strategy"`
	Confidence      Score             `json:"confidence"`
	Entry           float64           `json:"entry"`
	StopLoss        float64           `json:"stop_loss"`
	ProfitTarget    float64           `json:"profit_target"`
	TrailingStopPct float64           `json:"trailing_stop_pct"`
	Timeframe       Timeframe         `json:"timeframe"`
	FallbackLevels  bool              `json:"fallback_levels"`
	CreatedAt       time.Time         `json:"created_at"`
	Metadata        map[string]string `json:"metadata,omitempty"` // diagnostic only
}

// NewSignalID returns a fresh signal id.
func NewSignalID() string { return uuid.NewString() }

// Validate enforces level ordering and the confidence range.
func (s *Signal) Validate() error {
	if !s.Confidence.Valid() {
		return fmt.Errorf("signal %s: confidence %.4f out of range", s.Symbol, float64(s.Confidence))
	}
	switch s.Direction {
	case Buy:
		if !(s.StopLoss < s.Entry && s.Entry < s.ProfitTarget) {
			return fmt.Errorf("signal %s BUY: want stop %.4f < entry %.4f < target %.4f",
				s.Symbol, s.StopLoss, s.Entry, s.ProfitTarget)
		}
	case Sell:
		if !(s.StopLoss > s.Entry && s.Entry > s.ProfitTarget) {
			return fmt.Errorf("signal %s SELL: want stop %.4f > entry %.4f > target %.4f",
				s.Symbol, s.StopLoss, s.Entry, s.ProfitTarget)
		}
	default:
		return fmt.Errorf("signal %s: unknown direction %q", s.Symbol, s.Direction)
	}
	return nil
}

// JSON returns the JSON-encoded signal.
func (s *Signal) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

// ExecutionDecision is the aggregator's verdict for one symbol.
type ExecutionDecision struct {
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction,omitempty"`
	Confidence Score     `json:"confidence"`
	Execute    bool      `json:"execute"`
	// Primary is the winning-direction signal with the highest weighted
	// confidence; nil when no strategy voted.
	Primary   *Signal   `json:"primary,omitempty"`
	Voters    []string  `json:"voters,omitempty"`
	Dissent   []string  `json:"dissent,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// JSON returns the JSON-encoded decision.
func (d *ExecutionDecision) JSON() []byte {
	b, _ := json.Marshal(d)
	return b
}
