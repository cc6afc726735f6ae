package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoBars is returned by a BarSource that cannot supply a complete,
// ordered sequence. Sources never return partial results.
var ErrNoBars = errors.New("no bars available")

// Bar is one OHLCV bar for a single symbol. Prices are in quote currency units.
type Bar struct {
	Symbol string    `json:"symbol"`
	TS     time.Time `json:"ts"` // bar open time (UTC)
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// Typical returns (high + low + close) / 3, the price VWAP weights by volume.
func (b Bar) Typical() float64 {
	return (b.High + b.Low + b.Close) / 3
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b Bar) JSON() []byte {
	out, _ := json.Marshal(b)
	return out
}

// ValidateBars checks that bars are non-empty, belong to one symbol, have
// strictly increasing timestamps and positive prices.
func ValidateBars(bars []Bar) error {
	if len(bars) == 0 {
		return ErrNoBars
	}
	sym := bars[0].Symbol
	for i, b := range bars {
		if b.Symbol != sym {
			return fmt.Errorf("bar %d: symbol %q, want %q", i, b.Symbol, sym)
		}
		if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
			return fmt.Errorf("bar %d (%s): non-positive price", i, b.TS.Format(time.RFC3339))
		}
		if b.Volume < 0 {
			return fmt.Errorf("bar %d (%s): negative volume", i, b.TS.Format(time.RFC3339))
		}
		if i > 0 && !b.TS.After(bars[i-1].TS) {
			return fmt.Errorf("bar %d (%s): timestamp not after previous", i, b.TS.Format(time.RFC3339))
		}
	}
	return nil
}

// Timeframe is a bar interval such as "1m", "5m", "1h" or "1d".
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// Duration returns the bar interval. Unknown timeframes return 0.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1m:
		return time.Minute
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF30m:
		return 30 * time.Minute
	case TF1h:
		return time.Hour
	case TF4h:
		return 4 * time.Hour
	case TF1d:
		return 24 * time.Hour
	}
	return 0
}

// Valid reports whether tf is one of the known timeframes.
func (tf Timeframe) Valid() bool { return tf.Duration() > 0 }
