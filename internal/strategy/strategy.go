// Package strategy turns indicator snapshots into directional signals.
//
// Every Strategy evaluates an ordered BUY list and SELL list of conditions
// against its indicator view, scores the winning side, and asks the
// movement analyzer for stop and target levels. The Engine runs all
// registered strategies for a symbol against one shared indicator cache.
package strategy

import (
	"errors"
	"fmt"

	"tradesignals/internal/model"
	"tradesignals/internal/movement"
)

// ID names a strategy. It doubles as the indicator subset id.
type ID string

const (
	Momentum      ID = "momentum"
	MeanReversion ID = "mean_reversion"
	VWAPBounce    ID = "vwap_bounce"
)

// Strategy is the interface that all signal strategies implement.
type Strategy interface {
	ID() ID

	// MinBars is the smallest history the strategy evaluates.
	MinBars() int

	// GenerateSignal returns nil, nil when the strategy has no opinion.
	// Errors are reserved for contract violations such as an unregistered
	// indicator subset; bad or short data never produces one.
	GenerateSignal(symbol string, bars []model.Bar) (*model.Signal, error)
}

// Leveler supplies stop and target levels. *movement.Analyzer implements it.
type Leveler interface {
	LevelsFor(symbol string, tf model.Timeframe, entry float64, dir model.Direction, history []model.Bar) (movement.Levels, error)
}

// Params tunes one strategy.
type Params struct {
	Enabled       bool       `mapstructure:"enabled"`
	MinBars       int        `mapstructure:"min_bars"`
	MinConditions int        `mapstructure:"min_conditions"`
	MinConfidence float64    `mapstructure:"min_confidence"`
	Thresholds    Thresholds `mapstructure:"thresholds"`
}

// Thresholds are the condition levels. Each strategy reads the subset its
// conditions use. RSI bands are open intervals; mean reversion reads only
// rsi_buy_high as its oversold ceiling and rsi_sell_low as its overbought
// floor.
type Thresholds struct {
	RSIBuyLow   float64 `mapstructure:"rsi_buy_low"`
	RSIBuyHigh  float64 `mapstructure:"rsi_buy_high"`
	RSISellLow  float64 `mapstructure:"rsi_sell_low"`
	RSISellHigh float64 `mapstructure:"rsi_sell_high"`

	ADXTrend           float64 `mapstructure:"adx_trend"`
	WilliamsOversold   float64 `mapstructure:"williams_oversold"`
	WilliamsOverbought float64 `mapstructure:"williams_overbought"`
	StochOversold      float64 `mapstructure:"stoch_oversold"`
	StochOverbought    float64 `mapstructure:"stoch_overbought"`
	MinBandWidth       float64 `mapstructure:"min_band_width"`

	// Minimum volume relative to its 20-bar average.
	VolumeRatio float64 `mapstructure:"volume_ratio"`
	// Maximum |close - vwap| in ATR multiples.
	VWAPProximityATR float64 `mapstructure:"vwap_proximity_atr"`
}

func (t Thresholds) validate() error {
	inRSI := func(v float64) bool { return v >= 0 && v <= 100 }
	switch {
	case !inRSI(t.RSIBuyLow) || !inRSI(t.RSIBuyHigh) || t.RSIBuyLow >= t.RSIBuyHigh:
		return fmt.Errorf("rsi buy band (%.1f, %.1f) invalid", t.RSIBuyLow, t.RSIBuyHigh)
	case !inRSI(t.RSISellLow) || !inRSI(t.RSISellHigh) || t.RSISellLow >= t.RSISellHigh:
		return fmt.Errorf("rsi sell band (%.1f, %.1f) invalid", t.RSISellLow, t.RSISellHigh)
	case t.WilliamsOversold < -100 || t.WilliamsOverbought > 0 || t.WilliamsOversold > t.WilliamsOverbought:
		return fmt.Errorf("williams levels %.1f/%.1f outside [-100, 0]", t.WilliamsOversold, t.WilliamsOverbought)
	case t.StochOversold < 0 || t.StochOverbought > 100 || t.StochOversold > t.StochOverbought:
		return fmt.Errorf("stochastic levels %.1f/%.1f outside [0, 100]", t.StochOversold, t.StochOverbought)
	case t.ADXTrend < 0 || t.VolumeRatio < 0 || t.MinBandWidth < 0 || t.VWAPProximityATR < 0:
		return errors.New("adx_trend, volume_ratio, min_band_width and vwap_proximity_atr must be >= 0")
	}
	return nil
}

// Config holds the settings for every built-in strategy.
type Config struct {
	Timeframe     model.Timeframe `mapstructure:"timeframe"`
	MaxConfidence float64         `mapstructure:"max_confidence"`
	Momentum      Params          `mapstructure:"momentum"`
	MeanReversion Params          `mapstructure:"mean_reversion"`
	VWAPBounce    Params          `mapstructure:"vwap_bounce"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Timeframe:     model.TF5m,
		MaxConfidence: 0.95,
		Momentum: Params{
			Enabled: true, MinBars: 35, MinConditions: 4, MinConfidence: 0.60,
			Thresholds: Thresholds{
				RSIBuyLow: 50, RSIBuyHigh: 70, RSISellLow: 30, RSISellHigh: 50,
				ADXTrend: 20, VolumeRatio: 1.2,
			},
		},
		MeanReversion: Params{
			Enabled: true, MinBars: 26, MinConditions: 5, MinConfidence: 0.65,
			Thresholds: Thresholds{
				RSIBuyLow: 0, RSIBuyHigh: 30, RSISellLow: 70, RSISellHigh: 100,
				WilliamsOversold: -80, WilliamsOverbought: -20,
				StochOversold: 20, StochOverbought: 80,
				MinBandWidth: 0.01, VolumeRatio: 1.0,
			},
		},
		VWAPBounce: Params{
			Enabled: true, MinBars: 30, MinConditions: 4, MinConfidence: 0.62,
			Thresholds: Thresholds{
				RSIBuyLow: 40, RSIBuyHigh: 65, RSISellLow: 35, RSISellHigh: 60,
				VolumeRatio: 1.0, VWAPProximityATR: 0.5,
			},
		},
	}
}

// Validate checks ranges for every strategy.
func (c Config) Validate() error {
	if !c.Timeframe.Valid() {
		return fmt.Errorf("strategy: invalid timeframe %q", c.Timeframe)
	}
	if c.MaxConfidence <= 0 || c.MaxConfidence >= 1 {
		return fmt.Errorf("strategy: max_confidence must be in (0,1), got %.2f", c.MaxConfidence)
	}
	for id, p := range map[ID]Params{Momentum: c.Momentum, MeanReversion: c.MeanReversion, VWAPBounce: c.VWAPBounce} {
		if !p.Enabled {
			continue
		}
		if p.MinBars < 1 || p.MinConditions < 1 {
			return fmt.Errorf("strategy %s: min_bars and min_conditions must be >= 1", id)
		}
		if p.MinConfidence < 0 || p.MinConfidence > c.MaxConfidence {
			return fmt.Errorf("strategy %s: min_confidence %.2f outside [0, %.2f]", id, p.MinConfidence, c.MaxConfidence)
		}
		if err := p.Thresholds.validate(); err != nil {
			return fmt.Errorf("strategy %s: %w", id, err)
		}
	}
	if c.VWAPBounce.Enabled && c.VWAPBounce.Thresholds.VWAPProximityATR <= 0 {
		return errors.New("strategy vwap_bounce: vwap_proximity_atr must be > 0")
	}
	return nil
}
