package movement

import (
	"fmt"
	"strings"
	"time"

	"tradesignals/internal/model"
)

// Config holds the movement analyzer settings. Map keys are matched
// case-insensitively (symbols are upper-cased, sectors lower-cased).
type Config struct {
	OutlierCapPct         float64       `mapstructure:"outlier_cap_pct"`
	OutlierMedianMultiple float64       `mapstructure:"outlier_median_multiple"`
	MinSamples            int           `mapstructure:"min_samples"`
	LookbackBars          int           `mapstructure:"lookback_bars"`
	RefreshInterval       time.Duration `mapstructure:"refresh_interval"`
	FallbackRefresh       time.Duration `mapstructure:"fallback_refresh"`

	StopMultiplier   float64 `mapstructure:"stop_multiplier"`
	ProfitMultiplier float64 `mapstructure:"profit_multiplier"`
	MinRiskReward    float64 `mapstructure:"min_risk_reward"`
	TrailingFactor   float64 `mapstructure:"trailing_factor"`
	TrailingCapPct   float64 `mapstructure:"trailing_cap_pct"`
	MinStopPct       float64 `mapstructure:"min_stop_pct"`
	TickSize         float64 `mapstructure:"tick_size"`

	// Daily volatility estimates in percent.
	FallbackVolatility   map[string]float64 `mapstructure:"fallback_volatility"`
	SymbolSector         map[string]string  `mapstructure:"symbol_sector"`
	SectorVolatility     map[string]float64 `mapstructure:"sector_volatility"`
	DefaultVolatilityPct float64            `mapstructure:"default_volatility_pct"`

	// Fraction of the daily estimate that applies to one bar.
	TimeframeScale map[string]float64 `mapstructure:"timeframe_scale"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		OutlierCapPct:         10,
		OutlierMedianMultiple: 10,
		MinSamples:            20,
		LookbackBars:          200,
		RefreshInterval:       24 * time.Hour,
		FallbackRefresh:       time.Hour,

		StopMultiplier:   1.2,
		ProfitMultiplier: 1.5,
		MinRiskReward:    1.5,
		TrailingFactor:   0.7,
		TrailingCapPct:   2.0,
		MinStopPct:       0.05,
		TickSize:         0.01,

		FallbackVolatility: map[string]float64{
			"AAPL": 1.8, "MSFT": 1.6, "NVDA": 3.2, "TSLA": 3.8, "AMZN": 2.0,
			"META": 2.4, "GOOGL": 1.9, "SPY": 1.1, "QQQ": 1.4,
		},
		SymbolSector: map[string]string{
			"AAPL": "tech", "MSFT": "tech", "NVDA": "tech", "GOOGL": "tech", "META": "tech",
			"AMZN": "consumer", "TSLA": "consumer", "JPM": "financials", "XOM": "energy",
			"SPY": "etf", "QQQ": "etf",
		},
		SectorVolatility: map[string]float64{
			"tech": 2.2, "consumer": 2.0, "financials": 1.6, "energy": 2.4,
			"healthcare": 1.5, "utilities": 1.1, "etf": 1.2,
		},
		DefaultVolatilityPct: 2.0,

		TimeframeScale: map[string]float64{
			"1m": 0.08, "5m": 0.18, "15m": 0.30, "30m": 0.42,
			"1h": 0.55, "4h": 0.80, "1d": 1.0,
		},
	}
}

// Validate returns the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.MinSamples < 2:
		return fmt.Errorf("movement: min_samples must be >= 2, got %d", c.MinSamples)
	case c.OutlierCapPct <= 0:
		return fmt.Errorf("movement: outlier_cap_pct must be > 0")
	case c.StopMultiplier <= 0 || c.ProfitMultiplier <= 0:
		return fmt.Errorf("movement: stop/profit multipliers must be > 0")
	case c.MinRiskReward < 1:
		return fmt.Errorf("movement: min_risk_reward must be >= 1, got %.2f", c.MinRiskReward)
	case c.TrailingFactor <= 0 || c.TrailingCapPct <= 0:
		return fmt.Errorf("movement: trailing factor and cap must be > 0")
	case c.DefaultVolatilityPct <= 0:
		return fmt.Errorf("movement: default_volatility_pct must be > 0")
	case c.RefreshInterval <= 0:
		return fmt.Errorf("movement: refresh_interval must be > 0")
	case c.TickSize <= 0:
		return fmt.Errorf("movement: tick_size must be > 0")
	}
	return nil
}

// normalized returns a copy with case-folded map keys.
func (c Config) normalized() Config {
	out := c
	out.FallbackVolatility = make(map[string]float64, len(c.FallbackVolatility))
	for k, v := range c.FallbackVolatility {
		out.FallbackVolatility[strings.ToUpper(k)] = v
	}
	out.SymbolSector = make(map[string]string, len(c.SymbolSector))
	for k, v := range c.SymbolSector {
		out.SymbolSector[strings.ToUpper(k)] = strings.ToLower(v)
	}
	out.SectorVolatility = make(map[string]float64, len(c.SectorVolatility))
	for k, v := range c.SectorVolatility {
		out.SectorVolatility[strings.ToLower(k)] = v
	}
	out.TimeframeScale = make(map[string]float64, len(c.TimeframeScale))
	for k, v := range c.TimeframeScale {
		out.TimeframeScale[strings.ToLower(k)] = v
	}
	return out
}

// DailyVolatility resolves symbol, then sector, then the global default.
func (c Config) DailyVolatility(symbol string) float64 {
	sym := strings.ToUpper(symbol)
	if v, ok := c.FallbackVolatility[sym]; ok && v > 0 {
		return v
	}
	if sector, ok := c.SymbolSector[sym]; ok {
		if v, ok := c.SectorVolatility[strings.ToLower(sector)]; ok && v > 0 {
			return v
		}
	}
	return c.DefaultVolatilityPct
}

// Scale returns the timeframe fraction of the daily estimate. Unknown
// timeframes scale by their share of a 6.5h session, capped at 1.
func (c Config) Scale(tf model.Timeframe) float64 {
	if v, ok := c.TimeframeScale[strings.ToLower(string(tf))]; ok && v > 0 {
		return v
	}
	d := tf.Duration()
	if d <= 0 {
		return 1
	}
	s := d.Hours() / 6.5
	if s > 1 {
		return 1
	}
	return s
}
