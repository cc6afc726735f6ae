package strategy

import (
	"go.uber.org/zap"

	"tradesignals/internal/indicator"
	"tradesignals/internal/model"
)

// MeanReversionStrategy fades stretched moves back toward the 20-bar mean.
//
// confidence = 0.55·frac + 0.45·clamp(|close − bb_middle| / half band width)
type MeanReversionStrategy struct {
	evaluator
}

// NewMeanReversion builds the mean-reversion strategy from cfg.MeanReversion.
func NewMeanReversion(cfg Config, cache *indicator.Cache, levels Leveler, log *zap.Logger) *MeanReversionStrategy {
	s := &MeanReversionStrategy{newEvaluator(MeanReversion, cfg.MeanReversion, cfg, cache, levels, log)}
	th := cfg.MeanReversion.Thresholds
	s.fracWeight = 0.55
	s.strength = bandStretch
	s.buy = []Condition{
		cmp("below_lower_band", indicator.CloseName, le, indicator.BBLower),
		threshold("rsi_oversold", indicator.RSI14, lt, th.RSIBuyHigh),
		threshold("williams_oversold", indicator.WilliamsR14, lt, th.WilliamsOversold),
		threshold("stoch_oversold", indicator.StochK, lt, th.StochOversold),
		cmp("stoch_turning_up", indicator.StochK, gt, indicator.StochD),
		cmp("below_mean", indicator.CloseName, lt, indicator.SMA20),
		threshold("bands_open", indicator.BBWidth, ge, th.MinBandWidth),
		threshold("volume_present", indicator.VolumeRatioName, ge, th.VolumeRatio),
	}
	s.sell = []Condition{
		cmp("above_upper_band", indicator.CloseName, ge, indicator.BBUpper),
		threshold("rsi_overbought", indicator.RSI14, gt, th.RSISellLow),
		threshold("williams_overbought", indicator.WilliamsR14, gt, th.WilliamsOverbought),
		threshold("stoch_overbought", indicator.StochK, gt, th.StochOverbought),
		cmp("stoch_turning_down", indicator.StochK, lt, indicator.StochD),
		cmp("above_mean", indicator.CloseName, gt, indicator.SMA20),
		threshold("bands_open", indicator.BBWidth, ge, th.MinBandWidth),
		threshold("volume_present", indicator.VolumeRatioName, ge, th.VolumeRatio),
	}
	return s
}

// bandStretch is the distance from the middle band toward the signalled
// side, in half band widths.
func bandStretch(f frame, dir model.Direction) float64 {
	v, ok := f.all(indicator.CloseName, indicator.BBMiddle, indicator.BBUpper)
	if !ok {
		return 0
	}
	half := v[2] - v[1]
	if half <= 0 {
		return 0
	}
	if dir == model.Buy {
		return (v[1] - v[0]) / half
	}
	return (v[0] - v[1]) / half
}
