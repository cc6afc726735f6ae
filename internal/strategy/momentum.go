package strategy

import (
	"math"

	"go.uber.org/zap"

	"tradesignals/internal/indicator"
	"tradesignals/internal/model"
)

// MomentumStrategy follows established trends.
//
// BUY when short EMAs lead, MACD is above its signal with a growing
// histogram, RSI is bullish but not overbought, ADX confirms a trend led by
// +DI, ROC is positive and volume is elevated. SELL mirrors each check.
//
// confidence = 0.5·frac + 0.5·clamp(|macd_hist| / atr)
type MomentumStrategy struct {
	evaluator
}

// NewMomentum builds the momentum strategy from cfg.Momentum.
func NewMomentum(cfg Config, cache *indicator.Cache, levels Leveler, log *zap.Logger) *MomentumStrategy {
	s := &MomentumStrategy{newEvaluator(Momentum, cfg.Momentum, cfg, cache, levels, log)}
	th := cfg.Momentum.Thresholds
	s.fracWeight = 0.5
	s.strength = momentumStrength
	s.buy = []Condition{
		cmp("ema_trend", indicator.EMA9, gt, indicator.EMA21),
		cmp("macd_cross", indicator.MACDLine, gt, indicator.MACDSignal),
		histExpanding("macd_hist_rising", 1),
		between("rsi_bullish", indicator.RSI14, th.RSIBuyLow, th.RSIBuyHigh),
		adxTrend("adx_plus_di", th.ADXTrend, indicator.PlusDI, indicator.MinusDI),
		threshold("roc_positive", indicator.ROC10, gt, 0),
		threshold("volume_surge", indicator.VolumeRatioName, ge, th.VolumeRatio),
	}
	s.sell = []Condition{
		cmp("ema_trend", indicator.EMA9, lt, indicator.EMA21),
		cmp("macd_cross", indicator.MACDLine, lt, indicator.MACDSignal),
		histExpanding("macd_hist_falling", -1),
		between("rsi_bearish", indicator.RSI14, th.RSISellLow, th.RSISellHigh),
		adxTrend("adx_minus_di", th.ADXTrend, indicator.MinusDI, indicator.PlusDI),
		threshold("roc_negative", indicator.ROC10, lt, 0),
		threshold("volume_surge", indicator.VolumeRatioName, ge, th.VolumeRatio),
	}
	return s
}

// histExpanding checks the histogram sits on the given side of zero and
// grew in that direction since the prior bar.
func histExpanding(name string, sign float64) Condition {
	return Condition{Name: name, Eval: func(f frame) (bool, bool) {
		cur, ok := f.cur(indicator.MACDHist)
		if !ok {
			return false, false
		}
		prev, ok := f.prev(indicator.MACDHist)
		if !ok {
			return false, false
		}
		return sign*cur > 0 && sign*(cur-prev) > 0, true
	}}
}

func adxTrend(name string, level float64, lead, lag string) Condition {
	return Condition{Name: name, Eval: func(f frame) (bool, bool) {
		v, ok := f.all(indicator.ADX14, lead, lag)
		if !ok {
			return false, false
		}
		return v[0] > level && v[1] > v[2], true
	}}
}

func momentumStrength(f frame, _ model.Direction) float64 {
	v, ok := f.all(indicator.MACDHist, indicator.ATR14)
	if !ok || v[1] <= 0 {
		return 0
	}
	return math.Abs(v[0]) / v[1]
}
