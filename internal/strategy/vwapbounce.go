package strategy

import (
	"math"

	"go.uber.org/zap"

	"tradesignals/internal/indicator"
	"tradesignals/internal/model"
)

// VWAPBounceStrategy trades rejections off the session VWAP in the
// direction of the EMA trend.
//
// confidence = 0.6·frac + 0.4·clamp(1 − |close − vwap| / atr)
type VWAPBounceStrategy struct {
	evaluator
}

// NewVWAPBounce builds the VWAP-bounce strategy from cfg.VWAPBounce.
func NewVWAPBounce(cfg Config, cache *indicator.Cache, levels Leveler, log *zap.Logger) *VWAPBounceStrategy {
	s := &VWAPBounceStrategy{newEvaluator(VWAPBounce, cfg.VWAPBounce, cfg, cache, levels, log)}
	th := cfg.VWAPBounce.Thresholds
	s.fracWeight = 0.6
	s.strength = vwapProximity
	s.buy = []Condition{
		cmp("above_vwap", indicator.CloseName, gt, indicator.VWAPName),
		vwapTouch("tested_vwap_from_above", model.Buy),
		nearVWAP("near_vwap", th.VWAPProximityATR),
		cmp("ema_uptrend", indicator.EMA12, gt, indicator.EMA26),
		cmp("above_sma50", indicator.CloseName, gt, indicator.SMA50),
		between("rsi_room", indicator.RSI14, th.RSIBuyLow, th.RSIBuyHigh),
		threshold("volume_present", indicator.VolumeRatioName, ge, th.VolumeRatio),
	}
	s.sell = []Condition{
		cmp("below_vwap", indicator.CloseName, lt, indicator.VWAPName),
		vwapTouch("tested_vwap_from_below", model.Sell),
		nearVWAP("near_vwap", th.VWAPProximityATR),
		cmp("ema_downtrend", indicator.EMA12, lt, indicator.EMA26),
		cmp("below_sma50", indicator.CloseName, lt, indicator.SMA50),
		between("rsi_room", indicator.RSI14, th.RSISellLow, th.RSISellHigh),
		threshold("volume_present", indicator.VolumeRatioName, ge, th.VolumeRatio),
	}
	return s
}

// vwapTouch: the bar pierced VWAP but closed back on the signalled side.
func vwapTouch(name string, dir model.Direction) Condition {
	return Condition{Name: name, Eval: func(f frame) (bool, bool) {
		vwap, ok := f.cur(indicator.VWAPName)
		if !ok {
			return false, false
		}
		if dir == model.Buy {
			return f.bar.Low <= vwap && f.bar.Close > vwap, true
		}
		return f.bar.High >= vwap && f.bar.Close < vwap, true
	}}
}

// nearVWAP: close within atrs ATRs of VWAP.
func nearVWAP(name string, atrs float64) Condition {
	return Condition{Name: name, Eval: func(f frame) (bool, bool) {
		v, ok := f.all(indicator.CloseName, indicator.VWAPName, indicator.ATR14)
		if !ok || v[2] <= 0 {
			return false, false
		}
		return math.Abs(v[0]-v[1]) <= atrs*v[2], true
	}}
}

func vwapProximity(f frame, _ model.Direction) float64 {
	v, ok := f.all(indicator.CloseName, indicator.VWAPName, indicator.ATR14)
	if !ok || v[2] <= 0 {
		return 0
	}
	return 1 - math.Abs(v[0]-v[1])/v[2]
}
