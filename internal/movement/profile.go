// Package movement derives typical bar-to-bar move statistics per symbol
// and timeframe and turns them into adaptive stop, target and trailing
// distances.
package movement

import (
	"math"
	"sort"
	"time"

	"tradesignals/internal/model"
)

// Stats are percentile statistics of absolute percent moves.
type Stats struct {
	Mean      float64 `json:"mean"`
	Median    float64 `json:"median"`
	P75       float64 `json:"p75"`
	P90       float64 `json:"p90"`
	Max       float64 `json:"max"`
	Samples   int     `json:"samples"`
	Discarded int     `json:"discarded"`
}

// Profile is the movement profile for one (symbol, timeframe).
type Profile struct {
	Symbol    string          `json:"symbol"`
	Timeframe model.Timeframe `json:"timeframe"`
	Stats

	SuggestedStopPct   float64   `json:"suggested_stop_pct"`
	SuggestedProfitPct float64   `json:"suggested_profit_pct"`
	TrailingStopPct    float64   `json:"trailing_stop_pct"`
	Fallback           bool      `json:"fallback"`
	ComputedAt         time.Time `json:"computed_at"`
}

// Moves returns absolute close-to-close percent changes.
func Moves(bars []model.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev <= 0 {
			continue
		}
		out = append(out, math.Abs(bars[i].Close-prev)/prev*100)
	}
	return out
}

// FilterOutliers drops data artifacts: moves above capPct, and moves above
// medianMultiple times the median of all moves (when the median is positive
// and medianMultiple > 0). It returns the kept moves and the discard count.
func FilterOutliers(moves []float64, capPct, medianMultiple float64) ([]float64, int) {
	limit := math.Inf(1)
	if capPct > 0 {
		limit = capPct
	}
	if medianMultiple > 0 && len(moves) > 0 {
		sorted := append([]float64(nil), moves...)
		sort.Float64s(sorted)
		if med := percentile(sorted, 50); med > 0 {
			limit = math.Min(limit, med*medianMultiple)
		}
	}

	kept := make([]float64, 0, len(moves))
	for _, m := range moves {
		if math.IsNaN(m) || m > limit {
			continue
		}
		kept = append(kept, m)
	}
	return kept, len(moves) - len(kept)
}

// PercentileStats summarizes moves. Percentiles use linear interpolation
// between closest ranks.
func PercentileStats(moves []float64) Stats {
	if len(moves) == 0 {
		return Stats{}
	}
	sorted := append([]float64(nil), moves...)
	sort.Float64s(sorted)
	sum := 0.0
	for _, m := range sorted {
		sum += m
	}
	return Stats{
		Mean:    sum / float64(len(sorted)),
		Median:  percentile(sorted, 50),
		P75:     percentile(sorted, 75),
		P90:     percentile(sorted, 90),
		Max:     sorted[len(sorted)-1],
		Samples: len(sorted),
	}
}

// percentile expects sorted input.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// deriveDistances fills the suggested distances from a typical move.
func (c Config) deriveDistances(p *Profile, typicalPct float64) {
	stop := math.Max(typicalPct*c.StopMultiplier, c.MinStopPct)
	profit := math.Max(typicalPct*c.ProfitMultiplier, stop*c.MinRiskReward)
	trailing := math.Min(stop*c.TrailingFactor, c.TrailingCapPct)
	p.SuggestedStopPct = stop
	p.SuggestedProfitPct = profit
	p.TrailingStopPct = trailing
}

// ComputeProfile builds a profile from bars, or a fallback profile when
// fewer than MinSamples moves survive filtering.
func (c Config) ComputeProfile(symbol string, tf model.Timeframe, bars []model.Bar, now time.Time) Profile {
	if c.LookbackBars > 0 && len(bars) > c.LookbackBars+1 {
		bars = bars[len(bars)-c.LookbackBars-1:]
	}
	kept, discarded := FilterOutliers(Moves(bars), c.OutlierCapPct, c.OutlierMedianMultiple)
	if len(kept) < c.MinSamples {
		p := c.FallbackProfile(symbol, tf, now)
		p.Discarded = discarded
		return p
	}

	st := PercentileStats(kept)
	st.Discarded = discarded
	p := Profile{Symbol: symbol, Timeframe: tf, Stats: st, ComputedAt: now}
	c.deriveDistances(&p, st.P75)
	return p
}

// FallbackProfile derives distances from the static volatility tables.
func (c Config) FallbackProfile(symbol string, tf model.Timeframe, now time.Time) Profile {
	typical := c.DailyVolatility(symbol) * c.Scale(tf)
	p := Profile{
		Symbol:     symbol,
		Timeframe:  tf,
		Stats:      Stats{Mean: typical, Median: typical, P75: typical, P90: typical, Max: typical},
		Fallback:   true,
		ComputedAt: now,
	}
	c.deriveDistances(&p, typical)
	return p
}
