package indicator

import (
	"math"

	"tradesignals/internal/model"
)

// VWAP is the session volume-weighted average of typical price. The
// session resets on a UTC calendar day change, which keeps each US
// regular session in one bucket.
type VWAP struct {
	day     int // yyyymmdd of the current session
	pv      float64
	vol     float64
	current float64
	count   int
}

// NewVWAP creates a session VWAP.
func NewVWAP() *VWAP { return &VWAP{current: math.NaN()} }

func (v *VWAP) Name() string { return "VWAP" }

func (v *VWAP) Update(bar model.Bar) {
	ts := bar.TS.UTC()
	day := ts.Year()*10000 + int(ts.Month())*100 + ts.Day()
	if day != v.day {
		v.day, v.pv, v.vol = day, 0, 0
	}
	v.pv += bar.Typical() * float64(bar.Volume)
	v.vol += float64(bar.Volume)
	v.count++
	v.current = ratio(v.pv, v.vol)
}

func (v *VWAP) Value() float64 { return v.current }
func (v *VWAP) Ready() bool    { return v.count > 0 }

// VolumeRatio compares the latest volume to its rolling average.
type VolumeRatio struct {
	sma    *SMA
	latest float64
}

// NewVolumeRatio creates a volume ratio over the given average period.
func NewVolumeRatio(period int) *VolumeRatio {
	return &VolumeRatio{sma: NewSMA(period)}
}

func (v *VolumeRatio) Name() string { return "VOLRATIO" }

func (v *VolumeRatio) Update(bar model.Bar) {
	v.latest = float64(bar.Volume)
	v.sma.Add(v.latest)
}

// Average returns the rolling average volume.
func (v *VolumeRatio) Average() float64 { return v.sma.Value() }

// Value returns latest / average, NaN when the average is zero.
func (v *VolumeRatio) Value() float64 { return ratio(v.latest, v.sma.Value()) }
func (v *VolumeRatio) Ready() bool    { return v.sma.Ready() }
