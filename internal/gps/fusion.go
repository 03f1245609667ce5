package gps

import (
	"time"

	"github.com/relabs-tech/rtk_bridge/internal/ubx"
)

// FusionSample is one inertial record from the receiver's fusion
// engine, only present on dead-reckoning capable variants.
type FusionSample struct {
	Time     time.Time
	AngRateX float64 // deg/s
	AngRateY float64
	AngRateZ float64
	AccelX   float64 // m/s^2
	AccelY   float64
	AccelZ   float64

	AngRateXValid bool
	AngRateYValid bool
	AngRateZValid bool
	AccelXValid   bool
	AccelYValid   bool
	AccelZValid   bool
}

// SampleFromEsfIns converts a decoded ESF-INS message, stamped with
// the receive time.
func SampleFromEsfIns(m ubx.EsfIns, now time.Time) FusionSample {
	return FusionSample{
		Time:          now,
		AngRateX:      m.XAngRate,
		AngRateY:      m.YAngRate,
		AngRateZ:      m.ZAngRate,
		AccelX:        m.XAccel,
		AccelY:        m.YAccel,
		AccelZ:        m.ZAccel,
		AngRateXValid: m.XAngRateValid,
		AngRateYValid: m.YAngRateValid,
		AngRateZValid: m.ZAngRateValid,
		AccelXValid:   m.XAccelValid,
		AccelYValid:   m.YAccelValid,
		AccelZValid:   m.ZAccelValid,
	}
}

// Aggregator merges fusion samples into PVT solutions. When no sample
// is fresh enough the solution passes through unchanged; stale
// inertial data must never override a fresh satellite-only fix.
type Aggregator struct {
	// Enabled is false for receivers without a fusion engine; Merge
	// is then a pass-through.
	Enabled bool

	// Window is how old a sample may be and still be merged. The
	// default is one nominal update period.
	Window time.Duration

	samples  []FusionSample
	degraded uint64
}

// Add records a fusion sample for the next merge.
func (a *Aggregator) Add(s FusionSample) {
	if !a.Enabled {
		return
	}
	a.samples = append(a.samples, s)
	// The window bounds useful history; anything past a small
	// multiple of it will be dropped on the next merge anyway.
	if len(a.samples) > 64 {
		a.samples = a.samples[len(a.samples)-64:]
	}
}

// Merge enriches the solution with the freshest valid sample, or
// returns it unchanged and counts the cycle as degraded.
func (a *Aggregator) Merge(sol Solution, now time.Time) Solution {
	if !a.Enabled {
		return sol
	}
	a.dropStale(now)
	if len(a.samples) == 0 {
		a.degraded++
		return sol
	}
	latest := a.samples[len(a.samples)-1]
	sol.Fusion = &FusionInfo{
		AngRateX: latest.AngRateX,
		AngRateY: latest.AngRateY,
		AngRateZ: latest.AngRateZ,
		AccelX:   latest.AccelX,
		AccelY:   latest.AccelY,
		AccelZ:   latest.AccelZ,
	}
	return sol
}

// Degraded reports how many merges found no fresh fusion sample.
func (a *Aggregator) Degraded() uint64 {
	return a.degraded
}

func (a *Aggregator) dropStale(now time.Time) {
	window := a.Window
	if window <= 0 {
		window = time.Second
	}
	keep := a.samples[:0]
	for _, s := range a.samples {
		if now.Sub(s.Time) <= window {
			keep = append(keep, s)
		}
	}
	a.samples = keep
}
