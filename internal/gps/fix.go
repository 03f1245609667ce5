package gps

import "github.com/relabs-tech/rtk_bridge/internal/ubx"

// FixState is the normalized fix-quality classification published
// downstream.
type FixState int

const (
	NoFix FixState = iota
	Fix2D
	Fix3D
	DGPS
	RTKFloat
	RTKFixed
	DeadReckoning
	Combined
)

func (s FixState) String() string {
	switch s {
	case NoFix:
		return "no_fix"
	case Fix2D:
		return "2d"
	case Fix3D:
		return "3d"
	case DGPS:
		return "dgps"
	case RTKFloat:
		return "rtk_float"
	case RTKFixed:
		return "rtk_fixed"
	case DeadReckoning:
		return "dead_reckoning"
	case Combined:
		return "gnss_dr"
	}
	return "unknown"
}

// Tracker maps solutions to fix states and counts fix transitions for
// the diagnostics summary. The mapping itself is stateless; only the
// transition counters persist between calls.
type Tracker struct {
	// MinSatellites is the floor below which a solution is classified
	// NoFix regardless of what the receiver claims.
	MinSatellites int

	// PreferDeadReckoning classifies a combined GNSS+DR fix type as a
	// dead-reckoning state even when the receiver reports an RTK
	// carrier solution at the same time. The default prefers the
	// satellite-based RTK state.
	PreferDeadReckoning bool

	last     FixState
	haveLast bool
	acquired uint64
	lost     uint64
}

// Update classifies one solution. Precedence matters: the carrier
// solution must be checked before the generic 3D/2D split because a
// receiver in RTK mode still reports a plain 3D fix type.
func (t *Tracker) Update(s Solution) FixState {
	state := t.classify(s)

	if t.haveLast {
		if t.last == NoFix && state != NoFix {
			t.acquired++
		}
		if t.last != NoFix && state == NoFix {
			t.lost++
		}
	}
	t.last = state
	t.haveLast = true
	return state
}

func (t *Tracker) classify(s Solution) FixState {
	if s.FixType == ubx.FixNone || s.FixType == ubx.FixTimeOnly {
		return NoFix
	}
	if s.FixType != ubx.FixDeadReckoning && s.Satellites < t.MinSatellites {
		return NoFix
	}
	if t.PreferDeadReckoning {
		if state, ok := t.classifyDR(s); ok {
			return state
		}
	}
	switch s.CarrSoln {
	case ubx.CarrierFixed:
		return RTKFixed
	case ubx.CarrierFloat:
		return RTKFloat
	}
	if state, ok := t.classifyDR(s); ok {
		return state
	}
	if s.DiffSoln {
		return DGPS
	}
	if s.FixType == ubx.Fix3D {
		return Fix3D
	}
	return Fix2D
}

func (t *Tracker) classifyDR(s Solution) (FixState, bool) {
	switch s.FixType {
	case ubx.FixDeadReckoning:
		return DeadReckoning, true
	case ubx.FixGnssDR:
		return Combined, true
	}
	return NoFix, false
}

// Transitions reports how many times a fix was acquired and lost.
func (t *Tracker) Transitions() (acquired, lost uint64) {
	return t.acquired, t.lost
}
