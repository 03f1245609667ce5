// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package gps

import (
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"github.com/relabs-tech/rtk_bridge/internal/ubx"
)

const knotsToMS = 0.514444

// SentenceState accumulates NMEA sentences into solutions for
// receivers (or modes) where the binary PVT stream is absent. GGA
// carries position, fix quality and satellite count; RMC carries
// speed and course. A solution is emitted on each GGA with a fix.
type SentenceState struct {
	speed   float64
	heading float64
	haveRMC bool
}

// Apply parses one framed sentence line. The returned bool is true
// when a complete solution should be published.
func (st *SentenceState) Apply(line string, now time.Time) (Solution, bool) {
	sent, err := nmea.Parse(line)
	if err != nil {
		return Solution{}, false
	}

	switch sent.DataType() {
	case nmea.TypeRMC:
		m := sent.(nmea.RMC)
		if m.Validity != nmea.ValidRMC {
			return Solution{}, false
		}
		st.speed = m.Speed * knotsToMS
		st.heading = m.Course
		st.haveRMC = true
		return Solution{}, false

	case nmea.TypeGGA:
		m := sent.(nmea.GGA)
		sol := Solution{
			Time:       now,
			Latitude:   m.Latitude,
			Longitude:  m.Longitude,
			Altitude:   m.Altitude,
			Satellites: int(m.NumSatellites),
			HDOP:       m.HDOP,
		}
		if st.haveRMC {
			sol.Speed = st.speed
			sol.Heading = st.heading
		}
		switch m.FixQuality {
		case nmea.Invalid:
			sol.FixType = ubx.FixNone
			return sol, true
		case nmea.DGPS:
			sol.DiffSoln = true
		case nmea.RTK:
			sol.CarrSoln = ubx.CarrierFixed
			sol.DiffSoln = true
		case nmea.FRTK:
			sol.CarrSoln = ubx.CarrierFloat
			sol.DiffSoln = true
		}
		// GGA reports altitude, so a non-invalid quality is a 3D fix.
		sol.FixType = ubx.Fix3D
		sol.GnssFixOK = true
		return sol, true
	}
	return Solution{}, false
}
