package gps

import (
	"time"

	"github.com/relabs-tech/rtk_bridge/internal/ubx"
)

// Solution represents a single decoded navigation solution suitable
// for JSON and MQTT.
type Solution struct {
	Time       time.Time `json:"time"`
	Latitude   float64   `json:"lat"`          // decimal degrees
	Longitude  float64   `json:"lon"`          // decimal degrees
	AltitudeEl float64   `json:"alt_el_m"`     // m above ellipsoid
	Altitude   float64   `json:"alt_msl_m"`    // m above mean sea level
	HAcc       float64   `json:"h_acc_m"`      // horizontal accuracy estimate
	VAcc       float64   `json:"v_acc_m"`      // vertical accuracy estimate
	Speed      float64   `json:"speed_ms"`     // ground speed
	Heading    float64   `json:"heading_deg"`  // heading of motion
	Satellites int       `json:"satellites"`
	FixType    int       `json:"fix_type"`     // raw u-blox fix type code
	CarrSoln   int       `json:"carr_soln"`    // 0 none, 1 float, 2 fixed
	DiffSoln   bool      `json:"diff_soln"`    // differential corrections applied
	GnssFixOK  bool      `json:"fix_ok"`
	HDOP       float64   `json:"hdop,omitempty"`

	// OutOfOrder marks a solution whose receiver timestamp stepped
	// backwards; the record is passed through unmodified.
	OutOfOrder bool `json:"out_of_order,omitempty"`

	// HighPrecision marks a solution whose position fields were
	// replaced by the matching NAV-HPPOSLLH values.
	HighPrecision bool `json:"high_precision,omitempty"`

	// Fusion is present when a fresh dead-reckoning sample was merged
	// into this solution.
	Fusion *FusionInfo `json:"fusion,omitempty"`
}

// FusionInfo carries the inertial rates merged into a solution.
type FusionInfo struct {
	AngRateX float64 `json:"ang_rate_x"` // deg/s
	AngRateY float64 `json:"ang_rate_y"`
	AngRateZ float64 `json:"ang_rate_z"`
	AccelX   float64 `json:"accel_x"` // m/s^2
	AccelY   float64 `json:"accel_y"`
	AccelZ   float64 `json:"accel_z"`
}

// FromNavPVT converts a decoded NAV-PVT message into a Solution.
func FromNavPVT(m ubx.NavPVT, now time.Time) Solution {
	s := Solution{
		Time:       now,
		Latitude:   m.Lat,
		Longitude:  m.Lon,
		AltitudeEl: m.Height,
		Altitude:   m.HMSL,
		HAcc:       m.HAcc,
		VAcc:       m.VAcc,
		Speed:      m.GSpeed,
		Heading:    m.HeadMot,
		Satellites: m.NumSV,
		FixType:    m.FixType,
		CarrSoln:   m.CarrSoln,
		DiffSoln:   m.DiffSoln,
		GnssFixOK:  m.GnssFixOK,
	}
	if m.TimeValid {
		s.Time = m.Time
	}
	return s
}
