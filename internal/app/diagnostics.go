package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/geo/s2"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/rtk_bridge/internal/gps"
	"github.com/relabs-tech/rtk_bridge/internal/ubx"
)

const earthRadiusM = 6371010.0

// diagnostics accumulates run counters for the periodic summary log.
type diagnostics struct {
	mu sync.Mutex

	solutions       uint64
	lastFix         gps.FixState
	lastSatellites  int
	lastHAcc        float64
	correctionBytes uint64
	corrections     uint64

	havePos   bool
	lastPos   s2.LatLng
	distanceM float64

	fusionMode int
	ttff       time.Duration
}

func newDiagnostics() *diagnostics {
	return &diagnostics{fusionMode: -1}
}

func (d *diagnostics) observeSolution(sol gps.Solution, state gps.FixState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.solutions++
	d.lastFix = state
	d.lastSatellites = sol.Satellites
	d.lastHAcc = sol.HAcc

	if state == gps.NoFix || sol.OutOfOrder {
		return
	}
	pos := s2.LatLngFromDegrees(sol.Latitude, sol.Longitude)
	if d.havePos {
		d.distanceM += d.lastPos.Distance(pos).Radians() * earthRadiusM
	}
	d.havePos = true
	d.lastPos = pos
}

func (d *diagnostics) observeCorrection(bytes int) {
	d.mu.Lock()
	d.corrections++
	d.correctionBytes += uint64(bytes)
	d.mu.Unlock()
}

// observeNavStatus keeps the first time-to-first-fix the receiver
// reports.
func (d *diagnostics) observeNavStatus(m ubx.NavStatusMsg) {
	d.mu.Lock()
	if d.ttff == 0 && m.TTFF > 0 {
		d.ttff = m.TTFF
	}
	d.mu.Unlock()
}

func (d *diagnostics) observeFusionMode(mode int) {
	d.mu.Lock()
	d.fusionMode = mode
	d.mu.Unlock()
}

func (d *diagnostics) satellites() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSatellites
}

func (d *diagnostics) currentFusionMode() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fusionMode
}

func (d *diagnostics) logSummary() {
	d.mu.Lock()
	defer d.mu.Unlock()

	extra := ""
	if d.fusionMode >= 0 {
		extra += fmt.Sprintf(" fusion=%d", d.fusionMode)
	}
	if d.ttff > 0 {
		extra += fmt.Sprintf(" ttff=%s", d.ttff)
	}
	log.Infof("fix=%s sats=%d hacc=%.3fm solutions=%d corrections=%d (%d B) travelled=%.1fm%s",
		d.lastFix, d.lastSatellites, d.lastHAcc,
		d.solutions, d.corrections, d.correctionBytes, d.distanceM, extra)
}
