package app

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/rtk_bridge/internal/gps"
)

func TestDiagnosticsAccumulatesDistance(t *testing.T) {
	d := newDiagnostics()

	d.observeSolution(gps.Solution{Latitude: 47.0, Longitude: 8.0, Satellites: 9}, gps.Fix3D)
	d.observeSolution(gps.Solution{Latitude: 47.001, Longitude: 8.0, Satellites: 9}, gps.Fix3D)

	// One millidegree of latitude is about 111 m of ground track.
	assert.InDelta(t, 111.2, d.distanceM, 1.0)
	assert.Equal(t, 9, d.satellites())
}

func TestDiagnosticsSkipsUnusablePoints(t *testing.T) {
	d := newDiagnostics()

	d.observeSolution(gps.Solution{Latitude: 47.0, Longitude: 8.0}, gps.Fix3D)
	// Positions without a fix or out of order must not move the track.
	d.observeSolution(gps.Solution{Latitude: 48.0, Longitude: 8.0}, gps.NoFix)
	d.observeSolution(gps.Solution{Latitude: 49.0, Longitude: 8.0, OutOfOrder: true}, gps.Fix3D)
	d.observeSolution(gps.Solution{Latitude: 47.0, Longitude: 8.0}, gps.Fix3D)

	assert.InDelta(t, 0.0, d.distanceM, 0.001)
}
