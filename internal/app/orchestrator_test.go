package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/rtk_bridge/internal/config"
	"github.com/relabs-tech/rtk_bridge/internal/gps"
	"github.com/relabs-tech/rtk_bridge/internal/ntrip"
	"github.com/relabs-tech/rtk_bridge/internal/rtcm"
	"github.com/relabs-tech/rtk_bridge/internal/sink"
	"github.com/relabs-tech/rtk_bridge/internal/ubx"
)

// fakeDevice streams a scripted message list, then blocks until
// cancelled like a healthy session would.
type fakeDevice struct {
	msgs    []ubx.Message
	openErr error

	mu      sync.Mutex
	written [][]byte
}

func (f *fakeDevice) Open() error                         { return f.openErr }
func (f *fakeDevice) Configure(ctx context.Context) error { return nil }
func (f *fakeDevice) Malformed() uint64                   { return 0 }
func (f *fakeDevice) State() string                       { return "streaming" }
func (f *fakeDevice) Close() error                        { return nil }

func (f *fakeDevice) Run(ctx context.Context, out chan<- ubx.Message) error {
	for _, m := range f.msgs {
		select {
		case out <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeDevice) WriteCorrections(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeDevice) corrections() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

// fakeCorrections pushes scripted chunks, then blocks or fails. A
// non-nil fail channel delays the failure until the test releases it.
type fakeCorrections struct {
	chunks []rtcm.Chunk
	runErr error
	fail   chan struct{}
}

func (f *fakeCorrections) State() ntrip.State { return ntrip.StateStreaming }
func (f *fakeCorrections) Stats() rtcm.Stats  { return rtcm.Stats{} }
func (f *fakeCorrections) Close()             {}

func (f *fakeCorrections) Run(ctx context.Context, out chan<- rtcm.Chunk) error {
	for _, c := range f.chunks {
		select {
		case out <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.runErr != nil {
		if f.fail != nil {
			select {
			case <-f.fail:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return f.runErr
	}
	<-ctx.Done()
	return ctx.Err()
}

// recordSink captures everything published.
type recordSink struct {
	mu         sync.Mutex
	solutions  []gps.Solution
	device     []sink.DeviceStatus
	correction []sink.CorrectionStatus
}

func (r *recordSink) PublishSolution(sol gps.Solution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.solutions = append(r.solutions, sol)
	return nil
}

func (r *recordSink) PublishDeviceStatus(st sink.DeviceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.device = append(r.device, st)
	return nil
}

func (r *recordSink) PublishCorrectionStatus(st sink.CorrectionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.correction = append(r.correction, st)
	return nil
}

func (r *recordSink) Close() error { return nil }

func (r *recordSink) solutionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.solutions)
}

func (r *recordSink) solution(i int) gps.Solution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.solutions[i]
}

func pvt(at time.Time, fixType, sats int) ubx.NavPVT {
	return ubx.NavPVT{
		Time:      at,
		TimeValid: true,
		FixType:   fixType,
		GnssFixOK: fixType != ubx.FixNone,
		NumSV:     sats,
		Lat:       47.21,
		Lon:       8.61,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func newTestOrchestrator(rec *recordSink, dev *fakeDevice, corr *fakeCorrections) *Orchestrator {
	cfg := config.Settings{}
	cfg.Device.MinSatellites = 4
	cfg.Ntrip.Enabled = corr != nil
	o := New(cfg, rec)
	o.newDevice = func() deviceHandle { return dev }
	if corr != nil {
		o.newCorrections = func() correctionHandle { return corr }
	}
	return o
}

func TestOrchestratorPublishesSolutions(t *testing.T) {
	now := time.Now()
	dev := &fakeDevice{msgs: []ubx.Message{
		pvt(now, ubx.Fix3D, 9),
		pvt(now.Add(time.Second), ubx.Fix3D, 10),
	}}
	rec := &recordSink{}
	o := newTestOrchestrator(rec, dev, nil)
	assert.Equal(t, StateIdle, o.State())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitFor(t, func() bool { return rec.solutionCount() >= 2 })
	assert.Equal(t, StateRunning, o.State())
	assert.Equal(t, 10, rec.solution(1).Satellites)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StateStopped, o.State())

	// The final status snapshot goes out on shutdown, after the device
	// loop has already released its session.
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.device)
	assert.Equal(t, "disconnected", rec.device[len(rec.device)-1].State)
	assert.Equal(t, "3d", rec.device[len(rec.device)-1].FixState)
}

func TestOrchestratorForwardsCorrectionsInOrder(t *testing.T) {
	dev := &fakeDevice{}
	corr := &fakeCorrections{chunks: []rtcm.Chunk{
		{Type: 1005, Seq: 0, Data: []byte{0xD3, 0x01}},
		{Type: 1077, Seq: 1, Data: []byte{0xD3, 0x02}},
		{Type: 1087, Seq: 2, Data: []byte{0xD3, 0x03}},
	}}
	rec := &recordSink{}
	o := newTestOrchestrator(rec, dev, corr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	waitFor(t, func() bool { return len(dev.corrections()) == 3 })
	got := dev.corrections()
	assert.Equal(t, []byte{0xD3, 0x01}, got[0])
	assert.Equal(t, []byte{0xD3, 0x02}, got[1])
	assert.Equal(t, []byte{0xD3, 0x03}, got[2])
}

func TestOrchestratorSurvivesCorrectionFailure(t *testing.T) {
	now := time.Now()
	dev := &fakeDevice{msgs: []ubx.Message{pvt(now, ubx.Fix3D, 8)}}
	corr := &fakeCorrections{runErr: errors.New("caster down")}
	rec := &recordSink{}
	o := newTestOrchestrator(rec, dev, corr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	// GPS-only operation: solutions keep flowing without corrections.
	waitFor(t, func() bool { return rec.solutionCount() >= 1 })
	assert.False(t, rec.solution(0).DiffSoln)
}

func TestNewSetsFusionWindow(t *testing.T) {
	cfg := config.Settings{}
	cfg.Device.UpdateRateHz = 5
	cfg.Device.EnableDeadReckoning = true
	o := New(cfg, &recordSink{})
	assert.Equal(t, 200*time.Millisecond, o.agg.Window)

	// An unset rate means the 1 Hz default period.
	o = New(config.Settings{}, &recordSink{})
	assert.Equal(t, time.Second, o.agg.Window)
}

func TestOrchestratorRecoversAfterCorrectionFailure(t *testing.T) {
	now := time.Now()
	dev := &fakeDevice{msgs: []ubx.Message{pvt(now, ubx.Fix3D, 9)}}
	fail := make(chan struct{})
	corr := &fakeCorrections{runErr: errors.New("caster down"), fail: fail}
	rec := &recordSink{}
	o := newTestOrchestrator(rec, dev, corr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitFor(t, func() bool { return o.State() == StateRunning })
	close(fail)
	// A correction-side failure degrades the whole bridge even though
	// the device keeps streaming.
	waitFor(t, func() bool { return o.State() == StateRecovering })

	cancel()
	<-done
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.correction)
	assert.Equal(t, "caster down", rec.correction[len(rec.correction)-1].Reason)
}

func TestOrchestratorReportsDeviceFailureReason(t *testing.T) {
	dev := &fakeDevice{openErr: errors.New("port does not exist")}
	rec := &recordSink{}
	o := newTestOrchestrator(rec, dev, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitFor(t, func() bool { return o.State() == StateRecovering })
	cancel()
	<-done

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.device)
	last := rec.device[len(rec.device)-1]
	assert.Equal(t, "disconnected", last.State)
	assert.Equal(t, "port does not exist", last.Reason)
}

func TestOrchestratorRefinesWithHighPrecision(t *testing.T) {
	now := time.Now()
	p := pvt(now, ubx.Fix3D, 12)
	p.ITOW = 500
	dev := &fakeDevice{msgs: []ubx.Message{
		p,
		ubx.NavStatusMsg{ITOW: 500, TTFF: 28 * time.Second},
		ubx.NavHPPosLLHMsg{
			ITOW: 500,
			Lat:  47.2100004, Lon: 8.6100002,
			Height: 410.123, HMSL: 362.456,
			HAcc: 0.014, VAcc: 0.021,
		},
		// A high-precision record from another epoch refines nothing.
		ubx.NavHPPosLLHMsg{ITOW: 700, Lat: 1.0, Lon: 1.0},
		ubx.EsfStatus{FusionMode: 1, NumSens: 7},
	}}
	rec := &recordSink{}
	o := newTestOrchestrator(rec, dev, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	waitFor(t, func() bool { return o.diag.currentFusionMode() == 1 })
	require.Equal(t, 2, rec.solutionCount())

	refined := rec.solution(1)
	assert.True(t, refined.HighPrecision)
	assert.InDelta(t, 47.2100004, refined.Latitude, 1e-9)
	assert.InDelta(t, 0.014, refined.HAcc, 1e-6)
	assert.False(t, refined.OutOfOrder)
	assert.Equal(t, 12, refined.Satellites, "non-position fields carry over")

	cancel()
	<-done
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.device)
	assert.Equal(t, 1, rec.device[len(rec.device)-1].FusionMode)
}

func TestOrchestratorMarksOutOfOrderSolutions(t *testing.T) {
	now := time.Now()
	dev := &fakeDevice{msgs: []ubx.Message{
		pvt(now, ubx.Fix3D, 9),
		pvt(now.Add(-10*time.Second), ubx.Fix3D, 9), // receiver clock stepped back
		pvt(now.Add(time.Second), ubx.Fix3D, 9),
	}}
	rec := &recordSink{}
	o := newTestOrchestrator(rec, dev, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	waitFor(t, func() bool { return rec.solutionCount() >= 3 })
	assert.False(t, rec.solution(0).OutOfOrder)
	assert.True(t, rec.solution(1).OutOfOrder)
	assert.False(t, rec.solution(2).OutOfOrder, "ordering resumes from the last good timestamp")
}

func nmeaLine(body string) string {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return fmt.Sprintf("$%s*%02X", body, sum)
}

func TestOrchestratorFallsBackToSentences(t *testing.T) {
	gga := nmeaLine("GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,")
	dev := &fakeDevice{msgs: []ubx.Message{
		ubx.Sentence{Talker: "GP", Type: "GGA", Line: gga},
	}}
	rec := &recordSink{}
	o := newTestOrchestrator(rec, dev, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	waitFor(t, func() bool { return rec.solutionCount() >= 1 })
	sol := rec.solution(0)
	assert.InDelta(t, 48.1173, sol.Latitude, 0.001)
	assert.Equal(t, 8, sol.Satellites)
}
