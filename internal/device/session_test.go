package device

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/rtk_bridge/internal/ubx"
)

// fakePort is an in-memory receiver: bytes written by the session are
// recorded, and configuration frames are answered with ACK (or NAK)
// on the read side, like the real hardware does.
type fakePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written []byte

	autoAck bool
	nakAll  bool
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, w: w, autoAck: true}
}

func (p *fakePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.written = append(p.written, b...)
	p.mu.Unlock()

	if len(b) >= 4 && b[0] == 0xB5 && b[2] == ubx.ClassCfg {
		id := ubx.AckAckID
		if p.nakAll {
			id = ubx.AckNakID
		}
		if p.autoAck || p.nakAll {
			p.w.Write(ubx.Encode(ubx.ClassAck, byte(id), []byte{b[2], b[3]}))
		}
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.r.Close()
	p.w.Close()
	return nil
}

// inject feeds receiver-to-host bytes.
func (p *fakePort) inject(b []byte) {
	p.w.Write(b)
}

func (p *fakePort) bytesWritten() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.written))
	copy(out, p.written)
	return out
}

func newTestSession(t *testing.T, port *fakePort) *Session {
	t.Helper()
	s := NewSession(Config{
		Port:         "/dev/null", // exists, satisfies the stat check
		UpdateRateHz: 5,
		DynamicModel: ubx.DynModelAutomotive,
		AckTimeout:   time.Second,
	})
	s.open = func(serial.OpenOptions) (io.ReadWriteCloser, error) {
		return port, nil
	}
	require.NoError(t, s.Open())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMissingDevice(t *testing.T) {
	s := NewSession(Config{Port: "/dev/no-such-receiver"})
	err := s.Open()
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestConfigureAcknowledged(t *testing.T) {
	port := newFakePort()
	s := newTestSession(t, port)
	assert.Equal(t, StateConfiguring, s.State())

	require.NoError(t, s.Configure(context.Background()))
	assert.Equal(t, StateStreaming, s.State())

	written := port.bytesWritten()
	// 5 Hz update rate ends up as a 200 ms measurement period.
	assert.Contains(t, string(written), string(ubx.NewCfgRate(200)))
	assert.Contains(t, string(written), string(ubx.NewCfgNav5(ubx.DynModelAutomotive)))
	assert.Contains(t, string(written),
		string(ubx.NewCfgMsg(ubx.ClassNav, ubx.NavHPPosLLH, 1)))
	// Dead reckoning off, so ESF-INS must not be enabled.
	assert.NotContains(t, string(written),
		string(ubx.NewCfgMsg(ubx.ClassEsf, ubx.EsfInsID, 1)))
	// No constellation list, so the receiver defaults stay in place.
	assert.False(t, containsFrame(written, ubx.ClassCfg, ubx.CfgGnss))
}

// containsFrame reports whether one of the written frames carries the
// given class and id.
func containsFrame(written []byte, class, id byte) bool {
	for i := 0; i+3 < len(written); i++ {
		if written[i] == 0xB5 && written[i+1] == 0x62 &&
			written[i+2] == class && written[i+3] == id {
			return true
		}
	}
	return false
}

func TestConfigureSelectsConstellations(t *testing.T) {
	port := newFakePort()
	blocks := []ubx.GnssBlock{
		{ID: ubx.GnssGPS, Enable: true, MinTrk: 8, MaxTrk: 16, SigMask: 0x01},
		{ID: ubx.GnssGLONASS, Enable: false, MinTrk: 4, MaxTrk: 8, SigMask: 0x01},
	}
	s := NewSession(Config{
		Port:           "/dev/null",
		UpdateRateHz:   1,
		Constellations: blocks,
		AckTimeout:     time.Second,
	})
	s.open = func(serial.OpenOptions) (io.ReadWriteCloser, error) { return port, nil }
	require.NoError(t, s.Open())
	defer s.Close()

	require.NoError(t, s.Configure(context.Background()))
	assert.Equal(t, StateStreaming, s.State())
	// The constellation selection goes out as one acknowledged
	// CFG-GNSS frame built from the configured blocks.
	assert.Contains(t, string(port.bytesWritten()), string(ubx.NewCfgGnss(blocks)))
}

func TestConfigureEnablesInertialOutput(t *testing.T) {
	port := newFakePort()
	s := NewSession(Config{
		Port:                "/dev/null",
		UpdateRateHz:        1,
		EnableDeadReckoning: true,
		AckTimeout:          time.Second,
	})
	s.open = func(serial.OpenOptions) (io.ReadWriteCloser, error) { return port, nil }
	require.NoError(t, s.Open())
	defer s.Close()

	require.NoError(t, s.Configure(context.Background()))
	assert.Contains(t, string(port.bytesWritten()),
		string(ubx.NewCfgMsg(ubx.ClassEsf, ubx.EsfInsID, 1)))
	assert.Contains(t, string(port.bytesWritten()),
		string(ubx.NewCfgMsg(ubx.ClassEsf, ubx.EsfStatusID, 1)))
}

func TestConfigureRejected(t *testing.T) {
	port := newFakePort()
	port.nakAll = true
	s := newTestSession(t, port)

	err := s.Configure(context.Background())
	assert.ErrorIs(t, err, ErrConfigurationRejected)
	assert.NotEqual(t, StateStreaming, s.State())
}

func TestConfigureTimeout(t *testing.T) {
	port := newFakePort()
	port.autoAck = false
	s := NewSession(Config{
		Port:       "/dev/null",
		AckTimeout: 100 * time.Millisecond,
	})
	s.open = func(serial.OpenOptions) (io.ReadWriteCloser, error) { return port, nil }
	require.NoError(t, s.Open())
	defer s.Close()

	start := time.Now()
	err := s.Configure(context.Background())
	assert.ErrorIs(t, err, ErrConfigurationTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunDeliversMessages(t *testing.T) {
	port := newFakePort()
	s := newTestSession(t, port)
	require.NoError(t, s.Configure(context.Background()))

	out := make(chan ubx.Message, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, out) }()

	// An all-zero NAV-PVT payload is a valid frame reporting no fix.
	port.inject(ubx.Encode(ubx.ClassNav, ubx.NavPVTID, make([]byte, 92)))

	select {
	case msg := <-out:
		pvt, ok := msg.(ubx.NavPVT)
		require.True(t, ok, "expected NavPVT, got %T", msg)
		assert.Equal(t, ubx.FixNone, pvt.FixType)
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunReportsDeviceLost(t *testing.T) {
	port := newFakePort()
	s := newTestSession(t, port)
	require.NoError(t, s.Configure(context.Background()))

	out := make(chan ubx.Message, 8)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), out) }()

	// The receiver disappearing surfaces as a read error.
	port.w.CloseWithError(errors.New("unplugged"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDeviceLost)
		assert.Equal(t, StateDegraded, s.State())
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
}

func TestWriteCorrectionsReachesPort(t *testing.T) {
	port := newFakePort()
	s := newTestSession(t, port)
	require.NoError(t, s.Configure(context.Background()))

	payload := []byte{0xD3, 0x00, 0x01, 0xAA, 0x00, 0x00, 0x00}
	require.NoError(t, s.WriteCorrections(payload))
	assert.Contains(t, string(port.bytesWritten()), string(payload))

	s.Close()
	assert.ErrorIs(t, s.WriteCorrections(payload), ErrDeviceLost)
}
