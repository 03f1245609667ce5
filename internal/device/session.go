// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
	"github.com/looplab/fsm"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/rtk_bridge/internal/ubx"
)

var (
	ErrDeviceNotFound        = errors.New("device: port does not exist")
	ErrPermissionDenied      = errors.New("device: permission denied")
	ErrDeviceLost            = errors.New("device: connection lost")
	ErrConfigurationRejected = errors.New("device: receiver rejected configuration")
	ErrConfigurationTimeout  = errors.New("device: no acknowledgment from receiver")
)

// Session states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConfiguring  = "configuring"
	StateStreaming    = "streaming"
	StateDegraded     = "degraded"
)

const (
	evOpen       = "open"
	evOpened     = "opened"
	evConfigured = "configured"
	evDegrade    = "degrade"
	evClose      = "close"
)

// Config describes the receiver connection and the navigation setup
// pushed to it on connect.
type Config struct {
	Port     string
	BaudRate uint

	// UpdateRateHz is the navigation solution rate, 1..10.
	UpdateRateHz int
	// DynamicModel is a CFG-NAV5 platform model (DynModel* constants).
	DynamicModel byte
	// Constellations, when non-empty, is pushed as one CFG-GNSS
	// frame. Empty keeps the receiver's constellation defaults.
	Constellations []ubx.GnssBlock
	// EnableDeadReckoning also enables ESF-INS output so the fused
	// solution is available when satellites drop out.
	EnableDeadReckoning bool

	// AckTimeout bounds the wait for each configuration acknowledgment.
	AckTimeout time.Duration
}

// Session owns one serial connection to the receiver: it opens the
// port, pushes the configuration, then decodes the inbound stream and
// carries correction data in the other direction.
type Session struct {
	cfg Config

	// open is a seam for tests; production sessions go through
	// serial.Open.
	open func(serial.OpenOptions) (io.ReadWriteCloser, error)

	machine *fsm.FSM
	dec     *ubx.Decoder

	frames  chan ubx.Frame
	readErr chan error
	done    chan struct{}

	wmu sync.Mutex // serializes port writes

	mu     sync.Mutex
	port   io.ReadWriteCloser
	closed bool
}

// NewSession builds a session for the given receiver configuration.
func NewSession(cfg Config) *Session {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 38400
	}
	if cfg.UpdateRateHz <= 0 {
		cfg.UpdateRateHz = 1
	}
	if cfg.UpdateRateHz > 10 {
		cfg.UpdateRateHz = 10
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 2 * time.Second
	}
	s := &Session{
		cfg: cfg,
		open: func(opts serial.OpenOptions) (io.ReadWriteCloser, error) {
			return serial.Open(opts)
		},
		dec:     &ubx.Decoder{},
		frames:  make(chan ubx.Frame, 128),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
	s.machine = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: evOpen, Src: []string{StateDisconnected}, Dst: StateConnecting},
			{Name: evOpened, Src: []string{StateConnecting}, Dst: StateConfiguring},
			{Name: evConfigured, Src: []string{StateConfiguring}, Dst: StateStreaming},
			{Name: evDegrade, Src: []string{StateStreaming}, Dst: StateDegraded},
			{Name: evClose, Src: []string{StateConnecting, StateConfiguring,
				StateStreaming, StateDegraded}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(e *fsm.Event) {
				log.Debugf("device: state %s -> %s", e.Src, e.Dst)
			},
		},
	)
	return s
}

// State returns the current session state.
func (s *Session) State() string {
	return s.machine.Current()
}

// Open stats and opens the serial port. The stat happens first so a
// missing device node and a permission problem yield distinct errors
// instead of one opaque open failure.
func (s *Session) Open() error {
	s.machine.Event(evOpen)
	if _, err := os.Stat(s.cfg.Port); err != nil {
		s.machine.Event(evClose)
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, s.cfg.Port)
		}
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, s.cfg.Port)
		}
		return fmt.Errorf("device: stat %s: %w", s.cfg.Port, err)
	}

	port, err := s.open(serial.OpenOptions{
		PortName:        s.cfg.Port,
		BaudRate:        s.cfg.BaudRate,
		DataBits:        8,
		StopBits:        1,
		ParityMode:      serial.PARITY_NONE,
		MinimumReadSize: 1,
	})
	if err != nil {
		s.machine.Event(evClose)
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, s.cfg.Port)
		}
		return fmt.Errorf("device: open %s: %w", s.cfg.Port, err)
	}

	s.mu.Lock()
	s.port = port
	s.closed = false
	s.mu.Unlock()

	go s.readLoop(port)

	s.machine.Event(evOpened)
	log.Infof("device: opened %s at %d baud", s.cfg.Port, s.cfg.BaudRate)
	return nil
}

// readLoop feeds the decoder from the port until the first read error.
func (s *Session) readLoop(port io.Reader) {
	buf := make([]byte, 512)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			for _, f := range s.dec.Push(buf[:n]) {
				select {
				case s.frames <- f:
				case <-s.done:
					return
				}
			}
		}
		if err != nil {
			s.readErr <- err
			return
		}
	}
}

// Configure pushes the navigation setup and waits for the receiver to
// acknowledge each command. A NAK aborts immediately; a silent
// receiver is reported after AckTimeout per command.
func (s *Session) Configure(ctx context.Context) error {
	type command struct {
		name  string
		frame []byte
	}
	measMs := uint16(1000 / s.cfg.UpdateRateHz)
	commands := []command{
		{"CFG-RATE", ubx.NewCfgRate(measMs)},
		{"CFG-MSG NAV-PVT", ubx.NewCfgMsg(ubx.ClassNav, ubx.NavPVTID, 1)},
		{"CFG-MSG NAV-STATUS", ubx.NewCfgMsg(ubx.ClassNav, ubx.NavStatus, 1)},
		{"CFG-MSG NAV-HPPOSLLH", ubx.NewCfgMsg(ubx.ClassNav, ubx.NavHPPosLLH, 1)},
		{"CFG-NAV5", ubx.NewCfgNav5(s.cfg.DynamicModel)},
	}
	if len(s.cfg.Constellations) > 0 {
		commands = append(commands,
			command{"CFG-GNSS", ubx.NewCfgGnss(s.cfg.Constellations)})
	}
	if s.cfg.EnableDeadReckoning {
		commands = append(commands,
			command{"CFG-MSG ESF-INS", ubx.NewCfgMsg(ubx.ClassEsf, ubx.EsfInsID, 1)},
			command{"CFG-MSG ESF-STATUS", ubx.NewCfgMsg(ubx.ClassEsf, ubx.EsfStatusID, 1)})
	}
	commands = append(commands, command{"CFG-CFG", ubx.NewCfgCfg()})

	for _, cmd := range commands {
		if err := s.write(cmd.frame); err != nil {
			return err
		}
		// Class and id the acknowledgment must echo.
		cls, id := cmd.frame[2], cmd.frame[3]
		if err := s.awaitAck(ctx, cls, id); err != nil {
			return fmt.Errorf("%s: %w", cmd.name, err)
		}
		log.Debugf("device: %s acknowledged", cmd.name)
	}

	s.machine.Event(evConfigured)
	log.Infof("device: configured, %d Hz navigation rate", s.cfg.UpdateRateHz)
	return nil
}

// awaitAck drains inbound frames until the matching ACK/NAK arrives.
// Navigation frames arriving in between are expected and dropped; the
// stream has not started being consumed yet.
func (s *Session) awaitAck(ctx context.Context, cls, id byte) error {
	timer := time.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()
	for {
		select {
		case f := <-s.frames:
			msg, err := ubx.Decode(f)
			if err != nil {
				continue
			}
			ack, ok := msg.(ubx.Ack)
			if !ok || ack.ClsID != cls || ack.MsgID != id {
				continue
			}
			if !ack.OK {
				return ErrConfigurationRejected
			}
			return nil
		case err := <-s.readErr:
			return fmt.Errorf("%w: %v", ErrDeviceLost, err)
		case <-timer.C:
			return ErrConfigurationTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run decodes the inbound stream into messages until the context is
// cancelled or the port dies. Malformed spans were already counted by
// the decoder; only well-formed binary frames produce messages.
func (s *Session) Run(ctx context.Context, out chan<- ubx.Message) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		select {
		case f := <-s.frames:
			var msg ubx.Message
			switch f.Kind {
			case ubx.KindBinary:
				m, err := ubx.Decode(f)
				if err != nil {
					log.Warnf("device: decode %02x-%02x: %v", f.Class, f.ID, err)
					continue
				}
				if _, ok := m.(ubx.Unrecognized); ok {
					continue
				}
				msg = m
			case ubx.KindSentence:
				// Sentences without a checksum field are dropped; the
				// text parser downstream requires one anyway.
				if !f.ChecksumOK {
					continue
				}
				msg = ubx.Sentence{Talker: f.Talker, Type: f.Sentence, Line: f.Line}
			default:
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		case err := <-s.readErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.machine.Event(evDegrade)
			return fmt.Errorf("%w: %v", ErrDeviceLost, err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Malformed returns the count of unparseable byte spans seen so far.
func (s *Session) Malformed() uint64 {
	return s.dec.Malformed()
}

// WriteCorrections forwards raw correction bytes to the receiver.
// Writes are serialized so correction frames never interleave with
// configuration frames on the wire.
func (s *Session) WriteCorrections(p []byte) error {
	return s.write(p)
}

func (s *Session) write(p []byte) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return ErrDeviceLost
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := port.Write(p); err != nil {
		return fmt.Errorf("%w: write: %v", ErrDeviceLost, err)
	}
	return nil
}

// Close shuts the port, which also unblocks the read loop.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.port == nil {
		return nil
	}
	s.closed = true
	close(s.done)
	err := s.port.Close()
	s.port = nil
	s.machine.Event(evClose)
	return err
}
