// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/rtk_bridge/internal/config"
	"github.com/relabs-tech/rtk_bridge/internal/device"
	"github.com/relabs-tech/rtk_bridge/internal/gps"
	"github.com/relabs-tech/rtk_bridge/internal/ntrip"
	"github.com/relabs-tech/rtk_bridge/internal/rtcm"
	"github.com/relabs-tech/rtk_bridge/internal/sink"
	"github.com/relabs-tech/rtk_bridge/internal/ubx"
)

// Orchestrator states.
const (
	StateIdle       = "idle"
	StateStarting   = "starting"
	StateRunning    = "running"
	StateRecovering = "recovering"
	StateStopped    = "stopped"
)

const (
	evStart   = "start"
	evStarted = "started"
	evDegrade = "degrade"
	evStop    = "stop"
)

const statusInterval = 5 * time.Second

// sentenceFallbackAfter is how long the binary navigation stream may
// be silent before text sentences are trusted as the position source.
const sentenceFallbackAfter = 3 * time.Second

// deviceHandle is the slice of device.Session the orchestrator uses,
// split out so tests can substitute a scripted device.
type deviceHandle interface {
	Open() error
	Configure(ctx context.Context) error
	Run(ctx context.Context, out chan<- ubx.Message) error
	WriteCorrections(p []byte) error
	Malformed() uint64
	State() string
	Close() error
}

// correctionHandle is the slice of ntrip.Client the orchestrator uses.
type correctionHandle interface {
	Run(ctx context.Context, out chan<- rtcm.Chunk) error
	State() ntrip.State
	Stats() rtcm.Stats
	Close()
}

// Orchestrator wires the receiver session, the correction client and
// the publish sinks together and keeps both halves alive. Either half
// may be down while the other keeps working; in particular the bridge
// degrades to plain GPS when the caster is unreachable.
type Orchestrator struct {
	cfg   config.Settings
	sinks sink.Sink

	newDevice      func() deviceHandle
	newCorrections func() correctionHandle

	machine   *fsm.FSM
	tracker   *gps.Tracker
	agg       *gps.Aggregator
	sentences *gps.SentenceState
	diag      *diagnostics

	mu            sync.Mutex
	dev           deviceHandle
	corr          correctionHandle
	lastSolution  time.Time
	lastBinaryNav time.Time
	lastITOW      uint32
	lastPVT       gps.Solution
	havePVT       bool
	fixState      gps.FixState
	droppedWrites uint64
	devFailure    string
	corrFailure   string
}

// New builds an orchestrator from loaded settings.
func New(cfg config.Settings, sinks sink.Sink) *Orchestrator {
	rate := cfg.Device.UpdateRateHz
	if rate <= 0 {
		rate = 1
	}
	o := &Orchestrator{
		cfg:   cfg,
		sinks: sinks,
		tracker: &gps.Tracker{
			MinSatellites:       cfg.Device.MinSatellites,
			PreferDeadReckoning: cfg.Device.PreferDeadReckoning,
		},
		agg: &gps.Aggregator{
			Enabled: cfg.Device.EnableDeadReckoning,
			// Inertial samples older than one update period must not
			// paper over a fresh satellite solution.
			Window: time.Second / time.Duration(rate),
		},
		sentences: &gps.SentenceState{},
		diag:      newDiagnostics(),
	}
	o.newDevice = func() deviceHandle {
		return device.NewSession(device.Config{
			Port:                cfg.Device.Port,
			BaudRate:            cfg.Device.BaudRate,
			UpdateRateHz:        cfg.Device.UpdateRateHz,
			DynamicModel:        cfg.GetDynamicModel(),
			Constellations:      cfg.GetConstellations(),
			EnableDeadReckoning: cfg.Device.EnableDeadReckoning,
			AckTimeout:          cfg.GetAckTimeout(),
		})
	}
	o.newCorrections = func() correctionHandle {
		filter := make([]int, len(cfg.Ntrip.MessageFilter))
		for i, t := range cfg.Ntrip.MessageFilter {
			filter[i] = int(t)
		}
		return ntrip.NewClient(ntrip.Config{
			Host:           cfg.Ntrip.Host,
			Port:           cfg.Ntrip.Port,
			Mountpoint:     cfg.Ntrip.Mountpoint,
			Username:       cfg.Ntrip.Username,
			Password:       cfg.Ntrip.Password,
			SilenceTimeout: cfg.GetSilenceTimeout(),
		}, rtcm.NewScanner(filter))
	}
	o.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: evStart, Src: []string{StateIdle}, Dst: StateStarting},
			{Name: evStarted, Src: []string{StateStarting, StateRecovering}, Dst: StateRunning},
			{Name: evDegrade, Src: []string{StateStarting, StateRunning}, Dst: StateRecovering},
			{Name: evStop, Src: []string{StateIdle, StateStarting, StateRunning,
				StateRecovering}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(e *fsm.Event) {
				log.Infof("bridge: %s -> %s", e.Src, e.Dst)
			},
		},
	)
	return o
}

// State returns the current orchestrator state.
func (o *Orchestrator) State() string {
	return o.machine.Current()
}

// Run drives the bridge until the context is cancelled. Cancellation
// closes both connections and waits for the loops to finish.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.machine.Event(evStart)

	msgs := make(chan ubx.Message, 64)
	chunks := make(chan rtcm.Chunk, 64)

	var wg sync.WaitGroup
	wg.Add(1)
	go o.deviceLoop(ctx, msgs, &wg)
	if o.cfg.Ntrip.Enabled {
		wg.Add(1)
		go o.correctionLoop(ctx, chunks, &wg)
	} else {
		log.Info("bridge: corrections disabled, running GPS-only")
	}

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgs:
			o.handleMessage(msg)
		case chunk := <-chunks:
			// A flowing chunk is proof the caster side recovered.
			o.setCorrectionFailure("")
			if o.machine.Current() == StateRecovering {
				o.machine.Event(evStarted)
			}
			o.forwardCorrections(chunk)
		case <-ticker.C:
			o.publishStatus()
			o.diag.logSummary()
		case <-ctx.Done():
			o.machine.Event(evStop)
			wg.Wait()
			o.publishStatus()
			return ctx.Err()
		}
	}
}

// deviceLoop keeps one receiver session alive, reopening with backoff
// after every failure.
func (o *Orchestrator) deviceLoop(ctx context.Context, msgs chan<- ubx.Message, wg *sync.WaitGroup) {
	defer wg.Done()
	var b backoff
	for ctx.Err() == nil {
		dev := o.newDevice()
		err := o.runDevice(ctx, dev, msgs, &b)
		o.setDevice(nil)
		dev.Close()
		if ctx.Err() != nil {
			return
		}
		d := b.Next()
		log.Warnf("bridge: device failed: %v, retrying in %s", err, d)
		if err != nil {
			o.setDeviceFailure(err.Error())
		}
		o.machine.Event(evDegrade)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) runDevice(ctx context.Context, dev deviceHandle, msgs chan<- ubx.Message, b *backoff) error {
	if err := dev.Open(); err != nil {
		return err
	}
	if err := dev.Configure(ctx); err != nil {
		return err
	}
	o.setDevice(dev)
	o.setDeviceFailure("")
	b.Started(time.Now())
	o.machine.Event(evStarted)
	err := dev.Run(ctx, msgs)
	b.Observe(time.Now())
	b.Stopped()
	return err
}

// correctionLoop keeps the caster connection alive with its own
// backoff. Its failures degrade the bridge but never take the device
// half down.
func (o *Orchestrator) correctionLoop(ctx context.Context, chunks chan<- rtcm.Chunk, wg *sync.WaitGroup) {
	defer wg.Done()
	var b backoff
	for ctx.Err() == nil {
		corr := o.newCorrections()
		o.setCorrections(corr)
		b.Started(time.Now())
		err := corr.Run(ctx, chunks)
		b.Observe(time.Now())
		b.Stopped()
		o.setCorrections(nil)
		corr.Close()
		if ctx.Err() != nil {
			return
		}
		d := b.Next()
		log.Warnf("bridge: corrections failed: %v, retrying in %s", err, d)
		if err != nil {
			o.setCorrectionFailure(err.Error())
		}
		o.machine.Event(evDegrade)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) setDevice(dev deviceHandle) {
	o.mu.Lock()
	o.dev = dev
	o.mu.Unlock()
}

func (o *Orchestrator) setCorrections(corr correctionHandle) {
	o.mu.Lock()
	o.corr = corr
	o.mu.Unlock()
}

func (o *Orchestrator) setDeviceFailure(reason string) {
	o.mu.Lock()
	o.devFailure = reason
	o.mu.Unlock()
}

func (o *Orchestrator) setCorrectionFailure(reason string) {
	o.mu.Lock()
	o.corrFailure = reason
	o.mu.Unlock()
}

// forwardCorrections hands one correction chunk to the receiver.
// Chunks arriving while the device is down are dropped and counted;
// corrections age out quickly and are not worth buffering.
func (o *Orchestrator) forwardCorrections(chunk rtcm.Chunk) {
	o.mu.Lock()
	dev := o.dev
	o.mu.Unlock()
	if dev == nil {
		o.mu.Lock()
		o.droppedWrites++
		o.mu.Unlock()
		return
	}
	if err := dev.WriteCorrections(chunk.Data); err != nil {
		log.Warnf("bridge: correction write: %v", err)
	} else {
		o.diag.observeCorrection(len(chunk.Data))
	}
}

func (o *Orchestrator) handleMessage(msg ubx.Message) {
	now := time.Now()
	switch m := msg.(type) {
	case ubx.NavPVT:
		sol := gps.FromNavPVT(m, now)
		o.mu.Lock()
		o.lastBinaryNav = now
		o.lastITOW = m.ITOW
		o.lastPVT = sol
		o.havePVT = true
		o.mu.Unlock()
		o.handleSolution(sol, now)
	case ubx.NavHPPosLLHMsg:
		o.handleHighPrecision(m, now)
	case ubx.NavStatusMsg:
		o.diag.observeNavStatus(m)
	case ubx.EsfIns:
		o.agg.Add(gps.SampleFromEsfIns(m, now))
	case ubx.EsfStatus:
		o.diag.observeFusionMode(m.FusionMode)
	case ubx.Sentence:
		o.mu.Lock()
		stale := now.Sub(o.lastBinaryNav) > sentenceFallbackAfter
		o.mu.Unlock()
		if !stale {
			return
		}
		if sol, ok := o.sentences.Apply(m.Line, now); ok {
			o.handleSolution(sol, now)
		}
	}
}

// handleHighPrecision republishes the solution of the same navigation
// epoch with the centimeter-level position fields. The receiver emits
// NAV-HPPOSLLH after NAV-PVT, so this is a refinement of the solution
// already published, never a replacement for it.
func (o *Orchestrator) handleHighPrecision(m ubx.NavHPPosLLHMsg, now time.Time) {
	if m.Invalid {
		return
	}
	o.mu.Lock()
	if !o.havePVT || m.ITOW != o.lastITOW {
		o.mu.Unlock()
		return
	}
	sol := o.lastPVT
	o.mu.Unlock()

	sol.Latitude = m.Lat
	sol.Longitude = m.Lon
	sol.AltitudeEl = m.Height
	sol.Altitude = m.HMSL
	sol.HAcc = m.HAcc
	sol.VAcc = m.VAcc
	sol.HighPrecision = true
	o.handleSolution(sol, now)
}

func (o *Orchestrator) handleSolution(sol gps.Solution, now time.Time) {
	o.mu.Lock()
	if !o.lastSolution.IsZero() && sol.Time.Before(o.lastSolution) {
		sol.OutOfOrder = true
	} else {
		o.lastSolution = sol.Time
	}
	o.mu.Unlock()

	sol = o.agg.Merge(sol, now)
	state := o.tracker.Update(sol)

	o.mu.Lock()
	o.fixState = state
	o.mu.Unlock()

	o.diag.observeSolution(sol, state)
	if err := o.sinks.PublishSolution(sol); err != nil {
		log.Warnf("bridge: publish solution: %v", err)
	}
}

func (o *Orchestrator) publishStatus() {
	o.mu.Lock()
	dev := o.dev
	corr := o.corr
	fixState := o.fixState
	dropped := o.droppedWrites
	devFailure := o.devFailure
	corrFailure := o.corrFailure
	o.mu.Unlock()

	acquired, lost := o.tracker.Transitions()
	devStatus := sink.DeviceStatus{
		State:       device.StateDisconnected,
		FixState:    fixState.String(),
		Satellites:  o.diag.satellites(),
		FixAcquired: acquired,
		FixLost:     lost,
		FusionMode:  o.diag.currentFusionMode(),
		Reason:      devFailure,
	}
	if dev != nil {
		devStatus.State = dev.State()
		devStatus.MalformedSpans = dev.Malformed()
	}
	if err := o.sinks.PublishDeviceStatus(devStatus); err != nil {
		log.Warnf("bridge: publish device status: %v", err)
	}

	corrStatus := sink.CorrectionStatus{
		State:         string(ntrip.StateDisconnected),
		DroppedWrites: dropped,
		Reason:        corrFailure,
	}
	if corr != nil {
		corrStatus.State = string(corr.State())
		corrStatus.Stats = corr.Stats()
	}
	if err := o.sinks.PublishCorrectionStatus(corrStatus); err != nil {
		log.Warnf("bridge: publish correction status: %v", err)
	}
}
