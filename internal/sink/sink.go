// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package sink publishes solutions and bridge health to downstream
// consumers.
package sink

import (
	"github.com/relabs-tech/rtk_bridge/internal/gps"
	"github.com/relabs-tech/rtk_bridge/internal/rtcm"
)

// DeviceStatus is the receiver-side health snapshot.
type DeviceStatus struct {
	State          string `json:"state"`
	FixState       string `json:"fix_state"`
	Satellites     int    `json:"satellites"`
	MalformedSpans uint64 `json:"malformed_spans"`
	FixAcquired    uint64 `json:"fix_acquired"`
	FixLost        uint64 `json:"fix_lost"`

	// FusionMode is the dead-reckoning engine state as last reported
	// by the receiver, -1 while unreported.
	FusionMode int `json:"fusion_mode"`

	// Reason is the last connection failure, empty while healthy.
	Reason string `json:"reason,omitempty"`
}

// CorrectionStatus is the caster-side health snapshot.
type CorrectionStatus struct {
	State string     `json:"state"`
	Stats rtcm.Stats `json:"stats"`

	// DroppedWrites counts correction chunks that arrived while the
	// receiver was down and were discarded.
	DroppedWrites uint64 `json:"dropped_writes,omitempty"`

	// Reason is the last connection failure, empty while healthy.
	Reason string `json:"reason,omitempty"`
}

// Sink receives bridge output. Implementations must tolerate slow or
// absent consumers without blocking the producer indefinitely.
type Sink interface {
	PublishSolution(sol gps.Solution) error
	PublishDeviceStatus(st DeviceStatus) error
	PublishCorrectionStatus(st CorrectionStatus) error
	Close() error
}

// Multi fans out to several sinks. One failing sink does not stop the
// others; the first error is returned.
type Multi []Sink

func (m Multi) PublishSolution(sol gps.Solution) error {
	var first error
	for _, s := range m {
		if err := s.PublishSolution(sol); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) PublishDeviceStatus(st DeviceStatus) error {
	var first error
	for _, s := range m {
		if err := s.PublishDeviceStatus(st); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) PublishCorrectionStatus(st CorrectionStatus) error {
	var first error
	for _, s := range m {
		if err := s.PublishCorrectionStatus(st); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
