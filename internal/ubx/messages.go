// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package ubx

import (
	"encoding/binary"
	"fmt"
	"time"
)

// UBX message classes and IDs handled by the bridge.
const (
	ClassNav = 0x01
	ClassAck = 0x05
	ClassCfg = 0x06
	ClassEsf = 0x10

	NavStatus   = 0x03
	NavPVTID    = 0x07
	NavHPPosLLH = 0x14

	AckNakID = 0x00
	AckAckID = 0x01

	CfgMsg  = 0x01
	CfgRate = 0x08
	CfgCfg  = 0x09
	CfgNav5 = 0x24
	CfgGnss = 0x3E

	EsfStatusID = 0x10
	EsfInsID    = 0x15
)

// Fix type codes reported in NAV-PVT fixType.
const (
	FixNone          = 0
	FixDeadReckoning = 1
	Fix2D            = 2
	Fix3D            = 3
	FixGnssDR        = 4
	FixTimeOnly      = 5
)

// Carrier solution codes from NAV-PVT flags bits 6..7.
const (
	CarrierNone  = 0
	CarrierFloat = 1
	CarrierFixed = 2
)

// Message is a decoded UBX payload. The set of implementations is
// closed: every frame decodes to one of the concrete types below or
// to Unrecognized.
type Message interface {
	ubxMessage()
}

// NavPVT is the position-velocity-time solution (NAV-PVT).
type NavPVT struct {
	ITOW       uint32
	Time       time.Time
	TimeValid  bool
	FixType    int
	GnssFixOK  bool
	DiffSoln   bool
	CarrSoln   int
	NumSV      int
	Lon        float64 // degrees
	Lat        float64 // degrees
	Height     float64 // m above ellipsoid
	HMSL       float64 // m above mean sea level
	HAcc       float64 // m
	VAcc       float64 // m
	GSpeed     float64 // m/s
	HeadMot    float64 // degrees
	PDOP       float64
	HeadVehOK  bool
	HeadVeh    float64 // degrees
}

// NavStatusMsg is the receiver navigation status (NAV-STATUS).
type NavStatusMsg struct {
	ITOW    uint32
	GPSFix  int
	FixOK   bool
	DiffCor bool
	TTFF    time.Duration
	Uptime  time.Duration
}

// NavHPPosLLHMsg is the high-precision geodetic position (NAV-HPPOSLLH).
type NavHPPosLLHMsg struct {
	ITOW    uint32
	Invalid bool
	Lon     float64 // degrees, hp component applied
	Lat     float64
	Height  float64 // m
	HMSL    float64 // m
	HAcc    float64 // m
	VAcc    float64 // m
}

// Ack reports acceptance or rejection of a configuration frame
// (ACK-ACK / ACK-NAK).
type Ack struct {
	ClsID byte
	MsgID byte
	OK    bool
}

// EsfIns carries compensated inertial rates from the fusion engine of
// a dead-reckoning receiver (ESF-INS).
type EsfIns struct {
	XAngRateValid bool
	YAngRateValid bool
	ZAngRateValid bool
	XAccelValid   bool
	YAccelValid   bool
	ZAccelValid   bool
	XAngRate      float64 // deg/s
	YAngRate      float64
	ZAngRate      float64
	XAccel        float64 // m/s^2
	YAccel        float64
	ZAccel        float64
}

// EsfStatus reports the fusion engine state (ESF-STATUS).
type EsfStatus struct {
	FusionMode int // 0 init, 1 fusion, 2 suspended, 3 disabled
	NumSens    int
}

// Unrecognized stands in for any (class, id) the decode table does not
// know. It is not an error; the stream carries plenty of message types
// the bridge has no use for.
type Unrecognized struct {
	Class byte
	ID    byte
}

// Sentence is a checksum-valid NMEA sentence from the receiver. It
// rides the same message stream as the binary messages so consumers
// can fall back to text output when the binary navigation messages
// are not enabled.
type Sentence struct {
	Talker string
	Type   string
	Line   string
}

func (NavPVT) ubxMessage()         {}
func (NavStatusMsg) ubxMessage()   {}
func (NavHPPosLLHMsg) ubxMessage() {}
func (Ack) ubxMessage()            {}
func (EsfIns) ubxMessage()         {}
func (EsfStatus) ubxMessage()      {}
func (Unrecognized) ubxMessage()   {}
func (Sentence) ubxMessage()       {}

type decodeFunc func([]byte) (Message, error)

var decoders = map[[2]byte]decodeFunc{
	{ClassNav, NavPVTID}:    decodeNavPVT,
	{ClassNav, NavStatus}:   decodeNavStatus,
	{ClassNav, NavHPPosLLH}: decodeNavHPPosLLH,
	{ClassAck, AckAckID}:    decodeAckAck,
	{ClassAck, AckNakID}:    decodeAckNak,
	{ClassEsf, EsfInsID}:    decodeEsfIns,
	{ClassEsf, EsfStatusID}: decodeEsfStatus,
}

// Decode turns a binary frame into its message. Unknown (class, id)
// pairs come back as Unrecognized; an error means a known message with
// a short or inconsistent payload.
func Decode(f Frame) (Message, error) {
	if f.Kind != KindBinary {
		return nil, fmt.Errorf("ubx: frame is not binary")
	}
	dec, ok := decoders[[2]byte{f.Class, f.ID}]
	if !ok {
		return Unrecognized{Class: f.Class, ID: f.ID}, nil
	}
	return dec(f.Payload)
}

func decodeNavPVT(p []byte) (Message, error) {
	if len(p) < 92 {
		return nil, fmt.Errorf("ubx: NAV-PVT payload %d bytes, want 92", len(p))
	}
	le := binary.LittleEndian
	m := NavPVT{
		ITOW:    le.Uint32(p[0:4]),
		FixType: int(p[20]),
		NumSV:   int(p[23]),
		Lon:     float64(int32(le.Uint32(p[24:28]))) * 1e-7,
		Lat:     float64(int32(le.Uint32(p[28:32]))) * 1e-7,
		Height:  float64(int32(le.Uint32(p[32:36]))) / 1000.0,
		HMSL:    float64(int32(le.Uint32(p[36:40]))) / 1000.0,
		HAcc:    float64(le.Uint32(p[40:44])) / 1000.0,
		VAcc:    float64(le.Uint32(p[44:48])) / 1000.0,
		GSpeed:  float64(int32(le.Uint32(p[60:64]))) / 1000.0,
		HeadMot: float64(int32(le.Uint32(p[64:68]))) * 1e-5,
		PDOP:    float64(le.Uint16(p[76:78])) * 0.01,
	}
	flags := p[21]
	m.GnssFixOK = flags&0x01 != 0
	m.DiffSoln = flags&0x02 != 0
	m.CarrSoln = int(flags >> 6)

	valid := p[11]
	if valid&0x03 == 0x03 { // validDate and validTime
		m.TimeValid = true
		m.Time = time.Date(
			int(le.Uint16(p[4:6])), time.Month(p[6]), int(p[7]),
			int(p[8]), int(p[9]), int(p[10]),
			int(int32(le.Uint32(p[16:20]))), time.UTC)
	}
	m.HeadVeh = float64(int32(le.Uint32(p[84:88]))) * 1e-5
	m.HeadVehOK = flags&0x20 != 0
	return m, nil
}

func decodeNavStatus(p []byte) (Message, error) {
	if len(p) < 16 {
		return nil, fmt.Errorf("ubx: NAV-STATUS payload %d bytes, want 16", len(p))
	}
	le := binary.LittleEndian
	return NavStatusMsg{
		ITOW:    le.Uint32(p[0:4]),
		GPSFix:  int(p[4]),
		FixOK:   p[5]&0x01 != 0,
		DiffCor: p[5]&0x02 != 0,
		TTFF:    time.Duration(le.Uint32(p[8:12])) * time.Millisecond,
		Uptime:  time.Duration(le.Uint32(p[12:16])) * time.Millisecond,
	}, nil
}

func decodeNavHPPosLLH(p []byte) (Message, error) {
	if len(p) < 36 {
		return nil, fmt.Errorf("ubx: NAV-HPPOSLLH payload %d bytes, want 36", len(p))
	}
	le := binary.LittleEndian
	m := NavHPPosLLHMsg{
		ITOW:    le.Uint32(p[4:8]),
		Invalid: p[3]&0x01 != 0,
	}
	// Standard-precision components in 1e-7 deg / mm, plus signed
	// high-precision extensions in 1e-9 deg / 0.1 mm.
	m.Lon = float64(int32(le.Uint32(p[8:12])))*1e-7 + float64(int8(p[24]))*1e-9
	m.Lat = float64(int32(le.Uint32(p[12:16])))*1e-7 + float64(int8(p[25]))*1e-9
	m.Height = float64(int32(le.Uint32(p[16:20])))/1000.0 + float64(int8(p[26]))/10000.0
	m.HMSL = float64(int32(le.Uint32(p[20:24])))/1000.0 + float64(int8(p[27]))/10000.0
	m.HAcc = float64(le.Uint32(p[28:32])) / 10000.0
	m.VAcc = float64(le.Uint32(p[32:36])) / 10000.0
	return m, nil
}

func decodeAckAck(p []byte) (Message, error) {
	if len(p) < 2 {
		return nil, fmt.Errorf("ubx: ACK-ACK payload %d bytes, want 2", len(p))
	}
	return Ack{ClsID: p[0], MsgID: p[1], OK: true}, nil
}

func decodeAckNak(p []byte) (Message, error) {
	if len(p) < 2 {
		return nil, fmt.Errorf("ubx: ACK-NAK payload %d bytes, want 2", len(p))
	}
	return Ack{ClsID: p[0], MsgID: p[1], OK: false}, nil
}

func decodeEsfIns(p []byte) (Message, error) {
	if len(p) < 36 {
		return nil, fmt.Errorf("ubx: ESF-INS payload %d bytes, want 36", len(p))
	}
	le := binary.LittleEndian
	bits := le.Uint32(p[0:4])
	return EsfIns{
		XAngRateValid: bits&(1<<8) != 0,
		YAngRateValid: bits&(1<<9) != 0,
		ZAngRateValid: bits&(1<<10) != 0,
		XAccelValid:   bits&(1<<11) != 0,
		YAccelValid:   bits&(1<<12) != 0,
		ZAccelValid:   bits&(1<<13) != 0,
		XAngRate:      float64(int32(le.Uint32(p[12:16]))) * 1e-3,
		YAngRate:      float64(int32(le.Uint32(p[16:20]))) * 1e-3,
		ZAngRate:      float64(int32(le.Uint32(p[20:24]))) * 1e-3,
		XAccel:        float64(int32(le.Uint32(p[24:28]))) * 1e-2,
		YAccel:        float64(int32(le.Uint32(p[28:32]))) * 1e-2,
		ZAccel:        float64(int32(le.Uint32(p[32:36]))) * 1e-2,
	}, nil
}

func decodeEsfStatus(p []byte) (Message, error) {
	if len(p) < 16 {
		return nil, fmt.Errorf("ubx: ESF-STATUS payload %d bytes, want 16", len(p))
	}
	return EsfStatus{
		FusionMode: int(p[12]),
		NumSens:    int(p[15]),
	}, nil
}
