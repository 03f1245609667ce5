package ubx

import "encoding/binary"

// Encode wraps a payload in a UBX frame: sync pair, class, id,
// little-endian length, payload, checksum.
func Encode(class, id byte, payload []byte) []byte {
	out := make([]byte, 0, binaryOverhead+len(payload))
	out = append(out, sync1, sync2, class, id,
		byte(len(payload)), byte(len(payload)>>8))
	out = append(out, payload...)
	ckA, ckB := checksum(out[2:])
	return append(out, ckA, ckB)
}

// Dynamic platform models for CFG-NAV5.
const (
	DynModelPortable   = 0
	DynModelStationary = 2
	DynModelPedestrian = 3
	DynModelAutomotive = 4
	DynModelSea        = 5
	DynModelAirborne1G = 6
)

// GNSS IDs for CFG-GNSS configuration blocks.
const (
	GnssGPS     = 0
	GnssSBAS    = 1
	GnssGalileo = 2
	GnssBeiDou  = 3
	GnssQZSS    = 5
	GnssGLONASS = 6
)

// NewCfgMsg builds a CFG-MSG frame setting the output rate of one
// message type on the current port.
func NewCfgMsg(msgClass, msgID byte, rate byte) []byte {
	return Encode(ClassCfg, CfgMsg, []byte{msgClass, msgID, rate})
}

// NewCfgRate builds a CFG-RATE frame. measMs is the measurement period
// in milliseconds; the time reference is GPS time.
func NewCfgRate(measMs uint16) []byte {
	p := make([]byte, 6)
	binary.LittleEndian.PutUint16(p[0:2], measMs)
	binary.LittleEndian.PutUint16(p[2:4], 1) // navRate: one solution per measurement
	binary.LittleEndian.PutUint16(p[4:6], 1) // timeRef: GPS
	return Encode(ClassCfg, CfgRate, p)
}

// NewCfgNav5 builds a CFG-NAV5 frame applying the dynamic platform
// model and the auto 2D/3D fix mode.
func NewCfgNav5(dynModel byte) []byte {
	p := make([]byte, 36)
	binary.LittleEndian.PutUint16(p[0:2], 0x0005) // apply dyn + fixMode only
	p[2] = dynModel
	p[3] = 3 // fixMode: auto 2D/3D
	return Encode(ClassCfg, CfgNav5, p)
}

// GnssBlock is one constellation entry of a CFG-GNSS frame.
type GnssBlock struct {
	ID      byte
	Enable  bool
	MinTrk  byte
	MaxTrk  byte
	SigMask uint32
}

// NewCfgGnss builds a CFG-GNSS frame from per-constellation blocks.
func NewCfgGnss(blocks []GnssBlock) []byte {
	p := make([]byte, 4+8*len(blocks))
	p[0] = 0 // msgVer
	p[3] = byte(len(blocks))
	for i, b := range blocks {
		off := 4 + 8*i
		p[off] = b.ID
		p[off+1] = b.MinTrk
		p[off+2] = b.MaxTrk
		flags := b.SigMask << 16
		if b.Enable {
			flags |= 1
		}
		binary.LittleEndian.PutUint32(p[off+4:off+8], flags)
	}
	return Encode(ClassCfg, CfgGnss, p)
}

// NewCfgCfg builds a CFG-CFG frame saving the running configuration to
// battery-backed RAM and flash.
func NewCfgCfg() []byte {
	p := make([]byte, 12)
	binary.LittleEndian.PutUint32(p[4:8], 0x0000001F) // saveMask
	return Encode(ClassCfg, CfgCfg, p)
}
