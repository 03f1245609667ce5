// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package rtcm

// RTCM3 framing: 0xD3 preamble, 6 reserved bits, 10-bit payload
// length, payload, 24-bit CRC. The message type is the first 12 bits
// of the payload. The scanner identifies and filters messages without
// decoding their content; the receiver does the actual decoding.

const (
	// Preamble starts every RTCM3 frame.
	Preamble = 0xD3

	headerLen = 3
	crcLen    = 3
)

// DefaultPassTypes are the station-coordinate and MSM7 observation
// messages a ZED-F9P/F9R consumes for RTK, plus the GLONASS bias
// message.
var DefaultPassTypes = []int{1005, 1077, 1087, 1097, 1127, 1230}

// Chunk is one complete, CRC-valid RTCM3 message ready to be
// forwarded to the receiver.
type Chunk struct {
	Type int
	Seq  uint64
	Data []byte
}

// Stats are the correction-stream counters published downstream.
type Stats struct {
	MessagesSeen      uint64         `json:"messages_seen"`
	MessagesForwarded uint64         `json:"messages_forwarded"`
	MessagesDropped   uint64         `json:"messages_dropped"`
	BytesForwarded    uint64         `json:"bytes_forwarded"`
	CRCErrors         uint64         `json:"crc_errors"`
	LastType          int            `json:"last_type"`
	PerType           map[int]uint64 `json:"per_type,omitempty"`
}

// Scanner frames RTCM3 messages out of a raw correction byte stream,
// optionally filtering by message type. Chunks come out in arrival
// order; corrections only make sense byte-ordered.
type Scanner struct {
	buf    []byte
	seq    uint64
	filter map[int]bool
	stats  Stats
}

// NewScanner returns a scanner passing only the given message types.
// A nil or empty list disables filtering and passes everything.
func NewScanner(passTypes []int) *Scanner {
	s := &Scanner{stats: Stats{PerType: make(map[int]uint64)}}
	if len(passTypes) > 0 {
		s.filter = make(map[int]bool, len(passTypes))
		for _, t := range passTypes {
			s.filter[t] = true
		}
	}
	return s
}

// Push appends raw stream bytes and returns every complete message now
// available that passes the filter.
func (s *Scanner) Push(p []byte) []Chunk {
	s.buf = append(s.buf, p...)
	var out []Chunk
	for {
		// Drop anything before the next preamble byte.
		start := 0
		for start < len(s.buf) && s.buf[start] != Preamble {
			start++
		}
		if start > 0 {
			s.buf = append(s.buf[:0], s.buf[start:]...)
		}
		if len(s.buf) < headerLen {
			return out
		}
		payloadLen := int(s.buf[1]&0x03)<<8 | int(s.buf[2])
		total := headerLen + payloadLen + crcLen
		if len(s.buf) < total {
			return out
		}
		frame := s.buf[:total]
		if crc24q(frame) != 0 {
			// Bad CRC: the preamble byte was noise. Skip it and
			// rescan from the next byte.
			s.stats.CRCErrors++
			s.buf = append(s.buf[:0], s.buf[1:]...)
			continue
		}
		msgType := 0
		if payloadLen >= 2 {
			msgType = int(frame[3])<<4 | int(frame[4])>>4
		}
		s.stats.MessagesSeen++
		s.stats.LastType = msgType
		s.stats.PerType[msgType]++

		if s.filter == nil || s.filter[msgType] {
			data := make([]byte, total)
			copy(data, frame)
			out = append(out, Chunk{Type: msgType, Seq: s.seq, Data: data})
			s.seq++
			s.stats.MessagesForwarded++
			s.stats.BytesForwarded += uint64(total)
		} else {
			s.stats.MessagesDropped++
		}
		s.buf = append(s.buf[:0], s.buf[total:]...)
	}
}

// Stats returns a copy of the counters.
func (s *Scanner) Stats() Stats {
	out := s.stats
	out.PerType = make(map[int]uint64, len(s.stats.PerType))
	for k, v := range s.stats.PerType {
		out.PerType[k] = v
	}
	return out
}

// crc24q is the CRC-24Q used by RTCM3 (polynomial 0x1864CFB). Over a
// whole frame including its trailing CRC it evaluates to zero.
func crc24q(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc ^= uint32(b) << 16
		for i := 0; i < 8; i++ {
			crc <<= 1
			if crc&0x1000000 != 0 {
				crc ^= 0x1864CFB
			}
		}
	}
	return crc & 0xFFFFFF
}

// AppendCRC frames a header+payload with its CRC-24Q. Used by tests
// and the offline scan tool to synthesize valid frames.
func AppendCRC(frame []byte) []byte {
	crc := crc24q(frame)
	return append(frame, byte(crc>>16), byte(crc>>8), byte(crc))
}

// EncodeFrame builds a complete RTCM3 frame around a payload whose
// first 12 bits already carry the message type.
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, 0, headerLen+len(payload)+crcLen)
	frame = append(frame, Preamble, byte(len(payload)>>8)&0x03, byte(len(payload)))
	frame = append(frame, payload...)
	return AppendCRC(frame)
}
