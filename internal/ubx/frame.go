package ubx

// Framing for the mixed protocol stream a u-blox receiver emits on its
// serial port: UBX binary frames and NMEA text sentences interleaved on
// the same wire. The scanner walks the head of a byte buffer, emits
// whole frames and reports how many leading bytes it consumed, so the
// caller can keep a trailing partial frame around for the next read.

import "strings"

const (
	// UBX binary sync characters.
	sync1 = 0xB5
	sync2 = 0x62

	// UBX frame overhead: 2 sync + class + id + 2 length + 2 checksum.
	binaryOverhead = 8

	// Largest UBX payload we accept. Anything bigger is line noise
	// that happened to look like a sync pattern.
	maxBinaryPayload = 4096

	// NMEA 0183 allows 82 characters; real receivers overrun that a
	// little, so allow some slack before declaring a sentence junk.
	maxSentenceLen = 100
)

// FrameKind discriminates the variants of Frame.
type FrameKind int

const (
	// KindBinary is a checksum-valid UBX binary frame.
	KindBinary FrameKind = iota
	// KindSentence is a framed NMEA text sentence.
	KindSentence
	// KindMalformed covers a span of bytes that could not be framed:
	// garbage between frames, a failed checksum, or an overlong
	// sentence. The span is consumed so the stream always advances.
	KindMalformed
)

// Frame is one framed unit from the receiver stream.
type Frame struct {
	Kind FrameKind

	// Binary frames.
	Class   byte
	ID      byte
	Payload []byte

	// Text sentences, e.g. Talker "GN", Sentence "GGA". For
	// proprietary sentences ("$PUBX,...") Talker is "P".
	Talker   string
	Sentence string
	// Line is the sentence without the trailing CRLF, including the
	// leading '$' and the checksum field.
	Line string

	// ChecksumOK is false only for sentences carrying no checksum
	// field; frames that fail their checksum come back as
	// KindMalformed instead.
	ChecksumOK bool

	// Length is the number of stream bytes this frame accounts for.
	// It is always > 0.
	Length int
}

// checksum computes the UBX 8-bit running-sum pair over body, which
// must cover class, id, length and payload.
func checksum(body []byte) (byte, byte) {
	var ckA, ckB byte
	for _, b := range body {
		ckA += b
		ckB += ckA
	}
	return ckA, ckB
}

// Scan frames as many whole messages as the buffer head allows and
// reports the bytes consumed. A partial frame at the head consumes
// nothing; the caller should append more input and call again.
func Scan(buf []byte) ([]Frame, int) {
	var frames []Frame
	consumed := 0
	for consumed < len(buf) {
		f, n := scanOne(buf[consumed:])
		if n == 0 {
			break
		}
		f.Length = n
		frames = append(frames, f)
		consumed += n
	}
	return frames, consumed
}

func scanOne(buf []byte) (Frame, int) {
	if len(buf) == 0 {
		return Frame{}, 0
	}
	switch buf[0] {
	case sync1:
		return scanBinary(buf)
	case '$':
		return scanSentence(buf)
	}
	// Garbage: skip forward to the next byte that could start a frame
	// and report the whole span as one malformed unit.
	span := 1
	for span < len(buf) && buf[span] != sync1 && buf[span] != '$' {
		span++
	}
	return Frame{Kind: KindMalformed}, span
}

func scanBinary(buf []byte) (Frame, int) {
	if len(buf) < 2 {
		return Frame{}, 0 // might still become a sync pair
	}
	if buf[1] != sync2 {
		// A lone 0xB5 is just noise.
		return Frame{Kind: KindMalformed}, 1
	}
	if len(buf) < 6 {
		return Frame{}, 0
	}
	payloadLen := int(buf[4]) | int(buf[5])<<8
	if payloadLen > maxBinaryPayload {
		// Bogus length field; drop the sync pair and rescan so a
		// real frame inside the garbage is found quickly.
		return Frame{Kind: KindMalformed}, 2
	}
	total := binaryOverhead + payloadLen
	if len(buf) < total {
		return Frame{}, 0
	}
	ckA, ckB := checksum(buf[2 : 6+payloadLen])
	if ckA != buf[6+payloadLen] || ckB != buf[7+payloadLen] {
		// Consume only the sync bytes so resynchronization latency
		// stays bounded even when the length field was corrupted.
		return Frame{Kind: KindMalformed}, 2
	}
	payload := make([]byte, payloadLen)
	copy(payload, buf[6:6+payloadLen])
	return Frame{
		Kind:       KindBinary,
		Class:      buf[2],
		ID:         buf[3],
		Payload:    payload,
		ChecksumOK: true,
	}, total
}

func scanSentence(buf []byte) (Frame, int) {
	limit := len(buf)
	if limit > maxSentenceLen {
		limit = maxSentenceLen
	}
	end := -1
	for i := 1; i < limit-1; i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			end = i
			break
		}
	}
	if end == -1 {
		if len(buf) > maxSentenceLen {
			// No terminator within the limit: cap memory growth on a
			// noisy line by discarding up to the limit.
			return Frame{Kind: KindMalformed}, maxSentenceLen
		}
		return Frame{}, 0
	}
	total := end + 2
	line := string(buf[:end])

	body := line[1:]
	hasChecksum := false
	checksumOK := false
	if star := strings.LastIndexByte(body, '*'); star >= 0 && len(body)-star == 3 {
		hasChecksum = true
		want, ok := hexByte(body[star+1], body[star+2])
		if ok {
			var got byte
			for i := 0; i < star; i++ {
				got ^= body[i]
			}
			checksumOK = got == want
		}
		body = body[:star]
	}
	if hasChecksum && !checksumOK {
		return Frame{Kind: KindMalformed}, total
	}

	addr := body
	if comma := strings.IndexByte(body, ','); comma >= 0 {
		addr = body[:comma]
	}
	talker, sentence := splitAddress(addr)
	return Frame{
		Kind:       KindSentence,
		Talker:     talker,
		Sentence:   sentence,
		Line:       line,
		ChecksumOK: hasChecksum,
	}, total
}

// splitAddress separates "GNGGA" into ("GN", "GGA"). Proprietary
// addresses like "PUBX" become ("P", "UBX").
func splitAddress(addr string) (string, string) {
	if len(addr) == 0 {
		return "", ""
	}
	if addr[0] == 'P' {
		return "P", addr[1:]
	}
	if len(addr) <= 3 {
		return "", addr
	}
	return addr[:len(addr)-3], addr[len(addr)-3:]
}

func hexByte(hi, lo byte) (byte, bool) {
	h, okH := hexNibble(hi)
	l, okL := hexNibble(lo)
	return h<<4 | l, okH && okL
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}
