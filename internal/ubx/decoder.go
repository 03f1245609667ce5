package ubx

// Decoder is the stateful wrapper around Scan used by read loops: it
// keeps the trailing partial frame between reads.
type Decoder struct {
	buf       []byte
	malformed uint64
}

// Push appends raw stream bytes and returns every whole frame that is
// now available. Malformed spans are returned too, and counted.
func (d *Decoder) Push(p []byte) []Frame {
	d.buf = append(d.buf, p...)
	frames, consumed := Scan(d.buf)
	if consumed > 0 {
		d.buf = append(d.buf[:0], d.buf[consumed:]...)
	}
	for _, f := range frames {
		if f.Kind == KindMalformed {
			d.malformed++
		}
	}
	return frames
}

// Malformed reports how many malformed spans the decoder has skipped.
func (d *Decoder) Malformed() uint64 {
	return d.malformed
}

// Pending reports how many bytes of a partial frame are buffered.
func (d *Decoder) Pending() int {
	return len(d.buf)
}
