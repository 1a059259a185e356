// Package frame extracts complete top-level JSON objects from an unframed
// byte stream.  The wire carries bare JSON objects back to back with no
// delimiter, so a single read may hold zero, one, or several objects, and
// an object may span any number of reads.
package frame

// Decoder accumulates stream bytes and yields one complete JSON object per
// Next call.  It is not safe for concurrent use; each connection owns its
// own Decoder.
type Decoder struct {
	buf []byte
}

// Feed appends bytes received from the stream.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes held back waiting for completion.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete top-level JSON object, or ok=false when
// the buffer holds no complete object yet.  Bytes before the first opening
// brace are discarded; the consumed span is removed from the buffer so
// trailing partial data survives until the next Feed.
//
// Brace depth is tracked string-aware: '{' and '}' inside quoted strings
// (including escaped quotes) never affect nesting.
func (d *Decoder) Next() (obj []byte, ok bool) {
	start := -1
	for i, b := range d.buf {
		if b == '{' {
			start = i
			break
		}
	}
	if start < 0 {
		// Nothing but noise; drop it.
		d.buf = d.buf[:0]
		return nil, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(d.buf); i++ {
		b := d.buf[i]
		switch {
		case escaped:
			escaped = false
		case inString:
			switch b {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
		default:
			switch b {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					obj = append([]byte(nil), d.buf[start:i+1]...)
					d.buf = append(d.buf[:0], d.buf[i+1:]...)
					return obj, true
				}
			}
		}
	}

	// Incomplete object; keep it buffered (minus leading noise) for the
	// next read.
	if start > 0 {
		d.buf = append(d.buf[:0], d.buf[start:]...)
	}
	return nil, false
}
