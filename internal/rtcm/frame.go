// Package rtcm extracts CRC-24Q-validated RTCM SC-104 message frames from
// an arbitrarily fragmented byte stream, as emitted by an NTRIP caster.
package rtcm

import (
	"github.com/go-gnss/rtcm/rtcm3"

	"github.com/bramburn/ntrip-rover/internal/crc24q"
)

const (
	preamble = 0xD3

	// maxBufferBytes bounds the framer's internal buffer so a stream that
	// never resynchronizes (no valid preamble ever found) can't grow it
	// without bound.
	maxBufferBytes = 1 << 20
)

// Frame is a complete, CRC-24Q-validated RTCM message: preamble, header,
// payload and trailer, exactly as received on the wire.
type Frame struct {
	Raw         []byte // the full frame, preamble through CRC trailer
	Length      int    // payload length in bytes
	MessageType int    // first 12 bits of the payload, for observability only
}

// MessageType extracts the RTCM message type from a payload's leading 12
// bits: (payload[0] << 4) | (payload[1] >> 4).
func MessageType(payload []byte) int {
	if len(payload) < 2 {
		return -1
	}
	return (int(payload[0]) << 4) | (int(payload[1]) >> 4)
}

// Describe returns a human-readable description of an RTCM message type,
// using go-gnss/rtcm to confirm the message parses before labeling it.
func Describe(raw []byte) string {
	if len(raw) < 5 {
		return "unknown"
	}
	length := (int(raw[1]&0x03) << 8) | int(raw[2])
	if len(raw) < 3+length {
		return "unknown"
	}
	msg := rtcm3.DeserializeMessage(raw[3 : 3+length])
	if msg == nil {
		return "unknown"
	}
	return describeType(msg.Number())
}

func describeType(messageType int) string {
	switch {
	case messageType == 1005:
		return "Stationary RTK Reference Station ARP"
	case messageType == 1006:
		return "Stationary RTK Reference Station ARP with Antenna Height"
	case messageType == 1019:
		return "GPS Ephemerides"
	case messageType == 1020:
		return "GLONASS Ephemerides"
	case messageType == 1033:
		return "Receiver and Antenna Descriptors"
	case messageType >= 1071 && messageType <= 1077:
		return "GPS MSM"
	case messageType >= 1081 && messageType <= 1087:
		return "GLONASS MSM"
	case messageType >= 1091 && messageType <= 1097:
		return "Galileo MSM"
	case messageType >= 1121 && messageType <= 1127:
		return "BeiDou MSM"
	default:
		return "unknown RTCM message type"
	}
}

// Framer extracts complete, CRC-validated frames from a stream of bytes
// that may arrive in arbitrary fragments. The retained buffer always
// starts at a possible preamble position: no call discards a byte
// sequence that could still grow into a valid frame, unless a CRC-valid
// frame later in the buffer has already consumed those bytes.
type Framer struct {
	buf []byte

	// Dropped counts complete candidate frames whose CRC failed to
	// validate. Never fatal; exposed for observability.
	Dropped int
}

// NewFramer returns an empty Framer.
func NewFramer() *Framer {
	return &Framer{}
}

// ErrBufferOverflow is returned by Feed when the accumulated unresolved
// buffer would exceed the bounded maximum.
type ErrBufferOverflow struct{ Size int }

func (e ErrBufferOverflow) Error() string {
	return "rtcm: read buffer exceeded maximum size"
}

// Feed appends data to the framer's buffer and returns every complete,
// CRC-validated frame that can be extracted from it, in order. Partial
// trailing data is retained internally for the next call.
func (f *Framer) Feed(data []byte) ([]Frame, error) {
	f.buf = append(f.buf, data...)

	var frames []Frame
	scan := 0
	pending := -1 // earliest candidate still awaiting enough bytes to validate

	for scan < len(f.buf) {
		if f.buf[scan] != preamble {
			scan++
			continue
		}
		remain := len(f.buf) - scan

		// Need at least preamble + 2 header bytes to decode the length.
		if remain < 3 {
			if pending < 0 {
				pending = scan
			}
			break
		}

		length := (int(f.buf[scan+1]&0x03) << 8) | int(f.buf[scan+2])
		total := length + 6

		if remain < total {
			// Candidate extends past the bytes received so far. Retain it
			// for the next call, but keep scanning: a complete CRC-valid
			// frame further on takes precedence over a candidate that
			// cannot be verified yet (a spurious preamble claiming a large
			// length must not stall real frames behind it).
			if pending < 0 {
				pending = scan
			}
			scan++
			continue
		}

		// Validate CRC-24Q over [scan, scan+length+3), compare to trailer.
		body := f.buf[scan : scan+length+3]
		trailer := f.buf[scan+length+3 : scan+total]

		if !crc24q.Check(body, trailer[0], trailer[1], trailer[2]) {
			// CRC mismatch: resynchronize at the next candidate preamble.
			f.Dropped++
			scan++
			continue
		}

		raw := make([]byte, total)
		copy(raw, f.buf[scan:scan+total])

		mt := -1
		if length >= 2 {
			mt = MessageType(raw[3 : 3+length])
		}

		frames = append(frames, Frame{Raw: raw, Length: length, MessageType: mt})
		scan += total
		// Any earlier unverifiable candidate overlapped this frame's bytes
		// and is consumed with them.
		pending = -1
	}

	// Discard consumed bytes from the front of the buffer, keeping the
	// earliest candidate that may still complete.
	head := scan
	if pending >= 0 {
		head = pending
	}
	f.buf = f.buf[head:]

	if len(f.buf) > maxBufferBytes {
		size := len(f.buf)
		f.buf = nil
		return frames, ErrBufferOverflow{Size: size}
	}

	return frames, nil
}

// Reset discards any buffered, unresolved bytes.
func (f *Framer) Reset() {
	f.buf = nil
}
