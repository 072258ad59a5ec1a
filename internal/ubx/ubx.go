// Package ubx encodes u-blox UBX configuration frames and decodes
// replies, using the Fletcher-8 checksum UBX requires.
package ubx

import "bytes"

const (
	sync1 = 0xB5
	sync2 = 0x62

	// ClassCFG is the UBX configuration message class.
	ClassCFG = 0x06
	// IDCfgRate is CFG-RATE: measurement/navigation rate settings.
	IDCfgRate = 0x08

	// ClassMON is the UBX monitoring message class.
	ClassMON = 0x0A
	// IDMonVer is MON-VER: receiver/software version query.
	IDMonVer = 0x04
)

// Frame is a decoded UBX message: class, id, payload. Checksum validity is
// checked at decode time and is not retained on the struct.
type Frame struct {
	Class   byte
	ID      byte
	Payload []byte
}

// checksum computes the Fletcher-8 checksum UBX uses, over (class, id,
// len_lo, len_hi, payload...).
func checksum(body []byte) (ckA, ckB byte) {
	for _, b := range body {
		ckA += b
		ckB += ckA
	}
	return ckA, ckB
}

// Encode builds a complete UBX frame: 0xB5 0x62, class, id, little-endian
// length, payload, Fletcher-8 checksum.
func Encode(class, id byte, payload []byte) []byte {
	length := len(payload)
	body := make([]byte, 0, 4+length)
	body = append(body, class, id, byte(length), byte(length>>8))
	body = append(body, payload...)

	ckA, ckB := checksum(body)

	frame := make([]byte, 0, 2+len(body)+2)
	frame = append(frame, sync1, sync2)
	frame = append(frame, body...)
	frame = append(frame, ckA, ckB)
	return frame
}

// CfgRate builds a CFG-RATE frame requesting measRateMs between
// measurements, nav-rate 1 (solution computed every measurement), and
// UTC time reference. The measurement period is little-endian at payload
// offsets 0-1, per the standard CFG-RATE layout.
func CfgRate(measRateMs uint16) []byte {
	payload := make([]byte, 6)
	payload[0] = byte(measRateMs)
	payload[1] = byte(measRateMs >> 8)
	payload[2] = 1 // navRate
	payload[3] = 0
	payload[4] = 0 // timeRef
	payload[5] = 0
	return Encode(ClassCFG, IDCfgRate, payload)
}

// MonVer builds a MON-VER query frame (empty payload).
func MonVer() []byte {
	return Encode(ClassMON, IDMonVer, nil)
}

// Decode scans buf for the first complete, checksum-valid UBX frame and
// returns it along with the number of bytes consumed. ok is false if no
// complete valid frame is yet available.
func Decode(buf []byte) (frame Frame, consumed int, ok bool) {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] != sync1 || buf[i+1] != sync2 {
			continue
		}
		if len(buf)-i < 8 {
			return Frame{}, 0, false // wait for more data
		}

		class := buf[i+2]
		id := buf[i+3]
		length := int(buf[i+4]) | int(buf[i+5])<<8
		total := 6 + length + 2
		if len(buf)-i < total {
			return Frame{}, 0, false
		}

		body := buf[i+2 : i+6+length]
		ckA, ckB := checksum(body)
		if ckA != buf[i+6+length] || ckB != buf[i+6+length+1] {
			continue // checksum mismatch: keep scanning from the next byte
		}

		payload := make([]byte, length)
		copy(payload, buf[i+6:i+6+length])
		return Frame{Class: class, ID: id, Payload: payload}, i + total, true
	}
	return Frame{}, 0, false
}

// MonVerInfo is the receiver identity reported by a MON-VER reply.
type MonVerInfo struct {
	SWVersion  string
	HWVersion  string
	Extensions []string
}

// ParseMonVer decodes a MON-VER reply payload: a 30-byte software
// version, a 10-byte hardware version, then zero or more 30-byte
// extension strings, all NUL-padded.
func ParseMonVer(payload []byte) (MonVerInfo, bool) {
	if len(payload) < 40 {
		return MonVerInfo{}, false
	}
	info := MonVerInfo{
		SWVersion: cstr(payload[:30]),
		HWVersion: cstr(payload[30:40]),
	}
	for off := 40; off+30 <= len(payload); off += 30 {
		if ext := cstr(payload[off : off+30]); ext != "" {
			info.Extensions = append(info.Extensions, ext)
		}
	}
	return info, true
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
