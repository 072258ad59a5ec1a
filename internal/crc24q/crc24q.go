// Package crc24q implements the CRC-24Q check used to validate RTCM
// SC-104 message frames.
package crc24q

import "github.com/goblimey/go-crc24q/crc24q"

// Check reports whether the big-endian 3-byte CRC-24Q trailer (hi, mid, lo)
// matches the checksum of b.
func Check(b []byte, hi, mid, lo byte) bool {
	sum := crc24q.Hash(b)
	return crc24q.HiByte(sum) == hi && crc24q.MiByte(sum) == mid && crc24q.LoByte(sum) == lo
}

// Trailer returns the big-endian 3-byte CRC-24Q trailer for b.
func Trailer(b []byte) [3]byte {
	sum := crc24q.Hash(b)
	return [3]byte{crc24q.HiByte(sum), crc24q.MiByte(sum), crc24q.LoByte(sum)}
}
