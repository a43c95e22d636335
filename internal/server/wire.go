package server

import "encoding/binary"

// Administrative message payloads are arrays of little-endian 16-bit
// words, a convention the diagnostics have carried since the protocol's
// PDP days.

func putU16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func putU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

// payloadWords reinterprets an even-length payload as 16-bit words.
func payloadWords(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return out
}

// wordsU32 joins two adjacent payload words into the 32-bit value they
// encode.
func wordsU32(lo, hi uint16) uint32 { return uint32(lo) | uint32(hi)<<16 }
