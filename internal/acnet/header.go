package acnet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrWire is the sentinel wrapped by all wire parsing failures.
var ErrWire = errors.New("acnet wire error")

// HeaderSize is the fixed size of the ACNET packet header; the payload
// begins immediately after it.
const HeaderSize = 18

// Header flag bits.
const (
	FlagUSM uint16 = 0x0
	FlagREQ uint16 = 0x2
	FlagRPY uint16 = 0x4
	FlagMLT uint16 = 0x1
	FlagCAN uint16 = 0x200
	FlagCHK uint16 = 0x400
	FlagNBW uint16 = 0x100

	flagTypeMask = FlagUSM | FlagREQ | FlagRPY
)

// Request flag bits carried in SendRequest commands.
const (
	ReqMultReply uint16 = 0x01
)

// Reply flag bits carried in SendReply commands.
const (
	RpyEndMult uint16 = 0x02
)

// PktType extracts the packet type bits from a flags word.
func PktType(flags uint16) uint16 { return flags & flagTypeMask }

// IsRequest reports whether the flags mark a REQ packet.
func IsRequest(flags uint16) bool { return PktType(flags) == FlagREQ }

// IsReply reports whether the flags mark an RPY packet.
func IsReply(flags uint16) bool { return PktType(flags) == FlagRPY }

// IsUSM reports whether the flags mark a plain unsolicited message.
func IsUSM(flags uint16) bool { return flags&(flagTypeMask|FlagCAN) == FlagUSM }

// IsCancel reports whether the flags mark a CAN packet.
func IsCancel(flags uint16) bool { return flags&(flagTypeMask|FlagCAN) == FlagCAN }

// Header is the decoded form of the ACNET packet header. SvrNode/SvrTask
// name the serving side of a transaction; ClntNode/ClntTaskID name the
// requesting side. MsgLen is the total datagram length including the
// header.
type Header struct {
	Flags      uint16
	Status     Status
	SvrNode    TrunkNode
	ClntNode   TrunkNode
	SvrTask    TaskHandle
	ClntTaskID uint16
	MsgID      uint16
	MsgLen     uint16
}

// PadLen rounds a payload length up to an even byte count, the historical
// padding rule for ACNET messages.
func PadLen(n int) int { return n + n%2 }

// Marshal encodes the header into its little-endian wire form.
func (h *Header) Marshal() [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.LittleEndian.PutUint16(b[0:2], h.Flags)
	binary.LittleEndian.PutUint16(b[2:4], uint16(h.Status))
	b[4] = h.SvrNode.Trunk()
	b[5] = h.SvrNode.Node()
	b[6] = h.ClntNode.Trunk()
	b[7] = h.ClntNode.Node()
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.SvrTask))
	binary.LittleEndian.PutUint16(b[12:14], h.ClntTaskID)
	binary.LittleEndian.PutUint16(b[14:16], h.MsgID)
	binary.LittleEndian.PutUint16(b[16:18], h.MsgLen)
	return b
}

// Packet encodes the header followed by the payload, padded to an even
// length. The header's MsgLen must already cover the padded payload.
func (h *Header) Packet(payload []byte) []byte {
	out := make([]byte, HeaderSize+PadLen(len(payload)))
	hdr := h.Marshal()
	copy(out, hdr[:])
	copy(out[HeaderSize:], payload)
	return out
}

// ParseHeader decodes a header from the front of a datagram.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: datagram too short for header (%d bytes)", ErrWire, len(b))
	}
	return Header{
		Flags:      binary.LittleEndian.Uint16(b[0:2]),
		Status:     Status(binary.LittleEndian.Uint16(b[2:4])),
		SvrNode:    TN(b[4], b[5]),
		ClntNode:   TN(b[6], b[7]),
		SvrTask:    TaskHandle(binary.LittleEndian.Uint32(b[8:12])),
		ClntTaskID: binary.LittleEndian.Uint16(b[12:14]),
		MsgID:      binary.LittleEndian.Uint16(b[14:16]),
		MsgLen:     binary.LittleEndian.Uint16(b[16:18]),
	}, nil
}

// IsEMR reports whether a reply header ends a transaction: a reply without
// the multiple-reply bit, an end-of-multiple status, or any fatal status.
func (h *Header) IsEMR() bool {
	return h.Flags&FlagMLT == 0 || h.Status == EndMult || h.Status.IsFatal()
}
