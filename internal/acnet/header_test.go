package acnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader_WireLayout(t *testing.T) {
	h := Header{
		Flags:      FlagRPY | FlagMLT,
		Status:     Pend,
		SvrNode:    TN(9, 1),
		ClntNode:   TN(9, 2),
		SvrTask:    0x11223344,
		ClntTaskID: 7,
		MsgID:      0x1abc,
		MsgLen:     HeaderSize + 4,
	}
	b := h.Marshal()

	// Pin the exact little-endian layout byte for byte.
	want := []byte{
		0x05, 0x00, // flags
		0x01, 0x01, // status (facility 1, error 1)
		9, 1, // server trunk, node
		9, 2, // client trunk, node
		0x44, 0x33, 0x22, 0x11, // server task handle
		0x07, 0x00, // client task id
		0xbc, 0x1a, // message id
		0x16, 0x00, // message length (22)
	}
	assert.Equal(t, want, b[:])

	parsed, err := ParseHeader(b[:])
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestParseHeader_Short(t *testing.T) {
	_, err := ParseHeader(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrWire)
}

func TestHeader_Packet_PadsOdd(t *testing.T) {
	h := Header{Flags: FlagUSM, MsgLen: uint16(HeaderSize + PadLen(3))}
	pkt := h.Packet([]byte{1, 2, 3})
	require.Len(t, pkt, HeaderSize+4)
	assert.Equal(t, byte(0), pkt[HeaderSize+3])
}

func TestFlagPredicates(t *testing.T) {
	assert.True(t, IsUSM(FlagUSM))
	assert.False(t, IsUSM(FlagUSM|FlagCAN))
	assert.True(t, IsCancel(FlagCAN))
	assert.True(t, IsRequest(FlagREQ|FlagMLT))
	assert.True(t, IsReply(FlagRPY))
	assert.False(t, IsReply(FlagREQ))
}

func TestHeader_IsEMR(t *testing.T) {
	cases := []struct {
		name   string
		flags  uint16
		status Status
		want   bool
	}{
		{"single reply", FlagRPY, Success, true},
		{"mult reply in flight", FlagRPY | FlagMLT, Success, false},
		{"mult reply endmult", FlagRPY | FlagMLT, EndMult, true},
		{"mult reply fatal", FlagRPY | FlagMLT, ErrTmo, true},
		{"mult reply pend", FlagRPY | FlagMLT, Pend, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := Header{Flags: tc.flags, Status: tc.status}
			assert.Equal(t, tc.want, h.IsEMR())
		})
	}
}

func TestStatus_Split(t *testing.T) {
	assert.Equal(t, int8(1), ErrTmo.Facility())
	assert.Equal(t, int8(-6), ErrTmo.ErrNum())
	assert.True(t, ErrTmo.IsFatal())
	assert.False(t, Pend.IsFatal())
	assert.True(t, Success.IsSuccess())
	assert.Equal(t, Status(0x0201), EndMult)
}
