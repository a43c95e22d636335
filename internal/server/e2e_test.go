package server

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/acnetd/internal/acnet"
)

// The scenarios below drive two local tasks, FOO and BAR, both attached to
// the daemon's node (9,1). Self-addressed network packets loop back
// through the dispatcher like kernel-looped UDP.

func TestUsmRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.connectTask("FOO", 0, 7001, 7002)
	f.connectTask("BAR", 0, 7003, 7004)
	f.startReceiving("BAR", 7003)

	f.d.handleClientCommand(clientAddr(7001), sendCmd("FOO", "BAR", 0, []byte("hi")))

	requireAckStatus(t, f.trans.lastClientTo(7001), acnet.Success)

	pkts := f.dataPacketsTo(7004)
	require.Len(t, pkts, 1)
	assert.True(t, acnet.IsUSM(pkts[0].Flags))
	assert.Equal(t, th("BAR"), pkts[0].SvrTask)
	assert.Equal(t, myNode, pkts[0].SvrNode)

	raw := f.trans.clientTo(7004)[0]
	assert.Equal(t, []byte("hi"), raw[acnet.HeaderSize:acnet.HeaderSize+2])
}

func TestRequestSingleReply(t *testing.T) {
	f := newFixture(t)
	f.connectTask("FOO", 0, 7001, 7002)
	f.connectTask("BAR", 0, 7003, 7004)
	f.startReceiving("BAR", 7003)

	f.d.handleClientCommand(clientAddr(7001),
		sendRequestCmd("FOO", "BAR", 0, 0, 5000, []byte("rq")))

	ack := f.trans.lastClientTo(7001)
	requireAckStatus(t, ack, acnet.Success)
	reqID := acnet.ReqID(binary.BigEndian.Uint16(ack[4:6]))

	// BAR received the REQ; its status field carries the reply id.
	reqPkts := f.dataPacketsTo(7004)
	require.Len(t, reqPkts, 1)
	require.True(t, acnet.IsRequest(reqPkts[0].Flags))
	assert.Equal(t, uint16(reqID), reqPkts[0].MsgID)
	rpyID := acnet.RpyID(reqPkts[0].Status)

	tp := f.d.defaultPool
	require.Equal(t, 1, tp.reqPool.Active())
	require.Equal(t, 1, tp.rpyPool.Active())

	f.d.handleClientCommand(clientAddr(7003),
		sendReplyCmd("BAR", rpyID, acnet.RpyEndMult, acnet.Success, []byte("ok")))
	requireAckStatus(t, f.trans.lastClientTo(7003), acnet.Success)

	// FOO got exactly one RPY with the data.
	var rpy *acnet.Header
	for _, h := range f.dataPacketsTo(7002) {
		if acnet.IsReply(h.Flags) {
			hh := h
			rpy = &hh
		}
	}
	require.NotNil(t, rpy)
	assert.Equal(t, acnet.Success, rpy.Status)
	assert.Equal(t, uint16(reqID), rpy.MsgID)

	// Both ids are released.
	assert.Equal(t, 0, tp.reqPool.Active())
	assert.Equal(t, 0, tp.rpyPool.Active())
}

func TestRequestTimeout(t *testing.T) {
	f := newFixture(t)
	f.connectTask("FOO", 0, 7001, 7002)

	// Request a handle nobody serves on the peer node; the peer is
	// unreachable in this fixture so no reply ever comes back.
	f.d.handleClientCommand(clientAddr(7001),
		sendRequestCmd("FOO", "NOBODY", peerNode, 0, 100, nil))
	requireAckStatus(t, f.trans.lastClientTo(7001), acnet.Success)

	tp := f.d.defaultPool
	require.Equal(t, 1, tp.reqPool.Active())

	delay, ok := tp.reqPool.SendTimeoutsAndNextDelay()
	require.True(t, ok)
	assert.LessOrEqual(t, delay, 100*time.Millisecond)

	f.advance(150 * time.Millisecond)
	_, ok = tp.reqPool.SendTimeoutsAndNextDelay()
	assert.False(t, ok, "ring should be empty after expiry")

	var tmo *acnet.Header
	for _, h := range f.dataPacketsTo(7002) {
		if acnet.IsReply(h.Flags) {
			hh := h
			tmo = &hh
		}
	}
	require.NotNil(t, tmo)
	assert.Equal(t, acnet.ErrTmo, tmo.Status)
	assert.Equal(t, 0, tp.reqPool.Active())
}

func TestMultiReplyWithPends(t *testing.T) {
	f := newFixture(t)
	f.connectTask("FOO", 0, 7001, 7002)
	f.connectTask("BAR", 0, 7003, 7004)
	f.startReceiving("BAR", 7003)

	f.d.handleClientCommand(clientAddr(7001),
		sendRequestCmd("FOO", "BAR", 0, acnet.ReqMultReply, 60_000, nil))
	requireAckStatus(t, f.trans.lastClientTo(7001), acnet.Success)

	tp := f.d.defaultPool
	require.Equal(t, 1, tp.rpyPool.Active())

	countPends := func() int {
		n := 0
		for _, h := range f.dataPacketsTo(7002) {
			if acnet.IsReply(h.Flags) && h.Status == acnet.Pend {
				assert.Equal(t, acnet.FlagRPY|acnet.FlagMLT, h.Flags)
				n++
			}
		}
		return n
	}

	// Re-running the PEND loop at the same instant is a no-op.
	tp.rpyPool.SendPendsAndNextDelay()
	require.Equal(t, 0, countPends())

	f.advance(5 * time.Second)
	tp.rpyPool.SendPendsAndNextDelay()
	assert.Equal(t, 1, countPends())

	f.advance(5 * time.Second)
	tp.rpyPool.SendPendsAndNextDelay()
	assert.Equal(t, 2, countPends())

	// The replier ends the sequence.
	reqPkts := f.dataPacketsTo(7004)
	rpyID := acnet.RpyID(reqPkts[0].Status)
	f.d.handleClientCommand(clientAddr(7003),
		sendReplyCmd("BAR", rpyID, acnet.RpyEndMult, acnet.Success, nil))

	var last *acnet.Header
	for _, h := range f.dataPacketsTo(7002) {
		if acnet.IsReply(h.Flags) && h.Status == acnet.EndMult {
			hh := h
			last = &hh
		}
	}
	require.NotNil(t, last)
	assert.Equal(t, 0, tp.rpyPool.Active())
}

func TestKillerMessage(t *testing.T) {
	f := newFixture(t)

	// Outbound: announcing a collision multicasts type 11 subtype 2.
	f.d.SendKillerMessage(peerNode)
	require.NotEmpty(t, f.trans.peer)
	pkt := f.trans.peer[len(f.trans.peer)-1]
	hdr, err := acnet.ParseHeader(pkt.pkt)
	require.NoError(t, err)
	assert.True(t, acnet.IsUSM(hdr.Flags))
	assert.Equal(t, th("ACNET"), hdr.SvrTask)
	body := pkt.pkt[acnet.HeaderSize:]
	assert.Equal(t, uint16(0x20b), binary.LittleEndian.Uint16(body[0:2]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(body[2:4]))
	assert.Equal(t, uint16(peerNode), binary.LittleEndian.Uint16(body[4:6]))

	// Inbound: a request names (9,2); the ack goes out before the
	// cancellations land.
	f.connectTask("FOO", 0, 7001, 7002)
	f.d.handleClientCommand(clientAddr(7001),
		sendRequestCmd("FOO", "VICTIM", peerNode, 0, 60_000, nil))
	tp := f.d.defaultPool
	require.Equal(t, 1, tp.reqPool.Active())

	peerSentBefore := len(f.trans.peer)

	// The killer request arrives from the peer addressed to our ACNET
	// task.
	payload := make([]byte, 8)
	putU16(payload[0:], 0x020b) // subtype 2, type 11
	putU16(payload[2:], 1)
	putU16(payload[4:], uint16(peerNode))
	killer := acnet.Header{
		Flags:      acnet.FlagREQ,
		Status:     acnet.Success,
		SvrNode:    myNode,
		ClntNode:   peerNode,
		SvrTask:    th("ACNET"),
		ClntTaskID: 3,
		MsgID:      0x77,
		MsgLen:     uint16(acnet.HeaderSize + 6),
	}
	f.d.handleNetworkPacket(peerAddr(), killer.Packet(payload[:6]))

	// First new peer packet is the SUCCESS ack reply; cancellation
	// traffic follows.
	newPkts := f.trans.peer[peerSentBefore:]
	require.NotEmpty(t, newPkts)
	first, err := acnet.ParseHeader(newPkts[0].pkt)
	require.NoError(t, err)
	assert.True(t, acnet.IsReply(first.Flags))
	assert.Equal(t, acnet.Success, first.Status)
	assert.Equal(t, uint16(0x77), first.MsgID)

	assert.Equal(t, 0, tp.reqPool.Active(), "requests to (9,2) cancelled")
}

func TestNameInUse(t *testing.T) {
	f := newFixture(t)
	f.connectTask("FOO", 0, 7001, 7002)

	// A second client claiming FOO from another command port fails.
	f.d.handleClientCommand(clientAddr(7005), connectCmd("FOO", 0, 7006))
	ack := f.trans.lastClientTo(7005)
	requireAckStatus(t, ack, acnet.ErrNameInUse)

	// After the holder disconnects, the retry succeeds.
	f.d.handleClientCommand(clientAddr(7001), bareCmd(acnet.CmdDisconnect, "FOO"))
	f.d.defaultPool.drainRemoved()

	f.d.handleClientCommand(clientAddr(7005), connectCmd("FOO", 0, 7006))
	requireAckStatus(t, f.trans.lastClientTo(7005), acnet.Success)
}
