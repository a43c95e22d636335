package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/acnetd/internal/acnet"
)

// receivingTask attaches BAR and flips it into receiving mode.
func (f *fixture) receivingTask(cmdPort, dataPort int) Task {
	f.t.Helper()
	id := f.connectTask("BAR", 0, cmdPort, dataPort)
	f.startReceiving("BAR", cmdPort)
	return f.d.defaultPool.GetTask(id)
}

func allocReply(t *testing.T, f *fixture, owner Task, reqID acnet.ReqID, flags uint16) *RpyInfo {
	t.Helper()
	tp := f.d.defaultPool
	require.True(t, owner.base().testPendingRequestsAndIncrement())
	rpy, err := tp.rpyPool.Alloc(owner, reqID, 3, owner.Handle(), myNode, peerNode, flags)
	require.NoError(t, err)
	return rpy
}

func TestReplyPool_AllocIndexesThreeWays(t *testing.T) {
	f := newFixture(t)
	owner := f.receivingTask(7003, 7004)
	tp := f.d.defaultPool

	rpy := allocReply(t, f, owner, 0x42, acnet.FlagMLT)

	assert.Same(t, rpy, tp.rpyPool.Lookup(rpy.ID()))
	assert.Same(t, rpy, tp.rpyPool.LookupByRequest(peerNode, 0x42))
	assert.Contains(t, owner.base().replies, rpy.ID())
	assert.Same(t, rpy, tp.rpyPool.ring.oldest().(*RpyInfo))
	assert.Equal(t, uint32(1), tp.rpyPool.TargetCount(peerNode))
}

func TestReplyPool_MulticastSkipsPendRing(t *testing.T) {
	f := newFixture(t)
	owner := f.receivingTask(7003, 7004)
	tp := f.d.defaultPool

	require.True(t, owner.base().testPendingRequestsAndIncrement())
	rpy, err := tp.rpyPool.Alloc(owner, 0x43, 3, owner.Handle(),
		acnet.MulticastNode, peerNode, acnet.FlagMLT)
	require.NoError(t, err)

	assert.True(t, rpy.Multicasted())
	// The local node is rewritten: the daemon speaks as itself.
	assert.Equal(t, myNode, rpy.lclNode)
	assert.Nil(t, tp.rpyPool.ring.oldest())
}

func TestReplyPool_SingleReplyReleasesOnSend(t *testing.T) {
	f := newFixture(t)
	owner := f.receivingTask(7003, 7004)
	tp := f.d.defaultPool

	rpy := allocReply(t, f, owner, 0x42, 0)
	id := rpy.ID()

	status := tp.rpyPool.SendReplyToNetwork(owner, id, acnet.Success, []byte("ok"), false)
	assert.Equal(t, acnet.Success, status)
	assert.Nil(t, tp.rpyPool.Lookup(id), "single reply releases after one send")
	assert.Zero(t, tp.rpyPool.TargetCount(peerNode))
	assert.Equal(t, 0, owner.base().pendingRequests)
}

func TestReplyPool_MultiReplyKeepsID(t *testing.T) {
	f := newFixture(t)
	owner := f.receivingTask(7003, 7004)
	tp := f.d.defaultPool

	rpy := allocReply(t, f, owner, 0x42, acnet.FlagMLT)
	id := rpy.ID()

	before := len(f.trans.peer)
	require.Equal(t, acnet.Success,
		tp.rpyPool.SendReplyToNetwork(owner, id, acnet.Success, nil, false))
	assert.NotNil(t, tp.rpyPool.Lookup(id))

	hdr, err := acnet.ParseHeader(f.trans.peer[before].pkt)
	require.NoError(t, err)
	assert.Equal(t, acnet.FlagRPY|acnet.FlagMLT, hdr.Flags)

	// Ending with EMR forces ENDMULT on a success status and releases.
	before = len(f.trans.peer)
	require.Equal(t, acnet.Success,
		tp.rpyPool.SendReplyToNetwork(owner, id, acnet.Success, nil, true))
	hdr, err = acnet.ParseHeader(f.trans.peer[before].pkt)
	require.NoError(t, err)
	assert.Equal(t, acnet.EndMult, hdr.Status)
	assert.Nil(t, tp.rpyPool.Lookup(id))
}

func TestReplyPool_ForeignOwnerGetsNSR(t *testing.T) {
	f := newFixture(t)
	owner := f.receivingTask(7003, 7004)
	other := f.fooTask(7001, 7002)
	tp := f.d.defaultPool

	rpy := allocReply(t, f, owner, 0x42, 0)

	status := tp.rpyPool.SendReplyToNetwork(other, rpy.ID(), acnet.Success, nil, false)
	assert.Equal(t, acnet.ErrNsr, status)
	assert.NotNil(t, tp.rpyPool.Lookup(rpy.ID()))

	// Unknown ids answer the same way.
	assert.Equal(t, acnet.ErrNsr,
		tp.rpyPool.SendReplyToNetwork(owner, rpy.ID()^0x4000, acnet.Success, nil, false))
}

func TestReplyPool_EndRpyIDWithErrorEmitsTerminalPacket(t *testing.T) {
	f := newFixture(t)
	owner := f.receivingTask(7003, 7004)
	tp := f.d.defaultPool

	rpy := allocReply(t, f, owner, 0x42, 0)
	id := rpy.ID()
	before := len(f.trans.peer)

	tp.rpyPool.EndRpyID(id, acnet.ErrDisc)

	// One terminal packet on the wire with the error status.
	require.Len(t, f.trans.peer, before+1)
	hdr, err := acnet.ParseHeader(f.trans.peer[before].pkt)
	require.NoError(t, err)
	assert.Equal(t, acnet.ErrDisc, hdr.Status)

	// The owner saw a synthesized CAN carrying the reply id in the
	// status field.
	pkts := f.dataPacketsTo(7004)
	require.NotEmpty(t, pkts)
	last := pkts[len(pkts)-1]
	assert.True(t, acnet.IsCancel(last.Flags))
	assert.Equal(t, acnet.Status(id), last.Status)

	assert.Nil(t, tp.rpyPool.Lookup(id))
	assert.Empty(t, owner.base().replies)
}

func TestReplyPool_RemoteCancel(t *testing.T) {
	f := newFixture(t)
	owner := f.receivingTask(7003, 7004)
	tp := f.d.defaultPool

	rpy := allocReply(t, f, owner, 0x42, acnet.FlagMLT)
	id := rpy.ID()
	before := len(f.trans.peer)

	require.True(t, tp.rpyPool.HandleRemoteCancel(peerNode, 0x42))

	// No network traffic: the peer initiated the cancel.
	assert.Len(t, f.trans.peer, before)

	pkts := f.dataPacketsTo(7004)
	require.NotEmpty(t, pkts)
	assert.True(t, acnet.IsCancel(pkts[len(pkts)-1].Flags))

	assert.Nil(t, tp.rpyPool.Lookup(id))
	assert.Equal(t, 0, owner.base().pendingRequests)

	assert.False(t, tp.rpyPool.HandleRemoteCancel(peerNode, 0x42))
}

func TestReplyPool_PendRefreshesDeadline(t *testing.T) {
	f := newFixture(t)
	owner := f.receivingTask(7003, 7004)
	tp := f.d.defaultPool

	allocReply(t, f, owner, 0x42, acnet.FlagMLT)

	delay, ok := tp.rpyPool.SendPendsAndNextDelay()
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, delay)

	f.advance(5 * time.Second)
	delay, ok = tp.rpyPool.SendPendsAndNextDelay()
	require.True(t, ok, "PEND emission reinserts the reply")
	assert.Equal(t, 5*time.Second, delay)

	// One PEND went to the peer.
	var pends int
	for _, s := range f.trans.peer {
		if hdr, err := acnet.ParseHeader(s.pkt); err == nil && hdr.Status == acnet.Pend {
			pends++
		}
	}
	assert.Equal(t, 1, pends)
}

func TestReplyPool_EndToNodeEndsAllMatching(t *testing.T) {
	f := newFixture(t)
	owner := f.receivingTask(7003, 7004)
	tp := f.d.defaultPool

	allocReply(t, f, owner, 0x41, 0)
	allocReply(t, f, owner, 0x42, 0)
	require.Equal(t, uint32(2), tp.rpyPool.TargetCount(peerNode))

	tp.rpyPool.EndToNode(peerNode)

	assert.Equal(t, 0, tp.rpyPool.Active())
	assert.Zero(t, tp.rpyPool.TargetCount(peerNode))
	assert.Empty(t, owner.base().replies)
}

func TestPendingRequestInvariant(t *testing.T) {
	f := newFixture(t)
	owner := f.receivingTask(7003, 7004)
	tp := f.d.defaultPool

	for i := 0; i < 5; i++ {
		allocReply(t, f, owner, acnet.ReqID(i), 0)
	}
	// Unacked open replies equal the pending count.
	assert.Equal(t, 5, owner.base().pendingRequests)
	assert.Equal(t, 5, tp.rpyPool.Active())

	tp.rpyPool.EndToNode(peerNode)
	assert.Equal(t, 0, owner.base().pendingRequests)
}
