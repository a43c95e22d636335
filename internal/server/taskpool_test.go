package server

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jroosing/acnetd/internal/acnet"
	"github.com/jroosing/acnetd/internal/rad50"
)

func TestTaskPool_ServiceTaskOccupiesSlotZero(t *testing.T) {
	f := newFixture(t)
	tp := f.d.defaultPool

	svc := tp.GetTask(0)
	require.NotNil(t, svc)
	assert.Equal(t, "AcnetTask", svc.VariantName())
	assert.True(t, svc.IsPromiscuous())

	// Registered under both service handles.
	assert.Len(t, tp.TasksByHandle(th("ACNET")), 1)
	assert.Len(t, tp.TasksByHandle(th("ACNAUX")), 1)
	assert.True(t, tp.IsPromiscuousHandle(th("ACNET")))
}

func TestTaskPool_ConnectAssignsLowestFreeID(t *testing.T) {
	f := newFixture(t)

	a := f.connectTask("AAA", 0, 7001, 7002)
	b := f.connectTask("BBB", 0, 7003, 7004)
	assert.Equal(t, acnet.TaskID(1), a)
	assert.Equal(t, acnet.TaskID(2), b)

	// Reconnecting from the same command port returns the same id.
	again := f.connectTask("AAA", 0, 7001, 7002)
	assert.Equal(t, a, again)
}

func TestTaskPool_ConnectBlankNameSynthesized(t *testing.T) {
	f := newFixture(t)
	f.d.handleClientCommand(clientAddr(7001), connectCmd("", 0, 7002))

	ack := f.trans.lastClientTo(7001)
	requireAckStatus(t, ack, acnet.Success)
	got := acnet.TaskHandle(binary.BigEndian.Uint32(ack[5:9]))
	assert.Equal(t, "%07002", rad50.DecodeTrim(uint32(got)))
}

func TestTaskPool_ConnectZeroDataPortRejected(t *testing.T) {
	f := newFixture(t)
	f.d.handleClientCommand(clientAddr(7001), connectCmd("FOO", 0, 0))
	requireAckStatus(t, f.trans.lastClientTo(7001), acnet.ErrInvArg)
}

func TestTaskPool_MulticastHandleIsMultiClient(t *testing.T) {
	f := newFixture(t)

	// MCAST resolves to a multicast address, so two clients may share
	// the handle, each taking a group reference.
	f.connectTask("MCAST", 0, 7001, 7002)
	f.connectTask("MCAST", 0, 7003, 7004)

	tasks := f.d.defaultPool.TasksByHandle(th("MCAST"))
	require.Len(t, tasks, 2)
	assert.Equal(t, "MulticastTask", tasks[0].VariantName())
	assert.Equal(t, uint32(2), f.d.table.GroupCount(mcastIP))

	// Removing one keeps the group; removing both drops it.
	f.d.defaultPool.removeOnlyThisTask(tasks[0], acnet.ErrDisc, false)
	assert.Equal(t, uint32(1), f.d.table.GroupCount(mcastIP))
	f.d.defaultPool.removeOnlyThisTask(tasks[1], acnet.ErrDisc, false)
	assert.Equal(t, uint32(0), f.d.table.GroupCount(mcastIP))
}

func TestTaskPool_Rename(t *testing.T) {
	f := newFixture(t)
	a := f.connectTask("AAA", 0, 7001, 7002)
	f.connectTask("BBB", 0, 7003, 7004)
	tp := f.d.defaultPool
	task := tp.GetTask(a)

	// Destination held by a live task: refused.
	assert.False(t, tp.Rename(task, th("BBB")))

	// Free destination: allowed, indices move.
	assert.True(t, tp.Rename(task, th("CCC")))
	assert.False(t, tp.TaskExists(th("AAA")))
	require.Len(t, tp.TasksByHandle(th("CCC")), 1)
	assert.Equal(t, a, tp.TasksByHandle(th("CCC"))[0].ID())

	// Promiscuous handles are never renamed.
	svc := tp.GetTask(0)
	assert.False(t, tp.Rename(svc, th("XYZ")))

	// Multicast-named handles are never rename targets.
	assert.False(t, tp.Rename(task, th("MCAST")))
}

func TestTaskPool_RemoveTaskTearsDownEverything(t *testing.T) {
	f := newFixture(t)
	id := f.connectTask("BAR", 0, 7003, 7004)
	f.startReceiving("BAR", 7003)
	tp := f.d.defaultPool
	task := tp.GetTask(id)

	// Give it a request and a reply.
	_, err := tp.reqPool.Alloc(task, th("TGT"), myNode, peerNode, 0, 0)
	require.NoError(t, err)
	allocReply(t, f, task, 0x42, 0)

	tp.removeTask(task)

	assert.Nil(t, tp.GetTask(id))
	assert.False(t, tp.TaskExists(th("BAR")))
	assert.Empty(t, task.base().requests)
	assert.Empty(t, task.base().replies)
	assert.Equal(t, 0, tp.reqPool.Active())
	assert.Equal(t, 0, tp.rpyPool.Active())

	// Storage is freed at the next safe point.
	require.Len(t, tp.removed, 1)
	tp.drainRemoved()
	assert.Empty(t, tp.removed)
}

func TestTaskPool_BlockRequestsEndsReplies(t *testing.T) {
	f := newFixture(t)
	id := f.connectTask("BAR", 0, 7003, 7004)
	f.startReceiving("BAR", 7003)
	tp := f.d.defaultPool
	task := tp.GetTask(id)

	allocReply(t, f, task, 0x42, 0)
	require.Equal(t, 1, tp.rpyPool.Active())

	f.d.handleClientCommand(clientAddr(7003), bareCmd(acnet.CmdBlockRequests, "BAR"))
	requireAckStatus(t, f.trans.lastClientTo(7003), acnet.Success)

	assert.Equal(t, 0, tp.rpyPool.Active())
	assert.False(t, task.AcceptsRequests())

	// The terminal packet carried DISCONNECTED.
	var found bool
	for _, s := range f.trans.peer {
		if hdr, err := acnet.ParseHeader(s.pkt); err == nil && hdr.Status == acnet.ErrDisc {
			found = true
		}
	}
	assert.True(t, found)
}

func TestTaskPool_FillBufferWithTaskInfo(t *testing.T) {
	f := newFixture(t)
	f.connectTask("AAA", 0, 7001, 7002)
	tp := f.d.defaultPool

	// Subtype 0: count word, then a handle per task, then packed ids.
	buf := tp.fillBufferWithTaskInfo(0)
	count := binary.LittleEndian.Uint16(buf[0:2])
	require.Equal(t, uint16(2), count) // service + AAA

	h0 := binary.LittleEndian.Uint32(buf[2:6])
	h1 := binary.LittleEndian.Uint32(buf[6:10])
	assert.Equal(t, uint32(th("ACNET")), h0)
	assert.Equal(t, uint32(th("AAA")), h1)
	assert.Equal(t, byte(0), buf[10])
	assert.Equal(t, byte(1), buf[11])

	// Subtype 3: packed records of id, flags, handle, pid.
	buf = tp.fillBufferWithTaskInfo(3)
	require.Equal(t, uint16(2), binary.LittleEndian.Uint16(buf[0:2]))
	assert.Equal(t, byte(0), buf[2])
	assert.Equal(t, byte(1), buf[3], "service task is receiving")
	assert.Equal(t, uint32(th("ACNET")), binary.LittleEndian.Uint32(buf[4:8]))
}

func TestTaskPool_FillBufferWithTaskStats(t *testing.T) {
	f := newFixture(t)
	id := f.connectTask("AAA", 0, 7001, 7002)
	tp := f.d.defaultPool
	tp.GetTask(id).base().stats.UsmXmt.Inc()

	buf := tp.fillBufferWithTaskStats(0)
	// time48, then 0x900-tagged count.
	require.GreaterOrEqual(t, len(buf), 8+18*2)
	tag := binary.LittleEndian.Uint16(buf[6:8])
	assert.Equal(t, uint16(0x902), tag)

	// Second record is AAA; counter layout is xmt then rcv.
	rec := buf[8+18 : 8+36]
	assert.Equal(t, uint16(id), binary.LittleEndian.Uint16(rec[0:2]))
	assert.Equal(t, uint32(th("AAA")), binary.LittleEndian.Uint32(rec[2:6]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(rec[6:8]))

	// Subtype 1 resets after reporting.
	_ = tp.fillBufferWithTaskStats(1)
	assert.Zero(t, tp.GetTask(id).base().stats.UsmXmt.Val32())
}
