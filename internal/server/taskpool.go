package server

import (
	"fmt"
	"net"

	"github.com/jroosing/acnetd/internal/acnet"
	"github.com/jroosing/acnetd/internal/rad50"
)

// TaskPool holds the entire state of one ACNET node, letting the daemon
// host several virtual nodes at once. Slot 0 always belongs to the
// internal ACNET service task.
type TaskPool struct {
	daemon   *Daemon
	nodeName acnet.NodeName

	tasks   [acnet.MaxTasks]Task
	active  map[acnet.TaskHandle][]Task
	removed []Task

	reqPool *RequestPool
	rpyPool *ReplyPool

	stats            StatSet
	statReqQLimit    StatCounter
	taskStatTimeBase int64
}

func newTaskPool(d *Daemon, nodeName acnet.NodeName) *TaskPool {
	tp := &TaskPool{
		daemon:   d,
		nodeName: nodeName,
		active:   make(map[acnet.TaskHandle][]Task),
	}
	tp.reqPool = newRequestPool(tp)
	tp.rpyPool = newReplyPool(tp)
	tp.taskStatTimeBase = d.now().Unix()

	svc := newAcnetTask(tp)
	tp.tasks[0] = svc
	tp.active[acnet.TaskHandle(rad50.Encode("ACNET"))] = []Task{svc}
	tp.active[acnet.TaskHandle(rad50.Encode("ACNAUX"))] = []Task{svc}
	return tp
}

// NodeName returns the pool's virtual node name.
func (tp *TaskPool) NodeName() acnet.NodeName { return tp.nodeName }

// Node resolves the pool's trunk/node from the node table. The default
// pool answers with the daemon's discovered address when its name has no
// table entry yet.
func (tp *TaskPool) Node() acnet.TrunkNode {
	if tn, ok := tp.daemon.table.NameToNode(tp.nodeName); ok {
		return tn
	}
	if tp == tp.daemon.defaultPool {
		return tp.daemon.table.MyNode()
	}
	return 0
}

// Requests returns the pool's request side.
func (tp *TaskPool) Requests() *RequestPool { return tp.reqPool }

// Replies returns the pool's reply side.
func (tp *TaskPool) Replies() *ReplyPool { return tp.rpyPool }

func (tp *TaskPool) nextFreeTaskID() int {
	for i := 0; i < acnet.MaxTasks; i++ {
		if tp.tasks[i] == nil {
			return i
		}
	}
	return -1
}

// ActiveCount returns the number of attached tasks, the service included.
func (tp *TaskPool) ActiveCount() int {
	count := 0
	for _, t := range tp.tasks {
		if t != nil {
			count++
		}
	}
	return count
}

// ReceivingCount returns the number of tasks accepting USMs or requests.
func (tp *TaskPool) ReceivingCount() int {
	count := 0
	for _, t := range tp.tasks {
		if t != nil && IsReceiving(t) {
			count++
		}
	}
	return count
}

// RequestCount sums outstanding requests across tasks.
func (tp *TaskPool) RequestCount() int {
	total := 0
	for _, t := range tp.tasks {
		if t != nil {
			total += t.base().requestCount()
		}
	}
	return total
}

// ReplyCount sums open replies across tasks.
func (tp *TaskPool) ReplyCount() int {
	total := 0
	for _, t := range tp.tasks {
		if t != nil {
			total += t.base().replyCount()
		}
	}
	return total
}

// GetTask returns the task in a table slot.
func (tp *TaskPool) GetTask(id acnet.TaskID) Task { return tp.tasks[id] }

// TasksByHandle returns every task registered under a handle.
func (tp *TaskPool) TasksByHandle(h acnet.TaskHandle) []Task { return tp.active[h] }

// TaskExists reports whether any task holds the handle.
func (tp *TaskPool) TaskExists(h acnet.TaskHandle) bool { return len(tp.active[h]) > 0 }

// getTaskByPort finds the task registered under a handle from a given
// command port; used to route client commands back to their connection.
func (tp *TaskPool) getTaskByPort(h acnet.TaskHandle, cmdPort uint16) Task {
	for _, t := range tp.active[h] {
		if et, ok := t.(externalTask); ok && et.CommandPort() == cmdPort {
			return t
		}
	}
	return nil
}

// IsPromiscuousHandle reports whether the handle's sole holder is a
// promiscuous task.
func (tp *TaskPool) IsPromiscuousHandle(h acnet.TaskHandle) bool {
	ts := tp.active[h]
	if len(ts) == 1 {
		return ts[0].IsPromiscuous()
	}
	return false
}

// HandleConnect services a Connect or TcpConnect command, creating the
// right task variant and acking with the assigned id.
func (tp *TaskPool) HandleConnect(src *net.UDPAddr, clientName acnet.TaskHandle, cmd acnet.ConnectCommand) {
	d := tp.daemon
	cmdPort := uint16(src.Port)

	status := acnet.Success
	var taskID acnet.TaskID

	if cmd.DataPort == 0 {
		status = acnet.ErrInvArg
	} else {
		tp.removeInactiveTasks()

		// A blank task name becomes %dataPort: a unique anonymous
		// connection.
		if clientName.IsBlank() {
			clientName = acnet.TaskHandle(rad50.Encode(fmt.Sprintf("%%%05d", cmd.DataPort)))
		}

		if task := tp.getTaskByPort(clientName, cmdPort); task != nil {
			// Already connected; hand back the existing id.
			taskID = task.ID()
		} else {
			taskID, status = tp.connectNewTask(clientName, cmdPort, cmd)
		}
	}

	if status != acnet.Success {
		d.log.Warn("failed connect", "task", clientName, "status", status)
	}
	d.trans.ToClient(src, acnet.BuildAckConnect(status, taskID, clientName))
}

func (tp *TaskPool) connectNewTask(clientName acnet.TaskHandle, cmdPort uint16, cmd acnet.ConnectCommand) (acnet.TaskID, acnet.Status) {
	d := tp.daemon

	id := tp.nextFreeTaskID()
	if id <= 0 {
		return 0, acnet.ErrNlm
	}

	var task Task
	if addr, ok := d.table.NameToIP(acnet.NodeName(clientName)); ok && addr.IsMulticast() {
		mt, err := newMulticastTask(tp, clientName, cmd.Pid, cmdPort, cmd.DataPort, addr)
		if err != nil {
			return 0, acnet.ErrNlm
		}
		task = mt
	} else {
		if tp.TaskExists(clientName) {
			return 0, acnet.ErrNameInUse
		}
		if cmd.Tcp {
			task = newRemoteTask(tp, clientName, cmd.Pid, cmdPort, cmd.DataPort, cmd.RemoteAddr)
		} else {
			task = newLocalTask(tp, clientName, cmd.Pid, cmdPort, cmd.DataPort)
		}
	}

	task.base().id = acnet.TaskID(id)
	tp.tasks[id] = task
	tp.active[clientName] = append(tp.active[clientName], task)
	return acnet.TaskID(id), acnet.Success
}

// Rename moves a task to a new handle. Multi-client (multicast) handles
// and promiscuous holders are never renamed; an exclusive destination
// handle must be free or held by a dead task, which is evicted first.
func (tp *TaskPool) Rename(task Task, newHandle acnet.TaskHandle) bool {
	d := tp.daemon
	if d.table.IsMulticastHandle(newHandle) || task.IsPromiscuous() {
		return false
	}

	if holders := tp.active[newHandle]; len(holders) > 0 {
		holder := holders[0]
		if holder.StillAlive(0) {
			return false
		}
		tp.removeTask(holder)
	}

	old := task.Handle()
	for i, t := range tp.active[old] {
		if t.Equals(task) {
			tp.active[old] = append(tp.active[old][:i], tp.active[old][i+1:]...)
			if len(tp.active[old]) == 0 {
				delete(tp.active, old)
			}
			task.base().setHandle(newHandle)
			tp.active[newHandle] = append(tp.active[newHandle], task)
			return true
		}
	}
	return false
}

// removeOnlyThisTask pulls one task out of every index, cancels its
// requests (with CAN on the wire), ends its replies with the given status,
// and defers the storage to the next safe point.
func (tp *TaskPool) removeOnlyThisTask(task Task, status acnet.Status, sendLastReply bool) {
	if tp.tasks[task.ID()] == nil || !tp.tasks[task.ID()].Equals(task) {
		return
	}
	tp.tasks[task.ID()] = nil

	h := task.Handle()
	for i, t := range tp.active[h] {
		if t.Equals(task) {
			tp.active[h] = append(tp.active[h][:i], tp.active[h][i+1:]...)
			if len(tp.active[h]) == 0 {
				delete(tp.active, h)
			}
			break
		}
	}

	// Requests before replies, so request teardown cannot observe the
	// task's own ended replies.
	b := task.base()
	for id := range b.requests {
		tp.reqPool.Cancel(id, true, sendLastReply)
	}
	for id := range b.replies {
		tp.rpyPool.EndRpyID(id, status)
	}

	if mt, ok := task.(*MulticastTask); ok {
		mt.dropGroup()
	}

	tp.removed = append(tp.removed, task)
}

// removeTask removes a task, and with it every task attached from the same
// process.
func (tp *TaskPool) removeTask(task Task) {
	pid := task.Pid()
	if pid == 0 {
		tp.removeOnlyThisTask(task, acnet.ErrDisc, false)
		return
	}
	for _, t := range tp.tasks {
		if t != nil && t.Pid() == pid {
			tp.removeOnlyThisTask(t, acnet.ErrDisc, false)
		}
	}
}

// RemoveAllTasks tears down every attached client, forwarding NODE_DOWN.
func (tp *TaskPool) RemoveAllTasks() {
	for _, t := range tp.tasks {
		if t != nil && t.ID() != 0 {
			tp.removeOnlyThisTask(t, acnet.ErrNodeDown, true)
		}
	}
}

// removeInactiveTasks reaps dead tasks and frees previously removed ones.
func (tp *TaskPool) removeInactiveTasks() {
	for _, t := range tp.tasks {
		if t != nil && t.ID() != 0 && !t.StillAlive(aliveProbeThrottle) {
			tp.removeTask(t)
		}
	}
	tp.drainRemoved()
}

// drainRemoved frees removed task storage. Only called at safe points so a
// task whose handler is on the stack is never freed mid-dispatch.
func (tp *TaskPool) drainRemoved() {
	tp.removed = tp.removed[:0]
}

// fillBufferWithTaskInfo builds the task-list diagnostic reply. The buffer
// starts with the entry count word; subtype 0 lists handles (reaping dead
// tasks first), 2 lists pids, 1 lists receiving tasks only, 3 returns the
// packed id/flags/handle/pid records.
func (tp *TaskPool) fillBufferWithTaskInfo(subType uint8) []byte {
	switch subType {
	case 0, 2:
		if subType == 0 {
			tp.removeInactiveTasks()
		}
		count := tp.ActiveCount()
		buf := make([]byte, 2+4*count+(count+1)&^1)
		putU16(buf[0:], uint16(count))
		off, idOff := 2, 2+4*count
		for _, t := range tp.tasks {
			if t == nil {
				continue
			}
			if subType == 0 {
				putU32(buf[off:], uint32(t.Handle()))
			} else {
				putU32(buf[off:], uint32(t.Pid()))
			}
			buf[idOff] = byte(t.ID())
			off += 4
			idOff++
		}
		return buf

	case 1:
		count := tp.ReceivingCount()
		buf := make([]byte, 2+4*count+(count+1)&^1)
		putU16(buf[0:], uint16(count))
		off, idOff := 2, 2+4*count
		for _, t := range tp.tasks {
			if t != nil && IsReceiving(t) {
				putU32(buf[off:], uint32(t.Handle()))
				buf[idOff] = byte(t.ID())
				off += 4
				idOff++
			}
		}
		return buf

	case 3:
		count := tp.ActiveCount()
		buf := make([]byte, 2+10*count)
		putU16(buf[0:], uint16(count))
		off := 2
		for _, t := range tp.tasks {
			if t == nil {
				continue
			}
			buf[off] = byte(t.ID())
			if IsReceiving(t) {
				buf[off+1] = 0x01
			}
			putU32(buf[off+2:], uint32(t.Handle()))
			putU32(buf[off+6:], uint32(t.Pid()))
			off += 10
		}
		return buf
	}
	return nil
}

// fillBufferWithTaskStats builds the per-task statistics reply: the stats
// time base, the 0x900-tagged task count and six 16-bit counters per task.
// An odd subtype resets the counters afterward.
func (tp *TaskPool) fillBufferWithTaskStats(subType uint8) []byte {
	tp.removeInactiveTasks()
	d := tp.daemon

	count := tp.ActiveCount()
	buf := make([]byte, 6+2+18*count)
	acnet.PutTime48(buf[0:6], (d.now().Unix()-tp.taskStatTimeBase)*1000)
	putU16(buf[6:], uint16(0x900+count))

	off := 8
	for _, t := range tp.tasks {
		if t == nil {
			continue
		}
		b := t.base()
		putU16(buf[off:], uint16(t.ID()))
		putU32(buf[off+2:], uint32(t.Handle()))
		putU16(buf[off+6:], b.stats.UsmXmt.Val16())
		putU16(buf[off+8:], b.stats.ReqXmt.Val16())
		putU16(buf[off+10:], b.stats.RpyXmt.Val16())
		putU16(buf[off+12:], b.stats.UsmRcv.Val16())
		putU16(buf[off+14:], b.stats.ReqRcv.Val16())
		putU16(buf[off+16:], b.stats.RpyRcv.Val16())

		if subType&1 != 0 {
			tp.taskStatTimeBase = d.now().Unix()
			b.stats.Reset()
		}
		off += 18
	}
	return buf
}

// globalStats snapshots the pool-wide counters for the GlobalStats ack.
func (tp *TaskPool) globalStats() acnet.GlobalStats {
	return acnet.GlobalStats{
		UsmRcv:    tp.stats.UsmRcv.Val32(),
		ReqRcv:    tp.stats.ReqRcv.Val32(),
		RpyRcv:    tp.stats.RpyRcv.Val32(),
		UsmXmt:    tp.stats.UsmXmt.Val32(),
		ReqXmt:    tp.stats.ReqXmt.Val32(),
		RpyXmt:    tp.stats.RpyXmt.Val32(),
		ReqQLimit: tp.statReqQLimit.Val32(),
	}
}
