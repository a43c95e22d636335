package server

import (
	"fmt"
	"net"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/jroosing/acnetd/internal/acnet"
)

// maxContSocketErrors is how many consecutive client socket errors a task
// survives before it is declared dead.
const maxContSocketErrors = 10

// externalTask is the extra surface shared by every client-backed task.
type externalTask interface {
	Task
	CommandPort() uint16
	DataPort() uint16
	sendAck(b []byte) bool
	commandReceived()
}

// ExternalTask is the base of every task attached from outside the
// daemon: it owns the client's command and data socket addresses and the
// liveness bookkeeping.
type ExternalTask struct {
	taskBase
	pid      int32
	cmdAddr  *net.UDPAddr
	dataAddr *net.UDPAddr

	contSocketErrors  int
	totalSocketErrors uint32

	lastCommandTime    time.Time
	lastAliveCheckTime time.Time
}

func newExternalTask(tp *TaskPool, handle acnet.TaskHandle, pid int32, cmdPort, dataPort uint16) ExternalTask {
	now := tp.daemon.now()
	return ExternalTask{
		taskBase:           newTaskBase(tp, handle),
		pid:                pid,
		cmdAddr:            &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(cmdPort)},
		dataAddr:           &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(dataPort)},
		lastCommandTime:    now,
		lastAliveCheckTime: now,
	}
}

// Pid returns the client's process id.
func (t *ExternalTask) Pid() int32 { return t.pid }

// CommandPort returns the loopback port commands arrive from; it doubles
// as the connection's identity.
func (t *ExternalTask) CommandPort() uint16 { return uint16(t.cmdAddr.Port) }

// DataPort returns the loopback port data packets are delivered to.
func (t *ExternalTask) DataPort() uint16 { return uint16(t.dataAddr.Port) }

// IsPromiscuous is false for every client-backed task.
func (t *ExternalTask) IsPromiscuous() bool { return false }

// NeedsThrottle is true for every client-backed task.
func (t *ExternalTask) NeedsThrottle() bool { return true }

// Equals identifies a connection by its command port.
func (t *ExternalTask) Equals(o Task) bool {
	et, ok := o.(externalTask)
	return ok && et.CommandPort() == t.CommandPort()
}

func (t *ExternalTask) commandReceived() {
	t.lastCommandTime = t.pool.daemon.now()
}

// StillAlive probes the client's health, at most once per throttle
// period: a pid-backed client dies after too many consecutive socket
// errors or when its process is gone; a pid-less one lives while commands
// keep arriving within the keep-alive grace.
func (t *ExternalTask) StillAlive(throttle time.Duration) bool {
	d := t.pool.daemon
	now := d.now()
	if now.Sub(t.lastAliveCheckTime) < throttle {
		return true
	}
	t.lastAliveCheckTime = now

	if t.pid == 0 {
		return now.Sub(t.lastCommandTime) < d.keepAliveGrace
	}
	if t.contSocketErrors > maxContSocketErrors {
		return false
	}
	if exists, err := process.PidExists(t.pid); err == nil && !exists {
		return false
	}
	return true
}

// checkResult folds a send outcome into the error counters. False means
// the task should be retired.
func (t *ExternalTask) checkResult(err error, what string) bool {
	if err == nil {
		t.contSocketErrors = 0
		return true
	}
	t.contSocketErrors++
	t.totalSocketErrors++
	t.pool.daemon.log.Warn("error writing to client socket",
		"socket", what, "task", t.handle, "err", err)
	return t.StillAlive(0)
}

// SendData delivers a packet to the client's data socket.
func (t *ExternalTask) SendData(hdr *acnet.Header, payload []byte) bool {
	err := t.pool.daemon.trans.ToClient(t.dataAddr, hdr.Packet(payload))
	if err != nil {
		t.statLostPkt.Inc()
	}
	return t.checkResult(err, "data")
}

// SendMessage delivers an asynchronous control message on the data
// socket.
func (t *ExternalTask) SendMessage(msg *acnet.ClientMessage) bool {
	msg.Pid = t.pid
	err := t.pool.daemon.trans.ToClient(t.dataAddr, msg.Marshal())
	return t.checkResult(err, "data")
}

// sendAck answers on the client's command socket.
func (t *ExternalTask) sendAck(b []byte) bool {
	return t.checkResult(t.pool.daemon.trans.ToClient(t.cmdAddr, b), "command")
}

// Properties returns the report values shared by all client-backed tasks.
func (t *ExternalTask) Properties() []Property {
	return []Property{
		{"Command Port", fmt.Sprintf("%d", t.CommandPort())},
		{"Data Port", fmt.Sprintf("%d", t.DataPort())},
		{"Total Socket Errors", fmt.Sprintf("%d", t.totalSocketErrors)},
	}
}
