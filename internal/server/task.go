package server

import (
	"time"

	"github.com/jroosing/acnetd/internal/acnet"
)

// maxPendingRequestsAccepted caps the number of unacked inbound requests a
// single task may hold.
const maxPendingRequestsAccepted = 256

// Property is one labelled value in a task's report section.
type Property struct {
	Name  string
	Value string
}

// Task is the contract every attached task satisfies: the internal ACNET
// service, local UDP clients, TCP-fronted remote clients and multicast
// listeners.
type Task interface {
	// Handle returns the RAD50 task name the task is registered under.
	Handle() acnet.TaskHandle
	// ID returns the task's slot in the pool's task table.
	ID() acnet.TaskID
	// Pool returns the owning task pool.
	Pool() *TaskPool
	// Pid returns the owning process id, zero when not applicable.
	Pid() int32

	AcceptsUsm() bool
	AcceptsRequests() bool
	IsPromiscuous() bool
	NeedsThrottle() bool

	// StillAlive probes task health, at most once per throttle period.
	StillAlive(throttle time.Duration) bool
	// Equals reports whether o is the same underlying connection.
	Equals(o Task) bool

	// SendData delivers a packet (header plus payload) to the task.
	// False means the client is unreachable and should be retired.
	SendData(hdr *acnet.Header, payload []byte) bool
	// SendMessage delivers an asynchronous control message.
	SendMessage(msg *acnet.ClientMessage) bool

	// VariantName names the concrete task kind for diagnostics.
	VariantName() string
	// Properties returns variant-specific report values.
	Properties() []Property

	base() *taskBase
}

// IsReceiving reports whether a task currently takes delivery of anything.
func IsReceiving(t Task) bool { return t.AcceptsUsm() || t.AcceptsRequests() }

// taskBase carries the bookkeeping shared by all task variants.
type taskBase struct {
	pool      *TaskPool
	handle    acnet.TaskHandle
	id        acnet.TaskID
	connected time.Time

	requests map[acnet.ReqID]struct{}
	replies  map[acnet.RpyID]struct{}

	pendingRequests    int
	maxPendingRequests int

	stats       StatSet
	statLostPkt StatCounter
}

func newTaskBase(tp *TaskPool, handle acnet.TaskHandle) taskBase {
	return taskBase{
		pool:      tp,
		handle:    handle,
		connected: tp.daemon.now(),
		requests:  make(map[acnet.ReqID]struct{}),
		replies:   make(map[acnet.RpyID]struct{}),
	}
}

func (b *taskBase) base() *taskBase          { return b }
func (b *taskBase) Handle() acnet.TaskHandle { return b.handle }
func (b *taskBase) ID() acnet.TaskID         { return b.id }
func (b *taskBase) Pool() *TaskPool          { return b.pool }

func (b *taskBase) setHandle(h acnet.TaskHandle) { b.handle = h }

// ConnectedFor reports how long the task has been attached.
func (b *taskBase) ConnectedFor() time.Duration {
	return b.pool.daemon.now().Sub(b.connected)
}

func (b *taskBase) addRequest(id acnet.ReqID) bool {
	if _, dup := b.requests[id]; dup {
		return false
	}
	b.requests[id] = struct{}{}
	return true
}

func (b *taskBase) removeRequest(id acnet.ReqID) bool {
	if _, ok := b.requests[id]; !ok {
		return false
	}
	delete(b.requests, id)
	return true
}

func (b *taskBase) addReply(id acnet.RpyID) bool {
	if _, dup := b.replies[id]; dup {
		return false
	}
	b.replies[id] = struct{}{}
	return true
}

func (b *taskBase) removeReply(id acnet.RpyID) bool {
	if _, ok := b.replies[id]; !ok {
		return false
	}
	delete(b.replies, id)
	return true
}

func (b *taskBase) requestCount() int { return len(b.requests) }
func (b *taskBase) replyCount() int   { return len(b.replies) }

// testPendingRequestsAndIncrement admits one more inbound request unless
// the task is at its cap.
func (b *taskBase) testPendingRequestsAndIncrement() bool {
	if b.pendingRequests >= maxPendingRequestsAccepted {
		return false
	}
	b.pendingRequests++
	if b.pendingRequests > b.maxPendingRequests {
		b.maxPendingRequests = b.pendingRequests
	}
	return true
}

func (b *taskBase) decrementPendingRequests() bool {
	if b.pendingRequests == 0 {
		return false
	}
	b.pendingRequests--
	return true
}
