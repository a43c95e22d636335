package server

import (
	"time"

	"github.com/jroosing/acnetd/internal/acnet"
	"github.com/jroosing/acnetd/internal/idpool"
)

// RpyInfo tracks one inbound request this daemon is serving replies for.
type RpyInfo struct {
	node       ringNode
	lastUpdate time.Time

	id       acnet.RpyID
	owner    Task
	reqID    acnet.ReqID // the requester's message id
	clntTask uint16      // the requester's task id
	taskName acnet.TaskHandle
	lclNode  acnet.TrunkNode
	remNode  acnet.TrunkNode
	flags    uint16
	mcast    bool
	acked    bool
	initTime time.Time

	totalPackets StatCounter
}

// A non-multicast reply must emit a PEND at least every pendInterval; its
// ring deadline is the last transmission plus that interval.
func (r *RpyInfo) expiration() time.Time {
	return r.lastUpdate.Add(r.pendInterval())
}

func (r *RpyInfo) pendInterval() time.Duration {
	return r.owner.Pool().daemon.pendInterval
}

// IsMultReplier reports whether the requester asked for multiple replies.
func (r *RpyInfo) IsMultReplier() bool { return r.flags&acnet.FlagMLT != 0 }

// Multicasted reports whether the request arrived over a multicast node.
func (r *RpyInfo) Multicasted() bool { return r.mcast }

// BeenAcked reports whether the owner acknowledged accepting the request.
func (r *RpyInfo) BeenAcked() bool { return r.acked }

// AckIt marks the request accepted by its owner.
func (r *RpyInfo) AckIt() { r.acked = true }

// ID returns the reply id.
func (r *RpyInfo) ID() acnet.RpyID { return r.id }

// Owner returns the task serving the reply.
func (r *RpyInfo) Owner() Task { return r.owner }

// ReqID returns the requester's message id.
func (r *RpyInfo) ReqID() acnet.ReqID { return r.reqID }

// RemNode returns the requesting node.
func (r *RpyInfo) RemNode() acnet.TrunkNode { return r.remNode }

func nodeReqKey(tn acnet.TrunkNode, reqID acnet.ReqID) uint32 {
	return uint32(tn)<<16 | uint32(reqID)
}

// ReplyPool manages the bounded set of reply ids for one task pool: the
// (remote node, request id) index, the PEND ring and the per-remote-node
// live-reply refcount.
type ReplyPool struct {
	tp      *TaskPool
	pool    *idpool.Pool[RpyInfo]
	ring    *timeList
	active  map[uint32]*RpyInfo
	targets map[acnet.TrunkNode]uint32
}

func newReplyPool(tp *TaskPool) *ReplyPool {
	return &ReplyPool{
		tp:      tp,
		pool:    idpool.New[RpyInfo](acnet.NumRpyIDs),
		ring:    newTimeList(),
		active:  make(map[uint32]*RpyInfo),
		targets: make(map[acnet.TrunkNode]uint32),
	}
}

// Alloc registers an inbound request for a receiving task. At most one
// record may exist per (remote node, request id); a duplicate inbound REQ
// resolves to the existing record.
func (p *ReplyPool) Alloc(owner Task, reqID acnet.ReqID, clntTask uint16, taskName acnet.TaskHandle,
	lclNode, remNode acnet.TrunkNode, flags uint16) (*RpyInfo, error) {

	d := p.tp.daemon
	rpy, id, err := p.pool.Alloc()
	if err != nil {
		return nil, err
	}

	mcast := d.table.IsMulticastNode(lclNode)
	if mcast {
		lclNode = p.tp.Node()
	}

	*rpy = RpyInfo{
		id:       acnet.RpyID(id),
		owner:    owner,
		reqID:    reqID,
		clntTask: clntTask,
		taskName: taskName,
		lclNode:  lclNode,
		remNode:  remNode,
		flags:    flags,
		mcast:    mcast,
		initTime: d.now(),
	}
	rpy.node.owner = rpy
	rpy.node.detach()

	p.active[nodeReqKey(remNode, reqID)] = rpy
	p.targets[remNode]++
	owner.base().addReply(rpy.id)

	// Multicasted requests don't get PEND liveness; everyone else joins
	// the PEND ring immediately.
	if !mcast {
		p.update(rpy)
	}
	return rpy, nil
}

// Lookup resolves a reply id, nil when stale.
func (p *ReplyPool) Lookup(id acnet.RpyID) *RpyInfo {
	return p.pool.Lookup(uint16(id))
}

// LookupByRequest resolves the reply serving a remote node's request id.
func (p *ReplyPool) LookupByRequest(tn acnet.TrunkNode, reqID acnet.ReqID) *RpyInfo {
	return p.active[nodeReqKey(tn, reqID)]
}

func (p *ReplyPool) update(rpy *RpyInfo) {
	rpy.lastUpdate = p.tp.daemon.now()
	p.ring.update(&rpy.node)
}

func (p *ReplyPool) release(rpy *RpyInfo) {
	// An unacked reply still holds a pending-request slot.
	if !rpy.acked {
		rpy.owner.base().decrementPendingRequests()
	}
	if n := p.targets[rpy.remNode]; n <= 1 {
		delete(p.targets, rpy.remNode)
	} else {
		p.targets[rpy.remNode] = n - 1
	}
	if p.active[nodeReqKey(rpy.remNode, rpy.reqID)] == rpy {
		delete(p.active, nodeReqKey(rpy.remNode, rpy.reqID))
	}
	rpy.node.detach()
	rpy.owner = nil
	p.pool.Release(uint16(rpy.id))
}

// xmitReply pushes one reply packet to the requester. It returns true when
// the reply sequence is finished and the id should be released.
func (p *ReplyPool) xmitReply(rpy *RpyInfo, status acnet.Status, data []byte, emr bool) bool {
	d := p.tp.daemon

	// The first transmitted reply implies acceptance: if the client
	// never sent its RequestAck, the pending count drops here instead.
	if !rpy.BeenAcked() {
		d.log.Warn("implicitly decremented the pending count", "reply", rpy.id)
		rpy.owner.base().decrementPendingRequests()
		rpy.acked = true
	}

	hdr := acnet.Header{
		Flags:      acnet.FlagRPY,
		Status:     status,
		SvrNode:    rpy.lclNode,
		ClntNode:   rpy.remNode,
		SvrTask:    rpy.taskName,
		ClntTaskID: rpy.clntTask,
		MsgID:      uint16(rpy.reqID),
		MsgLen:     uint16(acnet.HeaderSize + acnet.PadLen(len(data))),
	}

	rpy.totalPackets.Inc()

	repDone := true
	if rpy.IsMultReplier() {
		if emr {
			if status == acnet.Success {
				hdr.Status = acnet.EndMult
			}
		} else {
			hdr.Flags = acnet.FlagRPY | acnet.FlagMLT
			repDone = false
		}
	}

	if !rpy.mcast {
		p.update(rpy)
	}

	d.sendToNetwork(&hdr, data)
	return repDone
}

// SendReplyToNetwork transmits a reply on behalf of a client task,
// releasing the id when the sequence ends. Returns ACNET_NSR when the id
// is stale or owned by another task.
func (p *ReplyPool) SendReplyToNetwork(task Task, id acnet.RpyID, status acnet.Status,
	data []byte, emr bool) acnet.Status {

	rpy := p.Lookup(id)
	if rpy == nil || !rpy.owner.Equals(task) {
		return acnet.ErrNsr
	}

	if p.xmitReply(rpy, status, data, emr) {
		p.EndRpyID(id, acnet.Success)
	}
	task.base().stats.RpyXmt.Inc()
	p.tp.stats.RpyXmt.Inc()
	return acnet.Success
}

// EndRpyID closes a reply id. A non-success status emits one terminal
// packet to the requester (suppressed for multicasted multi-reply
// requests, which peers end on their own); the owner always sees a
// synthesized CAN so it can release its resources.
func (p *ReplyPool) EndRpyID(id acnet.RpyID, status acnet.Status) {
	rpy := p.Lookup(id)
	if rpy == nil {
		return
	}
	d := p.tp.daemon

	if !rpy.owner.base().removeReply(rpy.id) {
		d.log.Warn("reply id missing from owner's set", "reply", id, "task", rpy.owner.ID())
	}

	if status != acnet.Success && (!rpy.Multicasted() || !rpy.IsMultReplier()) {
		hdr := acnet.Header{
			Flags:      acnet.FlagRPY,
			Status:     status,
			SvrNode:    rpy.lclNode,
			ClntNode:   rpy.remNode,
			SvrTask:    rpy.taskName,
			ClntTaskID: rpy.clntTask,
			MsgID:      uint16(rpy.reqID),
			MsgLen:     acnet.HeaderSize,
		}
		d.sendToNetwork(&hdr, nil)
		rpy.owner.base().stats.RpyXmt.Inc()
		p.tp.stats.RpyXmt.Inc()
	}

	// Tell the local owner the request is gone.
	hdr := acnet.Header{
		Flags:      acnet.FlagCAN,
		Status:     acnet.Status(rpy.id),
		SvrNode:    rpy.lclNode,
		ClntNode:   rpy.remNode,
		SvrTask:    rpy.taskName,
		ClntTaskID: uint16(rpy.owner.ID()),
		MsgID:      uint16(rpy.reqID),
		MsgLen:     acnet.HeaderSize,
	}
	rpy.owner.SendData(&hdr, nil)
	rpy.owner.base().stats.UsmRcv.Inc()
	p.tp.stats.UsmRcv.Inc()

	p.release(rpy)
}

// HandleRemoteCancel processes a CAN packet from the requesting peer: the
// owner sees a synthesized CAN and the id is released without any network
// traffic.
func (p *ReplyPool) HandleRemoteCancel(tn acnet.TrunkNode, reqID acnet.ReqID) bool {
	rpy := p.LookupByRequest(tn, reqID)
	if rpy == nil {
		return false
	}

	owner := rpy.owner
	hdr := acnet.Header{
		Flags:      acnet.FlagCAN,
		Status:     acnet.Success,
		SvrNode:    rpy.lclNode,
		ClntNode:   rpy.remNode,
		SvrTask:    rpy.taskName,
		ClntTaskID: uint16(owner.ID()),
		MsgID:      uint16(rpy.reqID),
		MsgLen:     acnet.HeaderSize,
	}
	alive := owner.SendData(&hdr, nil)
	owner.base().stats.UsmRcv.Inc()
	p.tp.stats.UsmRcv.Inc()

	owner.base().removeReply(rpy.id)
	p.release(rpy)

	if !alive {
		p.tp.removeTask(owner)
	}
	return true
}

// EndToNode ends every reply whose requester is the given node; used when
// a peer changes address or a killer message names it.
func (p *ReplyPool) EndToNode(tn acnet.TrunkNode) {
	var stale []acnet.ReqID
	p.pool.Each(func(_ uint16, rpy *RpyInfo) bool {
		if rpy.remNode == tn {
			stale = append(stale, rpy.reqID)
		}
		return true
	})
	for _, reqID := range stale {
		p.HandleRemoteCancel(tn, reqID)
	}
}

// SendPendsAndNextDelay emits a PEND on every reply whose deadline passed
// and returns the delay until the next deadline. ok is false when the ring
// is empty. Emitting a PEND refreshes the reply's position, so re-running
// at the same instant is a no-op.
func (p *ReplyPool) SendPendsAndNextDelay() (delay time.Duration, ok bool) {
	d := p.tp.daemon
	for {
		head := p.ring.oldest()
		if head == nil {
			return 0, false
		}
		rpy := head.(*RpyInfo)

		now := d.now()
		if rpy.expiration().After(now) {
			return rpy.expiration().Sub(now), true
		}
		p.xmitReply(rpy, acnet.Pend, nil, false)
	}
}

// rpyDetail is the wire detail record returned by the reply-detail
// diagnostic.
type rpyDetail struct {
	id         acnet.RpyID
	reqID      acnet.ReqID
	remNode    acnet.TrunkNode
	remName    acnet.TaskHandle
	lclName    acnet.TaskHandle
	initTime   uint32
	lastUpdate uint32
}

// Detail fills the diagnostic record for one reply id.
func (p *ReplyPool) Detail(id acnet.RpyID) (rpyDetail, bool) {
	rpy := p.Lookup(id)
	if rpy == nil {
		return rpyDetail{}, false
	}
	return rpyDetail{
		id:         rpy.id,
		reqID:      rpy.reqID,
		remNode:    rpy.remNode,
		remName:    rpy.taskName,
		lclName:    rpy.owner.Handle(),
		initTime:   uint32(rpy.initTime.Unix()),
		lastUpdate: uint32(rpy.lastUpdate.Unix()),
	}, true
}

// ActiveIDs lists live reply ids with the same filtering scheme as
// RequestPool.ActiveIDs.
func (p *ReplyPool) ActiveIDs(subType uint8, words []uint16) []acnet.RpyID {
	out := make([]acnet.RpyID, 0, 16)
	p.pool.Each(func(id uint16, rpy *RpyInfo) bool {
		if len(words) == 0 || rpyMatches(rpy, subType, words) {
			out = append(out, acnet.RpyID(id))
		}
		return true
	})
	return out
}

func rpyMatches(rpy *RpyInfo, subType uint8, words []uint16) bool {
	switch subType {
	case 0:
		for _, w := range words {
			if rpy.remNode == acnet.TrunkNode(w) {
				return true
			}
		}
	case 1:
		for i := 0; i+1 < len(words); i += 2 {
			if rpy.taskName == acnet.TaskHandle(uint32(words[i])|uint32(words[i+1])<<16) {
				return true
			}
		}
	case 2:
		for i := 0; i+1 < len(words); i += 2 {
			if rpy.owner.Handle() == acnet.TaskHandle(uint32(words[i])|uint32(words[i+1])<<16) {
				return true
			}
		}
	}
	return false
}

// Each visits every live reply (report generation).
func (p *ReplyPool) Each(f func(rpy *RpyInfo)) {
	p.pool.Each(func(_ uint16, rpy *RpyInfo) bool {
		f(rpy)
		return true
	})
}

// TargetCount returns the number of open replies whose requester is the
// given node.
func (p *ReplyPool) TargetCount(tn acnet.TrunkNode) uint32 { return p.targets[tn] }

// Active returns the number of live reply ids.
func (p *ReplyPool) Active() int { return p.pool.Active() }

// MaxActive returns the high-water mark of live reply ids.
func (p *ReplyPool) MaxActive() int { return p.pool.MaxActive() }
