package server

import (
	"time"

	"github.com/jroosing/acnetd/internal/acnet"
	"github.com/jroosing/acnetd/internal/idpool"
)

// ReqInfo tracks one in-flight outbound request.
type ReqInfo struct {
	node       ringNode
	lastUpdate time.Time

	id       acnet.ReqID
	owner    Task
	taskName acnet.TaskHandle // target task on the remote node
	lclNode  acnet.TrunkNode
	remNode  acnet.TrunkNode
	flags    uint16
	tmo      time.Duration
	mcast    bool
	initTime time.Time

	totalPackets StatCounter
}

func (r *ReqInfo) expiration() time.Time { return r.lastUpdate.Add(r.tmo) }

// WantsMultReplies reports whether the request asked for multiple replies.
func (r *ReqInfo) WantsMultReplies() bool { return r.flags&acnet.FlagMLT != 0 }

// Multicasted reports whether the request went out over a multicast node.
func (r *ReqInfo) Multicasted() bool { return r.mcast }

// ID returns the request id.
func (r *ReqInfo) ID() acnet.ReqID { return r.id }

// Owner returns the task that issued the request.
func (r *ReqInfo) Owner() Task { return r.owner }

// RemNode returns the remote (serving) node.
func (r *ReqInfo) RemNode() acnet.TrunkNode { return r.remNode }

// RequestPool manages the bounded set of outbound request ids for one task
// pool, with a timeout-ordered ring.
type RequestPool struct {
	tp   *TaskPool
	pool *idpool.Pool[ReqInfo]
	ring *timeList
}

func newRequestPool(tp *TaskPool) *RequestPool {
	return &RequestPool{
		tp:   tp,
		pool: idpool.New[ReqInfo](acnet.NumReqIDs),
		ring: newTimeList(),
	}
}

// Alloc reserves a request id for an outbound request and schedules its
// timeout. A multicast local node is rewritten to the pool's own node: the
// daemon speaks as itself, not from the multicast address.
func (p *RequestPool) Alloc(owner Task, target acnet.TaskHandle, lclNode, remNode acnet.TrunkNode,
	flags uint16, tmo time.Duration) (*ReqInfo, error) {

	d := p.tp.daemon
	req, id, err := p.pool.Alloc()
	if err != nil {
		return nil, err
	}

	mcast := d.table.IsMulticastNode(lclNode)
	if mcast {
		lclNode = p.tp.Node()
	}

	*req = ReqInfo{
		id:       acnet.ReqID(id),
		owner:    owner,
		taskName: target,
		lclNode:  lclNode,
		remNode:  remNode,
		flags:    flags,
		tmo:      tmo,
		mcast:    mcast,
		initTime: d.now(),
	}
	req.node.owner = req
	req.node.detach()

	owner.base().addRequest(req.id)
	p.update(req)
	return req, nil
}

// Lookup resolves a request id, nil when stale.
func (p *RequestPool) Lookup(id acnet.ReqID) *ReqInfo {
	return p.pool.Lookup(uint16(id))
}

// update refreshes a request's position in the timeout ring.
func (p *RequestPool) update(req *ReqInfo) {
	req.lastUpdate = p.tp.daemon.now()
	p.ring.update(&req.node)
}

func (p *RequestPool) release(req *ReqInfo) {
	req.node.detach()
	req.owner = nil
	p.pool.Release(uint16(req.id))
}

// Cancel tears down a request: it leaves the owner's set, optionally a CAN
// packet tells the replier to clean up, and optionally the owner sees one
// terminal reply.
func (p *RequestPool) Cancel(id acnet.ReqID, sendCanToNetwork, sendLastReplyToOwner bool) bool {
	req := p.Lookup(id)
	if req == nil {
		return false
	}

	owner := req.owner
	owner.base().removeRequest(req.id)

	if sendCanToNetwork {
		hdr := acnet.Header{
			Flags:      acnet.FlagCAN,
			Status:     acnet.Success,
			SvrNode:    req.remNode,
			ClntNode:   req.lclNode,
			SvrTask:    req.taskName,
			ClntTaskID: uint16(owner.ID()),
			MsgID:      uint16(req.id),
			MsgLen:     acnet.HeaderSize,
		}
		p.tp.daemon.sendToNetwork(&hdr, nil)
	}

	if sendLastReplyToOwner {
		p.synthesizeReply(req, acnet.ErrDisc)
	}

	p.release(req)
	return true
}

// CancelToNode cancels every request addressed to a remote node; used when
// a peer changes address or a killer message names it.
func (p *RequestPool) CancelToNode(tn acnet.TrunkNode) {
	var stale []acnet.ReqID
	p.pool.Each(func(id uint16, req *ReqInfo) bool {
		if req.remNode == tn {
			stale = append(stale, acnet.ReqID(id))
		}
		return true
	})
	for _, id := range stale {
		p.Cancel(id, false, true)
	}
}

// synthesizeReply delivers a locally generated reply to the request's
// owner.
func (p *RequestPool) synthesizeReply(req *ReqInfo, status acnet.Status) bool {
	hdr := acnet.Header{
		Flags:      acnet.FlagRPY,
		Status:     status,
		SvrNode:    req.remNode,
		ClntNode:   req.lclNode,
		SvrTask:    req.taskName,
		ClntTaskID: uint16(req.owner.ID()),
		MsgID:      uint16(req.id),
		MsgLen:     acnet.HeaderSize,
	}

	ok := req.owner.SendData(&hdr, nil)
	req.owner.base().stats.RpyRcv.Inc()
	p.tp.stats.RpyRcv.Inc()
	return ok
}

// SendTimeoutsAndNextDelay expires every request whose deadline passed,
// delivering an ACNET_TMO reply to each owner, and returns the delay until
// the next deadline. ok is false when the ring is empty.
func (p *RequestPool) SendTimeoutsAndNextDelay() (delay time.Duration, ok bool) {
	d := p.tp.daemon
	for {
		head := p.ring.oldest()
		if head == nil {
			return 0, false
		}
		req := head.(*ReqInfo)

		now := d.now()
		if req.expiration().After(now) {
			return req.expiration().Sub(now), true
		}

		alive := p.synthesizeReply(req, acnet.ErrTmo)

		// A timed-out request is dead on both ends; tell the replier.
		owner := req.owner
		p.Cancel(req.id, true, false)

		if !alive {
			p.tp.removeTask(owner)
		}
	}
}

// reqDetail is the wire detail record returned by the request-detail
// diagnostic.
type reqDetail struct {
	id         acnet.ReqID
	remNode    acnet.TrunkNode
	remName    acnet.TaskHandle
	lclName    acnet.TaskHandle
	initTime   uint32
	lastUpdate uint32
}

// Detail fills the diagnostic record for one request id.
func (p *RequestPool) Detail(id acnet.ReqID) (reqDetail, bool) {
	req := p.Lookup(id)
	if req == nil {
		return reqDetail{}, false
	}
	return reqDetail{
		id:         req.id,
		remNode:    req.remNode,
		remName:    req.taskName,
		lclName:    req.owner.Handle(),
		initTime:   uint32(req.initTime.Unix()),
		lastUpdate: uint32(req.lastUpdate.Unix()),
	}, true
}

// ActiveIDs lists live request ids, optionally filtered the way the
// diagnostic protocol filters: subType 0 by remote node words, 1 by target
// task name, 2 by owner handle. Empty filter data selects everything.
func (p *RequestPool) ActiveIDs(subType uint8, words []uint16) []acnet.ReqID {
	out := make([]acnet.ReqID, 0, 16)
	p.pool.Each(func(id uint16, req *ReqInfo) bool {
		if len(words) == 0 || reqMatches(req, subType, words) {
			out = append(out, acnet.ReqID(id))
		}
		return true
	})
	return out
}

func reqMatches(req *ReqInfo, subType uint8, words []uint16) bool {
	switch subType {
	case 0:
		for _, w := range words {
			if req.remNode == acnet.TrunkNode(w) {
				return true
			}
		}
	case 1:
		for i := 0; i+1 < len(words); i += 2 {
			if req.taskName == acnet.TaskHandle(uint32(words[i])|uint32(words[i+1])<<16) {
				return true
			}
		}
	case 2:
		for i := 0; i+1 < len(words); i += 2 {
			if req.owner.Handle() == acnet.TaskHandle(uint32(words[i])|uint32(words[i+1])<<16) {
				return true
			}
		}
	}
	return false
}

// Each visits every live request (report generation).
func (p *RequestPool) Each(f func(req *ReqInfo)) {
	p.pool.Each(func(_ uint16, req *ReqInfo) bool {
		f(req)
		return true
	})
}

// Active returns the number of live request ids.
func (p *RequestPool) Active() int { return p.pool.Active() }

// MaxActive returns the high-water mark of live request ids.
func (p *RequestPool) MaxActive() int { return p.pool.MaxActive() }
