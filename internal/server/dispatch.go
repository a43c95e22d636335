package server

import (
	"net"

	"github.com/jroosing/acnetd/internal/acnet"
)

// handleNetworkPacket classifies one inbound datagram from a peer daemon
// and drives the pools. Malformed or masquerading traffic is dropped;
// the drops are only logged when incoming packet dumping is on.
func (d *Daemon) handleNetworkPacket(src *net.UDPAddr, buf []byte) {
	hdr, err := acnet.ParseHeader(buf)
	if err != nil {
		if d.dumpIncoming {
			d.log.Warn("dropping runt network packet", "from", src, "err", err)
		}
		return
	}
	if int(hdr.MsgLen) < acnet.HeaderSize || int(hdr.MsgLen) > len(buf) {
		if d.dumpIncoming {
			d.log.Warn("dropping packet with bad length", "from", src, "len", hdr.MsgLen)
		}
		return
	}
	payload := buf[acnet.HeaderSize:hdr.MsgLen]

	if d.dumpIncoming {
		d.dumpPacket("in", &hdr, payload)
	}

	// The sender's claimed node must resolve to the address the packet
	// actually came from; a reply is sent by the serving side, anything
	// else by the client side.
	senderNode := hdr.ClntNode
	if acnet.IsReply(hdr.Flags) {
		senderNode = hdr.SvrNode
	}
	if !d.validFromAddress(senderNode, acnet.IPFromNet(src.IP)) {
		return
	}

	// The destination must be one of our virtual nodes.
	destNode := hdr.SvrNode
	if acnet.IsReply(hdr.Flags) {
		destNode = hdr.ClntNode
	}
	tp := d.poolForNode(destNode)
	if tp == nil {
		if d.dumpIncoming {
			d.log.Warn("dropping packet for foreign node",
				"from", senderNode, "to", destNode)
		}
		return
	}

	switch {
	case acnet.IsCancel(hdr.Flags):
		tp.rpyPool.HandleRemoteCancel(hdr.ClntNode, acnet.ReqID(hdr.MsgID))

	case acnet.IsUSM(hdr.Flags):
		d.deliverUsm(tp, &hdr, payload)

	case acnet.IsRequest(hdr.Flags):
		d.deliverRequest(tp, &hdr, payload)

	case acnet.IsReply(hdr.Flags):
		d.deliverReply(tp, &hdr, payload)
	}
}

func (d *Daemon) validFromAddress(tn acnet.TrunkNode, srcIP acnet.IPAddr) bool {
	e := d.table.Lookup(tn)
	if e != nil && e.Addr == srcIP {
		return true
	}
	if d.dumpIncoming {
		d.log.Warn("dropping packet from masquerading client",
			"claimed", tn, "src", srcIP)
	}
	return false
}

// deliverUsm hands an unsolicited message to every receiving holder of
// the target handle.
func (d *Daemon) deliverUsm(tp *TaskPool, hdr *acnet.Header, payload []byte) {
	delivered := false
	for _, task := range tp.TasksByHandle(hdr.SvrTask) {
		if !task.AcceptsUsm() {
			continue
		}
		delivered = true
		task.base().stats.UsmRcv.Inc()
		tp.stats.UsmRcv.Inc()
		if !task.SendData(hdr, payload) {
			tp.removeTask(task)
		}
	}
	if !delivered && d.dumpIncoming {
		d.log.Warn("dropping USM with no receiving task", "task", hdr.SvrTask)
	}
}

// deliverRequest registers an inbound request with the reply pool and
// hands it to the serving task. The reply id rides to the task in the
// header's status field.
func (d *Daemon) deliverRequest(tp *TaskPool, hdr *acnet.Header, payload []byte) {
	var task Task
	for _, t := range tp.TasksByHandle(hdr.SvrTask) {
		if t.AcceptsRequests() {
			task = t
			break
		}
	}
	if task == nil {
		d.sendErrorToNetwork(hdr, acnet.ErrNoTask)
		return
	}

	// A retransmitted request resolves to its existing record.
	rpy := tp.rpyPool.LookupByRequest(hdr.ClntNode, acnet.ReqID(hdr.MsgID))
	if rpy == nil {
		if !task.base().testPendingRequestsAndIncrement() {
			d.sendErrorToNetwork(hdr, acnet.ErrNlm)
			return
		}

		var err error
		rpy, err = tp.rpyPool.Alloc(task, acnet.ReqID(hdr.MsgID), hdr.ClntTaskID,
			hdr.SvrTask, hdr.SvrNode, hdr.ClntNode, hdr.Flags)
		if err != nil {
			task.base().decrementPendingRequests()
			d.sendErrorToNetwork(hdr, acnet.ErrNlm)
			return
		}
	}

	task.base().stats.ReqRcv.Inc()
	tp.stats.ReqRcv.Inc()

	deliver := *hdr
	deliver.Status = acnet.Status(rpy.ID())
	if !task.SendData(&deliver, payload) {
		tp.removeTask(task)
	}
}

// deliverReply matches an inbound reply to its request and forwards it to
// the owner; an end-of-replies marker releases the request id. Stale
// replies are dropped.
func (d *Daemon) deliverReply(tp *TaskPool, hdr *acnet.Header, payload []byte) {
	reqPool := tp.reqPool
	req := reqPool.Lookup(acnet.ReqID(hdr.MsgID))
	if req == nil {
		if d.dumpIncoming {
			d.log.Warn("dropping reply for unknown request", "msgId", hdr.MsgID)
		}
		return
	}

	reqPool.update(req)
	req.totalPackets.Inc()

	owner := req.owner
	owner.base().stats.RpyRcv.Inc()
	tp.stats.RpyRcv.Inc()
	alive := owner.SendData(hdr, payload)

	if hdr.IsEMR() {
		owner.base().removeRequest(req.id)
		reqPool.release(req)
	}
	if !alive {
		tp.removeTask(owner)
	}
}
