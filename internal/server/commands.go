package server

import (
	"net"
	"time"

	"github.com/jroosing/acnetd/internal/acnet"
)

// handleClientCommand services one datagram from the client command
// socket. Connects create tasks; every other command must come from the
// command port that owns the named handle.
func (d *Daemon) handleClientCommand(src *net.UDPAddr, buf []byte) {
	cmdHdr, err := acnet.ParseCommandHeader(buf)
	if err != nil {
		d.log.Warn("dropping runt client command", "from", src, "err", err)
		return
	}
	body := buf[acnet.CommandHeaderSize:]

	tp := d.poolForName(cmdHdr.VirtualNode)
	if tp == nil {
		d.trans.ToClient(src, acnet.BuildAck(acnet.ErrNoNode))
		return
	}

	if cmdHdr.Op == acnet.CmdConnect || cmdHdr.Op == acnet.CmdTcpConnect {
		cmd, err := acnet.ParseConnect(cmdHdr.Op, body)
		if err != nil {
			d.trans.ToClient(src, acnet.BuildAckConnect(acnet.ErrIvm, 0, cmdHdr.ClientName))
			return
		}
		tp.HandleConnect(src, cmdHdr.ClientName, cmd)
		return
	}

	task := tp.getTaskByPort(cmdHdr.ClientName, uint16(src.Port))
	if task == nil {
		d.trans.ToClient(src, acnet.BuildAck(acnet.ErrNcr))
		return
	}
	et := task.(externalTask)
	et.commandReceived()

	if !d.dispatchCommand(tp, et, cmdHdr.Op, body) {
		tp.removeTask(task)
	}
}

// dispatchCommand runs one command handler. The returned bool mirrors the
// ack send: false means the client socket is dead and the task should go.
func (d *Daemon) dispatchCommand(tp *TaskPool, et externalTask, op acnet.CommandOp, body []byte) bool {
	switch op {
	case acnet.CmdKeepAlive:
		return et.sendAck(acnet.BuildAck(acnet.Success))

	case acnet.CmdDisconnect:
		// Ack before teardown; disconnecting cannot fail and the
		// client shouldn't have to wait.
		et.sendAck(acnet.BuildAck(acnet.Success))
		tp.removeTask(et)
		return true

	case acnet.CmdDisconnectSingle:
		et.sendAck(acnet.BuildAck(acnet.Success))
		tp.removeOnlyThisTask(et, acnet.ErrDisc, false)
		return true

	case acnet.CmdSend:
		return d.cmdSend(tp, et, body)

	case acnet.CmdSendRequest, acnet.CmdSendRequestWithTmo:
		return d.cmdSendRequest(tp, et, op, body)

	case acnet.CmdSendReply:
		return d.cmdSendReply(tp, et, body)

	case acnet.CmdIgnoreRequest:
		return d.cmdIgnoreRequest(tp, et, body)

	case acnet.CmdRequestAck:
		return d.cmdRequestAck(tp, et, body)

	case acnet.CmdCancel:
		return d.cmdCancel(tp, et, body)

	case acnet.CmdReceiveRequests:
		if lt, ok := et.(*LocalTask); ok {
			lt.startReceiving()
			return et.sendAck(acnet.BuildAck(acnet.Success))
		}
		return et.sendAck(acnet.BuildAck(acnet.ErrIvm))

	case acnet.CmdBlockRequests:
		if lt, ok := et.(*LocalTask); ok {
			lt.stopReceiving()
			return et.sendAck(acnet.BuildAck(acnet.Success))
		}
		return et.sendAck(acnet.BuildAck(acnet.ErrIvm))

	case acnet.CmdRenameTask:
		return d.cmdRename(tp, et, body)

	case acnet.CmdTaskPid:
		pid := int32(0)
		if et.StillAlive(0) {
			pid = et.Pid()
		}
		return et.sendAck(acnet.BuildAckTaskPid(acnet.Success, pid))

	case acnet.CmdGlobalStats:
		return et.sendAck(acnet.BuildAckGlobalStats(acnet.Success, tp.globalStats()))

	case acnet.CmdAckGlobalStats:
		tp.stats.Reset()
		tp.statReqQLimit.Reset()
		return et.sendAck(acnet.BuildAck(acnet.Success))

	case acnet.CmdAddNode:
		return d.cmdAddNode(et, body)

	case acnet.CmdNameLookup:
		return d.cmdNameLookup(et, body)

	case acnet.CmdNodeLookup:
		return d.cmdNodeLookup(et, body)

	case acnet.CmdLocalNode:
		return et.sendAck(acnet.BuildAckNodeLookup(acnet.Success, d.table.MyHostName()))

	case acnet.CmdDefaultNode:
		return et.sendAck(acnet.BuildAckNodeLookup(acnet.Success, d.defaultPool.NodeName()))

	default:
		d.log.Warn("unknown client command", "task", et.Handle(), "op", uint16(op))
		return et.sendAck(acnet.BuildAck(acnet.ErrBug))
	}
}

// outboundRejected applies the reject policy to traffic originated by
// TCP-fronted clients.
func (d *Daemon) outboundRejected(et externalTask, target acnet.TaskHandle) bool {
	if _, remote := et.(*RemoteTask); !remote {
		return false
	}
	return d.rejected[target]
}

func (d *Daemon) cmdSend(tp *TaskPool, et externalTask, body []byte) bool {
	cmd, err := acnet.ParseSend(body)
	status := acnet.Success

	switch {
	case err != nil || len(cmd.Msg) > acnet.MaxUserPacket:
		status = acnet.ErrIvm
	default:
		node := cmd.Addr
		if node.IsBlank() {
			node = tp.Node()
		}
		switch {
		case d.table.Lookup(node) == nil:
			status = acnet.ErrNoNode
		case d.outboundRejected(et, cmd.TaskName):
			status = acnet.ErrReqRej
		default:
			d.sendUsm(node, cmd.TaskName, tp, et.ID(), cmd.Msg)
			et.base().stats.UsmXmt.Inc()
			tp.stats.UsmXmt.Inc()
		}
	}
	return et.sendAck(acnet.BuildAck(status))
}

func (d *Daemon) cmdSendRequest(tp *TaskPool, et externalTask, op acnet.CommandOp, body []byte) bool {
	cmd, err := acnet.ParseSendRequest(op, body)
	status := acnet.Success
	var reqid acnet.ReqID

	switch {
	case err != nil || len(cmd.Data) > acnet.MaxUserPacket:
		status = acnet.ErrIvm
	default:
		node := cmd.Addr
		if node.IsBlank() {
			node = tp.Node()
		}
		switch {
		case d.table.Lookup(node) == nil:
			status = acnet.ErrNoNode
		case d.outboundRejected(et, cmd.Task):
			status = acnet.ErrReqRej
		default:
			tmo := d.requestTmo
			if op == acnet.CmdSendRequestWithTmo {
				tmo = time.Duration(cmd.TmoMs) * time.Millisecond
			}

			req, allocErr := tp.reqPool.Alloc(et, cmd.Task, tp.Node(), node, cmd.Flags, tmo)
			if allocErr != nil {
				status = acnet.ErrNlm
				tp.statReqQLimit.Inc()
				break
			}

			flags := acnet.FlagREQ
			if cmd.Flags&acnet.ReqMultReply != 0 {
				flags |= acnet.FlagMLT
			}
			hdr := acnet.Header{
				Flags:      flags,
				Status:     acnet.Success,
				SvrNode:    node,
				ClntNode:   tp.Node(),
				SvrTask:    cmd.Task,
				ClntTaskID: uint16(et.ID()),
				MsgID:      uint16(req.ID()),
				MsgLen:     uint16(acnet.HeaderSize + acnet.PadLen(len(cmd.Data))),
			}
			d.sendToNetwork(&hdr, cmd.Data)
			et.base().stats.ReqXmt.Inc()
			tp.stats.ReqXmt.Inc()
			reqid = req.ID()
		}
	}
	return et.sendAck(acnet.BuildAckSendRequest(status, reqid))
}

func (d *Daemon) cmdSendReply(tp *TaskPool, et externalTask, body []byte) bool {
	cmd, err := acnet.ParseSendReply(body)
	var status acnet.Status
	if err != nil || len(cmd.Data) > acnet.MaxUserPacket {
		status = acnet.ErrIvm
	} else {
		status = tp.rpyPool.SendReplyToNetwork(et, cmd.RpyID, cmd.Status,
			cmd.Data, cmd.Flags&acnet.RpyEndMult != 0)
	}
	return et.sendAck(acnet.BuildAckSendReply(status, 0))
}

func (d *Daemon) cmdIgnoreRequest(tp *TaskPool, et externalTask, body []byte) bool {
	id, err := acnet.ParseID(body)
	status := acnet.Success
	switch {
	case err != nil:
		status = acnet.ErrIvm
	case !et.AcceptsRequests():
		status = acnet.ErrIvm
	default:
		tp.rpyPool.EndRpyID(acnet.RpyID(id), acnet.Success)
	}
	return et.sendAck(acnet.BuildAck(status))
}

func (d *Daemon) cmdRequestAck(tp *TaskPool, et externalTask, body []byte) bool {
	id, err := acnet.ParseID(body)
	status := acnet.Success
	if err != nil {
		status = acnet.ErrIvm
	} else if rpy := tp.rpyPool.Lookup(acnet.RpyID(id)); rpy != nil && rpy.Owner().Equals(et) {
		if rpy.BeenAcked() || !et.base().decrementPendingRequests() {
			status = acnet.ErrBug
		}
		rpy.AckIt()
	} else {
		status = acnet.ErrNsr
	}
	return et.sendAck(acnet.BuildAck(status))
}

func (d *Daemon) cmdCancel(tp *TaskPool, et externalTask, body []byte) bool {
	id, err := acnet.ParseID(body)
	status := acnet.Success
	if err != nil {
		status = acnet.ErrIvm
	} else if req := tp.reqPool.Lookup(acnet.ReqID(id)); req != nil && req.Owner().Equals(et) {
		tp.reqPool.Cancel(acnet.ReqID(id), true, false)
	} else {
		status = acnet.ErrNsr
	}
	return et.sendAck(acnet.BuildAck(status))
}

func (d *Daemon) cmdRename(tp *TaskPool, et externalTask, body []byte) bool {
	name, err := acnet.ParseHandleArg(body)
	status := acnet.Success
	if err != nil {
		status = acnet.ErrIvm
	} else if !tp.Rename(et, acnet.TaskHandle(name)) {
		status = acnet.ErrNameInUse
	}
	return et.sendAck(acnet.BuildAckSendReply(status, 0))
}

func (d *Daemon) cmdAddNode(et externalTask, body []byte) bool {
	cmd, err := acnet.ParseAddNode(body)
	status := acnet.Success
	if err != nil {
		status = acnet.ErrIvm
	} else {
		d.table.UpdateAddr(cmd.Addr, cmd.NodeName, cmd.IPAddr)
	}
	return et.sendAck(acnet.BuildAck(status))
}

func (d *Daemon) cmdNameLookup(et externalTask, body []byte) bool {
	name, err := acnet.ParseHandleArg(body)
	if err != nil {
		return et.sendAck(acnet.BuildAckNameLookup(acnet.ErrIvm, 0))
	}
	tn, ok := d.table.NameToNode(acnet.NodeName(name))
	if !ok {
		return et.sendAck(acnet.BuildAckNameLookup(acnet.ErrNoNode, 0))
	}
	return et.sendAck(acnet.BuildAckNameLookup(acnet.Success, tn))
}

func (d *Daemon) cmdNodeLookup(et externalTask, body []byte) bool {
	addr, err := acnet.ParseID(body)
	if err != nil {
		return et.sendAck(acnet.BuildAckNodeLookup(acnet.ErrIvm, 0))
	}
	name, ok := d.table.NodeName(acnet.TrunkNode(addr))
	if !ok {
		return et.sendAck(acnet.BuildAckNodeLookup(acnet.ErrNoNode, 0))
	}
	return et.sendAck(acnet.BuildAckNodeLookup(acnet.Success, name))
}
