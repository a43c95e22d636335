package server

import (
	"encoding/binary"
	"time"

	"github.com/jroosing/acnetd/internal/acnet"
	"github.com/jroosing/acnetd/internal/nodetable"
	"github.com/jroosing/acnetd/internal/rad50"
)

// reportRateLimit spaces report generation requests.
const reportRateLimit = 60 * time.Second

// AcnetTask is the internal service occupying slot 0 of every task pool.
// It answers the diagnostic and administrative type codes addressed to the
// "ACNET" and "ACNAUX" handles.
type AcnetTask struct {
	taskBase
}

func newAcnetTask(tp *TaskPool) *AcnetTask {
	return &AcnetTask{taskBase: newTaskBase(tp, acnet.TaskHandle(rad50.Encode("ACNET")))}
}

func (t *AcnetTask) Pid() int32            { return 0 }
func (t *AcnetTask) AcceptsUsm() bool      { return true }
func (t *AcnetTask) AcceptsRequests() bool { return true }
func (t *AcnetTask) IsPromiscuous() bool   { return true }
func (t *AcnetTask) NeedsThrottle() bool   { return false }

func (t *AcnetTask) StillAlive(time.Duration) bool { return true }

func (t *AcnetTask) Equals(o Task) bool {
	ot, ok := o.(*AcnetTask)
	return ok && ot == t
}

func (t *AcnetTask) SendMessage(*acnet.ClientMessage) bool { return false }

func (t *AcnetTask) VariantName() string    { return "AcnetTask" }
func (t *AcnetTask) Properties() []Property { return nil }

func (t *AcnetTask) sendReply(id acnet.RpyID, status acnet.Status, data []byte) {
	t.pool.rpyPool.SendReplyToNetwork(t, id, status, data, false)
}

func (t *AcnetTask) sendLastReply(id acnet.RpyID, status acnet.Status, data []byte) {
	t.pool.rpyPool.SendReplyToNetwork(t, id, status, data, true)
}

// SendData receives the requests routed to the service handle. The
// dispatcher parks the reply id in the header's status field; the first
// payload word selects the operation as (subType << 8) | type with type a
// signed 8-bit selector. Every handler replies exactly once.
func (t *AcnetTask) SendData(hdr *acnet.Header, payload []byte) bool {
	d := t.pool.daemon

	if !acnet.IsRequest(hdr.Flags) && !acnet.IsUSM(hdr.Flags) {
		if d.dumpIncoming {
			d.log.Info("the ACNET task received a non-request")
		}
		return true
	}

	id := acnet.RpyID(hdr.Status)

	// Diagnostics historically operate on arrays of 16-bit words.
	if len(payload)%2 != 0 || len(payload) < 2 {
		if d.dumpIncoming {
			d.log.Error("invalid ACNET task request size", "size", len(payload))
		}
		t.sendLastReply(id, acnet.ErrLevel2, nil)
		return true
	}

	sel := binary.LittleEndian.Uint16(payload[0:2])
	typ := int8(sel & 0xff)
	subType := uint8(sel >> 8)
	data := payload[2:]
	words := payloadWords(data)

	switch typ {
	case -7:
		t.reportHandler(id)
	case -6:
		t.replyDetail(id, words)
	case -5:
		t.requestDetail(id, words)
	case -4:
		t.activeReplies(id, subType, words)
	case -3:
		t.activeRequests(id, subType, words)
	case -2:
		t.debugHandler(id, subType, words)
	case -1:
		t.timeHandler(id, subType)
	case 0:
		t.pingHandler(id)
	case 1:
		t.taskIDHandler(id, words)
	case 2:
		t.taskNameHandler(id, subType)
	case 3:
		t.versionHandler(id)
	case 4:
		t.tasksHandler(id, subType)
	case 5:
		t.taskResourcesHandler(id)
	case 6:
		t.nodeStatsHandler(id, subType)
	case 7:
		t.tasksStatsHandler(id, subType)
	case 9:
		t.packetCountHandler(id)
	case 11:
		t.killerMessageHandler(id, subType, words)
	case 17:
		t.ipNodeTableHandler(id, subType, data, words)
	default:
		d.log.Error("unsupported ACNET type code", "type", typ)
		t.sendLastReply(id, acnet.ErrLevel2, nil)
	}
	return true
}

func (t *AcnetTask) pingHandler(id acnet.RpyID) {
	t.sendLastReply(id, acnet.Success, []byte{0, 0})
}

func (t *AcnetTask) versionHandler(id acnet.RpyID) {
	buf := make([]byte, 6)
	putU16(buf[0:], 0x0914)
	putU16(buf[2:], 0x0804)
	putU16(buf[4:], 0x0800)
	t.sendLastReply(id, acnet.Success, buf)
}

func (t *AcnetTask) packetCountHandler(id acnet.RpyID) {
	d := t.pool.daemon

	var sum StatCounter
	sum.Add(t.pool.stats.Total())

	// If the clock ran backwards past our boot time, restart the count.
	if d.now().Before(d.bootTime) {
		d.bootTime = d.now()
	}

	buf := make([]byte, 10)
	putU32(buf[0:], sum.Val32())
	acnet.PutTime48(buf[4:], d.now().Sub(d.bootTime).Milliseconds())
	t.sendLastReply(id, acnet.Success, buf)
}

func (t *AcnetTask) taskIDHandler(id acnet.RpyID, words []uint16) {
	if len(words) < 2 {
		t.sendLastReply(id, acnet.ErrLevel2, nil)
		return
	}
	handle := acnet.TaskHandle(wordsU32(words[0], words[1]))
	tasks := t.pool.TasksByHandle(handle)
	if len(tasks) == 0 {
		t.sendLastReply(id, acnet.ErrNoTask, nil)
		return
	}
	buf := make([]byte, 2)
	putU16(buf, uint16(tasks[0].ID()))
	t.sendLastReply(id, acnet.Success, buf)
}

func (t *AcnetTask) taskNameHandler(id acnet.RpyID, subType uint8) {
	task := t.pool.GetTask(acnet.TaskID(subType))
	if task == nil {
		t.sendLastReply(id, acnet.ErrNoTask, nil)
		return
	}
	buf := make([]byte, 4)
	putU32(buf, uint32(task.Handle()))
	t.sendLastReply(id, acnet.Success, buf)
}

// killerMessageHandler responds first: applying the cancellations may
// destroy the reply id the acknowledgement has to ride on.
func (t *AcnetTask) killerMessageHandler(id acnet.RpyID, subType uint8, words []uint16) {
	d := t.pool.daemon

	if subType != 2 {
		t.sendLastReply(id, acnet.ErrLevel2, nil)
		return
	}
	t.sendLastReply(id, acnet.Success, nil)

	if len(words) < 2 {
		if d.dumpIncoming {
			d.log.Warn("killer message too small, ignoring", "words", len(words))
		}
		return
	}
	count := int(words[0])
	if len(words) != 1+count {
		if d.dumpIncoming {
			d.log.Warn("killer message size mismatch, ignoring",
				"words", len(words), "expected", 1+count)
		}
		return
	}
	for _, w := range words[1 : 1+count] {
		tn := acnet.TrunkNode(w)
		d.cancelReqToNode(tn)
		d.endRpyToNode(tn)
	}
}

func (t *AcnetTask) tasksHandler(id acnet.RpyID, subType uint8) {
	t.sendLastReply(id, acnet.Success, t.pool.fillBufferWithTaskInfo(subType))
}

func (t *AcnetTask) taskResourcesHandler(id acnet.RpyID) {
	buf := make([]byte, 10)
	putU16(buf[4:], uint16(t.pool.ActiveCount()))
	putU16(buf[6:], uint16(t.pool.ReceivingCount()))
	putU16(buf[8:], uint16(t.pool.RequestCount()+t.pool.ReplyCount()))
	t.sendLastReply(id, acnet.Success, buf)
}

func (t *AcnetTask) resetStats() {
	d := t.pool.daemon
	d.statTimeBase = d.now()
	t.pool.stats.Reset()
}

func (t *AcnetTask) nodeStatsHandler(id acnet.RpyID, subType uint8) {
	d := t.pool.daemon

	if d.now().Before(d.statTimeBase) {
		t.resetStats()
	}

	buf := make([]byte, 6+20)
	acnet.PutTime48(buf[0:], d.now().Sub(d.statTimeBase).Milliseconds())
	putU16(buf[14:], t.pool.stats.UsmXmt.Val16())
	putU16(buf[16:], t.pool.stats.ReqXmt.Val16())
	putU16(buf[18:], t.pool.stats.RpyXmt.Val16())
	putU16(buf[20:], t.pool.stats.UsmRcv.Val16())
	putU16(buf[22:], t.pool.stats.ReqRcv.Val16())
	putU16(buf[24:], t.pool.stats.RpyRcv.Val16())

	if subType != 0 {
		t.resetStats()
	}
	t.sendLastReply(id, acnet.Success, buf)
}

func (t *AcnetTask) tasksStatsHandler(id acnet.RpyID, subType uint8) {
	t.sendLastReply(id, acnet.Success, t.pool.fillBufferWithTaskStats(subType))
}

func (t *AcnetTask) timeHandler(id acnet.RpyID, subType uint8) {
	if subType != 1 {
		t.sendLastReply(id, acnet.ErrLevel2, nil)
		return
	}
	now := t.pool.daemon.now().Local()

	buf := make([]byte, 16)
	putU16(buf[0:], uint16(now.Year()-1900))
	putU16(buf[2:], uint16(now.Month()))
	putU16(buf[4:], uint16(now.Day()))
	putU16(buf[6:], uint16(now.Hour()))
	putU16(buf[8:], uint16(now.Minute()))
	putU16(buf[10:], uint16(now.Second()))
	putU16(buf[12:], uint16(now.Nanosecond()/10_000_000))
	putU16(buf[14:], 100)
	t.sendLastReply(id, acnet.Success, buf)
}

// sendMessageToClients pushes a control message to every holder of the
// message's task handle.
func (t *AcnetTask) sendMessageToClients(msg *acnet.ClientMessage) bool {
	found := false
	for _, task := range t.pool.TasksByHandle(msg.Task) {
		if task.SendMessage(msg) {
			found = true
		}
	}
	return found
}

func (t *AcnetTask) debugHandler(id acnet.RpyID, subType uint8, words []uint16) {
	d := t.pool.daemon
	status := acnet.Success

	taskMsg := func(msgType uint8) {
		if len(words) != 2 {
			status = acnet.ErrLevel2
			return
		}
		msg := acnet.ClientMessage{
			Task: acnet.TaskHandle(wordsU32(words[0], words[1])),
			Type: msgType,
		}
		if !t.sendMessageToClients(&msg) {
			status = acnet.ErrLevel2
		}
	}

	switch subType {
	case 1:
		d.SetDumpIncoming(true)
	case 2:
		d.SetDumpOutgoing(true)
	case 3:
		d.SetDumpIncoming(true)
		d.SetDumpOutgoing(true)
	case 4:
		d.SetDumpIncoming(false)
	case 5:
		d.SetDumpOutgoing(false)
	case 6:
		d.SetDumpIncoming(false)
		d.SetDumpOutgoing(false)
	case 7:
		taskMsg(acnet.MsgDumpTaskIncomingOn)
	case 8:
		taskMsg(acnet.MsgDumpTaskIncomingOff)
	case 9:
		taskMsg(acnet.MsgDumpProcessIncomingOn)
	case 10:
		taskMsg(acnet.MsgDumpProcessIncomingOff)
	default:
		status = acnet.ErrLevel2
	}
	t.sendLastReply(id, status, nil)
}

func (t *AcnetTask) activeReplies(id acnet.RpyID, subType uint8, words []uint16) {
	ids := t.pool.rpyPool.ActiveIDs(subType, words)
	buf := make([]byte, 2*len(ids))
	for i, rid := range ids {
		putU16(buf[2*i:], uint16(rid))
	}
	t.sendLastReply(id, acnet.Success, buf)
}

func (t *AcnetTask) activeRequests(id acnet.RpyID, subType uint8, words []uint16) {
	ids := t.pool.reqPool.ActiveIDs(subType, words)
	buf := make([]byte, 2*len(ids))
	for i, rid := range ids {
		putU16(buf[2*i:], uint16(rid))
	}
	t.sendLastReply(id, acnet.Success, buf)
}

// maxDetailEntries caps a detail reply; overflow reports a truncated
// reply, unlike the active-id lists which silently cap at pool size.
const maxDetailEntries = 16

func (t *AcnetTask) replyDetail(id acnet.RpyID, words []uint16) {
	status := acnet.Success
	buf := make([]byte, 0, maxDetailEntries*22)
	total := 0
	for _, w := range words {
		if total == maxDetailEntries {
			status = acnet.ErrTrp
			break
		}
		dtl, ok := t.pool.rpyPool.Detail(acnet.RpyID(w))
		if !ok {
			continue
		}
		entry := make([]byte, 22)
		putU16(entry[0:], uint16(dtl.id))
		putU16(entry[2:], uint16(dtl.reqID))
		putU16(entry[4:], uint16(dtl.remNode))
		putU32(entry[6:], uint32(dtl.remName))
		putU32(entry[10:], uint32(dtl.lclName))
		putU32(entry[14:], dtl.initTime)
		putU32(entry[18:], dtl.lastUpdate)
		buf = append(buf, entry...)
		total++
	}
	t.sendLastReply(id, status, buf)
}

func (t *AcnetTask) requestDetail(id acnet.RpyID, words []uint16) {
	status := acnet.Success
	buf := make([]byte, 0, maxDetailEntries*20)
	total := 0
	for _, w := range words {
		if total == maxDetailEntries {
			status = acnet.ErrTrp
			break
		}
		dtl, ok := t.pool.reqPool.Detail(acnet.ReqID(w))
		if !ok {
			continue
		}
		entry := make([]byte, 20)
		putU16(entry[0:], uint16(dtl.id))
		putU16(entry[2:], uint16(dtl.remNode))
		putU32(entry[4:], uint32(dtl.remName))
		putU32(entry[8:], uint32(dtl.lclName))
		putU32(entry[12:], dtl.initTime)
		putU32(entry[16:], dtl.lastUpdate)
		buf = append(buf, entry...)
		total++
	}
	t.sendLastReply(id, status, buf)
}

func (t *AcnetTask) reportHandler(id acnet.RpyID) {
	d := t.pool.daemon
	if d.now().Sub(d.lastReport) <= reportRateLimit {
		t.sendLastReply(id, acnet.ErrBusy, nil)
		return
	}
	d.lastReport = d.now()
	if err := d.WriteReportFile(t.pool); err != nil {
		d.log.Error("report generation failed", "err", err)
	}
	t.sendLastReply(id, acnet.Success, nil)
}

// ipNodeTableHandler reads or writes the addressing table. The subtype
// encodes a write flag, a single-entry flag and the trunk index relative
// to the first IP trunk. A zero-length write on trunk index zero finalizes
// a download.
func (t *AcnetTask) ipNodeTableHandler(id acnet.RpyID, subType uint8, data []byte, words []uint16) {
	const (
		writeFlag  = 0x80
		singleFlag = 0x40
	)
	d := t.pool.daemon
	trunkIndex := subType & 0x0f
	trunk := uint8(acnet.MinTrunk + trunkIndex)

	if subType&writeFlag != 0 {
		if subType&singleFlag == 0 && len(words) >= 1 {
			numEntries := int(words[0])

			if trunkIndex == 0 && numEntries == 0 {
				d.table.SetLastDownload(d.now())
				t.sendLastReply(id, acnet.Success, nil)

				// A finished download may have revealed peers
				// claiming our address.
				d.GenerateKillerMessages()
				return
			}
			if numEntries <= 256 {
				body := data[2:]
				switch len(words) - 1 {
				case numEntries * 4:
					// Addresses then names.
					t.sendLastReply(id, acnet.Success, nil)
					names := body[4*numEntries:]
					for i := 0; i < numEntries; i++ {
						d.table.UpdateAddr(
							acnet.TN(trunk, uint8(i)),
							acnet.NodeName(binary.LittleEndian.Uint32(names[4*i:])),
							acnet.IPAddr(binary.BigEndian.Uint32(body[4*i:])))
					}
					return
				case numEntries * 2:
					// Older apps only send addresses.
					t.sendLastReply(id, acnet.Success, nil)
					for i := 0; i < numEntries; i++ {
						d.table.UpdateAddr(
							acnet.TN(trunk, uint8(i)),
							nodetable.ImportPlaceholder(),
							acnet.IPAddr(binary.BigEndian.Uint32(body[4*i:])))
					}
					return
				}
			}
		}
		t.sendLastReply(id, acnet.ErrLevel2, nil)
		return
	}

	if subType&singleFlag != 0 {
		if len(words) >= 1 && words[0] < 256 {
			buf := make([]byte, 4)
			if e := d.table.Lookup(acnet.TN(trunk, uint8(words[0]))); e != nil {
				binary.BigEndian.PutUint32(buf, uint32(e.Addr))
			}
			t.sendLastReply(id, acnet.Success, buf)
		} else {
			t.sendLastReply(id, acnet.ErrLevel2, nil)
		}
		return
	}

	if !d.table.TrunkExists(trunk) {
		t.sendLastReply(id, acnet.ErrLevel2, nil)
		return
	}
	buf := make([]byte, 4*256)
	for i := 0; i < 256; i++ {
		if e := d.table.Lookup(acnet.TN(trunk, uint8(i))); e != nil {
			binary.BigEndian.PutUint32(buf[4*i:], uint32(e.Addr))
		}
	}
	t.sendLastReply(id, acnet.Success, buf)
}
