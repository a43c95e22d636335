package acnet

import (
	"encoding/binary"
	"fmt"
)

// The client command channel speaks network byte order, unlike the packet
// header. Every command starts with a 10-byte header: opcode, client task
// handle, virtual node name.

// CommandOp identifies a client command.
type CommandOp uint16

// Client command opcodes.
const (
	CmdKeepAlive          CommandOp = 0
	CmdConnect            CommandOp = 1
	CmdRenameTask         CommandOp = 2
	CmdDisconnect         CommandOp = 3
	CmdSend               CommandOp = 4
	CmdSendRequest        CommandOp = 5
	CmdReceiveRequests    CommandOp = 6
	CmdSendReply          CommandOp = 7
	CmdCancel             CommandOp = 8
	CmdRequestAck         CommandOp = 9
	CmdAddNode            CommandOp = 10
	CmdNameLookup         CommandOp = 11
	CmdNodeLookup         CommandOp = 12
	CmdLocalNode          CommandOp = 13
	CmdTaskPid            CommandOp = 14
	CmdGlobalStats        CommandOp = 15
	CmdAckGlobalStats     CommandOp = 16
	CmdDisconnectSingle   CommandOp = 17
	CmdSendRequestWithTmo CommandOp = 18
	CmdIgnoreRequest      CommandOp = 19
	CmdBlockRequests      CommandOp = 20
	CmdTcpConnect         CommandOp = 21
	CmdDefaultNode        CommandOp = 22
)

// AckOp identifies an acknowledgement sent back on the command socket.
type AckOp uint16

// Ack opcodes.
const (
	AckAck         AckOp = 0
	AckConnect     AckOp = 1
	AckSendRequest AckOp = 2
	AckSendReply   AckOp = 3
	AckNameLookup  AckOp = 4
	AckNodeLookup  AckOp = 5
	AckTaskPid     AckOp = 6
	AckGlobalStats AckOp = 7
)

// CommandHeaderSize is the fixed prefix shared by every client command.
const CommandHeaderSize = 10

// CommandHeader is the decoded command prefix.
type CommandHeader struct {
	Op          CommandOp
	ClientName  TaskHandle
	VirtualNode NodeName
}

// ParseCommandHeader decodes the shared command prefix.
func ParseCommandHeader(b []byte) (CommandHeader, error) {
	if len(b) < CommandHeaderSize {
		return CommandHeader{}, fmt.Errorf("%w: command too short (%d bytes)", ErrWire, len(b))
	}
	return CommandHeader{
		Op:          CommandOp(binary.BigEndian.Uint16(b[0:2])),
		ClientName:  TaskHandle(binary.BigEndian.Uint32(b[2:6])),
		VirtualNode: NodeName(binary.BigEndian.Uint32(b[6:10])),
	}, nil
}

// ConnectCommand carries the client's pid and data port; the TCP variant
// adds the remote peer address.
type ConnectCommand struct {
	Pid        int32
	DataPort   uint16
	RemoteAddr IPAddr // TcpConnect only
	Tcp        bool
}

// ParseConnect decodes the body of a Connect or TcpConnect command.
func ParseConnect(op CommandOp, body []byte) (ConnectCommand, error) {
	if len(body) < 6 {
		return ConnectCommand{}, fmt.Errorf("%w: connect command too short", ErrWire)
	}
	c := ConnectCommand{
		Pid:      int32(binary.BigEndian.Uint32(body[0:4])),
		DataPort: binary.BigEndian.Uint16(body[4:6]),
	}
	if op == CmdTcpConnect {
		if len(body) < 10 {
			return ConnectCommand{}, fmt.Errorf("%w: tcp connect command too short", ErrWire)
		}
		c.RemoteAddr = IPAddr(binary.BigEndian.Uint32(body[6:10]))
		c.Tcp = true
	}
	return c, nil
}

// SendCommand is the body of a Send (USM) command.
type SendCommand struct {
	TaskName TaskHandle
	Addr     TrunkNode
	Msg      []byte
}

// ParseSend decodes a Send command body.
func ParseSend(body []byte) (SendCommand, error) {
	if len(body) < 6 {
		return SendCommand{}, fmt.Errorf("%w: send command too short", ErrWire)
	}
	return SendCommand{
		TaskName: TaskHandle(binary.BigEndian.Uint32(body[0:4])),
		Addr:     TrunkNode(binary.BigEndian.Uint16(body[4:6])),
		Msg:      body[6:],
	}, nil
}

// SendRequestCommand is the body of SendRequest and SendRequestWithTmo.
// TmoMs is zero unless the WithTmo form supplied one.
type SendRequestCommand struct {
	Task  TaskHandle
	Addr  TrunkNode
	Flags uint16
	TmoMs uint32
	Data  []byte
}

// ParseSendRequest decodes either request command body.
func ParseSendRequest(op CommandOp, body []byte) (SendRequestCommand, error) {
	if len(body) < 8 {
		return SendRequestCommand{}, fmt.Errorf("%w: send request command too short", ErrWire)
	}
	c := SendRequestCommand{
		Task:  TaskHandle(binary.BigEndian.Uint32(body[0:4])),
		Addr:  TrunkNode(binary.BigEndian.Uint16(body[4:6])),
		Flags: binary.BigEndian.Uint16(body[6:8]),
		Data:  body[8:],
	}
	if op == CmdSendRequestWithTmo {
		if len(body) < 12 {
			return SendRequestCommand{}, fmt.Errorf("%w: send request command too short", ErrWire)
		}
		c.TmoMs = binary.BigEndian.Uint32(body[8:12])
		c.Data = body[12:]
	}
	return c, nil
}

// SendReplyCommand is the body of a SendReply command.
type SendReplyCommand struct {
	RpyID  RpyID
	Flags  uint16
	Status Status
	Data   []byte
}

// ParseSendReply decodes a SendReply command body.
func ParseSendReply(body []byte) (SendReplyCommand, error) {
	if len(body) < 6 {
		return SendReplyCommand{}, fmt.Errorf("%w: send reply command too short", ErrWire)
	}
	return SendReplyCommand{
		RpyID:  RpyID(binary.BigEndian.Uint16(body[0:2])),
		Flags:  binary.BigEndian.Uint16(body[2:4]),
		Status: Status(binary.BigEndian.Uint16(body[4:6])),
		Data:   body[6:],
	}, nil
}

// ParseID decodes the single 16-bit id carried by Cancel, RequestAck and
// IgnoreRequest commands.
func ParseID(body []byte) (uint16, error) {
	if len(body) < 2 {
		return 0, fmt.Errorf("%w: command body too short for id", ErrWire)
	}
	return binary.BigEndian.Uint16(body[0:2]), nil
}

// ParseHandleArg decodes the single 32-bit handle carried by RenameTask,
// NameLookup and TaskPid commands.
func ParseHandleArg(body []byte) (uint32, error) {
	if len(body) < 4 {
		return 0, fmt.Errorf("%w: command body too short for handle", ErrWire)
	}
	return binary.BigEndian.Uint32(body[0:4]), nil
}

// AddNodeCommand is the body of an AddNode command.
type AddNodeCommand struct {
	IPAddr   IPAddr
	OptFlags uint32
	Addr     TrunkNode
	NodeName NodeName
}

// ParseAddNode decodes an AddNode command body.
func ParseAddNode(body []byte) (AddNodeCommand, error) {
	if len(body) < 14 {
		return AddNodeCommand{}, fmt.Errorf("%w: add node command too short", ErrWire)
	}
	return AddNodeCommand{
		IPAddr:   IPAddr(binary.BigEndian.Uint32(body[0:4])),
		OptFlags: binary.BigEndian.Uint32(body[4:8]),
		Addr:     TrunkNode(binary.BigEndian.Uint16(body[8:10])),
		NodeName: NodeName(binary.BigEndian.Uint32(body[10:14])),
	}, nil
}

// GlobalStats is the pool-wide counter bundle returned by AckGlobalStats.
type GlobalStats struct {
	UsmRcv, ReqRcv, RpyRcv uint32
	UsmXmt, ReqXmt, RpyXmt uint32
	ReqQLimit              uint32
}

// Ack builders. Each returns the fully encoded ack datagram.

func ackHeader(op AckOp, status Status, extra int) []byte {
	b := make([]byte, 4+extra)
	binary.BigEndian.PutUint16(b[0:2], uint16(op))
	binary.BigEndian.PutUint16(b[2:4], uint16(status))
	return b
}

// BuildAck encodes a plain acknowledgement.
func BuildAck(status Status) []byte {
	return ackHeader(AckAck, status, 0)
}

// BuildAckConnect encodes a Connect acknowledgement.
func BuildAckConnect(status Status, id TaskID, clientName TaskHandle) []byte {
	b := ackHeader(AckConnect, status, 5)
	b[4] = byte(id)
	binary.BigEndian.PutUint32(b[5:9], uint32(clientName))
	return b
}

// BuildAckSendRequest encodes a SendRequest acknowledgement.
func BuildAckSendRequest(status Status, id ReqID) []byte {
	b := ackHeader(AckSendRequest, status, 2)
	binary.BigEndian.PutUint16(b[4:6], uint16(id))
	return b
}

// BuildAckSendReply encodes a SendReply (also RenameTask) acknowledgement.
func BuildAckSendReply(status Status, flags uint16) []byte {
	b := ackHeader(AckSendReply, status, 2)
	binary.BigEndian.PutUint16(b[4:6], flags)
	return b
}

// BuildAckNameLookup encodes a NameLookup acknowledgement.
func BuildAckNameLookup(status Status, tn TrunkNode) []byte {
	b := ackHeader(AckNameLookup, status, 2)
	b[4] = tn.Trunk()
	b[5] = tn.Node()
	return b
}

// BuildAckNodeLookup encodes a NodeLookup acknowledgement.
func BuildAckNodeLookup(status Status, name NodeName) []byte {
	b := ackHeader(AckNodeLookup, status, 4)
	binary.BigEndian.PutUint32(b[4:8], uint32(name))
	return b
}

// BuildAckTaskPid encodes a TaskPid acknowledgement.
func BuildAckTaskPid(status Status, pid int32) []byte {
	b := ackHeader(AckTaskPid, status, 4)
	binary.BigEndian.PutUint32(b[4:8], uint32(pid))
	return b
}

// BuildAckGlobalStats encodes a GlobalStats acknowledgement.
func BuildAckGlobalStats(status Status, gs GlobalStats) []byte {
	b := ackHeader(AckGlobalStats, status, 28)
	binary.BigEndian.PutUint32(b[4:8], gs.UsmRcv)
	binary.BigEndian.PutUint32(b[8:12], gs.ReqRcv)
	binary.BigEndian.PutUint32(b[12:16], gs.RpyRcv)
	binary.BigEndian.PutUint32(b[16:20], gs.UsmXmt)
	binary.BigEndian.PutUint32(b[20:24], gs.ReqXmt)
	binary.BigEndian.PutUint32(b[24:28], gs.RpyXmt)
	binary.BigEndian.PutUint32(b[28:32], gs.ReqQLimit)
	return b
}

// ClientMessage is the asynchronous control message pushed to a client's
// data socket (ping and packet-dump toggles).
type ClientMessage struct {
	Pid  int32
	Task TaskHandle
	Type uint8
}

// ClientMessage types.
const (
	MsgPing uint8 = iota
	MsgDumpProcessIncomingOn
	MsgDumpProcessIncomingOff
	MsgDumpTaskIncomingOn
	MsgDumpTaskIncomingOff
)

// ClientMessageSize is the encoded size of a ClientMessage.
const ClientMessageSize = 9

// Marshal encodes the message for the data socket.
func (m *ClientMessage) Marshal() []byte {
	b := make([]byte, ClientMessageSize)
	binary.BigEndian.PutUint32(b[0:4], uint32(m.Pid))
	binary.BigEndian.PutUint32(b[4:8], uint32(m.Task))
	b[8] = m.Type
	return b
}

// PutTime48 encodes a millisecond count as the legacy 48-bit triple of
// little-endian words.
func PutTime48(b []byte, ms int64) {
	binary.LittleEndian.PutUint16(b[0:2], uint16(ms))
	binary.LittleEndian.PutUint16(b[2:4], uint16(ms>>16))
	binary.LittleEndian.PutUint16(b[4:6], uint16(ms>>32))
}
