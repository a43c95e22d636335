package server

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/jroosing/acnetd/internal/acnet"
	"github.com/jroosing/acnetd/internal/rad50"
)

// Socket buffer sizes for burst handling (4MB each).
const (
	socketRecvBufferSize = 4 * 1024 * 1024
	socketSendBufferSize = 4 * 1024 * 1024
)

// UDPTransport is the production Transport over the daemon's two sockets.
type UDPTransport struct {
	NetConn    *net.UDPConn
	ClientConn *net.UDPConn
}

// ToPeer sends a packet on the network socket.
func (t *UDPTransport) ToPeer(dst *net.UDPAddr, pkt []byte) error {
	_, err := t.NetConn.WriteToUDP(pkt, dst)
	return err
}

// ToClient sends a packet on the client socket.
func (t *UDPTransport) ToClient(dst *net.UDPAddr, pkt []byte) error {
	_, err := t.ClientConn.WriteToUDP(pkt, dst)
	return err
}

// Close closes both sockets.
func (t *UDPTransport) Close() {
	_ = t.NetConn.Close()
	_ = t.ClientConn.Close()
}

// Joiner adapts the client socket to the node table's multicast
// membership interface.
type Joiner struct {
	pc *ipv4.PacketConn
}

// NewJoiner wraps a UDP socket for group membership control.
func NewJoiner(conn *net.UDPConn) *Joiner {
	return &Joiner{pc: ipv4.NewPacketConn(conn)}
}

// JoinGroup joins an IPv4 multicast group on the default interface.
func (j *Joiner) JoinGroup(addr acnet.IPAddr) error {
	return j.pc.JoinGroup(nil, &net.UDPAddr{IP: addr.ToNet()})
}

// LeaveGroup leaves an IPv4 multicast group.
func (j *Joiner) LeaveGroup(addr acnet.IPAddr) error {
	return j.pc.LeaveGroup(nil, &net.UDPAddr{IP: addr.ToNet()})
}

// ListenSockets opens the peer and client UDP sockets with SO_REUSEADDR
// and large buffers, so a restarting daemon can rebind immediately.
func ListenSockets(host string, peerPort, clientPort int) (*UDPTransport, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
		},
	}

	open := func(port int) (*net.UDPConn, error) {
		pc, err := lc.ListenPacket(context.Background(),
			"udp4", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			return nil, err
		}
		conn := pc.(*net.UDPConn)
		_ = conn.SetReadBuffer(socketRecvBufferSize)
		_ = conn.SetWriteBuffer(socketSendBufferSize)
		return conn, nil
	}

	netConn, err := open(peerPort)
	if err != nil {
		return nil, fmt.Errorf("network socket: %w", err)
	}
	clientConn, err := open(clientPort)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("client socket: %w", err)
	}
	return &UDPTransport{NetConn: netConn, ClientConn: clientConn}, nil
}

// sendToNetwork routes an outbound packet by its header: replies go to the
// client node, everything else to the server node. Transmission errors are
// logged and dropped; UDP is best effort.
func (d *Daemon) sendToNetwork(hdr *acnet.Header, payload []byte) {
	dst := hdr.SvrNode
	if acnet.IsReply(hdr.Flags) {
		dst = hdr.ClntNode
	}

	e := d.table.Lookup(dst)
	if e == nil {
		d.log.Warn("no address for destination node", "node", dst)
		return
	}

	if d.dumpOutgoing {
		d.dumpPacket("out", hdr, payload)
	}
	if err := d.trans.ToPeer(e.UDPAddr(), hdr.Packet(payload)); err != nil {
		d.log.Warn("network send failed", "node", dst, "err", err)
	}
}

// sendUsm emits an unsolicited message from one of our tasks.
func (d *Daemon) sendUsm(dst acnet.TrunkNode, task acnet.TaskHandle, from *TaskPool,
	senderID acnet.TaskID, msg []byte) {

	hdr := acnet.Header{
		Flags:      acnet.FlagUSM,
		Status:     acnet.Success,
		SvrNode:    dst,
		ClntNode:   from.Node(),
		SvrTask:    task,
		ClntTaskID: uint16(senderID),
		MsgLen:     uint16(acnet.HeaderSize + acnet.PadLen(len(msg))),
	}
	d.sendToNetwork(&hdr, msg)
}

// sendErrorToNetwork answers an inbound request header with a status-only
// reply.
func (d *Daemon) sendErrorToNetwork(in *acnet.Header, status acnet.Status) {
	hdr := acnet.Header{
		Flags:      acnet.FlagRPY,
		Status:     status,
		SvrNode:    in.SvrNode,
		ClntNode:   in.ClntNode,
		SvrTask:    in.SvrTask,
		ClntTaskID: in.ClntTaskID,
		MsgID:      in.MsgID,
		MsgLen:     acnet.HeaderSize,
	}
	d.sendToNetwork(&hdr, nil)
}

// SendKillerMessage multicasts the administrative message telling every
// node to cancel traffic involving the given trunk/node.
func (d *Daemon) SendKillerMessage(tn acnet.TrunkNode) {
	payload := make([]byte, 6)
	putU16(payload[0:], 0x20b) // type 11, subtype 2
	putU16(payload[2:], 1)
	putU16(payload[4:], uint16(tn))

	d.sendUsm(acnet.MulticastNode, acnet.TaskHandle(rad50.Encode("ACNET")),
		d.defaultPool, 0, payload)
}

// GenerateKillerMessages announces every table entry whose address
// collides with our own.
func (d *Daemon) GenerateKillerMessages() {
	for _, tn := range d.table.KillerTargets() {
		d.SendKillerMessage(tn)
	}
}

func (d *Daemon) dumpPacket(dir string, hdr *acnet.Header, payload []byte) {
	d.log.Info("packet dump",
		"dir", dir,
		"flags", fmt.Sprintf("0x%04x", hdr.Flags),
		"status", hdr.Status,
		"svr", hdr.SvrNode,
		"clnt", hdr.ClntNode,
		"task", hdr.SvrTask,
		"clntTaskId", hdr.ClntTaskID,
		"msgId", hdr.MsgID,
		"len", hdr.MsgLen,
		"payload", len(payload),
	)
}
