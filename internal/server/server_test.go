package server

import (
	"encoding/binary"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jroosing/acnetd/internal/acnet"
	"github.com/jroosing/acnetd/internal/config"
	"github.com/jroosing/acnetd/internal/nodetable"
	"github.com/jroosing/acnetd/internal/rad50"
)

// Test fixture addresses: the daemon lives at (9,1); a peer daemon at
// (9,2); the multicast pseudo-node is installed like Init would.
var (
	myIP     = acnet.IPFromBytes(131, 225, 8, 20)
	peerIP   = acnet.IPFromBytes(131, 225, 8, 21)
	mcastIP  = acnet.IPFromBytes(239, 128, 4, 1)
	myNode   = acnet.TN(9, 1)
	peerNode = acnet.TN(9, 2)
)

type sent struct {
	dst *net.UDPAddr
	pkt []byte
}

// fakeTransport records everything the core transmits. Packets addressed
// to the daemon's own IP loop back through the dispatcher, the way the
// kernel loops back self-addressed UDP.
type fakeTransport struct {
	d          *Daemon
	peer       []sent
	client     []sent
	failClient map[int]bool // port -> fail sends
	loopback   bool
}

func (f *fakeTransport) ToPeer(dst *net.UDPAddr, pkt []byte) error {
	cp := append([]byte(nil), pkt...)
	f.peer = append(f.peer, sent{dst, cp})
	if f.loopback && dst.IP.Equal(myIP.ToNet()) {
		f.d.handleNetworkPacket(&net.UDPAddr{IP: myIP.ToNet(), Port: dst.Port}, cp)
	}
	return nil
}

func (f *fakeTransport) ToClient(dst *net.UDPAddr, pkt []byte) error {
	if f.failClient[dst.Port] {
		return errFailedSend
	}
	f.client = append(f.client, sent{dst, append([]byte(nil), pkt...)})
	return nil
}

var errFailedSend = &net.OpError{Op: "write", Err: errClosed{}}

type errClosed struct{}

func (errClosed) Error() string { return "forced failure" }

// lastClientTo returns the most recent packet sent to a client port.
func (f *fakeTransport) lastClientTo(port int) []byte {
	for i := len(f.client) - 1; i >= 0; i-- {
		if f.client[i].dst.Port == port {
			return f.client[i].pkt
		}
	}
	return nil
}

// clientTo returns every packet sent to a client port.
func (f *fakeTransport) clientTo(port int) [][]byte {
	var out [][]byte
	for _, s := range f.client {
		if s.dst.Port == port {
			out = append(out, s.pkt)
		}
	}
	return out
}

type fixture struct {
	t     *testing.T
	d     *Daemon
	trans *fakeTransport
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.PeerPort = acnet.PeerPort
	cfg.Server.ClientPort = acnet.ClientPort
	cfg.Timers.RequestTimeoutSec = 390
	cfg.Timers.ReplyPendSec = 5
	cfg.Timers.KeepAliveGraceSec = 30
	cfg.Report.Directory = t.TempDir()

	table := nodetable.New(slog.Default(), acnet.PeerPort, nil)
	table.SetMyIP(myIP)
	table.SetMyHostName(acnet.NodeName(rad50.Encode("CLX01")))

	trans := &fakeTransport{failClient: map[int]bool{}, loopback: true}
	d := NewDaemon(cfg, slog.Default(), table, trans)
	trans.d = d

	f := &fixture{t: t, d: d, trans: trans, clock: time.Unix(1_700_000_000, 0)}
	d.now = func() time.Time { return f.clock }
	d.bootTime = f.clock
	d.statTimeBase = f.clock
	for _, tp := range d.poolOrder {
		tp.taskStatTimeBase = f.clock.Unix()
	}

	table.UpdateAddr(myNode, table.MyHostName(), myIP)
	table.UpdateAddr(peerNode, acnet.NodeName(rad50.Encode("CLX02")), peerIP)
	table.UpdateAddr(acnet.MulticastNode, acnet.NodeName(rad50.Encode("MCAST")), mcastIP)

	return f
}

func (f *fixture) advance(dt time.Duration) { f.clock = f.clock.Add(dt) }

// clientAddr builds the loopback source address a command arrives from.
func clientAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

// peerAddr is the source address of packets from the peer daemon at (9,2).
func peerAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: peerIP.ToNet(), Port: acnet.PeerPort}
}

// command builders (network byte order, matching the client protocol)

func cmdHeader(op acnet.CommandOp, clientName string, body []byte) []byte {
	b := make([]byte, acnet.CommandHeaderSize+len(body))
	binary.BigEndian.PutUint16(b[0:2], uint16(op))
	binary.BigEndian.PutUint32(b[2:6], rad50.Encode(clientName))
	copy(b[acnet.CommandHeaderSize:], body)
	return b
}

func connectCmd(clientName string, pid int32, dataPort uint16) []byte {
	body := make([]byte, 6)
	binary.BigEndian.PutUint32(body[0:4], uint32(pid))
	binary.BigEndian.PutUint16(body[4:6], dataPort)
	return cmdHeader(acnet.CmdConnect, clientName, body)
}

func sendCmd(clientName, task string, addr acnet.TrunkNode, msg []byte) []byte {
	body := make([]byte, 6+len(msg))
	binary.BigEndian.PutUint32(body[0:4], rad50.Encode(task))
	binary.BigEndian.PutUint16(body[4:6], uint16(addr))
	copy(body[6:], msg)
	return cmdHeader(acnet.CmdSend, clientName, body)
}

func sendRequestCmd(clientName, task string, addr acnet.TrunkNode, flags uint16, tmoMs uint32, data []byte) []byte {
	body := make([]byte, 12+len(data))
	binary.BigEndian.PutUint32(body[0:4], rad50.Encode(task))
	binary.BigEndian.PutUint16(body[4:6], uint16(addr))
	binary.BigEndian.PutUint16(body[6:8], flags)
	binary.BigEndian.PutUint32(body[8:12], tmoMs)
	copy(body[12:], data)
	return cmdHeader(acnet.CmdSendRequestWithTmo, clientName, body)
}

func sendReplyCmd(clientName string, id acnet.RpyID, flags uint16, status acnet.Status, data []byte) []byte {
	body := make([]byte, 6+len(data))
	binary.BigEndian.PutUint16(body[0:2], uint16(id))
	binary.BigEndian.PutUint16(body[2:4], flags)
	binary.BigEndian.PutUint16(body[4:6], uint16(status))
	copy(body[6:], data)
	return cmdHeader(acnet.CmdSendReply, clientName, body)
}

func idCmd(op acnet.CommandOp, clientName string, id uint16) []byte {
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body, id)
	return cmdHeader(op, clientName, body)
}

func bareCmd(op acnet.CommandOp, clientName string) []byte {
	return cmdHeader(op, clientName, nil)
}

// connectTask attaches a local task and returns its assigned id.
func (f *fixture) connectTask(name string, pid int32, cmdPort, dataPort int) acnet.TaskID {
	f.t.Helper()
	f.d.handleClientCommand(clientAddr(cmdPort), connectCmd(name, pid, uint16(dataPort)))
	ack := f.trans.lastClientTo(cmdPort)
	require.NotNil(f.t, ack, "no connect ack")
	require.Equal(f.t, uint16(acnet.AckConnect), binary.BigEndian.Uint16(ack[0:2]))
	require.Equal(f.t, int16(0), int16(binary.BigEndian.Uint16(ack[2:4])), "connect failed")
	return acnet.TaskID(ack[4])
}

// startReceiving flips a connected local task into RUM mode.
func (f *fixture) startReceiving(name string, cmdPort int) {
	f.t.Helper()
	f.d.handleClientCommand(clientAddr(cmdPort), bareCmd(acnet.CmdReceiveRequests, name))
	requireAckStatus(f.t, f.trans.lastClientTo(cmdPort), acnet.Success)
}

// ack inspection helpers

func ackStatus(pkt []byte) acnet.Status {
	return acnet.Status(binary.BigEndian.Uint16(pkt[2:4]))
}

func requireAckStatus(t *testing.T, pkt []byte, want acnet.Status) {
	t.Helper()
	require.NotNil(t, pkt)
	require.Equal(t, want, ackStatus(pkt))
}

// dataPacketsTo decodes the ACNET packets delivered to a client's data
// port, skipping control messages.
func (f *fixture) dataPacketsTo(port int) []acnet.Header {
	var out []acnet.Header
	for _, pkt := range f.trans.clientTo(port) {
		if len(pkt) < acnet.HeaderSize {
			continue
		}
		hdr, err := acnet.ParseHeader(pkt)
		if err == nil {
			out = append(out, hdr)
		}
	}
	return out
}

func th(name string) acnet.TaskHandle { return acnet.TaskHandle(rad50.Encode(name)) }
