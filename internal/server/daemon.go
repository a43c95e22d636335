// Package server implements the acnetd routing core: the per-node task
// registry, the request and reply pools, the inbound packet dispatcher,
// the client command channel and the event loop that drives them.
//
// Concurrency model: the core is single threaded. Receiver goroutines pull
// datagrams off the network and client sockets and hand them to the event
// loop; every state transition happens on the loop goroutine. The only
// suspension points are the central select and its two derived timers (the
// request-timeout head and the reply-PEND head).
package server

import (
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/jroosing/acnetd/internal/acnet"
	"github.com/jroosing/acnetd/internal/config"
	"github.com/jroosing/acnetd/internal/nodetable"
	"github.com/jroosing/acnetd/internal/rad50"
)

// Transport sends datagrams on behalf of the core. The production
// implementation writes to the two UDP sockets; tests substitute a fake.
type Transport interface {
	// ToPeer sends an ACNET packet toward another daemon.
	ToPeer(dst *net.UDPAddr, pkt []byte) error
	// ToClient sends an ack, data packet or control message to a local
	// client socket.
	ToClient(dst *net.UDPAddr, pkt []byte) error
}

// aliveProbeThrottle bounds how often a task's liveness is re-checked.
const aliveProbeThrottle = time.Second

// Daemon owns the entire routing state for one acnetd process.
type Daemon struct {
	cfg        *config.Config
	log        *slog.Logger
	instanceID string

	table *nodetable.Table
	trans Transport

	pools       map[acnet.NodeName]*TaskPool
	poolOrder   []*TaskPool
	defaultPool *TaskPool

	now          func() time.Time
	bootTime     time.Time
	statTimeBase time.Time
	lastReport   time.Time

	dumpIncoming bool
	dumpOutgoing bool

	requestTmo     time.Duration
	pendInterval   time.Duration
	keepAliveGrace time.Duration

	rejected map[acnet.TaskHandle]bool

	events chan event
}

type eventKind int

const (
	evNetPacket eventKind = iota
	evClientCommand
	evCall
)

type event struct {
	kind eventKind
	src  *net.UDPAddr
	buf  []byte
	call func()
}

// NewDaemon wires the routing core. The table must already be initialized
// and the transport ready to send; Run starts socket receivers only when
// the transport is a *UDPTransport.
func NewDaemon(cfg *config.Config, log *slog.Logger, table *nodetable.Table, trans Transport) *Daemon {
	d := &Daemon{
		cfg:            cfg,
		log:            log,
		instanceID:     uuid.New().String(),
		table:          table,
		trans:          trans,
		pools:          make(map[acnet.NodeName]*TaskPool),
		now:            time.Now,
		requestTmo:     time.Duration(cfg.Timers.RequestTimeoutSec) * time.Second,
		pendInterval:   time.Duration(cfg.Timers.ReplyPendSec) * time.Second,
		keepAliveGrace: time.Duration(cfg.Timers.KeepAliveGraceSec) * time.Second,
		rejected:       make(map[acnet.TaskHandle]bool),
		events:         make(chan event, 512),
	}
	d.bootTime = d.now()
	d.statTimeBase = d.bootTime

	for _, h := range cfg.Node.RejectedHandles {
		d.rejected[acnet.TaskHandle(rad50.Encode(h))] = true
	}

	d.defaultPool = d.addPool(table.MyHostName())
	for _, vn := range cfg.Node.VirtualNodes {
		name := acnet.NodeName(rad50.Encode(vn))
		if name != table.MyHostName() {
			d.addPool(name)
		}
	}

	// An address change invalidates everything in flight to that peer.
	table.OnAddrChange = func(tn acnet.TrunkNode) {
		d.cancelReqToNode(tn)
		d.endRpyToNode(tn)
	}

	return d
}

func (d *Daemon) addPool(name acnet.NodeName) *TaskPool {
	tp := newTaskPool(d, name)
	d.pools[name] = tp
	d.poolOrder = append(d.poolOrder, tp)
	return tp
}

// InstanceID returns the per-process identity used in logs and the report.
func (d *Daemon) InstanceID() string { return d.instanceID }

// Table returns the daemon's node table.
func (d *Daemon) Table() *nodetable.Table { return d.table }

// poolForName resolves the task pool addressed by a command's virtual node
// field; blank selects the default pool.
func (d *Daemon) poolForName(name acnet.NodeName) *TaskPool {
	if name.IsBlank() {
		return d.defaultPool
	}
	if tp, ok := d.pools[name]; ok {
		return tp
	}
	return nil
}

// poolForNode resolves the pool serving a destination trunk/node. The
// multicast pseudo-node is served by the default pool.
func (d *Daemon) poolForNode(tn acnet.TrunkNode) *TaskPool {
	if d.table.IsMulticastNode(tn) {
		return d.defaultPool
	}
	for _, tp := range d.poolOrder {
		if tp.Node() == tn {
			return tp
		}
	}
	return nil
}

// cancelReqToNode cancels every outstanding request, in every pool, whose
// remote node matches.
func (d *Daemon) cancelReqToNode(tn acnet.TrunkNode) {
	for _, tp := range d.poolOrder {
		tp.reqPool.CancelToNode(tn)
	}
}

// endRpyToNode ends every open reply, in every pool, whose remote node
// matches.
func (d *Daemon) endRpyToNode(tn acnet.TrunkNode) {
	for _, tp := range d.poolOrder {
		tp.rpyPool.EndToNode(tn)
	}
}

// SetDumpIncoming toggles logging of inbound packets.
func (d *Daemon) SetDumpIncoming(on bool) { d.dumpIncoming = on }

// SetDumpOutgoing toggles logging of outbound packets.
func (d *Daemon) SetDumpOutgoing(on bool) { d.dumpOutgoing = on }
