package server

import (
	"context"
	"net"
	"time"

	"github.com/jroosing/acnetd/internal/acnet"
	"github.com/jroosing/acnetd/internal/pool"
)

// bufferPool recycles receive buffers for both sockets.
var bufferPool = pool.New(func() *[]byte {
	buf := make([]byte, acnet.MaxPacket)
	return &buf
})

// Run drives the event loop until the context ends. Receiver goroutines
// feed the loop; all routing state is touched only here.
func (d *Daemon) Run(ctx context.Context) error {
	if udp, ok := d.trans.(*UDPTransport); ok {
		go d.recvLoop(ctx, udp.NetConn, evNetPacket)
		go d.recvLoop(ctx, udp.ClientConn, evClientCommand)
	}

	d.log.Info("acnetd routing core running",
		"instance", d.instanceID,
		"node", d.table.MyHostName(),
		"virtualNodes", len(d.poolOrder),
	)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		// Drive both deadline queues; each processes everything due
		// and reports its next deadline.
		next, have := d.serviceTimers()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if have {
			timer.Reset(next)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-ctx.Done():
			d.shutdown()
			return nil

		case <-timer.C:
			// Deadlines serviced at the top of the loop.

		case ev := <-d.events:
			d.handleEvent(ev)
		}

		// Safe point: no handler is on the stack, removed tasks can go.
		for _, tp := range d.poolOrder {
			tp.drainRemoved()
		}
	}
}

// serviceTimers runs the request-timeout and reply-PEND queues of every
// pool and returns the soonest next deadline.
func (d *Daemon) serviceTimers() (time.Duration, bool) {
	var next time.Duration
	have := false

	take := func(dl time.Duration, ok bool) {
		if ok && (!have || dl < next) {
			next, have = dl, true
		}
	}
	for _, tp := range d.poolOrder {
		take(tp.reqPool.SendTimeoutsAndNextDelay())
		take(tp.rpyPool.SendPendsAndNextDelay())
	}
	return next, have
}

func (d *Daemon) handleEvent(ev event) {
	switch ev.kind {
	case evNetPacket:
		d.handleNetworkPacket(ev.src, ev.buf)
	case evClientCommand:
		d.handleClientCommand(ev.src, ev.buf)
	case evCall:
		ev.call()
	}
}

// Call runs fn on the event loop and waits for it; the management API uses
// it to snapshot state without racing the core.
func (d *Daemon) Call(fn func()) {
	done := make(chan struct{})
	d.events <- event{kind: evCall, call: func() {
		fn()
		close(done)
	}}
	<-done
}

// recvLoop pulls datagrams off one socket and forwards them to the event
// loop. Each event gets its own copy so the receive buffer can go back to
// the pool immediately.
func (d *Daemon) recvLoop(ctx context.Context, conn *net.UDPConn, kind eventKind) {
	for {
		bufPtr := bufferPool.Get()
		buf := *bufPtr

		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			bufferPool.Put(bufPtr)
			if ctx.Err() != nil {
				return
			}
			// Socket closed or fatal error.
			return
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		bufferPool.Put(bufPtr)

		select {
		case d.events <- event{kind: kind, src: peer, buf: pkt}:
		case <-ctx.Done():
			return
		}
	}
}

// shutdown tears down every client with NODE_DOWN semantics.
func (d *Daemon) shutdown() {
	for _, tp := range d.poolOrder {
		tp.RemoveAllTasks()
		tp.drainRemoved()
	}
	if udp, ok := d.trans.(*UDPTransport); ok {
		udp.Close()
	}
	d.log.Info("acnetd routing core stopped")
}
