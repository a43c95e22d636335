// Package nodetable maintains the trunk/node addressing table: the mapping
// from ACNET trunk/node pairs to node names and IPv4 addresses, discovery
// of the daemon's own address, and refcounted multicast group membership.
//
// The table is a sparse 256x256 matrix; trunk rows are allocated on first
// touch. A slot is unused while it still holds the illegal-name sentinel.
package nodetable

import (
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jroosing/acnetd/internal/acnet"
	"github.com/jroosing/acnetd/internal/rad50"
)

// illegalName marks an unused slot, and doubles as the placeholder name in
// table downloads that only carry addresses.
const illegalName = acnet.NodeName(0xffffffff)

// Entry is one slot of the addressing table.
type Entry struct {
	Name acnet.NodeName
	Addr acnet.IPAddr
	Port uint16
}

// UDPAddr converts the entry to a UDP destination.
func (e *Entry) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.Addr.ToNet(), Port: int(e.Port)}
}

// Joiner is the OS-level multicast membership interface. The network layer
// implements it over the client socket.
type Joiner interface {
	JoinGroup(addr acnet.IPAddr) error
	LeaveGroup(addr acnet.IPAddr) error
}

// Table is the addressing table for one daemon. It is owned by the event
// loop and is not safe for concurrent use.
type Table struct {
	log      *slog.Logger
	peerPort uint16
	trunks   [256][]Entry

	myIP       acnet.IPAddr
	myNode     acnet.TrunkNode
	myHostName acnet.NodeName

	lastDownload time.Time

	joiner Joiner
	groups map[acnet.IPAddr]uint32

	// OnAddrChange runs before an existing entry's address is
	// overwritten; the daemon hooks request/reply teardown here.
	OnAddrChange func(acnet.TrunkNode)
}

// New creates an empty table sending to peers on peerPort.
func New(log *slog.Logger, peerPort uint16, joiner Joiner) *Table {
	return &Table{
		log:      log,
		peerPort: peerPort,
		joiner:   joiner,
		groups:   make(map[acnet.IPAddr]uint32),
	}
}

// Init discovers the daemon's own IP from its hostname, fixes the host
// name used for self-identification, and installs the well-known multicast
// entry. The hostname override may be blank.
func (t *Table) Init(hostNameOverride string) {
	name, _ := os.Hostname()

	if ip := lookupHost(name); ip != 0 {
		t.myIP = ip
	} else {
		t.log.Warn("DNS failure; local traffic will not be recognized", "host", name)
	}

	if hostNameOverride != "" {
		t.myHostName = acnet.NodeName(rad50.Encode(hostNameOverride))
	} else {
		short, _, _ := strings.Cut(name, ".")
		t.myHostName = acnet.NodeName(rad50.Encode(short))
	}

	mcast := acnet.IPFromBytes(239, 128, 4, 1)
	t.insert(acnet.MulticastNode, acnet.NodeName(rad50.Encode("MCAST")), mcast)
	if t.joiner != nil {
		t.JoinGroup(mcast)
	}
}

func lookupHost(name string) acnet.IPAddr {
	addrs, err := net.LookupIP(name)
	if err != nil {
		return 0
	}
	for _, a := range addrs {
		if ip := acnet.IPFromNet(a); ip != 0 {
			return ip
		}
	}
	return 0
}

// Lookup returns the entry for a trunk/node, or nil when unset.
func (t *Table) Lookup(tn acnet.TrunkNode) *Entry {
	row := t.trunks[tn.Trunk()]
	if row == nil {
		return nil
	}
	e := &row[tn.Node()]
	if e.Name == illegalName {
		return nil
	}
	return e
}

func (t *Table) insert(tn acnet.TrunkNode, name acnet.NodeName, addr acnet.IPAddr) {
	row := t.trunks[tn.Trunk()]
	if row == nil {
		row = make([]Entry, 256)
		for i := range row {
			row[i].Name = illegalName
		}
		t.trunks[tn.Trunk()] = row
	}
	e := &row[tn.Node()]
	if !name.IsBlank() {
		e.Name = name
	}
	if addr != 0 {
		e.Addr = addr
		e.Port = t.peerPort
	}
}

func (t *Table) erase(tn acnet.TrunkNode) {
	if row := t.trunks[tn.Trunk()]; row != nil {
		row[tn.Node()] = Entry{Name: illegalName}
	}
}

// UpdateAddr installs or updates the entry for a trunk/node. Placeholder
// names are substituted (our hostname for our own address, the "%%%%%%"
// marker otherwise), self-matches update the daemon's own trunk/node, and
// an address change on an existing entry tears down traffic to it first.
func (t *Table) UpdateAddr(tn acnet.TrunkNode, name acnet.NodeName, addr acnet.IPAddr) {
	if tn.IsBlank() {
		t.log.Warn("attempt to set the blank trunk/node address", "name", name)
		return
	}

	if addr != 0 && addr == t.myIP {
		if name == illegalName {
			name = t.myHostName
		}

		// The first address match fixes our node; the hostname may
		// legitimately differ from the ACNET node name.
		if t.myNode.IsBlank() {
			t.myNode = tn
		}

		if name == t.myHostName && t.myNode != tn {
			t.log.Warn("trunk/node for this machine changed",
				"from", t.myNode, "to", tn)
			t.myNode = tn
		}
	} else if name == illegalName {
		name = acnet.NodeName(rad50.Encode("%%%%%%"))
	}

	if name.IsBlank() && addr == 0 {
		t.erase(tn)
		return
	}

	if e := t.Lookup(tn); e != nil {
		if addr != 0 && addr != e.Addr && t.OnAddrChange != nil {
			// A node that moved addresses is a new peer; outstanding
			// traffic to the old one is dead.
			t.OnAddrChange(tn)
		}
		if !name.IsBlank() {
			e.Name = name
		}
		if addr != 0 {
			e.Addr = addr
			e.Port = t.peerPort
		}
		return
	}
	t.insert(tn, name, addr)
}

// ImportPlaceholder is the name value table downloads use for entries that
// only carry an address.
func ImportPlaceholder() acnet.NodeName { return illegalName }

// NodeName returns the name registered for a trunk/node.
func (t *Table) NodeName(tn acnet.TrunkNode) (acnet.NodeName, bool) {
	if e := t.Lookup(tn); e != nil {
		return e.Name, true
	}
	return 0, false
}

// NameToNode finds the trunk/node registered under a name.
func (t *Table) NameToNode(name acnet.NodeName) (acnet.TrunkNode, bool) {
	for trunk := 0; trunk < 256; trunk++ {
		row := t.trunks[trunk]
		if row == nil {
			continue
		}
		for node := range row {
			if row[node].Name != illegalName && row[node].Name == name {
				return acnet.TN(uint8(trunk), uint8(node)), true
			}
		}
	}
	return 0, false
}

// NameToIP finds the address registered under a name.
func (t *Table) NameToIP(name acnet.NodeName) (acnet.IPAddr, bool) {
	if tn, ok := t.NameToNode(name); ok {
		return t.Lookup(tn).Addr, true
	}
	return 0, false
}

// AddrToNode finds the trunk/node registered at an address.
func (t *Table) AddrToNode(addr acnet.IPAddr) (acnet.TrunkNode, bool) {
	for trunk := 0; trunk < 256; trunk++ {
		row := t.trunks[trunk]
		if row == nil {
			continue
		}
		for node := range row {
			if row[node].Name != illegalName && row[node].Addr == addr {
				return acnet.TN(uint8(trunk), uint8(node)), true
			}
		}
	}
	return 0, false
}

// IsMulticastNode reports whether a trunk/node resolves to a multicast
// address.
func (t *Table) IsMulticastNode(tn acnet.TrunkNode) bool {
	e := t.Lookup(tn)
	return e != nil && e.Addr.IsMulticast()
}

// IsMulticastHandle reports whether a task handle doubles as a node name
// registered at a multicast address.
func (t *Table) IsMulticastHandle(h acnet.TaskHandle) bool {
	addr, ok := t.NameToIP(acnet.NodeName(h))
	return ok && addr.IsMulticast()
}

// IsThisMachine reports whether a trunk/node resolves to our own address.
func (t *Table) IsThisMachine(tn acnet.TrunkNode) bool {
	e := t.Lookup(tn)
	return e != nil && e.Addr == t.myIP
}

// TrunkExists reports whether a trunk row has been allocated.
func (t *Table) TrunkExists(trunk uint8) bool { return t.trunks[trunk] != nil }

// MyIP returns the daemon's primary address.
func (t *Table) MyIP() acnet.IPAddr { return t.myIP }

// SetMyIP overrides the discovered address (tests, multi-homed hosts).
func (t *Table) SetMyIP(ip acnet.IPAddr) { t.myIP = ip }

// MyNode returns the daemon's own trunk/node, blank until discovered.
func (t *Table) MyNode() acnet.TrunkNode { return t.myNode }

// MyHostName returns the RAD50 form of the daemon's host name.
func (t *Table) MyHostName() acnet.NodeName { return t.myHostName }

// SetMyHostName overrides the host name used for self-identification.
func (t *Table) SetMyHostName(n acnet.NodeName) { t.myHostName = n }

// KillerTargets returns every trunk/node whose registered address collides
// with our own primary address.
func (t *Table) KillerTargets() []acnet.TrunkNode {
	if t.myIP == 0 {
		return nil
	}
	var out []acnet.TrunkNode
	for trunk := 0; trunk < 256; trunk++ {
		row := t.trunks[trunk]
		if row == nil {
			continue
		}
		for node := range row {
			if row[node].Name != illegalName && row[node].Addr == t.myIP {
				out = append(out, acnet.TN(uint8(trunk), uint8(node)))
			}
		}
	}
	return out
}

// SetLastDownload timestamps a completed node table download.
func (t *Table) SetLastDownload(at time.Time) { t.lastDownload = at }

// LastDownload returns when the last full table download completed.
func (t *Table) LastDownload() time.Time { return t.lastDownload }

// Each calls f for every live entry in trunk/node order.
func (t *Table) Each(f func(tn acnet.TrunkNode, e *Entry)) {
	for trunk := 0; trunk < 256; trunk++ {
		row := t.trunks[trunk]
		if row == nil {
			continue
		}
		for node := range row {
			if row[node].Name != illegalName {
				f(acnet.TN(uint8(trunk), uint8(node)), &row[node])
			}
		}
	}
}
