// Package acnet defines the ACNET protocol core: semantic types, the status
// catalogue, the wire header codec and the client command channel codec.
//
// Byte order is split the way the legacy protocol split it: the 18-byte
// packet header and administrative payload words are little-endian, while
// the client command channel uses network byte order. The codecs in this
// package keep that asymmetry in one place.
package acnet

import (
	"fmt"
	"net"

	"github.com/jroosing/acnetd/internal/rad50"
)

// TaskHandle is an opaque RAD50-encoded task name. Zero is blank.
type TaskHandle uint32

// IsBlank reports whether the handle is unset.
func (h TaskHandle) IsBlank() bool { return h == 0 }

func (h TaskHandle) String() string { return rad50.DecodeTrim(uint32(h)) }

// NodeName is an opaque RAD50-encoded node name. Zero is blank.
type NodeName uint32

// IsBlank reports whether the name is unset.
func (n NodeName) IsBlank() bool { return n == 0 }

func (n NodeName) String() string { return rad50.DecodeTrim(uint32(n)) }

// TrunkNode is the 16-bit ACNET network address: the trunk selects the
// physical segment, the node indexes within it. Zero is blank.
type TrunkNode uint16

// TN builds a TrunkNode from its parts.
func TN(trunk, node uint8) TrunkNode {
	return TrunkNode(uint16(trunk)<<8 | uint16(node))
}

// Trunk returns the trunk number.
func (tn TrunkNode) Trunk() uint8 { return uint8(tn >> 8) }

// Node returns the node number within the trunk.
func (tn TrunkNode) Node() uint8 { return uint8(tn) }

// IsBlank reports whether the address is unset.
func (tn TrunkNode) IsBlank() bool { return tn == 0 }

func (tn TrunkNode) String() string {
	return fmt.Sprintf("0x%02x%02x", tn.Trunk(), tn.Node())
}

// TaskID indexes the per-node task table.
type TaskID uint8

// ReqID identifies an in-flight outbound request. The low bits index the
// request pool; the high bits carry the pool's bank tag.
type ReqID uint16

// RpyID identifies an in-flight inbound request being served. Same layout
// as ReqID over the reply pool.
type RpyID uint16

// IPAddr is a host-order IPv4 address.
type IPAddr uint32

// IPFromBytes builds an IPAddr from dotted-quad octets.
func IPFromBytes(a, b, c, d uint8) IPAddr {
	return IPAddr(uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d))
}

// IPFromNet converts a net.IP, returning 0 for non-IPv4 addresses.
func IPFromNet(ip net.IP) IPAddr {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return IPFromBytes(v4[0], v4[1], v4[2], v4[3])
}

// IsMulticast reports whether the address is in 224.0.0.0/4.
func (a IPAddr) IsMulticast() bool { return a>>28 == 0xe }

// ToNet converts the address to a net.IP.
func (a IPAddr) ToNet() net.IP {
	return net.IPv4(byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}

func (a IPAddr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}

// Protocol constants.
const (
	// PeerPort is the standard ACNET UDP port for daemon-to-daemon
	// traffic; ClientPort carries the loopback command channel.
	PeerPort   = 6801
	ClientPort = PeerPort + 1

	// MaxPacket bounds a full ACNET datagram (64 KiB minus IP and UDP
	// headers); MaxUserPacket is the payload room left after the ACNET
	// header.
	MaxPacket     = 65534 - 20 - 8
	MaxUserPacket = MaxPacket - HeaderSize

	NumReqIDs = 4096
	NumRpyIDs = 4096
	MaxTasks  = 256

	// MinTrunk..MaxTrunk is the range of trunks mapped to IPv4 subnets.
	MinTrunk = 9
	MaxTrunk = 14
)

// MulticastNode is the reserved trunk/node addressing all nodes at once.
var MulticastNode = TN(255, 0)
