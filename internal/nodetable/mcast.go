package nodetable

import "github.com/jroosing/acnetd/internal/acnet"

// Multicast group membership is refcounted: the OS group is joined when
// the first task references an address and dropped when the last
// reference goes away.

// JoinGroup adds a reference to a multicast group, joining it at the OS
// level on the first reference. Returns false if the join failed.
func (t *Table) JoinGroup(addr acnet.IPAddr) bool {
	if n := t.groups[addr]; n > 0 {
		t.groups[addr] = n + 1
		return true
	}

	if t.joiner != nil {
		if err := t.joiner.JoinGroup(addr); err != nil {
			t.log.Error("couldn't join multicast group", "group", addr, "err", err)
			return false
		}
	}
	t.groups[addr] = 1
	return true
}

// DropGroup removes a reference to a multicast group, leaving it at the OS
// level when the last reference is removed.
func (t *Table) DropGroup(addr acnet.IPAddr) {
	n, ok := t.groups[addr]
	if !ok {
		return
	}
	if n > 1 {
		t.groups[addr] = n - 1
		return
	}

	delete(t.groups, addr)
	if t.joiner != nil {
		if err := t.joiner.LeaveGroup(addr); err != nil {
			t.log.Error("couldn't drop multicast group", "group", addr, "err", err)
		}
	}
}

// GroupCount returns the number of references to a multicast group.
func (t *Table) GroupCount(addr acnet.IPAddr) uint32 { return t.groups[addr] }
