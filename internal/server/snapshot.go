package server

import (
	"github.com/jroosing/acnetd/internal/acnet"
	"github.com/jroosing/acnetd/internal/nodetable"
)

// PoolSnapshot is the per-virtual-node JSON view served by the management
// API.
type PoolSnapshot struct {
	Node           string `json:"node"`
	TrunkNode      string `json:"trunk_node"`
	ActiveTasks    int    `json:"active_tasks"`
	ReceivingTasks int    `json:"receiving_tasks"`
	ActiveRequests int    `json:"active_requests"`
	ActiveReplies  int    `json:"active_replies"`

	UsmRcv    uint32 `json:"usm_rcv"`
	ReqRcv    uint32 `json:"req_rcv"`
	RpyRcv    uint32 `json:"rpy_rcv"`
	UsmXmt    uint32 `json:"usm_xmt"`
	ReqXmt    uint32 `json:"req_xmt"`
	RpyXmt    uint32 `json:"rpy_xmt"`
	ReqQLimit uint32 `json:"req_q_limit"`
}

// TaskSnapshot is the JSON view of one attached task.
type TaskSnapshot struct {
	Node      string `json:"node"`
	ID        uint8  `json:"id"`
	Handle    string `json:"handle"`
	Variant   string `json:"variant"`
	Pid       int32  `json:"pid"`
	Receiving bool   `json:"receiving"`
	Requests  int    `json:"requests"`
	Replies   int    `json:"replies"`
}

// NodeSnapshot is the JSON view of one addressing table entry.
type NodeSnapshot struct {
	Trunk uint8  `json:"trunk"`
	Node  uint8  `json:"node"`
	Name  string `json:"name"`
	Addr  string `json:"addr"`
}

// SnapshotPools builds the per-pool statistics view. Event loop only; use
// Call from other goroutines.
func (d *Daemon) SnapshotPools() []PoolSnapshot {
	out := make([]PoolSnapshot, 0, len(d.poolOrder))
	for _, tp := range d.poolOrder {
		out = append(out, PoolSnapshot{
			Node:           tp.NodeName().String(),
			TrunkNode:      tp.Node().String(),
			ActiveTasks:    tp.ActiveCount(),
			ReceivingTasks: tp.ReceivingCount(),
			ActiveRequests: tp.reqPool.Active(),
			ActiveReplies:  tp.rpyPool.Active(),
			UsmRcv:         tp.stats.UsmRcv.Val32(),
			ReqRcv:         tp.stats.ReqRcv.Val32(),
			RpyRcv:         tp.stats.RpyRcv.Val32(),
			UsmXmt:         tp.stats.UsmXmt.Val32(),
			ReqXmt:         tp.stats.ReqXmt.Val32(),
			RpyXmt:         tp.stats.RpyXmt.Val32(),
			ReqQLimit:      tp.statReqQLimit.Val32(),
		})
	}
	return out
}

// SnapshotTasks builds the attached-tasks view. Event loop only.
func (d *Daemon) SnapshotTasks() []TaskSnapshot {
	var out []TaskSnapshot
	for _, tp := range d.poolOrder {
		for _, t := range tp.tasks {
			if t == nil {
				continue
			}
			out = append(out, TaskSnapshot{
				Node:      tp.NodeName().String(),
				ID:        uint8(t.ID()),
				Handle:    t.Handle().String(),
				Variant:   t.VariantName(),
				Pid:       t.Pid(),
				Receiving: IsReceiving(t),
				Requests:  t.base().requestCount(),
				Replies:   t.base().replyCount(),
			})
		}
	}
	return out
}

// SnapshotNodes builds the addressing table view. Event loop only.
func (d *Daemon) SnapshotNodes() []NodeSnapshot {
	var out []NodeSnapshot
	d.table.Each(func(tn acnet.TrunkNode, e *nodetable.Entry) {
		out = append(out, NodeSnapshot{
			Trunk: tn.Trunk(),
			Node:  tn.Node(),
			Name:  e.Name.String(),
			Addr:  e.Addr.String(),
		})
	})
	return out
}

// DefaultPool returns the pool serving the daemon's primary node.
func (d *Daemon) DefaultPool() *TaskPool { return d.defaultPool }
