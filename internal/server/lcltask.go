package server

import "github.com/jroosing/acnetd/internal/acnet"

// LocalTask is a plain UDP client on the local machine. It only receives
// USMs and requests after it opts in with ReceiveRequests.
type LocalTask struct {
	ExternalTask
	receiving bool
}

func newLocalTask(tp *TaskPool, handle acnet.TaskHandle, pid int32, cmdPort, dataPort uint16) *LocalTask {
	return &LocalTask{ExternalTask: newExternalTask(tp, handle, pid, cmdPort, dataPort)}
}

func (t *LocalTask) AcceptsUsm() bool      { return t.receiving }
func (t *LocalTask) AcceptsRequests() bool { return t.receiving }

// startReceiving marks the task as a request/USM listener.
func (t *LocalTask) startReceiving() { t.receiving = true }

// stopReceiving blocks further delivery; every reply the task still owes
// ends with ACNET_DISCONNECTED.
func (t *LocalTask) stopReceiving() {
	t.receiving = false
	for id := range t.replies {
		t.pool.rpyPool.EndRpyID(id, acnet.ErrDisc)
	}
}

func (t *LocalTask) VariantName() string { return "LocalTask" }
