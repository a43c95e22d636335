package server

import (
	"fmt"

	"github.com/jroosing/acnetd/internal/acnet"
)

// MulticastTask listens for protocol multicasts on behalf of a client.
// Creating one takes a reference on the multicast group; destroying it
// releases the reference. It never accepts requests.
type MulticastTask struct {
	ExternalTask
	mcAddr acnet.IPAddr
}

func newMulticastTask(tp *TaskPool, handle acnet.TaskHandle, pid int32, cmdPort, dataPort uint16,
	mcAddr acnet.IPAddr) (*MulticastTask, error) {

	if !tp.daemon.table.JoinGroup(mcAddr) {
		return nil, fmt.Errorf("couldn't join multicast group %s", mcAddr)
	}
	return &MulticastTask{
		ExternalTask: newExternalTask(tp, handle, pid, cmdPort, dataPort),
		mcAddr:       mcAddr,
	}, nil
}

func (t *MulticastTask) AcceptsUsm() bool      { return true }
func (t *MulticastTask) AcceptsRequests() bool { return false }

// dropGroup releases the task's multicast reference; called when the task
// is removed.
func (t *MulticastTask) dropGroup() {
	t.pool.daemon.table.DropGroup(t.mcAddr)
}

func (t *MulticastTask) VariantName() string { return "MulticastTask" }

func (t *MulticastTask) Properties() []Property {
	return append(t.ExternalTask.Properties(),
		Property{"Multicast Address",
			fmt.Sprintf("%s (%d)", t.mcAddr, t.pool.daemon.table.GroupCount(t.mcAddr))})
}
