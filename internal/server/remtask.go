package server

import "github.com/jroosing/acnetd/internal/acnet"

// RemoteTask fronts a TCP client connected through the forked front
// process. It never receives unsolicited traffic, and its outbound USMs
// and requests pass the reject policy first.
type RemoteTask struct {
	ExternalTask
	remoteAddr acnet.IPAddr
}

func newRemoteTask(tp *TaskPool, handle acnet.TaskHandle, pid int32, cmdPort, dataPort uint16,
	remoteAddr acnet.IPAddr) *RemoteTask {
	return &RemoteTask{
		ExternalTask: newExternalTask(tp, handle, pid, cmdPort, dataPort),
		remoteAddr:   remoteAddr,
	}
}

func (t *RemoteTask) AcceptsUsm() bool      { return false }
func (t *RemoteTask) AcceptsRequests() bool { return false }

func (t *RemoteTask) VariantName() string { return "RemoteTask" }

func (t *RemoteTask) Properties() []Property {
	return append(t.ExternalTask.Properties(),
		Property{"Remote Address", t.remoteAddr.String()})
}
