package registry

import (
	"time"

	"github.com/tunequeue/tunequeue/pkg/lockmodel"
	"github.com/tunequeue/tunequeue/pkg/types"
)

// Worker is a registered remote test executor.
// All fields below the embedded ObjectModel are guarded by it.
type Worker struct {
	lockmodel.ObjectModel

	Name         string
	CPUs         int
	MemoryMB     int
	SessionToken uint64

	state        types.WorkerState
	hasSocket    bool
	lastActivity time.Time
}

func newWorker(name string, cpus, memoryMB int, token uint64) *Worker {
	return &Worker{
		Name:         name,
		CPUs:         cpus,
		MemoryMB:     memoryMB,
		SessionToken: token,
		state:        types.WorkerRegistered,
		lastActivity: time.Now(),
	}
}

// State returns the Worker's current session state.
func (w *Worker) State() types.WorkerState {
	w.RLock()
	defer w.RUnlock()
	return w.state
}

// Info returns the public snapshot used by listing endpoints.
func (w *Worker) Info() types.WorkerInfo {
	w.RLock()
	defer w.RUnlock()
	return types.WorkerInfo{
		Name:         w.Name,
		Version:      int64(w.Generation()),
		CPUs:         w.CPUs,
		MemoryMB:     w.MemoryMB,
		State:        w.state,
		SessionToken: w.SessionToken,
		LastActivity: w.lastActivity,
	}
}

// touch updates last-activity to now (bump keep-alive).
func (w *Worker) touch() {
	w.Lock()
	defer w.Unlock()
	w.lastActivity = time.Now()
}

func (w *Worker) idleFor(now time.Time) time.Duration {
	w.RLock()
	defer w.RUnlock()
	return now.Sub(w.lastActivity)
}

func (w *Worker) markForDelete() {
	w.Lock()
	defer w.Unlock()
	w.state = types.WorkerMarkedForDelete
	w.BumpGeneration()
}

// attachSocket transitions REGISTERED -> CONNECTED. It reports
// alreadyConnected if a socket is already attached and wrongState if the
// Worker is not in REGISTERED; in either case nothing changes.
func (w *Worker) attachSocket() (alreadyConnected, wrongState bool) {
	w.Lock()
	defer w.Unlock()
	if w.hasSocket {
		return true, false
	}
	if w.state != types.WorkerRegistered {
		return false, true
	}
	w.hasSocket = true
	w.state = types.WorkerConnected
	w.BumpGeneration()
	return false, false
}

// detachSocket clears the socket flag without changing session state;
// the audit thread (not the socket close path) decides when a silent
// Worker is reaped.
func (w *Worker) detachSocket() {
	w.Lock()
	defer w.Unlock()
	w.hasSocket = false
}

func (w *Worker) setConfigured() {
	w.Lock()
	defer w.Unlock()
	if w.state == types.WorkerConnected {
		w.state = types.WorkerConfigured
		w.BumpGeneration()
	}
}
