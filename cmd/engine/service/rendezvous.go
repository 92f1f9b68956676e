package service

import (
	"sync"

	"github.com/miniflow/engine/cmd/engine/faults"
)

// waiter identifies the run blocked on a webhook path.
type waiter struct {
	runID  string
	nodeID string
}

// Rendezvous pairs test runs paused at a webhook node with the inbound
// delivery that resumes them. One waiter per path, one slot per
// run/node pair; a delivered payload consumes the waiter.
type Rendezvous struct {
	mu      sync.Mutex
	waiters map[string]waiter
	slots   map[string]map[string]chan any
}

// NewRendezvous creates an empty rendezvous table.
func NewRendezvous() *Rendezvous {
	return &Rendezvous{
		waiters: make(map[string]waiter),
		slots:   make(map[string]map[string]chan any),
	}
}

// Register parks a run at path and returns the channel its payload will
// arrive on. A second registration for the same run and node is an
// error.
func (r *Rendezvous) Register(path, runID, nodeID string) (<-chan any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.slots[runID][nodeID]; ok {
		return nil, faults.New(faults.KindScheduler, "run %s already waiting at node %s", runID, nodeID)
	}

	ch := make(chan any, 1)
	if r.slots[runID] == nil {
		r.slots[runID] = make(map[string]chan any)
	}
	r.slots[runID][nodeID] = ch
	r.waiters[path] = waiter{runID: runID, nodeID: nodeID}
	return ch, nil
}

// Signal delivers payload to the run waiting at path, if any. The
// waiter entry is removed before delivery so a duplicate ingress cannot
// double-fire. Returns whether a waiter was resumed.
func (r *Rendezvous) Signal(path string, payload any) bool {
	r.mu.Lock()
	w, ok := r.waiters[path]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.waiters, path)
	ch := r.slots[w.runID][w.nodeID]
	r.mu.Unlock()

	if ch == nil {
		return false
	}
	select {
	case ch <- payload:
		return true
	default:
		return false
	}
}

// Unregister clears the run's slot and any waiter entry pointing at it.
// Called when a wait times out or the run ends.
func (r *Rendezvous) Unregister(path, runID, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.waiters[path]; ok && w.runID == runID {
		delete(r.waiters, path)
	}
	if nodes, ok := r.slots[runID]; ok {
		delete(nodes, nodeID)
		if len(nodes) == 0 {
			delete(r.slots, runID)
		}
	}
}

// WaitingRun returns the run currently parked at path, if any.
func (r *Rendezvous) WaitingRun(path string) (string, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.waiters[path]
	return w.runID, w.nodeID, ok
}
