// Package lockmodel implements the ObjectModel primitive every mutable
// long-lived entity (Task, Worker, Job) composes: a reader-writer lock
// guarding fields, a non-reentrant "at most one operation at a time"
// mutex, and a monotone generation counter bumped on state transitions.
package lockmodel

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrOperationInProgress is returned by TryOperation when another
// long-running operation already holds the entity's operation mutex.
// Acquisition fails fast, it never blocks.
var ErrOperationInProgress = errors.New("operation in progress")

// ObjectModel is embedded by Task, Worker and Job. It is not itself
// reentrant: a goroutine that already holds the operation mutex must not
// call TryOperation again before releasing it.
type ObjectModel struct {
	mu         sync.RWMutex
	opLocked   atomic.Bool
	generation atomic.Uint64
}

// RLock/RUnlock/Lock/Unlock expose the reader-writer lock directly so
// callers can guard plain field reads/writes without going through an
// operation.
func (o *ObjectModel) RLock()   { o.mu.RLock() }
func (o *ObjectModel) RUnlock() { o.mu.RUnlock() }
func (o *ObjectModel) Lock()    { o.mu.Lock() }
func (o *ObjectModel) Unlock()  { o.mu.Unlock() }

// Generation returns the current generation counter value.
func (o *ObjectModel) Generation() uint64 {
	return o.generation.Load()
}

// BumpGeneration increments the generation counter and returns the new
// value. Callers invoke this exactly once per successful state
// transition.
func (o *ObjectModel) BumpGeneration() uint64 {
	return o.generation.Add(1)
}

// TryOperation attempts to acquire the operation mutex without blocking.
// On success it returns a release function the caller must invoke (via
// defer) when the operation completes, successfully or not. On failure
// it returns ErrOperationInProgress immediately.
func (o *ObjectModel) TryOperation() (release func(), err error) {
	if !o.opLocked.CompareAndSwap(false, true) {
		return nil, ErrOperationInProgress
	}
	return func() {
		o.opLocked.Store(false)
	}, nil
}
