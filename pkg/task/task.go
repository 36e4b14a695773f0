// Package task implements the Task lifecycle and Module composition
// engine wiring: Task creation, the
// UNINITIATED→INITIATED→BUILT→READY→SCHEDULED state machine, reconfig
// and stop, and config/build spec enumeration.
package task

import (
	"sync"

	"github.com/tunequeue/tunequeue/pkg/lockmodel"
	"github.com/tunequeue/tunequeue/pkg/module"
	"github.com/tunequeue/tunequeue/pkg/types"
)

// Task is a persistent experiment instance. All fields
// below the embedded ObjectModel are guarded by it: callers must hold
// the appropriate lock (RLock for reads, Lock for writes) before
// touching them directly; Engine methods do this internally.
type Task struct {
	lockmodel.ObjectModel

	ID          int64
	Name        string
	Description string
	ModuleName  string

	State types.TaskState

	WorkerInit  types.SelectionMap
	ManagerInit types.SelectionMap

	WorkerBuildConfig  map[string]any
	ManagerBuildConfig map[string]any
	WorkerConfig       map[string]any
	ManagerConfig      map[string]any

	managerBuilder module.Builder
	workerBuilder  module.Builder
	managerModule  module.ManagerModule
	workerModule   module.WorkerModule
}

// Snapshot takes a read lock and copies out the externally-visible
// state, used by query_full.
func (t *Task) Snapshot() types.TaskSnapshot {
	t.RLock()
	defer t.RUnlock()
	return types.TaskSnapshot{
		ID:                 t.ID,
		Name:                t.Name,
		Description:         t.Description,
		ModuleName:          t.ModuleName,
		State:               t.State,
		Generation:          t.Generation(),
		WorkerInit:          t.WorkerInit,
		ManagerInit:         t.ManagerInit,
		WorkerBuildConfig:   t.WorkerBuildConfig,
		ManagerBuildConfig:  t.ManagerBuildConfig,
		WorkerConfig:        t.WorkerConfig,
		ManagerConfig:       t.ManagerConfig,
	}
}

// Minimal takes a read lock and returns the lightweight listing entry.
func (t *Task) Minimal() types.TaskMinimal {
	t.RLock()
	defer t.RUnlock()
	return types.TaskMinimal{
		TaskID:      t.ID,
		Name:        t.Name,
		Description: t.Description,
		ModuleName:  t.ModuleName,
		TaskState:   t.State,
	}
}

// ManagerModule returns the manager-side Module instance, or nil if the
// Task has not yet reached INITIATED.
func (t *Task) ManagerModule() module.ManagerModule {
	t.RLock()
	defer t.RUnlock()
	return t.managerModule
}

// registry is the in-memory collection of Tasks keyed by ID, guarded by
// its own mutex.
type registry struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]*Task
	byName map[string]*Task
}

func newRegistry() *registry {
	return &registry{
		byID:   make(map[int64]*Task),
		byName: make(map[string]*Task),
	}
}
