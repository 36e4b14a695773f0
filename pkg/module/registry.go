package module

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is a process-wide map of top-level Module name to Factory,
// split into manager-side and worker-side families. It is populated by static registration at process start
// and is read-only thereafter; reads take a shared read lock.
type Registry struct {
	mu       sync.RWMutex
	frozen   bool
	managers map[string]Factory
	workers  map[string]Factory
}

// NewRegistry creates an empty, unfrozen module Registry.
func NewRegistry() *Registry {
	return &Registry{
		managers: make(map[string]Factory),
		workers:  make(map[string]Factory),
	}
}

// RegisterManager adds a manager-side top-level module factory. It
// panics if called after Freeze: registration must happen at init
// time.
func (r *Registry) RegisterManager(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("module: RegisterManager(%q) after registry frozen", name))
	}
	r.managers[name] = f
}

// RegisterWorker adds a worker-side top-level module factory.
func (r *Registry) RegisterWorker(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("module: RegisterWorker(%q) after registry frozen", name))
	}
	r.workers[name] = f
}

// Freeze marks the registry read-only. Called once by the process
// entrypoint after every module family's init-time registration has run.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Manager looks up a manager-side builder factory by module name.
func (r *Registry) Manager(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.managers[name]
	return f, ok
}

// Worker looks up a worker-side builder factory by module name.
func (r *Registry) Worker(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.workers[name]
	return f, ok
}

// AvailableModules lists the registered top-level module names (union
// of manager-side and worker-side families), sorted, for the
// GET /orchestrator/modules/get/available endpoint.
func (r *Registry) AvailableModules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.managers)+len(r.workers))
	for name := range r.managers {
		seen[name] = struct{}{}
	}
	for name := range r.workers {
		seen[name] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SubModuleRegistry is the library of reusable pieces: a SubModuleType
// maps to a set of named Factories. Like Registry it is
// populated once at startup and frozen.
type SubModuleRegistry struct {
	mu     sync.RWMutex
	frozen bool
	types  map[string]map[string]Factory
}

// NewSubModuleRegistry creates an empty, unfrozen SubModuleRegistry.
func NewSubModuleRegistry() *SubModuleRegistry {
	return &SubModuleRegistry{types: make(map[string]map[string]Factory)}
}

// Register adds a SubModule factory under (submoduleType, name).
func (r *SubModuleRegistry) Register(submoduleType, name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("module: SubModuleRegistry.Register(%q,%q) after frozen", submoduleType, name))
	}
	bucket, ok := r.types[submoduleType]
	if !ok {
		bucket = make(map[string]Factory)
		r.types[submoduleType] = bucket
	}
	bucket[name] = f
}

// Freeze marks the registry read-only.
func (r *SubModuleRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Lookup finds the Factory registered under (submoduleType, name).
func (r *SubModuleRegistry) Lookup(submoduleType, name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket, ok := r.types[submoduleType]
	if !ok {
		return nil, false
	}
	f, ok := bucket[name]
	return f, ok
}

// Active returns, for every SubModuleType with at least one registered
// SubModule, the sorted list of registered names — the shape expected
// by GET /orchestrator/submodules/get/active.
func (r *SubModuleRegistry) Active() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.types))
	for submoduleType, bucket := range r.types {
		names := make([]string, 0, len(bucket))
		for name := range bucket {
			names = append(names, name)
		}
		sort.Strings(names)
		out[submoduleType] = names
	}
	return out
}
