// Package worker implements the Worker-side mirror of Task
// composition and the local
// job-execution pool that actually runs a single test.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tunequeue/tunequeue/pkg/log"
	"github.com/tunequeue/tunequeue/pkg/module"
	"github.com/tunequeue/tunequeue/pkg/types"
)

// Worker holds every Task's worker-side Module instance, built
// locally from the same selection maps and config the Manager applied
// on its own side, plus a bounded pool limiting concurrent test runs.
type Worker struct {
	modules    *module.Registry
	subModules *module.SubModuleRegistry
	composer   *module.Composer
	logger     zerolog.Logger

	mu       sync.RWMutex
	byTaskID map[int64]module.WorkerModule

	sem chan struct{}

	runsMu  sync.Mutex
	nextRun int64
	running map[int64]runHandle
}

// runHandle tracks one in-flight RunSingleTest so abort can interrupt
// it.
type runHandle struct {
	taskID int64
	cancel context.CancelFunc
}

// Config carries the Worker's construction-time dependencies.
type Config struct {
	Modules      *module.Registry
	SubModules   *module.SubModuleRegistry
	PoolCapacity int
}

// New constructs a Worker. Modules/SubModules must already be frozen.
func New(cfg Config) *Worker {
	capacity := cfg.PoolCapacity
	if capacity <= 0 {
		capacity = 4
	}
	return &Worker{
		modules:    cfg.Modules,
		subModules: cfg.SubModules,
		composer:   module.NewComposer(cfg.SubModules),
		logger:     log.WithComponent("worker"),
		byTaskID:   make(map[int64]module.WorkerModule),
		sem:        make(chan struct{}, capacity),
		running:    make(map[int64]runHandle),
	}
}

// ConfigureTask builds (or rebuilds) the worker-side Module instance
// for a Task, mirroring the steps the Manager already performed on its
// own side: build the ModuleBuilder tree from the same selection map,
// apply the build config, run Build, then apply the runtime config.
func (w *Worker) ConfigureTask(ctx context.Context, taskID int64, moduleName string, selection types.SelectionMap, buildConfig, runtimeConfig map[string]any) error {
	factory, ok := w.modules.Worker(moduleName)
	if !ok {
		return fmt.Errorf("worker: unknown module %q", moduleName)
	}
	builder := factory()

	instance, err := w.composer.Build(builder, selection, "")
	if err != nil {
		return fmt.Errorf("worker: building module tree: %w", err)
	}
	wm, ok := instance.(module.WorkerModule)
	if !ok {
		return fmt.Errorf("worker: module %q does not implement WorkerModule", moduleName)
	}

	if buildConfig == nil {
		buildConfig = map[string]any{}
	}
	if err := wm.ConfigureBuild(buildConfig, ""); err != nil {
		return fmt.Errorf("worker: configuring build: %w", err)
	}
	if err := wm.Build(ctx); err != nil {
		return fmt.Errorf("worker: module build failed: %w", err)
	}
	if runtimeConfig == nil {
		runtimeConfig = map[string]any{}
	}
	if err := wm.ConfigureModule(runtimeConfig, ""); err != nil {
		return fmt.Errorf("worker: configuring module: %w", err)
	}

	w.mu.Lock()
	w.byTaskID[taskID] = wm
	w.mu.Unlock()
	w.logger.Info().Int64("task_id", taskID).Str("module", moduleName).Msg("worker-side task configured")
	return nil
}

// RunSingleTest runs one test for the given Task's already-configured
// Module, bounded by the pool capacity. It blocks if the pool is full,
// which is the backpressure mechanism against an overeager Manager.
func (w *Worker) RunSingleTest(ctx context.Context, taskID int64, args map[string]any, seed int64) (string, error) {
	w.mu.RLock()
	wm, ok := w.byTaskID[taskID]
	w.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("worker: task %d has not been configured on this worker", taskID)
	}

	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-w.sem }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.runsMu.Lock()
	w.nextRun++
	runID := w.nextRun
	w.running[runID] = runHandle{taskID: taskID, cancel: cancel}
	w.runsMu.Unlock()
	defer func() {
		w.runsMu.Lock()
		delete(w.running, runID)
		w.runsMu.Unlock()
	}()

	return wm.RunSingleTest(runCtx, args, seed)
}

// AbortTask cancels every in-flight test run belonging to taskID and
// returns how many were interrupted.
func (w *Worker) AbortTask(taskID int64) int {
	w.runsMu.Lock()
	defer w.runsMu.Unlock()
	n := 0
	for _, h := range w.running {
		if h.taskID == taskID {
			h.cancel()
			n++
		}
	}
	return n
}

// AbortAll cancels every in-flight test run and returns how many were
// interrupted.
func (w *Worker) AbortAll() int {
	w.runsMu.Lock()
	defer w.runsMu.Unlock()
	n := 0
	for _, h := range w.running {
		h.cancel()
		n++
	}
	return n
}

// ActiveRuns reports the number of currently in-flight test runs, used
// by the daemon's gentle stop to wait for drain.
func (w *Worker) ActiveRuns() int {
	w.runsMu.Lock()
	defer w.runsMu.Unlock()
	return len(w.running)
}

// Forget drops a Task's worker-side Module instance, e.g. after
// reconfig invalidates it.
func (w *Worker) Forget(taskID int64) {
	w.mu.Lock()
	delete(w.byTaskID, taskID)
	w.mu.Unlock()
}
