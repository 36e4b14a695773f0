package task

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tunequeue/tunequeue/pkg/events"
	"github.com/tunequeue/tunequeue/pkg/log"
	"github.com/tunequeue/tunequeue/pkg/module"
	"github.com/tunequeue/tunequeue/pkg/types"
)

// JobAborter is the subset of the Job Scheduler's contract the Task
// Engine needs: reconfig and stop must abort every in-flight job for the
// task's previous generation before flipping state.
type JobAborter interface {
	StopTaskJobs(taskID int64, generation uint64)
}

// Engine owns every Task for the lifetime of the process. It is itself
// immutable after construction (the module registries and settings it
// holds are read-only); all mutable state lives on the Tasks it tracks.
type Engine struct {
	modules    *module.Registry
	subModules *module.SubModuleRegistry
	composer   *module.Composer
	jobAborter JobAborter
	buildDir   string
	logger     zerolog.Logger
	events     *events.Broker

	reg *registry
}

// Config carries the construction-time dependencies for an Engine.
type Config struct {
	Modules    *module.Registry
	SubModules *module.SubModuleRegistry
	JobAborter JobAborter
	BuildDir   string
	// Events is optional; a nil Broker silently drops publishes.
	Events *events.Broker
}

// NewEngine constructs a Task Engine. Modules/SubModules must already be
// frozen.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		modules:    cfg.Modules,
		subModules: cfg.SubModules,
		composer:   module.NewComposer(cfg.SubModules),
		jobAborter: cfg.JobAborter,
		buildDir:   cfg.BuildDir,
		logger:     log.WithComponent("task-engine"),
		events:     cfg.Events,
		reg:        newRegistry(),
	}
}

// Create makes a new Task in UNINITIATED state.
func (e *Engine) Create(name, description, moduleName string) (*Task, error) {
	if _, ok := e.modules.Manager(moduleName); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, moduleName)
	}
	if _, ok := e.modules.Worker(moduleName); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, moduleName)
	}

	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()
	if _, exists := e.reg.byName[name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrNameConflict, name)
	}

	t := &Task{
		ID:          e.reg.nextID,
		Name:        name,
		Description: description,
		ModuleName:  moduleName,
		State:       types.TaskUninitiated,
	}
	e.reg.nextID++
	e.reg.byID[t.ID] = t
	e.reg.byName[name] = t

	e.logger.Info().Int64("task_id", t.ID).Str("name", name).Str("module", moduleName).Msg("task created")
	e.events.Publish(events.Event{Type: events.TaskCreated, TaskID: t.ID, Message: name})
	return t, nil
}

// Get looks up a Task by ID.
func (e *Engine) Get(id int64) (*Task, error) {
	e.reg.mu.RLock()
	defer e.reg.mu.RUnlock()
	t, ok := e.reg.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTask, id)
	}
	return t, nil
}

// QueryMinimal lists every Task's lightweight summary.
func (e *Engine) QueryMinimal() []types.TaskMinimal {
	e.reg.mu.RLock()
	defer e.reg.mu.RUnlock()
	out := make([]types.TaskMinimal, 0, len(e.reg.byID))
	for _, t := range e.reg.byID {
		out = append(out, t.Minimal())
	}
	return out
}

// Init advances a Task's composition one step. Callers iterate, passing
// their current (possibly still-incomplete) selection maps, until both
// returned NeededSubModule pointers are nil, at which point the Task has
// moved to INITIATED.
func (e *Engine) Init(id int64, workerInit, managerInit types.SelectionMap) (workerNeeded, managerNeeded *module.NeededSubModule, err error) {
	t, err := e.Get(id)
	if err != nil {
		return nil, nil, err
	}

	release, err := t.TryOperation()
	if err != nil {
		return nil, nil, err
	}
	defer release()

	t.RLock()
	state := t.State
	moduleName := t.ModuleName
	t.RUnlock()
	// Re-initiating with an already-complete selection is idempotent:
	// no state change, both specs resolved.
	if state == types.TaskInitiated {
		return nil, nil, nil
	}
	if state != types.TaskUninitiated {
		return nil, nil, fmt.Errorf("%w: task %d is %s, need UNINITIATED", ErrWrongState, id, state)
	}

	workerFactory, _ := e.modules.Worker(moduleName)
	managerFactory, _ := e.modules.Manager(moduleName)
	workerBuilder := workerFactory()
	managerBuilder := managerFactory()

	workerNeeded, err = e.composer.NextNeeded(workerBuilder, workerInit, "")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedSelection, err)
	}
	managerNeeded, err = e.composer.NextNeeded(managerBuilder, managerInit, "")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedSelection, err)
	}
	if workerNeeded != nil || managerNeeded != nil {
		return workerNeeded, managerNeeded, nil
	}

	workerInstance, err := e.composer.Build(workerBuilder, workerInit, "")
	if err != nil {
		return nil, nil, err
	}
	managerInstance, err := e.composer.Build(managerBuilder, managerInit, "")
	if err != nil {
		return nil, nil, err
	}
	workerModule, ok := workerInstance.(module.WorkerModule)
	if !ok {
		return nil, nil, fmt.Errorf("module %q does not implement WorkerModule", moduleName)
	}
	managerModule, ok := managerInstance.(module.ManagerModule)
	if !ok {
		return nil, nil, fmt.Errorf("module %q does not implement ManagerModule", moduleName)
	}

	t.Lock()
	t.WorkerInit = workerInit
	t.ManagerInit = managerInit
	t.workerBuilder = workerBuilder
	t.managerBuilder = managerBuilder
	t.workerModule = workerModule
	t.managerModule = managerModule
	t.State = types.TaskInitiated
	t.BumpGeneration()
	t.Unlock()

	e.logger.Info().Int64("task_id", id).Msg("task initiated")
	e.events.Publish(events.Event{Type: events.TaskInitiated, TaskID: id})
	return nil, nil, nil
}

// Build deserializes worker_build_config/manager_build_config, injects
// build_dir into both branches, and invokes each side's root Module.
func (e *Engine) Build(ctx context.Context, id int64, workerBuildConfig, managerBuildConfig map[string]any) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	release, err := t.TryOperation()
	if err != nil {
		return err
	}
	defer release()

	t.RLock()
	state := t.State
	workerModule := t.workerModule
	managerModule := t.managerModule
	t.RUnlock()
	if state != types.TaskInitiated {
		return fmt.Errorf("%w: task %d is %s, need INITIATED", ErrWrongState, id, state)
	}

	if workerBuildConfig == nil {
		workerBuildConfig = map[string]any{}
	}
	if managerBuildConfig == nil {
		managerBuildConfig = map[string]any{}
	}
	workerBuildConfig["build_dir"] = e.buildDir
	managerBuildConfig["build_dir"] = e.buildDir

	if err := workerModule.ConfigureBuild(workerBuildConfig, ""); err != nil {
		return fmt.Errorf("%w: worker side: %v", ErrInvalidBuildConfig, err)
	}
	if err := managerModule.ConfigureBuild(managerBuildConfig, ""); err != nil {
		return fmt.Errorf("%w: manager side: %v", ErrInvalidBuildConfig, err)
	}
	if err := workerModule.Build(ctx); err != nil {
		return fmt.Errorf("module build failed (worker side): %w", err)
	}
	if err := managerModule.Build(ctx); err != nil {
		return fmt.Errorf("module build failed (manager side): %w", err)
	}

	t.Lock()
	t.WorkerBuildConfig = workerBuildConfig
	t.ManagerBuildConfig = managerBuildConfig
	t.State = types.TaskBuilt
	t.BumpGeneration()
	t.Unlock()

	e.logger.Info().Int64("task_id", id).Msg("task built")
	e.events.Publish(events.Event{Type: events.TaskBuilt, TaskID: id})
	return nil
}

// Config deserializes worker_config/manager_config and invokes each
// side's ConfigureModule.
func (e *Engine) Config(id int64, workerConfig, managerConfig map[string]any) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	release, err := t.TryOperation()
	if err != nil {
		return err
	}
	defer release()

	t.RLock()
	state := t.State
	workerModule := t.workerModule
	managerModule := t.managerModule
	t.RUnlock()
	if state != types.TaskBuilt {
		return fmt.Errorf("%w: task %d is %s, need BUILT", ErrWrongState, id, state)
	}

	if workerConfig == nil {
		workerConfig = map[string]any{}
	}
	if managerConfig == nil {
		managerConfig = map[string]any{}
	}
	if err := workerModule.ConfigureModule(workerConfig, ""); err != nil {
		return fmt.Errorf("%w: worker side: %v", ErrInvalidConfig, err)
	}
	if err := managerModule.ConfigureModule(managerConfig, ""); err != nil {
		return fmt.Errorf("%w: manager side: %v", ErrInvalidConfig, err)
	}

	t.Lock()
	t.WorkerConfig = workerConfig
	t.ManagerConfig = managerConfig
	t.State = types.TaskReady
	t.BumpGeneration()
	t.Unlock()

	e.logger.Info().Int64("task_id", id).Msg("task ready")
	e.events.Publish(events.Event{Type: events.TaskReady, TaskID: id})
	return nil
}

// Schedule moves a READY Task to SCHEDULED.
func (e *Engine) Schedule(id int64) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	release, err := t.TryOperation()
	if err != nil {
		return err
	}
	defer release()

	t.Lock()
	defer t.Unlock()
	if t.State != types.TaskReady {
		return fmt.Errorf("%w: task %d is %s, need READY", ErrWrongState, id, t.State)
	}
	t.State = types.TaskScheduled
	t.BumpGeneration()
	e.logger.Info().Int64("task_id", id).Msg("task scheduled")
	e.events.Publish(events.Event{Type: events.TaskScheduled, TaskID: id})
	return nil
}

// Reconfig moves a READY or SCHEDULED Task back to BUILT, first
// aborting every in-flight Job for the task's previous generation.
func (e *Engine) Reconfig(id int64) error {
	return e.revertToBuilt(id, types.TaskReady, types.TaskScheduled)
}

// Stop moves a SCHEDULED Task back to READY, aborting in-flight jobs
// first.
func (e *Engine) Stop(id int64) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	release, err := t.TryOperation()
	if err != nil {
		return err
	}
	defer release()

	t.RLock()
	state := t.State
	generation := t.Generation()
	t.RUnlock()
	if state != types.TaskScheduled {
		return fmt.Errorf("%w: task %d is %s, need SCHEDULED", ErrWrongState, id, state)
	}

	e.jobAborter.StopTaskJobs(id, generation)

	t.Lock()
	t.State = types.TaskReady
	t.BumpGeneration()
	t.Unlock()
	e.logger.Info().Int64("task_id", id).Msg("task stopped")
	e.events.Publish(events.Event{Type: events.TaskStopped, TaskID: id})
	return nil
}

func (e *Engine) revertToBuilt(id int64, allowed...types.TaskState) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	release, err := t.TryOperation()
	if err != nil {
		return err
	}
	defer release()

	t.RLock()
	state := t.State
	generation := t.Generation()
	t.RUnlock()

	ok := false
	for _, s := range allowed {
		if state == s {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: task %d is %s, need one of %v", ErrWrongState, id, state, allowed)
	}

	e.jobAborter.StopTaskJobs(id, generation)

	t.Lock()
	t.State = types.TaskBuilt
	t.BumpGeneration()
	t.Unlock()
	e.logger.Info().Int64("task_id", id).Msg("task reconfigured")
	e.events.Publish(events.Event{Type: events.TaskReconfigured, TaskID: id})
	return nil
}

// ManagerModuleFor returns the manager-side Module instance for a Task,
// for use by the Job Scheduler's PREPARED/COMPLETED handlers.
func (e *Engine) ManagerModuleFor(id int64) (module.ManagerModule, error) {
	t, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	mm := t.ManagerModule()
	if mm == nil {
		return nil, fmt.Errorf("%w: task %d has not been initiated", ErrWrongState, id)
	}
	return mm, nil
}

// ScheduledGenerations returns the id -> current-generation map of
// every Task in SCHEDULED state, for the scheduler's job pump.
func (e *Engine) ScheduledGenerations() map[int64]uint64 {
	e.reg.mu.RLock()
	defer e.reg.mu.RUnlock()
	out := make(map[int64]uint64)
	for id, t := range e.reg.byID {
		t.RLock()
		if t.State == types.TaskScheduled {
			out[id] = t.Generation()
		}
		t.RUnlock()
	}
	return out
}

// QueryFull returns the full state snapshot for a Task.
func (e *Engine) QueryFull(id int64) (types.TaskSnapshot, error) {
	t, err := e.Get(id)
	if err != nil {
		return types.TaskSnapshot{}, err
	}
	return t.Snapshot(), nil
}

// ConfigSpec enumerates the config spec for a fully-initialized Task.
func (e *Engine) ConfigSpec(id int64) (workerSpec, managerSpec []types.ConfigSpecElement, err error) {
	return e.enumerateSpec(id, e.composer.ConfigSpec)
}

// BuildSpec enumerates the build spec for a fully-initialized Task.
func (e *Engine) BuildSpec(id int64) (workerSpec, managerSpec []types.ConfigSpecElement, err error) {
	return e.enumerateSpec(id, e.composer.BuildSpec)
}

func (e *Engine) enumerateSpec(id int64, walk func(module.Builder, types.SelectionMap, string) ([]types.ConfigSpecElement, error)) (workerSpec, managerSpec []types.ConfigSpecElement, err error) {
	t, err := e.Get(id)
	if err != nil {
		return nil, nil, err
	}
	t.RLock()
	workerBuilder := t.workerBuilder
	managerBuilder := t.managerBuilder
	workerInit := t.WorkerInit
	managerInit := t.ManagerInit
	t.RUnlock()
	if workerBuilder == nil || managerBuilder == nil {
		return nil, nil, fmt.Errorf("%w: task %d has not been initiated", ErrWrongState, id)
	}
	workerSpec, err = walk(workerBuilder, workerInit, "")
	if err != nil {
		return nil, nil, err
	}
	managerSpec, err = walk(managerBuilder, managerInit, "")
	if err != nil {
		return nil, nil, err
	}
	return workerSpec, managerSpec, nil
}
