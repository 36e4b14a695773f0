package api

import "github.com/tunequeue/tunequeue/pkg/types"

// resultReply is the shared envelope every orchestrator endpoint that
// has no further payload replies with.
type resultReply struct {
	Result string `json:"result"`
}

// createTaskRequest is the body for POST /orchestrator/task/create.
type createTaskRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ModuleName  string `json:"module_name"`
}

type createTaskReply struct {
	Result string `json:"result"`
	TaskID int64  `json:"task_id"`
}

// initTaskRequest is the body for POST /orchestrator/task/init.
type initTaskRequest struct {
	TaskID      int64              `json:"task_id"`
	WorkerInit  types.SelectionMap `json:"worker_init"`
	ManagerInit types.SelectionMap `json:"manager_init"`
}

// neededSubModule mirrors module.NeededSubModule with wire-friendly
// json tags; nil when that branch of the composition tree is complete.
type neededSubModule struct {
	FQName        string   `json:"fq_name"`
	SubModuleType string   `json:"submodule_type"`
	Multiplicity  string   `json:"multiplicity"`
	Description   string   `json:"description"`
	Eligible      []string `json:"eligible"`
}

type initTaskReply struct {
	Result          string           `json:"result"`
	WorkerInitSpec  *neededSubModule `json:"worker_init_spec"`
	ManagerInitSpec *neededSubModule `json:"manager_init_spec"`
}

// taskIDRequest is the body shared by reconfig/schedule/stop/
// query-full/config-spec/build-spec: every one of them is keyed
// solely off task_id.
type taskIDRequest struct {
	TaskID int64 `json:"task_id"`
}

type taskConfigRequest struct {
	TaskID int64          `json:"task_id"`
	Config map[string]any `json:"config"`
}

// buildConfigRequest carries both branches' build configs. Build
// config is two independent maps (worker/manager) behind a single
// endpoint, so the orchestrator accepts either a flat `config` applied
// to both sides or explicit `worker_config`/`manager_config`
// overrides.
type buildConfigRequest struct {
	TaskID        int64          `json:"task_id"`
	Config        map[string]any `json:"config"`
	WorkerConfig  map[string]any `json:"worker_config"`
	ManagerConfig map[string]any `json:"manager_config"`
}

func (r buildConfigRequest) workerSide() map[string]any {
	if r.WorkerConfig != nil {
		return r.WorkerConfig
	}
	return r.Config
}

func (r buildConfigRequest) managerSide() map[string]any {
	if r.ManagerConfig != nil {
		return r.ManagerConfig
	}
	return r.Config
}

type queryMinimalReply struct {
	Queries []types.TaskMinimal `json:"queries"`
}

type configSpecReply struct {
	Result           string                     `json:"result"`
	WorkerConfigSpec []types.ConfigSpecElement  `json:"worker_config_spec,omitempty"`
	ManagerConfigSpec []types.ConfigSpecElement `json:"manager_config_spec,omitempty"`
}

type buildSpecReply struct {
	Result          string                    `json:"result"`
	WorkerBuildSpec []types.ConfigSpecElement `json:"worker_build_spec,omitempty"`
	ManagerBuildSpec []types.ConfigSpecElement `json:"manager_build_spec,omitempty"`
}

type availableModulesReply struct {
	Modules []string `json:"modules"`
}

type activeSubModulesReply struct {
	SubModules map[string][]string `json:"submodules"`
}

// registerWorkerRequest is the body for POST /worker/register. Version
// is accepted and ignored: the Worker's observable version is its
// ObjectModel generation counter, not a caller-supplied
// value.
type registerWorkerRequest struct {
	Name     string `json:"name"`
	Version  int64  `json:"version"`
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memoryMB"`
}

type registerWorkerReply struct {
	Result       string `json:"result"`
	SessionToken uint64 `json:"session_token,omitempty"`
}

type workerAuthRequest struct {
	Name         string `json:"name"`
	SessionToken uint64 `json:"session_token"`
}
