// Package api implements the Manager's HTTP surface: the
// orchestrator's task/module/submodule endpoints and the worker
// registration endpoints, all json over net/http's ServeMux, plus the
// /worker/perform-test websocket upgrade delegated to pkg/channel.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/tunequeue/tunequeue/pkg/log"
	"github.com/tunequeue/tunequeue/pkg/module"
	"github.com/tunequeue/tunequeue/pkg/registry"
	"github.com/tunequeue/tunequeue/pkg/types"
)

// TaskEngine is the narrow view of pkg/task's Engine the HTTP layer
// needs. Create returns the new Task's id directly rather than a Task
// handle so this interface has no dependency on pkg/task's types; see
// NewTaskEngineAdapter for the concrete binding.
type TaskEngine interface {
	Create(name, description, moduleName string) (int64, error)
	QueryMinimal() []types.TaskMinimal
	Init(id int64, workerInit, managerInit types.SelectionMap) (*module.NeededSubModule, *module.NeededSubModule, error)
	Build(ctx context.Context, id int64, workerBuildConfig, managerBuildConfig map[string]any) error
	Config(id int64, workerConfig, managerConfig map[string]any) error
	Schedule(id int64) error
	Reconfig(id int64) error
	Stop(id int64) error
	QueryFull(id int64) (types.TaskSnapshot, error)
	ConfigSpec(id int64) (workerSpec, managerSpec []types.ConfigSpecElement, err error)
	BuildSpec(id int64) (workerSpec, managerSpec []types.ConfigSpecElement, err error)
}

// ModuleRegistry is the narrow view of pkg/module's Registry needed by
// GET /orchestrator/modules/get/available.
type ModuleRegistry interface {
	AvailableModules() []string
}

// SubModuleRegistry is the narrow view of pkg/module's SubModuleRegistry
// needed by GET /orchestrator/submodules/get/active.
type SubModuleRegistry interface {
	Active() map[string][]string
}

// WorkerRegistry is the narrow view of pkg/registry's Registry needed
// by the worker/* endpoints.
type WorkerRegistry interface {
	Register(name string, cpus, memoryMB int) (*registry.Worker, error)
	Unregister(name string, token uint64) error
	BumpKeepAlive(name string, token uint64) error
}

// ChannelServer is the narrow view of pkg/channel's Server needed to
// mount the worker websocket upgrade.
type ChannelServer interface {
	HandleUpgrade(w http.ResponseWriter, r *http.Request)
}

// Config carries the Server's construction-time dependencies.
type Config struct {
	Tasks      TaskEngine
	Modules    ModuleRegistry
	SubModules SubModuleRegistry
	Workers    WorkerRegistry
	Channel    ChannelServer
}

// Server implements the Manager's HTTP surface.
type Server struct {
	cfg    Config
	logger zerolog.Logger
}

// NewServer constructs a Server.
func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg, logger: log.WithComponent("api")}
}

// Mux builds a ServeMux with every route wired, ready to pass to
// http.Server or httptest.NewServer.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/orchestrator/task/create", s.handleTaskCreate)
	mux.HandleFunc("/orchestrator/task/init", s.handleTaskInit)
	mux.HandleFunc("/orchestrator/task/build", s.handleTaskBuild)
	mux.HandleFunc("/orchestrator/task/config", s.handleTaskConfig)
	mux.HandleFunc("/orchestrator/task/reconfig", s.handleTaskReconfig)
	mux.HandleFunc("/orchestrator/task/schedule", s.handleTaskSchedule)
	mux.HandleFunc("/orchestrator/task/stop", s.handleTaskStop)
	mux.HandleFunc("/orchestrator/task/query/minimal", s.handleTaskQueryMinimal)
	mux.HandleFunc("/orchestrator/task/query/full", s.handleTaskQueryFull)
	mux.HandleFunc("/orchestrator/task/config/spec", s.handleTaskConfigSpec)
	mux.HandleFunc("/orchestrator/task/build/spec", s.handleTaskBuildSpec)
	mux.HandleFunc("/orchestrator/modules/get/available", s.handleModulesAvailable)
	mux.HandleFunc("/orchestrator/submodules/get/active", s.handleSubModulesActive)
	mux.HandleFunc("/worker/register", s.handleWorkerRegister)
	mux.HandleFunc("/worker/unregister", s.handleWorkerUnregister)
	mux.HandleFunc("/worker/bump_ka", s.handleWorkerBumpKA)
	mux.HandleFunc("/worker/perform-test", s.cfg.Channel.HandleUpgrade)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// handleTaskCreate implements POST /orchestrator/task/create.
func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, createTaskReply{Result: err.Error(), TaskID: -1})
		return
	}
	id, err := s.cfg.Tasks.Create(req.Name, req.Description, req.ModuleName)
	if err != nil {
		writeJSON(w, http.StatusOK, createTaskReply{Result: err.Error(), TaskID: -1})
		return
	}
	writeJSON(w, http.StatusOK, createTaskReply{Result: string(types.Success), TaskID: id})
}

func toNeededSubModule(n *module.NeededSubModule) *neededSubModule {
	if n == nil {
		return nil
	}
	return &neededSubModule{
		FQName:        n.FQName,
		SubModuleType: n.SubModuleType,
		Multiplicity:  string(n.Multiplicity),
		Description:   n.Description,
		Eligible:      n.Eligible,
	}
}

func (s *Server) handleTaskInit(w http.ResponseWriter, r *http.Request) {
	var req initTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, initTaskReply{Result: err.Error()})
		return
	}
	workerNeeded, managerNeeded, err := s.cfg.Tasks.Init(req.TaskID, req.WorkerInit, req.ManagerInit)
	if err != nil {
		writeJSON(w, http.StatusOK, initTaskReply{Result: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, initTaskReply{
		Result:          string(types.Success),
		WorkerInitSpec:  toNeededSubModule(workerNeeded),
		ManagerInitSpec: toNeededSubModule(managerNeeded),
	})
}

func (s *Server) handleTaskBuild(w http.ResponseWriter, r *http.Request) {
	var req buildConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, resultReply{Result: err.Error()})
		return
	}
	err := s.cfg.Tasks.Build(r.Context(), req.TaskID, req.workerSide(), req.managerSide())
	writeJSON(w, http.StatusOK, resultReply{Result: resultString(err)})
}

func (s *Server) handleTaskConfig(w http.ResponseWriter, r *http.Request) {
	var req buildConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, resultReply{Result: err.Error()})
		return
	}
	err := s.cfg.Tasks.Config(req.TaskID, req.workerSide(), req.managerSide())
	writeJSON(w, http.StatusOK, resultReply{Result: resultString(err)})
}

func (s *Server) handleTaskReconfig(w http.ResponseWriter, r *http.Request) {
	var req taskIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, resultReply{Result: err.Error()})
		return
	}
	err := s.cfg.Tasks.Reconfig(req.TaskID)
	writeJSON(w, http.StatusOK, resultReply{Result: resultString(err)})
}

func (s *Server) handleTaskSchedule(w http.ResponseWriter, r *http.Request) {
	var req taskIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, resultReply{Result: err.Error()})
		return
	}
	err := s.cfg.Tasks.Schedule(req.TaskID)
	writeJSON(w, http.StatusOK, resultReply{Result: resultString(err)})
}

func (s *Server) handleTaskStop(w http.ResponseWriter, r *http.Request) {
	var req taskIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, resultReply{Result: err.Error()})
		return
	}
	err := s.cfg.Tasks.Stop(req.TaskID)
	writeJSON(w, http.StatusOK, resultReply{Result: resultString(err)})
}

func (s *Server) handleTaskQueryMinimal(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, queryMinimalReply{Queries: s.cfg.Tasks.QueryMinimal()})
}

func (s *Server) handleTaskQueryFull(w http.ResponseWriter, r *http.Request) {
	var req taskIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, resultReply{Result: err.Error()})
		return
	}
	snap, err := s.cfg.Tasks.QueryFull(req.TaskID)
	if err != nil {
		writeJSON(w, http.StatusOK, resultReply{Result: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTaskConfigSpec(w http.ResponseWriter, r *http.Request) {
	var req taskIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, configSpecReply{Result: err.Error()})
		return
	}
	workerSpec, managerSpec, err := s.cfg.Tasks.ConfigSpec(req.TaskID)
	if err != nil {
		writeJSON(w, http.StatusOK, configSpecReply{Result: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, configSpecReply{
		Result:            string(types.Success),
		WorkerConfigSpec:  workerSpec,
		ManagerConfigSpec: managerSpec,
	})
}

func (s *Server) handleTaskBuildSpec(w http.ResponseWriter, r *http.Request) {
	var req taskIDRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, buildSpecReply{Result: err.Error()})
		return
	}
	workerSpec, managerSpec, err := s.cfg.Tasks.BuildSpec(req.TaskID)
	if err != nil {
		writeJSON(w, http.StatusOK, buildSpecReply{Result: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, buildSpecReply{
		Result:           string(types.Success),
		WorkerBuildSpec:  workerSpec,
		ManagerBuildSpec: managerSpec,
	})
}

func (s *Server) handleModulesAvailable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, availableModulesReply{Modules: s.cfg.Modules.AvailableModules()})
}

func (s *Server) handleSubModulesActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, activeSubModulesReply{SubModules: s.cfg.SubModules.Active()})
}

func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, registerWorkerReply{Result: err.Error()})
		return
	}
	worker, err := s.cfg.Workers.Register(req.Name, req.CPUs, req.MemoryMB)
	if err != nil {
		code := types.UnknownError
		if errors.Is(err, registry.ErrAlreadyRegistered) {
			code = types.WorkerAlreadyRegistered
		}
		writeJSON(w, http.StatusOK, registerWorkerReply{Result: string(code)})
		return
	}
	writeJSON(w, http.StatusOK, registerWorkerReply{Result: string(types.Success), SessionToken: worker.SessionToken})
}

func (s *Server) handleWorkerUnregister(w http.ResponseWriter, r *http.Request) {
	var req workerAuthRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, resultReply{Result: err.Error()})
		return
	}
	err := s.cfg.Workers.Unregister(req.Name, req.SessionToken)
	writeJSON(w, http.StatusOK, resultReply{Result: string(resultCodeFor(err))})
}

func (s *Server) handleWorkerBumpKA(w http.ResponseWriter, r *http.Request) {
	var req workerAuthRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, resultReply{Result: err.Error()})
		return
	}
	err := s.cfg.Workers.BumpKeepAlive(req.Name, req.SessionToken)
	writeJSON(w, http.StatusOK, resultReply{Result: string(resultCodeFor(err))})
}

// resultString renders a domain-layer error as the free-form string
// the wire contract uses for non-taxonomy failures, or SUCCESS.
func resultString(err error) string {
	if err == nil {
		return string(types.Success)
	}
	return err.Error()
}

// resultCodeFor maps the closed Worker Registry error taxonomy onto
// the wire-level ResultCode enum.
func resultCodeFor(err error) types.ResultCode {
	switch {
	case err == nil:
		return types.Success
	case errors.Is(err, registry.ErrWorkerNotFound):
		return types.WorkerNotFound
	case errors.Is(err, registry.ErrInvalidToken):
		return types.InvalidToken
	case errors.Is(err, registry.ErrAlreadyConnected):
		return types.WorkerAlreadyConnected
	case errors.Is(err, registry.ErrWrongState):
		return types.WorkerWrongState
	default:
		return types.UnknownError
	}
}
