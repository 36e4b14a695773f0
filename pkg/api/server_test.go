package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunequeue/tunequeue/pkg/api"
	"github.com/tunequeue/tunequeue/pkg/module"
	"github.com/tunequeue/tunequeue/pkg/modules/chess"
	"github.com/tunequeue/tunequeue/pkg/registry"
	"github.com/tunequeue/tunequeue/pkg/task"
	"github.com/tunequeue/tunequeue/pkg/types"
)

type fakeChannel struct{}

func (fakeChannel) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "not implemented in this test", http.StatusNotImplemented)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	modules := module.NewRegistry()
	subModules := module.NewSubModuleRegistry()
	chess.Register(modules, subModules)
	modules.Freeze()
	subModules.Freeze()

	engine := task.NewEngine(task.Config{
		Modules:    modules,
		SubModules: subModules,
		JobAborter: noopAborter{},
		BuildDir:   t.TempDir(),
	})

	reg := registry.NewRegistry(registry.Config{})

	srv := api.NewServer(api.Config{
		Tasks:      api.NewTaskEngineAdapter(engine),
		Modules:    modules,
		SubModules: subModules,
		Workers:    reg,
		Channel:    fakeChannel{},
	})
	return httptest.NewServer(srv.Mux())
}

type noopAborter struct{}

func (noopAborter) StopTaskJobs(int64, uint64) {}

func postJSON(t *testing.T, url string, body any, out any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	var created struct {
		Result string `json:"result"`
		TaskID int64  `json:"task_id"`
	}
	postJSON(t, ts.URL+"/orchestrator/task/create", map[string]any{
		"name": "tune-1", "description": "first run", "module_name": chess.ModuleName,
	}, &created)
	require.Equal(t, "SUCCESS", created.Result)
	require.GreaterOrEqual(t, created.TaskID, int64(0))

	var inited struct {
		Result          string      `json:"result"`
		WorkerInitSpec  interface{} `json:"worker_init_spec"`
		ManagerInitSpec interface{} `json:"manager_init_spec"`
	}
	postJSON(t, ts.URL+"/orchestrator/task/init", map[string]any{
		"task_id": created.TaskID, "worker_init": types.SelectionMap{}, "manager_init": types.SelectionMap{},
	}, &inited)
	require.Equal(t, "SUCCESS", inited.Result)
	assert.Nil(t, inited.WorkerInitSpec)
	assert.Nil(t, inited.ManagerInitSpec)

	var built struct {
		Result string `json:"result"`
	}
	postJSON(t, ts.URL+"/orchestrator/task/build", map[string]any{
		"task_id": created.TaskID, "config": map[string]any{},
	}, &built)
	require.Equal(t, "SUCCESS", built.Result)

	var configured struct {
		Result string `json:"result"`
	}
	postJSON(t, ts.URL+"/orchestrator/task/config", map[string]any{
		"task_id": created.TaskID, "config": map[string]any{},
	}, &configured)
	require.Equal(t, "SUCCESS", configured.Result)

	var scheduled struct {
		Result string `json:"result"`
	}
	postJSON(t, ts.URL+"/orchestrator/task/schedule", map[string]any{"task_id": created.TaskID}, &scheduled)
	require.Equal(t, "SUCCESS", scheduled.Result)

	resp, err := http.Get(ts.URL + "/orchestrator/modules/get/available")
	require.NoError(t, err)
	defer resp.Body.Close()
	var modulesReply struct {
		Modules []string `json:"modules"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&modulesReply))
	assert.Contains(t, modulesReply.Modules, chess.ModuleName)
}

func TestTaskCreateUnknownModuleReturnsMinusOne(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	var created struct {
		Result string `json:"result"`
		TaskID int64  `json:"task_id"`
	}
	postJSON(t, ts.URL+"/orchestrator/task/create", map[string]any{
		"name": "bogus", "description": "", "module_name": "NoSuchModule",
	}, &created)
	assert.NotEqual(t, "SUCCESS", created.Result)
	assert.EqualValues(t, -1, created.TaskID)
}

func TestWorkerRegisterAndUnregister(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	var registered struct {
		Result       string `json:"result"`
		SessionToken uint64 `json:"session_token"`
	}
	postJSON(t, ts.URL+"/worker/register", map[string]any{
		"name": "worker-a", "cpus": 4, "memoryMB": 2048,
	}, &registered)
	require.Equal(t, "SUCCESS", registered.Result)
	require.NotZero(t, registered.SessionToken)

	var unregistered struct {
		Result string `json:"result"`
	}
	postJSON(t, ts.URL+"/worker/unregister", map[string]any{
		"name": "worker-a", "session_token": registered.SessionToken,
	}, &unregistered)
	require.Equal(t, "SUCCESS", unregistered.Result)

	var double struct {
		Result string `json:"result"`
	}
	postJSON(t, ts.URL+"/worker/unregister", map[string]any{
		"name": "worker-a", "session_token": registered.SessionToken,
	}, &double)
	assert.Equal(t, "WORKER_NOT_FOUND", double.Result)
}
