package scheduler_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunequeue/tunequeue/pkg/scheduler"
	"github.com/tunequeue/tunequeue/pkg/types"
)

// fakeTaskSource serves a fixed set of scheduled tasks.
type fakeTaskSource struct {
	mu        sync.Mutex
	scheduled map[int64]uint64
}

func (f *fakeTaskSource) ScheduledGenerations() map[int64]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]uint64, len(f.scheduled))
	for id, g := range f.scheduled {
		out[id] = g
	}
	return out
}

func (f *fakeTaskSource) QueryFull(id int64) (types.TaskSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.TaskSnapshot{ID: id, Name: "t", ModuleName: "m", Generation: f.scheduled[id]}, nil
}

type fakeWorkerSource struct {
	names      []string
	configured []string
}

func (f *fakeWorkerSource) ConnectedWorkerNames() []string { return f.names }
func (f *fakeWorkerSource) MarkConfigured(name string)     { f.configured = append(f.configured, name) }

type fakeConfigurer struct {
	calls []string
}

func (f *fakeConfigurer) ConfigureWorkerTask(_ context.Context, workerName string, snap types.TaskSnapshot) error {
	f.calls = append(f.calls, workerName)
	return nil
}

func newPumpFixture(scheduled map[int64]uint64, workers []string) (*scheduler.Scheduler, *scheduler.Pump, *fakeConfigurer, *fakeWorkerSource) {
	sched := scheduler.NewScheduler(scheduler.Config{
		Tasks:      &fakeTaskProvider{},
		Dispatcher: &recordingDispatcher{},
	})
	tasks := &fakeTaskSource{scheduled: scheduled}
	ws := &fakeWorkerSource{names: workers}
	cfg := &fakeConfigurer{}
	pump := scheduler.NewPump(sched, tasks, ws, cfg, 0)
	return sched, pump, cfg, ws
}

func TestPumpDispatchesOneJobPerIdleWorker(t *testing.T) {
	sched, pump, cfg, ws := newPumpFixture(map[int64]uint64{1: 4}, []string{"w1", "w2"})

	pump.Tick(context.Background())

	// One PREPARED job per worker; both workers configured first.
	assert.Equal(t, 2, sched.QueueDepth(types.JobPrepared))
	assert.ElementsMatch(t, []string{"w1", "w2"}, cfg.calls)
	assert.ElementsMatch(t, []string{"w1", "w2"}, ws.configured)
}

func TestPumpSkipsBusyWorkers(t *testing.T) {
	sched, pump, _, _ := newPumpFixture(map[int64]uint64{1: 4}, []string{"w1"})

	pump.Tick(context.Background())
	require.Equal(t, 1, sched.QueueDepth(types.JobPrepared))

	// The outstanding PREPARED job keeps w1 busy: a second tick must
	// not double-dispatch.
	pump.Tick(context.Background())
	assert.Equal(t, 1, sched.QueueDepth(types.JobPrepared))
}

func TestPumpReconfiguresOnGenerationBump(t *testing.T) {
	tasks := &fakeTaskSource{scheduled: map[int64]uint64{1: 4}}
	sched := scheduler.NewScheduler(scheduler.Config{
		Tasks:      &fakeTaskProvider{},
		Dispatcher: &recordingDispatcher{},
	})
	ws := &fakeWorkerSource{names: []string{"w1"}}
	cfg := &fakeConfigurer{}
	pump := scheduler.NewPump(sched, tasks, ws, cfg, 0)

	pump.Tick(context.Background())
	require.Len(t, cfg.calls, 1)

	// Drain w1: force-fail its job so the worker is idle again.
	sched.StopTaskJobs(1, 4)

	// Same generation: no reconfigure on redispatch.
	pump.Tick(context.Background())
	assert.Len(t, cfg.calls, 1)

	sched.StopTaskJobs(1, 4)

	// Bumped generation: the worker is configured again.
	tasks.mu.Lock()
	tasks.scheduled[1] = 5
	tasks.mu.Unlock()
	pump.Tick(context.Background())
	assert.Len(t, cfg.calls, 2)
}

func TestPumpNoScheduledTasksIsQuiet(t *testing.T) {
	sched, pump, cfg, _ := newPumpFixture(map[int64]uint64{}, []string{"w1"})
	pump.Tick(context.Background())
	assert.Zero(t, sched.QueueDepth(types.JobPrepared))
	assert.Empty(t, cfg.calls)
}
