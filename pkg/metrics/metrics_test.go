package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunequeue/tunequeue/pkg/metrics"
	"github.com/tunequeue/tunequeue/pkg/types"
)

type fakeTasks struct{ tasks []types.TaskMinimal }

func (f fakeTasks) QueryMinimal() []types.TaskMinimal { return f.tasks }

type fakeJobs struct{ depths map[types.JobState]int }

func (f fakeJobs) QueueDepth(state types.JobState) int { return f.depths[state] }

type fakeWorkers struct{ workers []types.WorkerInfo }

func (f fakeWorkers) List() []types.WorkerInfo { return f.workers }

func TestCollectorPublishesGaugesOnStart(t *testing.T) {
	tasks := fakeTasks{tasks: []types.TaskMinimal{
		{TaskID: 1, TaskState: types.TaskScheduled},
		{TaskID: 2, TaskState: types.TaskScheduled},
		{TaskID: 3, TaskState: types.TaskReady},
	}}
	jobs := fakeJobs{depths: map[types.JobState]int{types.JobPrepared: 4}}
	workers := fakeWorkers{workers: []types.WorkerInfo{
		{Name: "w1", State: types.WorkerConnected},
	}}

	c := metrics.NewCollector(tasks, jobs, workers)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		v := testutil.ToFloat64(metrics.TasksByState.WithLabelValues(string(types.TaskScheduled)))
		return v == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TasksByState.WithLabelValues(string(types.TaskReady))))
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.JobsByState.WithLabelValues(string(types.JobPrepared))))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.WorkersByState.WithLabelValues(string(types.WorkerConnected))))
}

func TestTimerObserveDurationHistogram(t *testing.T) {
	timer := metrics.NewTimer()
	time.Sleep(5 * time.Millisecond)
	assert.NotPanics(t, func() { timer.ObserveDuration(metrics.DispatchLatency) })
}
