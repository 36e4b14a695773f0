package task_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunequeue/tunequeue/pkg/module"
	"github.com/tunequeue/tunequeue/pkg/modules/chess"
	"github.com/tunequeue/tunequeue/pkg/task"
	"github.com/tunequeue/tunequeue/pkg/types"
)

type noopAborter struct{ calls []int64 }

func (n *noopAborter) StopTaskJobs(taskID int64, generation uint64) {
	n.calls = append(n.calls, taskID)
}

func newEngine(t *testing.T) (*task.Engine, *noopAborter) {
	t.Helper()
	modules := module.NewRegistry()
	subModules := module.NewSubModuleRegistry()
	chess.Register(modules, subModules)
	modules.Freeze()
	subModules.Freeze()

	aborter := &noopAborter{}
	e := task.NewEngine(task.Config{
		Modules:    modules,
		SubModules: subModules,
		JobAborter: aborter,
		BuildDir:   t.TempDir(),
	})
	return e, aborter
}

func driveToScheduled(t *testing.T, e *task.Engine, id int64) {
	t.Helper()
	for {
		workerNeeded, managerNeeded, err := e.Init(id, types.SelectionMap{}, types.SelectionMap{})
		require.NoError(t, err)
		if workerNeeded == nil && managerNeeded == nil {
			break
		}
	}
	require.NoError(t, e.Build(context.Background(), id, nil, nil))
	require.NoError(t, e.Config(id, nil, nil))
	require.NoError(t, e.Schedule(id))
}

func TestHappyPathReachesScheduled(t *testing.T) {
	e, _ := newEngine(t)
	tsk, err := e.Create("t1", "", chess.ModuleName)
	require.NoError(t, err)
	assert.EqualValues(t, 0, tsk.ID)

	driveToScheduled(t, e, tsk.ID)

	snap, err := e.QueryFull(tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskScheduled, snap.State)
}

func TestDuplicateTaskNameRejected(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Create("t1", "", chess.ModuleName)
	require.NoError(t, err)

	_, err = e.Create("t1", "", chess.ModuleName)
	assert.ErrorIs(t, err, task.ErrNameConflict)
}

func TestUnknownModuleRejected(t *testing.T) {
	e, _ := newEngine(t)
	_, err := e.Create("t1", "", "NoSuchModule")
	assert.ErrorIs(t, err, task.ErrUnknownModule)
}

func TestReconfigAbortsJobsAndRevertsToBuilt(t *testing.T) {
	e, aborter := newEngine(t)
	tsk, err := e.Create("t1", "", chess.ModuleName)
	require.NoError(t, err)
	driveToScheduled(t, e, tsk.ID)

	genBefore := tsk.Generation()
	require.NoError(t, e.Reconfig(tsk.ID))

	assert.Equal(t, types.TaskBuilt, tsk.Snapshot().State)
	assert.Greater(t, tsk.Generation(), genBefore)
	assert.Contains(t, aborter.calls, tsk.ID)
}

func TestConfigSpecIdempotent(t *testing.T) {
	e, _ := newEngine(t)
	tsk, err := e.Create("t1", "", chess.ModuleName)
	require.NoError(t, err)
	for {
		wn, mn, err := e.Init(tsk.ID, types.SelectionMap{}, types.SelectionMap{})
		require.NoError(t, err)
		if wn == nil && mn == nil {
			break
		}
	}

	ws1, ms1, err := e.ConfigSpec(tsk.ID)
	require.NoError(t, err)
	ws2, ms2, err := e.ConfigSpec(tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, ws1, ws2)
	assert.Equal(t, ms1, ms2)
}

func TestOperationInProgressFailsFast(t *testing.T) {
	e, _ := newEngine(t)
	tsk, err := e.Create("t1", "", chess.ModuleName)
	require.NoError(t, err)

	release, err := tsk.TryOperation()
	require.NoError(t, err)
	defer release()

	_, _, err = e.Init(tsk.ID, types.SelectionMap{}, types.SelectionMap{})
	assert.Error(t, err)
}

func TestInitIdempotentOnceInitiated(t *testing.T) {
	e, _ := newEngine(t)
	tsk, err := e.Create("t1", "", chess.ModuleName)
	require.NoError(t, err)

	for {
		wn, mn, err := e.Init(tsk.ID, types.SelectionMap{}, types.SelectionMap{})
		require.NoError(t, err)
		if wn == nil && mn == nil {
			break
		}
	}
	genBefore := tsk.Generation()

	wn, mn, err := e.Init(tsk.ID, types.SelectionMap{}, types.SelectionMap{})
	require.NoError(t, err)
	assert.Nil(t, wn)
	assert.Nil(t, mn)
	assert.Equal(t, genBefore, tsk.Generation())
	assert.Equal(t, types.TaskInitiated, tsk.Snapshot().State)
}
