package worker_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunequeue/tunequeue/pkg/module"
	"github.com/tunequeue/tunequeue/pkg/types"
	"github.com/tunequeue/tunequeue/pkg/worker"
)

// fakeWorkerModule is a trivial WorkerModule used to exercise Worker
// without any real test-engine plumbing.
type fakeWorkerModule struct {
	mu         sync.Mutex
	built      bool
	buildErr   error
	configured map[string]any
	runs       int32

	blockUntil chan struct{} // if non-nil, RunSingleTest blocks on it
}

func (f *fakeWorkerModule) ConfigureBuild(raw map[string]any, prefix string) error { return nil }

func (f *fakeWorkerModule) Build(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buildErr != nil {
		return f.buildErr
	}
	f.built = true
	return nil
}

func (f *fakeWorkerModule) ConfigureModule(raw map[string]any, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured = raw
	return nil
}

func (f *fakeWorkerModule) RunSingleTest(ctx context.Context, args map[string]any, seed int64) (string, error) {
	if f.blockUntil != nil {
		select {
		case <-f.blockUntil:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	return fmt.Sprintf("seed=%d", seed), nil
}

type fakeBuilder struct {
	name string
	wm   *fakeWorkerModule
}

func (b *fakeBuilder) Name() string                               { return b.name }
func (b *fakeBuilder) Slots() []module.SlotSpec                   { return nil }
func (b *fakeBuilder) ConfigSpec() []types.ConfigSpecElement       { return nil }
func (b *fakeBuilder) BuildSpec() []types.ConfigSpecElement        { return nil }
func (b *fakeBuilder) Build(children map[string][]any) (any, error) {
	return b.wm, nil
}

func newTestWorker(t *testing.T, moduleName string, wm *fakeWorkerModule) *worker.Worker {
	t.Helper()
	modules := module.NewRegistry()
	modules.RegisterWorker(moduleName, func() module.Builder {
		return &fakeBuilder{name: moduleName, wm: wm}
	})
	modules.Freeze()
	subModules := module.NewSubModuleRegistry()
	subModules.Freeze()
	return worker.New(worker.Config{Modules: modules, SubModules: subModules, PoolCapacity: 2})
}

func TestConfigureTaskBuildsAndConfigures(t *testing.T) {
	wm := &fakeWorkerModule{}
	w := newTestWorker(t, "harness", wm)

	err := w.ConfigureTask(context.Background(), 1, "harness", types.SelectionMap{}, nil, map[string]any{"k": "v"})
	require.NoError(t, err)

	assert.True(t, wm.built)
	assert.Equal(t, "v", wm.configured["k"])
}

func TestConfigureTaskUnknownModule(t *testing.T) {
	w := newTestWorker(t, "harness", &fakeWorkerModule{})
	err := w.ConfigureTask(context.Background(), 1, "nonexistent", types.SelectionMap{}, nil, nil)
	assert.Error(t, err)
}

func TestRunSingleTestRequiresConfiguredTask(t *testing.T) {
	w := newTestWorker(t, "harness", &fakeWorkerModule{})
	_, err := w.RunSingleTest(context.Background(), 99, map[string]any{}, 1)
	assert.Error(t, err)
}

func TestRunSingleTestReturnsModuleResult(t *testing.T) {
	wm := &fakeWorkerModule{}
	w := newTestWorker(t, "harness", wm)
	require.NoError(t, w.ConfigureTask(context.Background(), 1, "harness", types.SelectionMap{}, nil, nil))

	result, err := w.RunSingleTest(context.Background(), 1, map[string]any{}, 7)
	require.NoError(t, err)
	assert.Equal(t, "seed=7", result)
}

func TestRunSingleTestBlocksAtPoolCapacity(t *testing.T) {
	wm := &fakeWorkerModule{blockUntil: make(chan struct{})}
	w := newTestWorker(t, "harness", wm)
	require.NoError(t, w.ConfigureTask(context.Background(), 1, "harness", types.SelectionMap{}, nil, nil))

	// Pool capacity is 2; launch 2 that block, then a 3rd with a short
	// deadline that must time out waiting for a pool slot.
	for i := 0; i < 2; i++ {
		go w.RunSingleTest(context.Background(), 1, map[string]any{}, int64(i))
	}
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := w.RunSingleTest(ctx, 1, map[string]any{}, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(wm.blockUntil)
}

func TestForgetRemovesTaskModule(t *testing.T) {
	wm := &fakeWorkerModule{}
	w := newTestWorker(t, "harness", wm)
	require.NoError(t, w.ConfigureTask(context.Background(), 1, "harness", types.SelectionMap{}, nil, nil))

	w.Forget(1)
	_, err := w.RunSingleTest(context.Background(), 1, map[string]any{}, 1)
	assert.Error(t, err)
}

func TestAbortAllInterruptsInflightRuns(t *testing.T) {
	wm := &fakeWorkerModule{blockUntil: make(chan struct{})}
	w := newTestWorker(t, "harness", wm)
	require.NoError(t, w.ConfigureTask(context.Background(), 1, "harness", types.SelectionMap{}, nil, nil))

	errCh := make(chan error, 1)
	go func() {
		_, err := w.RunSingleTest(context.Background(), 1, map[string]any{}, 1)
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for w.ActiveRuns() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, w.ActiveRuns())

	assert.Equal(t, 1, w.AbortAll())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("aborted run never returned")
	}
	assert.Zero(t, w.ActiveRuns())
}

func TestAbortTaskOnlyTouchesItsOwnRuns(t *testing.T) {
	wm := &fakeWorkerModule{blockUntil: make(chan struct{})}
	w := newTestWorker(t, "harness", wm)
	require.NoError(t, w.ConfigureTask(context.Background(), 1, "harness", types.SelectionMap{}, nil, nil))
	require.NoError(t, w.ConfigureTask(context.Background(), 2, "harness", types.SelectionMap{}, nil, nil))

	go w.RunSingleTest(context.Background(), 1, map[string]any{}, 1)
	go w.RunSingleTest(context.Background(), 2, map[string]any{}, 2)
	deadline := time.Now().Add(2 * time.Second)
	for w.ActiveRuns() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 2, w.ActiveRuns())

	assert.Equal(t, 1, w.AbortTask(2))
	for w.ActiveRuns() > 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 1, w.ActiveRuns())
	close(wm.blockUntil)
}
