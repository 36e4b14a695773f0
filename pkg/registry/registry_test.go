package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunequeue/tunequeue/pkg/registry"
	"github.com/tunequeue/tunequeue/pkg/types"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.NewRegistry(registry.Config{
		WorkerTimeout: 50 * time.Millisecond,
		AuditInterval: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	r.StartAudit(ctx)
	t.Cleanup(func() {
		cancel()
		r.Stop()
	})
	return r
}

func TestRegisterThenConnectSucceeds(t *testing.T) {
	r := newTestRegistry(t)
	w, err := r.Register("w1", 4, 1024)
	require.NoError(t, err)

	connected, err := r.Connect("w1", w.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerConnected, connected.State())
}

func TestConnectWrongTokenFails(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("w1", 4, 1024)
	require.NoError(t, err)

	_, err = r.Connect("w1", 0xdeadbeef)
	assert.ErrorIs(t, err, registry.ErrInvalidToken)
}

func TestConnectUnknownWorkerFails(t *testing.T) {
	r := newTestRegistry(t)

	done := make(chan error, 1)
	go func() {
		_, err := r.Connect("ghost", 1)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, registry.ErrWorkerNotFound)
	case <-time.After(time.Second):
		t.Fatal("Connect on an unregistered name never unblocked")
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register("w1", 4, 1024)
	require.NoError(t, err)

	_, err = r.Register("w1", 4, 1024)
	assert.ErrorIs(t, err, registry.ErrAlreadyRegistered)
}

func TestReRegistrationAfterMarkedForDeleteGetsFreshToken(t *testing.T) {
	r := newTestRegistry(t)
	w1, err := r.Register("w1", 4, 1024)
	require.NoError(t, err)

	require.NoError(t, r.Unregister("w1", w1.SessionToken))
	require.Eventually(t, func() bool {
		for _, info := range r.List() {
			if info.Name == "w1" {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	w2, err := r.Register("w1", 4, 1024)
	require.NoError(t, err)
	assert.NotEqual(t, w1.SessionToken, w2.SessionToken)
}

func TestKeepAliveTimeout(t *testing.T) {
	r := newTestRegistry(t)
	w, err := r.Register("w1", 4, 1024)
	require.NoError(t, err)
	_, err = r.Connect("w1", w.SessionToken)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return w.State() == types.WorkerMarkedForDelete || len(r.List()) == 0
	}, time.Second, time.Millisecond)
}

func TestBumpKeepAliveResetsTimeout(t *testing.T) {
	r := newTestRegistry(t)
	w, err := r.Register("w1", 4, 1024)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, r.BumpKeepAlive("w1", w.SessionToken))
	}
	assert.NotEqual(t, types.WorkerMarkedForDelete, w.State())
}

func TestDoubleUnregisterObservesNotFound(t *testing.T) {
	r := newTestRegistry(t)
	w, err := r.Register("w1", 4, 1024)
	require.NoError(t, err)

	require.NoError(t, r.Unregister("w1", w.SessionToken))
	err = r.Unregister("w1", w.SessionToken)
	assert.ErrorIs(t, err, registry.ErrWorkerNotFound)
}

func TestBumpKeepAliveBeforeAuditMovesWorker(t *testing.T) {
	// A long audit interval keeps the worker in the registration queue;
	// authenticated calls must still resolve it there.
	r := registry.NewRegistry(registry.Config{
		WorkerTimeout: time.Minute,
		AuditInterval: time.Minute,
	})
	w, err := r.Register("w1", 4, 1024)
	require.NoError(t, err)
	require.NoError(t, r.BumpKeepAlive("w1", w.SessionToken))
}

type recordingReaper struct {
	mu      sync.Mutex
	stopped []string
	closed  []string
}

func (r *recordingReaper) StopWorkerJobs(workerName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, workerName)
}

func (r *recordingReaper) CloseWorker(workerName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, workerName)
}

func (r *recordingReaper) has(list *[]string, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range *list {
		if n == name {
			return true
		}
	}
	return false
}

func TestUnregisterClosesSocketAndFailsJobs(t *testing.T) {
	reaper := &recordingReaper{}
	r := registry.NewRegistry(registry.Config{
		WorkerTimeout: time.Minute,
		AuditInterval: 10 * time.Millisecond,
		Jobs:          reaper,
	})
	r.SetSocketCloser(reaper)
	ctx, cancel := context.WithCancel(context.Background())
	r.StartAudit(ctx)
	t.Cleanup(func() { cancel(); r.Stop() })

	w, err := r.Register("w1", 4, 1024)
	require.NoError(t, err)
	require.NoError(t, r.Unregister("w1", w.SessionToken))

	assert.True(t, reaper.has(&reaper.closed, "w1"))
	assert.True(t, reaper.has(&reaper.stopped, "w1"))
}

func TestTimedOutWorkerJobsAreFailed(t *testing.T) {
	reaper := &recordingReaper{}
	r := registry.NewRegistry(registry.Config{
		WorkerTimeout: 20 * time.Millisecond,
		AuditInterval: 10 * time.Millisecond,
		Jobs:          reaper,
	})
	r.SetSocketCloser(reaper)
	ctx, cancel := context.WithCancel(context.Background())
	r.StartAudit(ctx)
	t.Cleanup(func() { cancel(); r.Stop() })

	w, err := r.Register("w1", 4, 1024)
	require.NoError(t, err)
	_, err = r.Connect("w1", w.SessionToken)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return reaper.has(&reaper.stopped, "w1") && reaper.has(&reaper.closed, "w1")
	}, time.Second, time.Millisecond)
}
