package daemon_test

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunequeue/tunequeue/pkg/daemon"
	"github.com/tunequeue/tunequeue/pkg/module"
	"github.com/tunequeue/tunequeue/pkg/settings"
	"github.com/tunequeue/tunequeue/pkg/worker"
)

func TestLockfileAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")
	l := daemon.NewLockfile(path)

	require.NoError(t, l.Acquire())
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(raw))

	require.NoError(t, l.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLockfileRejectsLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")
	first := daemon.NewLockfile(path)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := daemon.NewLockfile(path)
	err := second.Acquire()
	assert.Error(t, err)
}

func TestLockfileReclaimsStaleOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")
	require.NoError(t, os.WriteFile(path, []byte("999999"), 0o644))

	l := daemon.NewLockfile(path)
	require.NoError(t, l.Acquire())
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(raw))
}

func TestAwaitCreationTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-created.lock")
	err := daemon.AwaitCreation(path, 1, 100*time.Millisecond)
	assert.Error(t, err)
}

type echoRunner struct{ calls atomic.Int64 }

func (e *echoRunner) RunCommand(args []string) (string, error) {
	e.calls.Add(1)
	return "did it", nil
}

func TestCommandSocketRoundTrip(t *testing.T) {
	runner := &echoRunner{}
	sock, err := daemon.NewCommandSocket(0, runner)
	require.NoError(t, err)
	defer sock.Close()
	go sock.Serve()

	conn, err := net.Dial("tcp", sock.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, json.NewEncoder(conn).Encode(daemon.CommandRequest{Args: []string{"task", "query_minimal"}}))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS: did it\n", line)
	assert.EqualValues(t, 1, runner.calls.Load())
}

func TestGuardRestartsAfterPanic(t *testing.T) {
	var calls atomic.Int64
	done := make(chan struct{})
	daemon.Guard("flaky", 3, func() {
		n := calls.Add(1)
		if n < 3 {
			panic("transient failure")
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("guarded thread never reached its non-panicking attempt")
	}
	assert.GreaterOrEqual(t, calls.Load(), int64(3))
}

func newIdleDaemon(t *testing.T) *daemon.Daemon {
	t.Helper()
	modules := module.NewRegistry()
	modules.Freeze()
	subModules := module.NewSubModuleRegistry()
	subModules.Freeze()
	pool := worker.New(worker.Config{Modules: modules, SubModules: subModules, PoolCapacity: 1})
	return daemon.New(daemon.Config{
		LockfilePath: filepath.Join(t.TempDir(), "daemon.lock"),
		Settings:     settings.Defaults(),
		Pool:         pool,
	})
}

func TestRunCommandRejectsUnknown(t *testing.T) {
	d := newIdleDaemon(t)
	_, err := d.RunCommand([]string{"--definitely_not_a_command"})
	assert.Error(t, err)
}

func TestRunCommandSwitchJobsBlock(t *testing.T) {
	d := newIdleDaemon(t)

	reply, err := d.RunCommand([]string{"--switch_jobs_block", "type=enable"})
	require.NoError(t, err)
	assert.Contains(t, reply, "enabled")
	assert.True(t, d.JobsBlocked())

	reply, err = d.RunCommand([]string{"--switch_jobs_block", "type=disable"})
	require.NoError(t, err)
	assert.Contains(t, reply, "disabled")
	assert.False(t, d.JobsBlocked())

	_, err = d.RunCommand([]string{"--switch_jobs_block"})
	assert.Error(t, err)
}

func TestRunCommandSwitchJobsBlockHostMismatch(t *testing.T) {
	d := newIdleDaemon(t)
	reply, err := d.RunCommand([]string{"--switch_jobs_block", "type=enable", "host_name=somebody-else"})
	require.NoError(t, err)
	assert.Contains(t, reply, "unchanged")
	assert.False(t, d.JobsBlocked())
}

func TestRunCommandQueryWorkerState(t *testing.T) {
	d := newIdleDaemon(t)
	reply, err := d.RunCommand([]string{"--query_worker_state"})
	require.NoError(t, err)
	assert.Contains(t, reply, "state=IDLE")
	assert.Contains(t, reply, "jobs_blocked=false")
	assert.Contains(t, reply, "active_runs=0")
}

func TestRunCommandAbortJobsUnknownTask(t *testing.T) {
	d := newIdleDaemon(t)
	_, err := d.RunCommand([]string{"--abort_jobs", "no-such-task"})
	assert.Error(t, err)

	reply, err := d.RunCommand([]string{"--abort_jobs"})
	require.NoError(t, err)
	assert.Contains(t, reply, "aborted 0 jobs")
}

func TestRunCommandSetLogLevel(t *testing.T) {
	d := newIdleDaemon(t)
	reply, err := d.RunCommand([]string{"--set_log_level", "debug"})
	require.NoError(t, err)
	assert.Contains(t, reply, "debug")

	_, err = d.RunCommand([]string{"--set_log_level", "shouting"})
	assert.Error(t, err)
}

func TestRunCommandConnectNeedsHostAndName(t *testing.T) {
	d := newIdleDaemon(t)
	_, err := d.RunCommand([]string{"--connect", "host=localhost:1"})
	assert.Error(t, err)
	_, err = d.RunCommand([]string{"--connect", "name=w1"})
	assert.Error(t, err)
}

func TestRunCommandUnregisterWithoutSession(t *testing.T) {
	d := newIdleDaemon(t)
	_, err := d.RunCommand([]string{"--unregister"})
	assert.Error(t, err)
}
