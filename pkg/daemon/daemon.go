package daemon

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunequeue/tunequeue/pkg/channel"
	"github.com/tunequeue/tunequeue/pkg/log"
	"github.com/tunequeue/tunequeue/pkg/settings"
	"github.com/tunequeue/tunequeue/pkg/worker"
)

// State is the daemon's coarse lifecycle, reported by
// --query_worker_state.
type State string

const (
	StateIdle      State = "IDLE"
	StateConnected State = "CONNECTED"
	StateStopping  State = "STOPPING"
)

// Config carries the Daemon's construction-time dependencies.
type Config struct {
	LockfilePath string
	Settings     settings.Settings
	Pool         *worker.Worker
}

// session is the live Manager-side attachment: registration, the RPC
// channel loop and the keep-alive loop, each joinable on shutdown.
type session struct {
	name   string
	token  uint64
	mgr    *ManagerClient
	client *channel.Client

	cancel      context.CancelFunc
	kaStop      chan struct{}
	channelDone chan struct{}
	kaDone      chan struct{}
}

// Daemon is the single long-lived Worker-side process:
// it owns the lockfile, the local command socket, the Manager-side
// channel and the local job-execution pool.
type Daemon struct {
	cfg    Config
	logger zerolog.Logger

	lockfile *Lockfile
	socket   *CommandSocket

	mu        sync.Mutex
	state     State
	sess      *session
	taskNames map[string]int64

	jobsBlocked atomic.Bool
	stopCh      chan bool // value: abort
	stopOnce    sync.Once
}

// New constructs a Daemon. Run acquires the lockfile and serves until
// a stop or abort command arrives.
func New(cfg Config) *Daemon {
	return &Daemon{
		cfg:       cfg,
		logger:    log.WithComponent("daemon"),
		lockfile:  NewLockfile(cfg.LockfilePath),
		state:     StateIdle,
		taskNames: make(map[string]int64),
		stopCh:    make(chan bool, 1),
	}
}

// Run enforces the singleton lockfile, opens the command socket and
// blocks until --stop_worker, --abort_worker or ctx cancellation. ctx
// cancellation behaves like abort.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.lockfile.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := d.lockfile.Release(); err != nil {
			d.logger.Warn().Err(err).Msg("lockfile not released")
		}
	}()

	sock, err := NewCommandSocket(d.cfg.Settings.ProcessPort, d)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.socket = sock
	d.mu.Unlock()
	go sock.Serve()
	d.logger.Info().Str("addr", sock.Addr().String()).Msg("daemon running")

	var abort bool
	select {
	case <-ctx.Done():
		abort = true
	case abort = <-d.stopCh:
	}

	d.mu.Lock()
	d.state = StateStopping
	d.mu.Unlock()

	if abort {
		d.shutdownAbort()
	} else {
		d.shutdownGentle()
	}
	sock.Close()
	return nil
}

// shutdownGentle stops accepting new jobs, lets in-flight jobs drain,
// unregisters from the Manager, and joins the KA and channel threads
// within gentle_stop_timeout.
func (d *Daemon) shutdownGentle() {
	d.jobsBlocked.Store(true)
	deadline := time.Now().Add(d.cfg.Settings.GentleStopTimeout())

	for d.cfg.Pool != nil && d.cfg.Pool.ActiveRuns() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}

	d.mu.Lock()
	sess := d.sess
	d.sess = nil
	d.mu.Unlock()
	if sess == nil {
		return
	}

	if err := d.unregisterWithRetries(sess); err != nil {
		d.logger.Warn().Err(err).Msg("unregister failed during gentle stop")
	}
	sess.client.Abort()
	sess.cancel()
	close(sess.kaStop)
	joinUntil(deadline, sess.channelDone)
	joinUntil(deadline, sess.kaDone)
	d.logger.Info().Msg("gentle stop complete")
}

// shutdownAbort closes the channel socket immediately and interrupts
// in-flight jobs; no unregister attempt.
func (d *Daemon) shutdownAbort() {
	d.mu.Lock()
	sess := d.sess
	d.sess = nil
	d.mu.Unlock()
	if sess != nil {
		sess.client.Abort()
		sess.cancel()
		close(sess.kaStop)
	}
	if d.cfg.Pool != nil {
		n := d.cfg.Pool.AbortAll()
		d.logger.Warn().Int("interrupted", n).Msg("abort stop: in-flight jobs interrupted")
	}
}

func joinUntil(deadline time.Time, done chan struct{}) {
	wait := time.Until(deadline)
	if wait <= 0 {
		return
	}
	select {
	case <-done:
	case <-time.After(wait):
	}
}

func (d *Daemon) unregisterWithRetries(sess *session) error {
	var err error
	for attempt := 0; attempt <= d.cfg.Settings.UnregisterRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(d.cfg.Settings.RetryTimestep())
		}
		if err = sess.mgr.Unregister(sess.name, sess.token); err == nil {
			return nil
		}
	}
	return err
}

// RunCommand implements CommandRunner: one back-end CLI invocation,
// executed synchronously against the daemon's own state.
func (d *Daemon) RunCommand(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("empty command")
	}
	name := strings.TrimPrefix(args[0], "--")
	kv, positional := parseKV(args[1:])

	switch name {
	case "connect":
		return d.cmdConnect(kv)
	case "unregister":
		return d.cmdUnregister()
	case "set_log_level":
		if len(positional) != 1 {
			return "", fmt.Errorf("set_log_level needs exactly one level argument")
		}
		if err := log.SetLevel(log.Level(positional[0])); err != nil {
			return "", err
		}
		return fmt.Sprintf("log level set to %s", positional[0]), nil
	case "stop_worker":
		d.requestStop(false)
		return "worker stopping", nil
	case "abort_worker":
		d.requestStop(true)
		return "worker aborting", nil
	case "abort_jobs":
		return d.cmdAbortJobs(positional)
	case "switch_jobs_block":
		return d.cmdSwitchJobsBlock(kv)
	case "query_worker_state":
		return d.queryState(), nil
	default:
		return "", fmt.Errorf("unknown command %q", args[0])
	}
}

func (d *Daemon) requestStop(abort bool) {
	d.stopOnce.Do(func() { d.stopCh <- abort })
}

func parseKV(args []string) (kv map[string]string, positional []string) {
	kv = make(map[string]string)
	for _, a := range args {
		if k, v, ok := strings.Cut(a, "="); ok {
			kv[k] = v
		} else {
			positional = append(positional, a)
		}
	}
	return kv, positional
}

// cmdConnect registers with the Manager, opens the RPC channel and
// starts the keep-alive loop, both wrapped in the thread guard.
func (d *Daemon) cmdConnect(kv map[string]string) (string, error) {
	host := kv["host"]
	name := kv["name"]
	if host == "" || name == "" {
		return "", fmt.Errorf("connect needs host=... and name=...")
	}
	cpus := intOr(kv["cpus"], runtime.NumCPU())
	memoryMB := intOr(kv["memoryMB"], 1024)

	d.mu.Lock()
	if d.sess != nil {
		d.mu.Unlock()
		return "", fmt.Errorf("already connected as %q", d.sess.name)
	}
	d.mu.Unlock()

	mgr := NewManagerClient("http://" + host)
	token, err := mgr.Register(name, 1, cpus, memoryMB)
	if err != nil {
		return "", err
	}

	client := channel.NewClient("ws://"+host+"/worker/perform-test", name, token, d.cfg.Settings.ConnectionRetries)
	client.Register(channel.RunSingleTestMethod, d.handleRunSingleTest)
	client.Register(channel.ConfigureTaskMethod, d.handleConfigureTask)

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		name:        name,
		token:       token,
		mgr:         mgr,
		client:      client,
		cancel:      cancel,
		kaStop:      make(chan struct{}),
		channelDone: make(chan struct{}),
		kaDone:      make(chan struct{}),
	}

	retries := d.cfg.Settings.ThreadRetries
	go func() {
		defer close(sess.channelDone)
		RunGuarded("channel-loop", retries, func() { client.Run(ctx) })
	}()
	go func() {
		defer close(sess.kaDone)
		RunGuarded("keep-alive", retries, func() { d.keepAliveLoop(sess) })
	}()

	d.mu.Lock()
	d.sess = sess
	d.state = StateConnected
	d.mu.Unlock()
	d.logger.Info().Str("manager", host).Str("name", name).Msg("connected to manager")
	return fmt.Sprintf("connected to %s as %s", host, name), nil
}

func intOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// keepAliveLoop posts bump_ka once per ka_interval, compensating for
// each pass's own wall-clock so the cadence does not drift.
func (d *Daemon) keepAliveLoop(sess *session) {
	interval := d.cfg.Settings.KaInterval()
	for {
		start := time.Now()
		if err := sess.mgr.BumpKeepAlive(sess.name, sess.token); err != nil {
			d.logger.Warn().Err(err).Msg("keep-alive failed")
		}
		sleep := interval - time.Since(start)
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-sess.kaStop:
			return
		case <-time.After(sleep):
		}
	}
}

func (d *Daemon) handleRunSingleTest(ctx context.Context, kwargs map[string]any) (string, error) {
	if d.jobsBlocked.Load() {
		return "", fmt.Errorf("jobs are blocked on this worker")
	}
	if d.cfg.Pool == nil {
		return "", fmt.Errorf("no job pool configured")
	}
	taskID := channel.Int64Kwarg(kwargs, "task_id")
	seed := channel.Int64Kwarg(kwargs, "seed")
	return d.cfg.Pool.RunSingleTest(ctx, taskID, kwargs, seed)
}

func (d *Daemon) handleConfigureTask(ctx context.Context, kwargs map[string]any) (string, error) {
	if d.cfg.Pool == nil {
		return "", fmt.Errorf("no job pool configured")
	}
	taskID := channel.Int64Kwarg(kwargs, "task_id")
	taskName := channel.StringKwarg(kwargs, "task_name")
	moduleName := channel.StringKwarg(kwargs, "module_name")
	selection := channel.SelectionKwarg(kwargs, "selection")
	buildConfig := channel.MapKwarg(kwargs, "build_config")
	config := channel.MapKwarg(kwargs, "config")

	if err := d.cfg.Pool.ConfigureTask(ctx, taskID, moduleName, selection, buildConfig, config); err != nil {
		return "", err
	}
	if taskName != "" {
		d.mu.Lock()
		d.taskNames[taskName] = taskID
		d.mu.Unlock()
	}
	return fmt.Sprintf("task %d configured", taskID), nil
}

func (d *Daemon) cmdUnregister() (string, error) {
	d.mu.Lock()
	sess := d.sess
	d.sess = nil
	if sess != nil {
		d.state = StateIdle
	}
	d.mu.Unlock()
	if sess == nil {
		return "", fmt.Errorf("not connected to a manager")
	}
	sess.client.Abort()
	sess.cancel()
	close(sess.kaStop)
	if err := d.unregisterWithRetries(sess); err != nil {
		return "", err
	}
	return fmt.Sprintf("unregistered %s", sess.name), nil
}

func (d *Daemon) cmdAbortJobs(positional []string) (string, error) {
	if d.cfg.Pool == nil {
		return "", fmt.Errorf("no job pool configured")
	}
	if len(positional) == 0 {
		n := d.cfg.Pool.AbortAll()
		return fmt.Sprintf("aborted %d jobs", n), nil
	}
	taskName := positional[0]
	d.mu.Lock()
	taskID, ok := d.taskNames[taskName]
	d.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown task %q on this worker", taskName)
	}
	n := d.cfg.Pool.AbortTask(taskID)
	return fmt.Sprintf("aborted %d jobs for task %s", n, taskName), nil
}

func (d *Daemon) cmdSwitchJobsBlock(kv map[string]string) (string, error) {
	if hostName := kv["host_name"]; hostName != "" {
		d.mu.Lock()
		name := ""
		if d.sess != nil {
			name = d.sess.name
		}
		d.mu.Unlock()
		if hostName != name {
			return fmt.Sprintf("jobs block unchanged, host_name %q does not match %q", hostName, name), nil
		}
	}
	switch kv["type"] {
	case "enable":
		d.jobsBlocked.Store(true)
		return "jobs block enabled", nil
	case "disable":
		d.jobsBlocked.Store(false)
		return "jobs block disabled", nil
	default:
		return "", fmt.Errorf("switch_jobs_block needs type=enable or type=disable")
	}
}

func (d *Daemon) queryState() string {
	d.mu.Lock()
	state := d.state
	name := ""
	if d.sess != nil {
		name = d.sess.name
	}
	d.mu.Unlock()
	active := 0
	if d.cfg.Pool != nil {
		active = d.cfg.Pool.ActiveRuns()
	}
	return fmt.Sprintf("state=%s name=%s jobs_blocked=%t active_runs=%d", state, name, d.jobsBlocked.Load(), active)
}

// JobsBlocked reports whether the daemon is currently refusing new
// jobs, used by tests.
func (d *Daemon) JobsBlocked() bool {
	return d.jobsBlocked.Load()
}
