// Package scheduler implements the Job Scheduler: the
// per-state Job queues, the dynamic worker-thread pool, and the
// PREPARED/COMPLETED execution handlers that drive a Job from creation
// through HARDENED or FAILED.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunequeue/tunequeue/pkg/events"
	"github.com/tunequeue/tunequeue/pkg/log"
	"github.com/tunequeue/tunequeue/pkg/metrics"
	"github.com/tunequeue/tunequeue/pkg/module"
	"github.com/tunequeue/tunequeue/pkg/types"
)

// TaskProvider is the narrow view of the Task Engine the scheduler
// needs to run a Job's handler: the manager-side Module for a Task.
type TaskProvider interface {
	ManagerModuleFor(taskID int64) (module.ManagerModule, error)
}

// Dispatcher delivers a prepared test payload to a connected Worker,
// over whatever transport the Manager↔Worker Channel implements.
type Dispatcher interface {
	SendJob(ctx context.Context, workerName string, jobID int64, args map[string]any) error
}

// Config carries the Scheduler's construction-time dependencies.
type Config struct {
	Tasks            TaskProvider
	Dispatcher       Dispatcher
	JobFailuresLimit int
	// Events is optional; a nil Broker silently drops publishes.
	Events *events.Broker
}

// workerThread is one goroutine in the dynamic pool.
type workerThread struct {
	id   int64
	stop atomic.Bool
	done chan struct{}
}

// Scheduler owns every Job for the lifetime of the process plus the
// pool of worker threads that execute them.
type Scheduler struct {
	cfg    Config
	logger zerolog.Logger

	// cond pairs with mu to implement the canonical
	// acquire-lock -> check predicate -> wait -> recheck pattern.
	mu   sync.Mutex
	cond *sync.Cond

	queues *stateQueues

	jobsMu sync.RWMutex
	jobs   map[int64]*Job
	nextID int64

	threadsMu    sync.Mutex
	threads      map[int64]*workerThread
	nextThreadID int64
}

// NewScheduler constructs a Scheduler. It owns no worker threads until
// Start is called.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.JobFailuresLimit <= 0 {
		cfg.JobFailuresLimit = 3
	}
	s := &Scheduler{
		cfg:     cfg,
		logger:  log.WithComponent("scheduler"),
		queues:  newStateQueues(),
		jobs:    make(map[int64]*Job),
		threads: make(map[int64]*workerThread),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start spawns n worker threads.
func (s *Scheduler) Start(n int) {
	s.resize(n)
}

// SetWorkerCount adjusts the worker-thread pool to exactly n threads.
// Growing spawns new threads immediately; shrinking marks the
// lowest-numbered `delta` threads for stop, wakes them, and blocks
// until they have joined. Shrinking below one thread is rejected;
// Destroy is the only way to stop the whole pool.
func (s *Scheduler) SetWorkerCount(n int) error {
	if n < 1 {
		return fmt.Errorf("scheduler: worker count must be at least 1, got %d", n)
	}
	s.resize(n)
	return nil
}

func (s *Scheduler) resize(n int) {
	if n < 0 {
		n = 0
	}
	s.threadsMu.Lock()
	current := len(s.threads)
	if n > current {
		for i := 0; i < n-current; i++ {
			s.nextThreadID++
			wt := &workerThread{id: s.nextThreadID, done: make(chan struct{})}
			s.threads[wt.id] = wt
			go s.run(wt)
		}
		s.threadsMu.Unlock()
		return
	}
	if n == current {
		s.threadsMu.Unlock()
		return
	}

	delta := current - n
	ids := make([]int64, 0, current)
	for id := range s.threads {
		ids = append(ids, id)
	}
	sortInt64s(ids)
	toStop := ids[:delta]
	stopping := make([]*workerThread, 0, delta)
	for _, id := range toStop {
		wt := s.threads[id]
		wt.stop.Store(true)
		stopping = append(stopping, wt)
		delete(s.threads, id)
	}
	s.threadsMu.Unlock()

	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()

	for _, wt := range stopping {
		<-wt.done
	}
}

func sortInt64s(ids []int64) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// Destroy stops every worker thread. Jobs remaining in queues are
// lost; this is documented scheduler behavior, not a bug.
func (s *Scheduler) Destroy() {
	s.resize(0)
}

func (s *Scheduler) run(wt *workerThread) {
	defer close(wt.done)
	for {
		j := s.waitForWorkable(wt)
		if j == nil {
			return
		}
		s.execute(j)
	}
}

func (s *Scheduler) waitForWorkable(wt *workerThread) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if wt.stop.Load() {
			return nil
		}
		if j := s.queues.popWorkable(); j != nil {
			return j
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) execute(j *Job) {
	switch j.State() {
	case types.JobPrepared:
		s.runPrepared(j)
	case types.JobCompleted:
		s.runCompleted(j)
	}
}

// runPrepared implements the PREPARED handler: obtain the payload from
// the Task's manager-side Module, send it over the attached Worker's
// channel, and flip to INFLIGHT.
func (s *Scheduler) runPrepared(j *Job) {
	ctx := context.Background()
	timer := metrics.NewTimer()
	mm, err := s.cfg.Tasks.ManagerModuleFor(j.TaskID)
	if err != nil {
		s.failOrRequeue(j, err.Error(), types.JobPrepared)
		return
	}
	args, err := mm.PrepareTestArgs(ctx)
	if err != nil {
		s.failOrRequeue(j, err.Error(), types.JobPrepared)
		return
	}
	if args == nil {
		args = map[string]any{}
	}
	args["task_id"] = j.TaskID
	worker := j.AttachedWorker()
	if worker == "" {
		s.failOrRequeue(j, "no worker attached", types.JobPrepared)
		return
	}
	if err := s.cfg.Dispatcher.SendJob(ctx, worker, j.ID, args); err != nil {
		s.failOrRequeue(j, err.Error(), types.JobPrepared)
		return
	}
	timer.ObserveDuration(metrics.DispatchLatency)
	if err := j.MarkInflight(); err != nil {
		s.logger.Warn().Int64("job_id", j.ID).Err(err).Msg("job vanished before inflight transition")
		return
	}
	s.cfg.Events.Publish(events.Event{Type: events.JobInflight, JobID: j.ID, TaskID: j.TaskID, Worker: worker})
	s.enqueue(j, types.JobInflight)
}

// runCompleted implements the COMPLETED handler: fold the result back
// into the Task's manager-side Module and flip to HARDENED.
func (s *Scheduler) runCompleted(j *Job) {
	ctx := context.Background()
	mm, err := s.cfg.Tasks.ManagerModuleFor(j.TaskID)
	if err != nil {
		s.failOrRequeue(j, err.Error(), types.JobCompleted)
		return
	}
	if err := mm.SyncTestResults(ctx, j.Result()); err != nil {
		s.failOrRequeue(j, err.Error(), types.JobCompleted)
		return
	}
	if err := j.Harden(); err != nil {
		s.logger.Warn().Int64("job_id", j.ID).Err(err).Msg("job vanished before harden transition")
		return
	}
	s.logger.Info().Int64("job_id", j.ID).Msg("job hardened")
	s.cfg.Events.Publish(events.Event{Type: events.JobHardened, JobID: j.ID, TaskID: j.TaskID})
}

// failOrRequeue converts a handler exception into try_to_fail, which
// may escalate to FAILED. When the job does not escalate, it is
// re-queued in its prior workable state for retry.
func (s *Scheduler) failOrRequeue(j *Job, reason string, priorState types.JobState) {
	if j.TryToFail(reason, s.cfg.JobFailuresLimit) {
		s.logger.Warn().Int64("job_id", j.ID).Str("reason", reason).Msg("job escalated to FAILED")
		s.cfg.Events.Publish(events.Event{Type: events.JobFailed, JobID: j.ID, TaskID: j.TaskID, Message: reason})
		s.enqueue(j, types.JobFailed)
		return
	}
	s.logger.Warn().Int64("job_id", j.ID).Str("reason", reason).Msg("job handler failed, retrying")
	s.enqueue(j, priorState)
}

func (s *Scheduler) enqueue(j *Job, state types.JobState) {
	s.queues.push(state, j)
	s.mu.Lock()
	s.cond.Signal()
	s.mu.Unlock()
}

// CreateJob registers a new Job in CREATED state for a Task generation.
func (s *Scheduler) CreateJob(taskID int64, generation uint64) *Job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	s.nextID++
	j := newJob(s.nextID, taskID, generation)
	s.jobs[j.ID] = j
	s.cfg.Events.Publish(events.Event{Type: events.JobCreated, JobID: j.ID, TaskID: taskID})
	return j
}

// GetJob looks up a Job by id.
func (s *Scheduler) GetJob(id int64) (*Job, bool) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

// AttachAndPrepare attaches a Worker to a CREATED Job and moves it to
// PREPARED, enqueueing it for the worker-thread pool to pick up.
func (s *Scheduler) AttachAndPrepare(jobID int64, workerName string) error {
	j, ok := s.GetJob(jobID)
	if !ok {
		return errUnknownJob(jobID)
	}
	if err := j.Attach(workerName); err != nil {
		return err
	}
	if err := j.Prepare(); err != nil {
		return err
	}
	s.cfg.Events.Publish(events.Event{Type: events.JobPrepared, JobID: j.ID, TaskID: j.TaskID, Worker: workerName})
	s.enqueue(j, types.JobPrepared)
	return nil
}

// CompleteJob records a Worker's result and moves the Job from
// INFLIGHT to COMPLETED, enqueueing it for the sync_test_results
// handler.
func (s *Scheduler) CompleteJob(jobID int64, result string) error {
	j, ok := s.GetJob(jobID)
	if !ok {
		return errUnknownJob(jobID)
	}
	if err := j.Complete(result); err != nil {
		return err
	}
	metrics.JobRoundTrip.Observe(time.Since(j.CreatedAt()).Seconds())
	s.cfg.Events.Publish(events.Event{Type: events.JobCompleted, JobID: j.ID, TaskID: j.TaskID})
	s.enqueue(j, types.JobCompleted)
	return nil
}

// StopTaskJobs implements task.JobAborter: every attached Job matching
// (taskID, generation) is detached and force-failed with reason
// "stale generation".
func (s *Scheduler) StopTaskJobs(taskID int64, generation uint64) {
	s.jobsMu.RLock()
	matched := make([]*Job, 0)
	for _, j := range s.jobs {
		if j.TaskID == taskID && j.TaskGeneration == generation {
			matched = append(matched, j)
		}
	}
	s.jobsMu.RUnlock()

	for _, j := range matched {
		if j.AttachedWorker() == "" {
			continue
		}
		state := j.State()
		s.queues.remove(state, j)
		j.ForceFail("stale generation")
		s.cfg.Events.Publish(events.Event{Type: events.JobFailed, JobID: j.ID, TaskID: taskID, Message: "stale generation"})
		s.enqueue(j, types.JobFailed)
	}
}

// StopWorkerJobs force-fails every non-terminal Job attached to the
// named Worker. The Worker Registry calls this when a Worker times out
// or unregisters, so a lost Worker's Jobs are failed rather than
// sitting INFLIGHT forever.
func (s *Scheduler) StopWorkerJobs(workerName string) {
	s.jobsMu.RLock()
	matched := make([]*Job, 0)
	for _, j := range s.jobs {
		if j.AttachedWorker() == workerName {
			matched = append(matched, j)
		}
	}
	s.jobsMu.RUnlock()

	for _, j := range matched {
		state := j.State()
		switch state {
		case types.JobHardened, types.JobFailed:
			continue
		}
		s.queues.remove(state, j)
		j.ForceFail("worker lost")
		s.cfg.Events.Publish(events.Event{Type: events.JobFailed, JobID: j.ID, TaskID: j.TaskID, Worker: workerName, Message: "worker lost"})
		s.enqueue(j, types.JobFailed)
	}
}

// WorkerBusy reports whether any non-terminal Job is currently
// attached to the named Worker, used by the job pump to dispatch at
// most one outstanding Job per Worker.
func (s *Scheduler) WorkerBusy(workerName string) bool {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	for _, j := range s.jobs {
		if j.AttachedWorker() != workerName {
			continue
		}
		switch j.State() {
		case types.JobCreated, types.JobPrepared, types.JobInflight, types.JobCompleted:
			return true
		}
	}
	return false
}

// QueueDepth reports the current bookkeeping queue length for a
// queueable state, used by tests and metrics.
func (s *Scheduler) QueueDepth(state types.JobState) int {
	return s.queues.len(state)
}

func errUnknownJob(id int64) error {
	return &unknownJobError{id: id}
}

type unknownJobError struct{ id int64 }

func (e *unknownJobError) Error() string {
	return "scheduler: unknown job id"
}
