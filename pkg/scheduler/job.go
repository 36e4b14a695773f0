package scheduler

import (
	"fmt"
	"time"

	"github.com/tunequeue/tunequeue/pkg/lockmodel"
	"github.com/tunequeue/tunequeue/pkg/types"
)

// Job is a TestJobRequest: one unit of work for a Task generation.
type Job struct {
	lockmodel.ObjectModel

	ID             int64
	TaskID         int64
	TaskGeneration uint64
	createdAt      time.Time

	state          types.JobState
	attachedWorker string // "" when unattached
	failureLog     []string
	result         string
}

func newJob(id, taskID int64, taskGeneration uint64) *Job {
	return &Job{ID: id, TaskID: taskID, TaskGeneration: taskGeneration, state: types.JobCreated, createdAt: time.Now()}
}

// CreatedAt returns the wall-clock time the Job was created, used to
// observe end-to-end round-trip latency once it reaches COMPLETED.
func (j *Job) CreatedAt() time.Time {
	return j.createdAt
}

// State returns the Job's current state.
func (j *Job) State() types.JobState {
	j.Lock()
	defer j.Unlock()
	return j.state
}

// AttachedWorker returns the currently attached worker name, or "" if
// unattached.
func (j *Job) AttachedWorker() string {
	j.Lock()
	defer j.Unlock()
	return j.attachedWorker
}

// FailureLog returns a copy of the ordered list of failure reasons.
func (j *Job) FailureLog() []string {
	j.Lock()
	defer j.Unlock()
	out := make([]string, len(j.failureLog))
	copy(out, j.failureLog)
	return out
}

// Result returns the opaque result payload written on INFLIGHT→COMPLETED.
func (j *Job) Result() string {
	j.Lock()
	defer j.Unlock()
	return j.result
}

// Attach assigns a Worker to the Job. Attachment is only allowed in
// CREATED or PREPARED, and only when no Worker is currently attached.
func (j *Job) Attach(workerName string) error {
	j.Lock()
	defer j.Unlock()
	if j.state != types.JobCreated && j.state != types.JobPrepared {
		return fmt.Errorf("job %d: cannot attach in state %s", j.ID, j.state)
	}
	if j.attachedWorker != "" {
		return fmt.Errorf("job %d: already attached to %s", j.ID, j.attachedWorker)
	}
	j.attachedWorker = workerName
	return nil
}

// Detach clears the attached Worker. Requires a Worker to be attached.
func (j *Job) Detach() error {
	j.Lock()
	defer j.Unlock()
	if j.attachedWorker == "" {
		return fmt.Errorf("job %d: not attached", j.ID)
	}
	j.attachedWorker = ""
	return nil
}

// Prepare requires CREATED plus a connected Worker (checked by the
// caller) and moves the job to PREPARED.
func (j *Job) Prepare() error {
	j.Lock()
	defer j.Unlock()
	if j.state != types.JobCreated {
		return fmt.Errorf("job %d: cannot prepare from state %s", j.ID, j.state)
	}
	j.state = types.JobPrepared
	j.BumpGeneration()
	return nil
}

// MarkInflight transitions PREPARED→INFLIGHT after dispatch.
func (j *Job) MarkInflight() error {
	j.Lock()
	defer j.Unlock()
	if j.state != types.JobPrepared {
		return fmt.Errorf("job %d: cannot mark inflight from state %s", j.ID, j.state)
	}
	j.state = types.JobInflight
	j.BumpGeneration()
	return nil
}

// Complete transitions INFLIGHT→COMPLETED and records the transport's
// result payload.
func (j *Job) Complete(result string) error {
	j.Lock()
	defer j.Unlock()
	if j.state != types.JobInflight {
		return fmt.Errorf("job %d: cannot complete from state %s", j.ID, j.state)
	}
	j.result = result
	j.state = types.JobCompleted
	j.BumpGeneration()
	return nil
}

// Harden transitions COMPLETED→HARDENED once the manager module has
// synced the result.
func (j *Job) Harden() error {
	j.Lock()
	defer j.Unlock()
	if j.state != types.JobCompleted {
		return fmt.Errorf("job %d: cannot harden from state %s", j.ID, j.state)
	}
	j.state = types.JobHardened
	j.BumpGeneration()
	return nil
}

// TryToFail appends a failure reason and, once the number of recorded
// failures strictly exceeds limit, escalates to FAILED and detaches any
// attached Worker. It returns whether the job
// escalated to FAILED on this call.
func (j *Job) TryToFail(reason string, limit int) (escalated bool) {
	j.Lock()
	defer j.Unlock()
	j.failureLog = append(j.failureLog, reason)
	if len(j.failureLog) > limit {
		j.state = types.JobFailed
		j.attachedWorker = ""
		j.BumpGeneration()
		return true
	}
	return false
}

// ForceFail unconditionally escalates the Job to FAILED, detaching any
// attached Worker. Used by stop_task_jobs to invalidate a stale
// generation's jobs.
func (j *Job) ForceFail(reason string) {
	j.Lock()
	defer j.Unlock()
	j.failureLog = append(j.failureLog, reason)
	j.state = types.JobFailed
	j.attachedWorker = ""
	j.BumpGeneration()
}
