package scheduler

import (
	"sync"

	"github.com/tunequeue/tunequeue/pkg/types"
)

// stateQueues holds one FIFO per queueable Job state. It is the
// scheduler's own bookkeeping index; the Job's state field remains the
// source of truth, this is purely an ordering structure for fast pop.
type stateQueues struct {
	mu sync.Mutex
	q  map[types.JobState][]*Job
}

func newStateQueues() *stateQueues {
	return &stateQueues{
		q: map[types.JobState][]*Job{
			types.JobPrepared:  nil,
			types.JobInflight:  nil,
			types.JobCompleted: nil,
			types.JobFailed:    nil,
		},
	}
}

// push appends a Job to the tail of its current state's queue.
func (s *stateQueues) push(state types.JobState, j *Job) {
	if !state.Queueable() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q[state] = append(s.q[state], j)
}

// popWorkable removes and returns the head of the PREPARED queue if
// non-empty, else the head of the COMPLETED queue. It returns nil if
// both are empty.
func (s *stateQueues) popWorkable() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := popHead(s.q, types.JobPrepared); j != nil {
		return j
	}
	return popHead(s.q, types.JobCompleted)
}

func popHead(q map[types.JobState][]*Job, state types.JobState) *Job {
	bucket := q[state]
	if len(bucket) == 0 {
		return nil
	}
	j := bucket[0]
	q[state] = bucket[1:]
	return j
}

// remove deletes a Job from the named state's queue by identity, used
// when a Job is force-failed out from under the queue (stop_task_jobs)
// before the scheduler would otherwise have popped it.
func (s *stateQueues) remove(state types.JobState, j *Job) {
	if !state.Queueable() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.q[state]
	for i, cand := range bucket {
		if cand == j {
			s.q[state] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// len reports the queue depth for a state, used by tests and metrics.
func (s *stateQueues) len(state types.JobState) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.q[state])
}
