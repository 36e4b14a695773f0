package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunequeue/tunequeue/pkg/log"
	"github.com/tunequeue/tunequeue/pkg/types"
)

// PumpTaskSource is the view of the Task Engine the pump drives jobs
// from: which Tasks are SCHEDULED at which generation, plus the full
// snapshot needed to configure a Worker for a Task.
type PumpTaskSource interface {
	ScheduledGenerations() map[int64]uint64
	QueryFull(id int64) (types.TaskSnapshot, error)
}

// PumpWorkerSource is the view of the Worker Registry the pump
// dispatches to.
type PumpWorkerSource interface {
	ConnectedWorkerNames() []string
	MarkConfigured(name string)
}

// WorkerConfigurer pushes a Task's worker-side composition to a Worker
// over the channel before the first Job for that (task, generation) is
// dispatched to it.
type WorkerConfigurer interface {
	ConfigureWorkerTask(ctx context.Context, workerName string, snap types.TaskSnapshot) error
}

// Pump is the Task-side driver of the Job Scheduler: on a fixed tick it
// creates one Job per idle connected Worker, handing the SCHEDULED
// Tasks out to the idle Workers round-robin, and configures each Worker
// for its Task's current generation first. It
// is the piece that turns a Task's SCHEDULED state into a stream of
// Job requests.
type Pump struct {
	sched      *Scheduler
	tasks      PumpTaskSource
	workers    PumpWorkerSource
	configurer WorkerConfigurer
	interval   time.Duration
	logger     zerolog.Logger

	// configured tracks, per worker, the Task generation that worker
	// was last configured for; a bumped generation forces a reconfigure.
	configured map[string]map[int64]uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPump constructs a Pump. Call Start to begin ticking.
func NewPump(sched *Scheduler, tasks PumpTaskSource, workers PumpWorkerSource, configurer WorkerConfigurer, interval time.Duration) *Pump {
	if interval <= 0 {
		interval = time.Second
	}
	return &Pump{
		sched:      sched,
		tasks:      tasks,
		workers:    workers,
		configurer: configurer,
		interval:   interval,
		logger:     log.WithComponent("job-pump"),
		configured: make(map[string]map[int64]uint64),
	}
}

// Start runs the pump loop until ctx is cancelled or Stop is called.
func (p *Pump) Start(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.Tick(ctx)
			}
		}
	}()
}

// Stop halts the pump loop and waits for it to exit.
func (p *Pump) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.doneCh
}

// Tick performs one pump pass. Exported so tests can drive the pump
// without the ticker.
func (p *Pump) Tick(ctx context.Context) {
	scheduled := p.tasks.ScheduledGenerations()
	if len(scheduled) == 0 {
		return
	}
	// Deterministic task order so every tick spreads work the same way.
	taskIDs := make([]int64, 0, len(scheduled))
	for id := range scheduled {
		taskIDs = append(taskIDs, id)
	}
	sortInt64s(taskIDs)

	idle := make([]string, 0)
	for _, name := range p.workers.ConnectedWorkerNames() {
		if !p.sched.WorkerBusy(name) {
			idle = append(idle, name)
		}
	}
	if len(idle) == 0 {
		return
	}

	next := 0
	for _, workerName := range idle {
		taskID := taskIDs[next%len(taskIDs)]
		next++
		generation := scheduled[taskID]
		if err := p.dispatch(ctx, workerName, taskID, generation); err != nil {
			p.logger.Warn().Str("worker", workerName).Int64("task_id", taskID).Err(err).Msg("pump dispatch failed")
		}
	}
}

func (p *Pump) dispatch(ctx context.Context, workerName string, taskID int64, generation uint64) error {
	if err := p.ensureConfigured(ctx, workerName, taskID, generation); err != nil {
		return err
	}
	j := p.sched.CreateJob(taskID, generation)
	return p.sched.AttachAndPrepare(j.ID, workerName)
}

func (p *Pump) ensureConfigured(ctx context.Context, workerName string, taskID int64, generation uint64) error {
	byTask := p.configured[workerName]
	if byTask != nil && byTask[taskID] == generation {
		return nil
	}
	snap, err := p.tasks.QueryFull(taskID)
	if err != nil {
		return err
	}
	if err := p.configurer.ConfigureWorkerTask(ctx, workerName, snap); err != nil {
		return err
	}
	if byTask == nil {
		byTask = make(map[int64]uint64)
		p.configured[workerName] = byTask
	}
	byTask[taskID] = generation
	p.workers.MarkConfigured(workerName)
	return nil
}
