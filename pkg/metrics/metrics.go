// Package metrics exposes the control plane's Prometheus surface: gauges
// for Task/Job/Worker population by state, republished on a ticker by a
// Collector rather than inline on every mutation, plus histograms for
// scheduler dispatch latency and job round-trip time observed directly
// at the call sites that measure them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tunequeue/tunequeue/pkg/types"
)

var (
	TasksByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tunequeue_tasks_total",
			Help: "Current number of Tasks by task_state",
		},
		[]string{"task_state"},
	)

	JobsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tunequeue_jobs_total",
			Help: "Current number of queueable Jobs by job_state",
		},
		[]string{"job_state"},
	)

	WorkersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tunequeue_workers_total",
			Help: "Current number of registered Workers by state",
		},
		[]string{"state"},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tunequeue_scheduler_dispatch_latency_seconds",
			Help:    "Time from PREPARED handler start to a Job's payload reaching the Dispatcher",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobRoundTrip = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tunequeue_job_round_trip_seconds",
			Help:    "Time from Job creation to COMPLETED",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(TasksByState)
	prometheus.MustRegister(JobsByState)
	prometheus.MustRegister(WorkersByState)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(JobRoundTrip)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// TaskLister is the narrow view of the Task Engine the Collector needs.
type TaskLister interface {
	QueryMinimal() []types.TaskMinimal
}

// JobQueueDepths is the narrow view of the Job Scheduler the Collector
// needs: the bookkeeping queue length for each queueable state.
type JobQueueDepths interface {
	QueueDepth(state types.JobState) int
}

// WorkerLister is the narrow view of the Worker Registry the Collector
// needs.
type WorkerLister interface {
	List() []types.WorkerInfo
}

var queueableJobStates = []types.JobState{
	types.JobPrepared, types.JobInflight, types.JobCompleted, types.JobFailed,
}

var taskStates = []types.TaskState{
	types.TaskUninitiated, types.TaskInitiated, types.TaskBuilt, types.TaskReady, types.TaskScheduled,
}

var workerStates = []types.WorkerState{
	types.WorkerRegistered, types.WorkerConnected, types.WorkerConfigured, types.WorkerMarkedForDelete,
}

// Collector walks the Task Engine, Job Scheduler and Worker Registry on
// a ticker and republishes the gauges above, keeping metrics code off
// the hot path of every state transition.
type Collector struct {
	tasks    TaskLister
	jobs     JobQueueDepths
	workers  WorkerLister
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector constructs a Collector. Call Start to begin the ticker.
func NewCollector(tasks TaskLister, jobs JobQueueDepths, workers WorkerLister) *Collector {
	return &Collector{
		tasks:    tasks,
		jobs:     jobs,
		workers:  workers,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting on the Collector's ticker, collecting once
// immediately before the first tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector's ticker.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectTasks()
	c.collectJobs()
	c.collectWorkers()
}

func (c *Collector) collectTasks() {
	counts := make(map[types.TaskState]int, len(taskStates))
	for _, t := range c.tasks.QueryMinimal() {
		counts[t.TaskState]++
	}
	for _, s := range taskStates {
		TasksByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (c *Collector) collectJobs() {
	for _, s := range queueableJobStates {
		JobsByState.WithLabelValues(string(s)).Set(float64(c.jobs.QueueDepth(s)))
	}
}

func (c *Collector) collectWorkers() {
	counts := make(map[types.WorkerState]int, len(workerStates))
	for _, w := range c.workers.List() {
		counts[w.State]++
	}
	for _, s := range workerStates {
		WorkersByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
