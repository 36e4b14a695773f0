// Package types holds the data model shared across the tunequeue control
// plane: Tasks, Jobs, Workers and the small value types each component
// builds on.
package types

import "time"

// TaskState is a node in the Task finite state machine.
type TaskState string

const (
	TaskUninitiated TaskState = "UNINITIATED"
	TaskInitiated   TaskState = "INITIATED"
	TaskBuilt       TaskState = "BUILT"
	TaskReady       TaskState = "READY"
	TaskScheduled   TaskState = "SCHEDULED"
)

// JobState is a node in the Job (TestJobRequest) finite state machine.
type JobState string

const (
	JobCreated   JobState = "CREATED"
	JobPrepared  JobState = "PREPARED"
	JobInflight  JobState = "INFLIGHT"
	JobCompleted JobState = "COMPLETED"
	JobHardened  JobState = "HARDENED"
	JobFailed    JobState = "FAILED"
)

// Workable reports whether the scheduler may actively pull a Job in this
// state. Only PREPARED and COMPLETED are workable.
func (s JobState) Workable() bool {
	return s == JobPrepared || s == JobCompleted
}

// Queueable reports whether a Job in this state belongs in one of the
// scheduler's per-state bookkeeping queues.
func (s JobState) Queueable() bool {
	switch s {
	case JobPrepared, JobInflight, JobCompleted, JobFailed:
		return true
	default:
		return false
	}
}

// WorkerState is a node in the Worker session lifecycle.
type WorkerState string

const (
	WorkerRegistered      WorkerState = "REGISTERED"
	WorkerConnected       WorkerState = "CONNECTED"
	WorkerConfigured      WorkerState = "CONFIGURED"
	WorkerMarkedForDelete WorkerState = "MARKED_FOR_DELETE"
)

// ResultCode is the closed wire-level error taxonomy.
// Task-engine and module errors are NOT part of this taxonomy; they
// travel as free-form strings in a reply's Result field.
type ResultCode string

const (
	Success                  ResultCode = "SUCCESS"
	UnknownError             ResultCode = "UNKNOWN_ERROR"
	WorkerAlreadyRegistered  ResultCode = "WORKER_ALREADY_REGISTERED"
	WorkerNotFound           ResultCode = "WORKER_NOT_FOUND"
	WorkerAlreadyConnected   ResultCode = "WORKER_ALREADY_CONNECTED"
	WorkerMarkedForDeleteErr ResultCode = "WORKER_MARKED_FOR_DELETE"
	WorkerWrongState         ResultCode = "WORKER_WRONG_STATE"
	InvalidToken             ResultCode = "INVALID_TOKEN"
)

// UIType is the declared type of a ConfigSpecElement, used by the
// front-end to render the right widget and by modules to validate the
// json value they receive for that key.
type UIType string

const (
	UIString                     UIType = "String"
	UIStringList                 UIType = "StringList"
	UIStringStringDict           UIType = "StringStringDict"
	UIStringIntPairDict          UIType = "StringIntPairDict"
	UIStringDictStringStringDict UIType = "StringDictStringStringDict"
)

// ConfigSpecElement describes one configurable field in a Module's
// config or build spec.
type ConfigSpecElement struct {
	Name        string      `json:"name"`
	Type        UIType      `json:"type"`
	Description string      `json:"description"`
	Default     interface{} `json:"default,omitempty"`
	Flag        bool        `json:"flag,omitempty"`
}

// SelectionMap is the caller-supplied mapping from a fully-qualified slot
// name to the chosen SubModule name(s), used during Task init.
type SelectionMap map[string][]string

// TaskSnapshot is the read-only view returned by query_full.
type TaskSnapshot struct {
	ID                 int64          `json:"task_id"`
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	ModuleName         string         `json:"module_name"`
	State              TaskState      `json:"task_state"`
	Generation         uint64         `json:"generation"`
	WorkerInit         SelectionMap   `json:"worker_init,omitempty"`
	ManagerInit        SelectionMap   `json:"manager_init,omitempty"`
	WorkerBuildConfig  map[string]any `json:"worker_build_config,omitempty"`
	ManagerBuildConfig map[string]any `json:"manager_build_config,omitempty"`
	WorkerConfig       map[string]any `json:"worker_config,omitempty"`
	ManagerConfig      map[string]any `json:"manager_config,omitempty"`
}

// TaskMinimal is the lightweight listing entry for query/minimal.
type TaskMinimal struct {
	TaskID      int64     `json:"task_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	ModuleName  string    `json:"module_name"`
	TaskState   TaskState `json:"task_state"`
}

// WorkerInfo is the public view of a registered Worker.
type WorkerInfo struct {
	Name         string      `json:"name"`
	Version      int64       `json:"version"`
	CPUs         int         `json:"cpus"`
	MemoryMB     int         `json:"memoryMB"`
	State        WorkerState `json:"state"`
	SessionToken uint64      `json:"-"`
	LastActivity time.Time   `json:"last_activity"`
}
