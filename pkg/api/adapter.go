package api

import (
	"github.com/tunequeue/tunequeue/pkg/task"
)

// taskEngineAdapter adapts *task.Engine's Create (which returns a
// *task.Task handle) onto the TaskEngine interface's simpler
// (id, error) shape the HTTP handlers consume. Every other method
// task.Engine already implements verbatim, so it is embedded and only
// Create is overridden.
type taskEngineAdapter struct {
	*task.Engine
}

// NewTaskEngineAdapter wraps a *task.Engine as a TaskEngine for
// Server's Config.
func NewTaskEngineAdapter(e *task.Engine) TaskEngine {
	return taskEngineAdapter{Engine: e}
}

func (a taskEngineAdapter) Create(name, description, moduleName string) (int64, error) {
	t, err := a.Engine.Create(name, description, moduleName)
	if err != nil {
		return -1, err
	}
	return t.Snapshot().ID, nil
}
