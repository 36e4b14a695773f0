// Package settings implements the json-file-backed settings store:
// every tunable named in the external-interfaces table, hot-reloaded
// on file change via fsnotify, published as an immutable snapshot to
// registered callbacks on each reload.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Settings holds every control-plane tunable. Interval-valued options
// are expressed in seconds in the json representation; callers use the
// accessor methods to get a time.Duration. Unknown keys in the file are
// tolerated; missing keys take the documented defaults.
type Settings struct {
	MgrNumWorkers            int    `json:"mgr_num_workers"`
	LoggerPath               string `json:"logger_path"`
	LogStdOut                bool   `json:"log_std_out"`
	LogLevel                 string `json:"log_level"`
	WorkerTimeoutSeconds     int    `json:"worker_timeout"`
	AuditIntervalSeconds     int    `json:"audit_interval"`
	BuildDir                 string `json:"build_dir"`
	JobThreads               int    `json:"job_threads"`
	JobFailuresLimit         int    `json:"job_failures_limit"`
	UnregisterRetries        int    `json:"unregister_retries"`
	RetryTimestepSeconds     int    `json:"retry_timestep"`
	ThreadRetries            int    `json:"thread_retries"`
	ProcessPort              int    `json:"process_port"`
	ConnectionRetries        int    `json:"connection_retries"`
	GentleStopTimeoutSeconds int    `json:"gentle_stop_timeout"`
	KaIntervalSeconds        int    `json:"ka_interval"`
}

// Defaults returns the documented defaults.
func Defaults() Settings {
	return Settings{
		MgrNumWorkers:            4,
		LoggerPath:               "",
		LogStdOut:                true,
		LogLevel:                 "info",
		WorkerTimeoutSeconds:     30,
		AuditIntervalSeconds:     5,
		BuildDir:                 "./build",
		JobThreads:               4,
		JobFailuresLimit:         3,
		UnregisterRetries:        3,
		RetryTimestepSeconds:     1,
		ThreadRetries:            3,
		ProcessPort:              7777,
		ConnectionRetries:        5,
		GentleStopTimeoutSeconds: 15,
		KaIntervalSeconds:        10,
	}
}

func (s Settings) WorkerTimeout() time.Duration {
	return time.Duration(s.WorkerTimeoutSeconds) * time.Second
}

func (s Settings) AuditInterval() time.Duration {
	return time.Duration(s.AuditIntervalSeconds) * time.Second
}

func (s Settings) RetryTimestep() time.Duration {
	return time.Duration(s.RetryTimestepSeconds) * time.Second
}

func (s Settings) KaInterval() time.Duration {
	return time.Duration(s.KaIntervalSeconds) * time.Second
}

func (s Settings) GentleStopTimeout() time.Duration {
	return time.Duration(s.GentleStopTimeoutSeconds) * time.Second
}

// loadFile reads and parses one settings file. Parsing starts from
// Defaults, so any key absent from the file keeps its documented
// default; a key present in the file overrides it, even with a zero value.
func loadFile(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("reading settings file: %w", err)
	}
	s := Defaults()
	if err := json.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("parsing settings file: %w", err)
	}
	return s, nil
}
