package settings_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunequeue/tunequeue/pkg/settings"
)

func writeSettings(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	writeSettings(t, path, `{"job_failures_limit": 7}`)

	l, err := settings.NewLoader(path)
	require.NoError(t, err)

	s := l.Current()
	assert.Equal(t, 7, s.JobFailuresLimit)
	assert.Equal(t, 30, s.WorkerTimeoutSeconds)
	assert.Equal(t, 30*time.Second, s.WorkerTimeout())
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	writeSettings(t, path, `{"job_failures_limit": 1}`)

	l, err := settings.NewLoader(path)
	require.NoError(t, err)
	require.NoError(t, l.Watch())
	defer l.Close()

	reloaded := make(chan settings.Settings, 1)
	l.OnChange(func(s settings.Settings) { reloaded <- s })

	time.Sleep(20 * time.Millisecond)
	writeSettings(t, path, `{"job_failures_limit": 9}`)

	select {
	case s := <-reloaded:
		assert.Equal(t, 9, s.JobFailuresLimit)
	case <-time.After(2 * time.Second):
		t.Fatal("settings reload callback never fired")
	}
	assert.Equal(t, 9, l.Current().JobFailuresLimit)
}

func TestDefaultsCoverEveryDocumentedKey(t *testing.T) {
	s := settings.Defaults()
	assert.Equal(t, 4, s.MgrNumWorkers)
	assert.Equal(t, "", s.LoggerPath)
	assert.Equal(t, 30*time.Second, s.WorkerTimeout())
	assert.Equal(t, 5*time.Second, s.AuditInterval())
	assert.Equal(t, 3, s.JobFailuresLimit)
	assert.Equal(t, 4, s.JobThreads)
	assert.Equal(t, "info", s.LogLevel)
	assert.True(t, s.LogStdOut)
	assert.Equal(t, "./build", s.BuildDir)
	assert.Equal(t, 3, s.UnregisterRetries)
	assert.Equal(t, time.Second, s.RetryTimestep())
	assert.Equal(t, 10*time.Second, s.KaInterval())
	assert.Equal(t, 15*time.Second, s.GentleStopTimeout())
	assert.Equal(t, 7777, s.ProcessPort)
	assert.Equal(t, 5, s.ConnectionRetries)
	assert.Equal(t, 3, s.ThreadRetries)
}

func TestUnknownKeysAreTolerated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	writeSettings(t, path, `{"job_threads": 2, "some_future_key": {"nested": true}}`)

	l, err := settings.NewLoader(path)
	require.NoError(t, err)
	assert.Equal(t, 2, l.Current().JobThreads)
}
