package daemon

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/tunequeue/tunequeue/pkg/log"
)

// Guard wraps a long-lived daemon goroutine in a retry loop: on panic,
// sleep 100ms and restart, up to maxRetries times; after exhaustion
// the goroutine exits and its absence is logged. This does not apply to the process lifecycle
// itself, only to subordinate daemon threads (KA loop, channel loop,
// audit thread).
func Guard(name string, maxRetries int, fn func()) {
	go RunGuarded(name, maxRetries, fn)
}

// RunGuarded is the synchronous form of Guard: it blocks until fn
// returns normally or its retries are exhausted. Callers that need to
// join a guarded thread on shutdown run this in their own goroutine and
// close a done channel when it returns.
func RunGuarded(name string, maxRetries int, fn func()) {
	runGuarded(log.WithComponent("thread-guard"), name, maxRetries, fn)
}

func runGuarded(logger zerolog.Logger, name string, maxRetries int, fn func()) {
	attempts := 0
	for {
		if !runOnce(logger, name, fn) {
			return
		}
		attempts++
		if attempts > maxRetries {
			logger.Error().Str("thread", name).Int("attempts", attempts).Msg("thread exhausted retries, giving up")
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// runOnce runs fn once, recovering a panic and reporting whether the
// caller should retry (true) or fn returned normally (false).
func runOnce(logger zerolog.Logger, name string, fn func()) (shouldRetry bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("thread", name).Interface("panic", r).Msg("guarded thread panicked, restarting")
			shouldRetry = true
		}
	}()
	fn()
	return false
}
