// Package registry implements the Worker Registry: the
// two-stage registration queue, the audit thread that publishes
// queued Workers to a live map and reaps silent ones, and session
// token issuance.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunequeue/tunequeue/pkg/events"
	"github.com/tunequeue/tunequeue/pkg/log"
	"github.com/tunequeue/tunequeue/pkg/types"
)

var (
	ErrAlreadyRegistered = errors.New("worker name already registered")
	ErrWorkerNotFound    = errors.New("worker not found")
	ErrInvalidToken      = errors.New("invalid session token")
	ErrAlreadyConnected  = errors.New("worker already connected")
	ErrWrongState        = errors.New("worker in wrong state for this operation")
)

// JobAborter is the slice of the Job Scheduler the registry needs: a
// Worker transitioning to MARKED_FOR_DELETE must have its attached
// Jobs failed, the same way the Task Engine aborts a stale
// generation's Jobs.
type JobAborter interface {
	StopWorkerJobs(workerName string)
}

// SocketCloser is the slice of the channel Server the registry needs:
// MARKED_FOR_DELETE is terminal and any attached socket is closed as
// part of the transition, and the real connection lives on the channel
// side.
type SocketCloser interface {
	CloseWorker(workerName string)
}

// Config carries the Registry's construction-time settings.
type Config struct {
	WorkerTimeout time.Duration
	AuditInterval time.Duration
	// Jobs is optional; when set, a deleted Worker's attached Jobs are
	// failed as part of the transition.
	Jobs JobAborter
	// Events is optional; a nil Broker silently drops publishes.
	Events *events.Broker
}

// Registry tracks every Worker session for the process lifetime. It is
// not persisted across Manager restarts.
type Registry struct {
	cfg    Config
	logger zerolog.Logger

	// mu pairs with cond for the "registration-moved" edge: Connect
	// waits once on cond before re-checking the live map, and the audit
	// thread broadcasts after every move-to-live pass.
	mu    sync.Mutex
	cond  *sync.Cond
	queue []*Worker
	live  map[string]*Worker

	instanceCounter atomic.Uint32

	// socketCloser is bound after construction (the channel Server is
	// built on top of the registry, not before it).
	socketCloserMu sync.Mutex
	socketCloser   SocketCloser

	stopCh chan struct{}
	doneCh chan struct{}
}

// SetSocketCloser binds the channel Server whose connections must be
// closed when a Worker is marked for delete.
func (r *Registry) SetSocketCloser(c SocketCloser) {
	r.socketCloserMu.Lock()
	r.socketCloser = c
	r.socketCloserMu.Unlock()
}

// reap runs the out-of-band consequences of a Worker's transition to
// MARKED_FOR_DELETE: close its channel socket and fail its attached
// Jobs. Called without r.mu held, respecting the Scheduler > Worker
// lock order.
func (r *Registry) reap(name string) {
	r.socketCloserMu.Lock()
	closer := r.socketCloser
	r.socketCloserMu.Unlock()
	if closer != nil {
		closer.CloseWorker(name)
	}
	if r.cfg.Jobs != nil {
		r.cfg.Jobs.StopWorkerJobs(name)
	}
}

// NewRegistry constructs a Registry. Call StartAudit to begin moving
// queued registrations to the live map.
func NewRegistry(cfg Config) *Registry {
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 30 * time.Second
	}
	if cfg.AuditInterval <= 0 {
		cfg.AuditInterval = 5 * time.Second
	}
	r := &Registry{
		cfg:    cfg,
		logger: log.WithComponent("worker-registry"),
		live:   make(map[string]*Worker),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// registered reports whether name is held by the queue or live map in
// any state other than MARKED_FOR_DELETE.
func (r *Registry) registered(name string) bool {
	for _, w := range r.queue {
		if w.Name == name && w.State() != types.WorkerMarkedForDelete {
			return true
		}
	}
	if w, ok := r.live[name]; ok && w.State() != types.WorkerMarkedForDelete {
		return true
	}
	return false
}

// Register admits a new Worker to the queue and issues its session
// token. Re-registration of a name currently MARKED_FOR_DELETE is
// permitted and gets a fresh token.
func (r *Registry) Register(name string, cpus, memoryMB int) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered(name) {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyRegistered, name)
	}

	token, err := r.newSessionToken()
	if err != nil {
		return nil, fmt.Errorf("generating session token: %w", err)
	}
	w := newWorker(name, cpus, memoryMB, token)
	r.queue = append(r.queue, w)
	r.logger.Info().Str("worker", name).Msg("worker queued for registration")
	r.cfg.Events.Publish(events.Event{Type: events.WorkerRegistered, Worker: name})
	return w, nil
}

func (r *Registry) newSessionToken() (uint64, error) {
	high := r.instanceCounter.Add(1)
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	low := binary.BigEndian.Uint32(buf[:])
	return uint64(high)<<32 | uint64(low), nil
}

// StartAudit runs the audit thread until ctx is cancelled or Stop is
// called. Each pass: publish queued workers to the live map, time out
// silent ones, and reap MARKED_FOR_DELETE workers.
func (r *Registry) StartAudit(ctx context.Context) {
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.cfg.AuditInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.auditPass()
			}
		}
	}()
}

// Stop halts the audit thread and waits for it to exit.
func (r *Registry) Stop() {
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	<-r.doneCh
}

func (r *Registry) auditPass() {
	r.mu.Lock()
	if len(r.queue) > 0 {
		for _, w := range r.queue {
			r.live[w.Name] = w
		}
		r.queue = nil
	}
	// Broadcast every pass, not just when something moved, so a Connect
	// waiting on an unregistered name eventually re-checks and returns
	// WorkerNotFound instead of blocking forever.
	r.cond.Broadcast()
	now := time.Now()
	timedOut := make([]string, 0)
	for _, w := range r.live {
		if w.State() == types.WorkerRegistered || w.State() == types.WorkerConnected || w.State() == types.WorkerConfigured {
			if w.idleFor(now) > r.cfg.WorkerTimeout {
				w.markForDelete()
				timedOut = append(timedOut, w.Name)
				r.logger.Warn().Str("worker", w.Name).Msg("worker timed out, marked for delete")
				r.cfg.Events.Publish(events.Event{Type: events.WorkerTimedOut, Worker: w.Name})
			}
		}
	}
	for name, w := range r.live {
		if w.State() == types.WorkerMarkedForDelete {
			delete(r.live, name)
		}
	}
	r.mu.Unlock()

	for _, name := range timedOut {
		r.reap(name)
	}
}

// Connect implements the channel-accept handshake: wait once for the
// registration-moved edge if the Worker is not yet published, then
// validate the token and attach the socket.
func (r *Registry) Connect(name string, token uint64) (*Worker, error) {
	r.mu.Lock()
	if _, ok := r.live[name]; !ok {
		r.cond.Wait()
	}
	w, ok := r.live[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWorkerNotFound, name)
	}
	if w.SessionToken != token {
		return nil, ErrInvalidToken
	}
	alreadyConnected, wrongState := w.attachSocket()
	if alreadyConnected {
		return nil, ErrAlreadyConnected
	}
	if wrongState {
		return nil, fmt.Errorf("%w: %q is %s", ErrWrongState, name, w.State())
	}
	r.cfg.Events.Publish(events.Event{Type: events.WorkerConnected, Worker: name})
	return w, nil
}

// Disconnect clears a Worker's socket flag without changing its
// session state; the audit thread decides when a silent Worker times
// out.
func (r *Registry) Disconnect(name string) {
	r.mu.Lock()
	w, ok := r.live[name]
	r.mu.Unlock()
	if ok {
		w.detachSocket()
	}
}

// BumpKeepAlive validates (name, token) and updates last-activity.
func (r *Registry) BumpKeepAlive(name string, token uint64) error {
	w, err := r.find(name, token)
	if err != nil {
		return err
	}
	w.touch()
	return nil
}

// Unregister validates (name, token) and marks the Worker for
// deletion; its socket is closed and its attached Jobs failed as part
// of the transition, and the audit thread removes it from the live map.
func (r *Registry) Unregister(name string, token uint64) error {
	w, err := r.find(name, token)
	if err != nil {
		return err
	}
	w.markForDelete()
	r.cfg.Events.Publish(events.Event{Type: events.WorkerUnregistered, Worker: name})
	r.reap(name)
	return nil
}

// MarkConfigured transitions a Worker from CONNECTED to CONFIGURED
// once the Manager has pushed its post-connect configuration.
func (r *Registry) MarkConfigured(name string) {
	r.mu.Lock()
	w, ok := r.live[name]
	r.mu.Unlock()
	if ok {
		w.setConfigured()
		r.cfg.Events.Publish(events.Event{Type: events.WorkerConfigured, Worker: name})
	}
}

// find looks a Worker up in the live map and, failing that, the
// registration queue, so an authenticated call arriving before the
// audit thread's next move-to-live pass still resolves.
func (r *Registry) find(name string, token uint64) (*Worker, error) {
	r.mu.Lock()
	w, ok := r.live[name]
	if ok && w.State() == types.WorkerMarkedForDelete {
		// A doomed session is already gone as far as callers are
		// concerned; a second unregister observes WorkerNotFound.
		ok = false
	}
	if !ok {
		for _, qw := range r.queue {
			if qw.Name == name && qw.State() != types.WorkerMarkedForDelete {
				w, ok = qw, true
				break
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWorkerNotFound, name)
	}
	if w.SessionToken != token {
		return nil, ErrInvalidToken
	}
	return w, nil
}

// ConnectedWorkerNames lists Workers currently holding an open channel
// socket (CONNECTED or CONFIGURED), sorted by name, for the job pump.
func (r *Registry) ConnectedWorkerNames() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.live))
	for _, w := range r.live {
		if s := w.State(); s == types.WorkerConnected || s == types.WorkerConfigured {
			names = append(names, w.Name)
		}
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// List returns every live Worker's public snapshot, sorted by name.
func (r *Registry) List() []types.WorkerInfo {
	r.mu.Lock()
	workers := make([]*Worker, 0, len(r.live))
	for _, w := range r.live {
		workers = append(workers, w)
	}
	r.mu.Unlock()

	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })
	out := make([]types.WorkerInfo, len(workers))
	for i, w := range workers {
		out[i] = w.Info()
	}
	return out
}
