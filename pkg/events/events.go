// Package events implements the control plane's internal event bus: a
// best-effort fan-out of lifecycle notifications (Task transitions, Job
// transitions, Worker session changes) to any number of subscribers,
// used for observability rather than coordination.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies what happened.
type Type string

const (
	TaskCreated      Type = "task.created"
	TaskInitiated    Type = "task.initiated"
	TaskBuilt        Type = "task.built"
	TaskReady        Type = "task.ready"
	TaskScheduled    Type = "task.scheduled"
	TaskReconfigured Type = "task.reconfigured"
	TaskStopped      Type = "task.stopped"

	JobCreated   Type = "job.created"
	JobPrepared  Type = "job.prepared"
	JobInflight  Type = "job.inflight"
	JobCompleted Type = "job.completed"
	JobHardened  Type = "job.hardened"
	JobFailed    Type = "job.failed"

	WorkerRegistered  Type = "worker.registered"
	WorkerConnected   Type = "worker.connected"
	WorkerConfigured  Type = "worker.configured"
	WorkerTimedOut    Type = "worker.timed_out"
	WorkerUnregistered Type = "worker.unregistered"
)

// Event is one occurrence on the bus. ID is a uuid so events remain
// distinguishable even when two fire with the same Type and Timestamp.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	TaskID    int64  `json:",omitempty"`
	JobID     int64  `json:",omitempty"`
	Worker    string `json:",omitempty"`
	Message   string `json:",omitempty"`
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans published events out to every current subscriber. A slow
// or dead subscriber never blocks a publisher: broadcast is
// non-blocking per subscriber and drops on a full buffer.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a Broker. Call Start to begin distribution.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues an event for distribution, stamping ID and
// Timestamp if unset. Publish is nil-receiver safe so callers can hold
// an optional *Broker without a nil check at every call site.
func (b *Broker) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	e := evt
	select {
	case b.eventCh <- &e:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
