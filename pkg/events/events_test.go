package events_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunequeue/tunequeue/pkg/events"
)

func TestPublishReachesSubscriber(t *testing.T) {
	b := events.NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(events.Event{Type: events.TaskCreated, TaskID: 7, Message: "created"})

	select {
	case evt := <-sub:
		assert.Equal(t, events.TaskCreated, evt.Type)
		assert.EqualValues(t, 7, evt.TaskID)
		assert.NotEmpty(t, evt.ID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the published event")
	}
}

func TestPublishFansOutToEverySubscriber(t *testing.T) {
	b := events.NewBroker()
	b.Start()
	defer b.Stop()

	a := b.Subscribe()
	c := b.Subscribe()
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	require.Eventually(t, func() bool { return b.SubscriberCount() == 2 }, time.Second, time.Millisecond)

	b.Publish(events.Event{Type: events.WorkerRegistered, Worker: "w1"})

	for _, sub := range []events.Subscriber{a, c} {
		select {
		case evt := <-sub:
			assert.Equal(t, "w1", evt.Worker)
		case <-time.After(time.Second):
			t.Fatal("one subscriber never received the fanned-out event")
		}
	}
}

func TestUnregisteredSubscriberDoesNotBlockPublish(t *testing.T) {
	b := events.NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		b.Publish(events.Event{Type: events.JobFailed})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after the only subscriber unsubscribed")
	}
}

func TestNilBrokerPublishIsSafe(t *testing.T) {
	var b *events.Broker
	assert.NotPanics(t, func() {
		b.Publish(events.Event{Type: events.TaskStopped})
	})
}
