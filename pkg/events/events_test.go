package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	e := New(EventLockAcquired, "acquired", KeyLock, LockSync, KeyOwner, "dispatcher", "dangling")

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, EventLockAcquired, e.Type)
	assert.Equal(t, map[string]string{KeyLock: LockSync, KeyOwner: "dispatcher"}, e.Metadata)
}

func TestBrokerDelivers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(New(EventRequestDone, "done", KeyRequest, "r1"))

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventRequestDone, ev.Type)
			assert.Equal(t, "r1", ev.Metadata[KeyRequest])
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	b.Unsubscribe(sub1)
	b.Unsubscribe(sub1)
	assert.Equal(t, 1, b.SubscriberCount())
	_, open := <-sub1
	assert.False(t, open)
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	// not started: the queue fills and further events are dropped

	for i := 0; i < 150; i++ {
		b.Publish(New(EventRequestProgress, "progress"))
	}
	assert.Equal(t, int64(50), b.Dropped())

	b.Stop()
	b.Stop()
	b.Publish(New(EventRequestProgress, "after stop"))
	assert.Equal(t, int64(50), b.Dropped())

	var nilBroker *Broker
	require.NotPanics(t, func() { nilBroker.Publish(New(EventRequestDone, "")) })
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(New(EventLockContended, "busy"))
	}

	assert.Eventually(t, func() bool { return b.Dropped() == 10 }, time.Second, 5*time.Millisecond)
	assert.Len(t, sub, subscriberBuffer)
}
