package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventRequestRunning  EventType = "request.running"
	EventRequestProgress EventType = "request.progress"
	EventRequestDone     EventType = "request.done"
	EventRequestFailed   EventType = "request.failed"
	EventRequestAssigned EventType = "request.assigned"
	EventLockAcquired    EventType = "lock.acquired"
	EventLockContended   EventType = "lock.contended"
	EventLockReleased    EventType = "lock.released"
	EventJanitorCycle    EventType = "janitor.cycle"
)

// Metadata keys carried by events
const (
	KeyRequest = "request"
	KeyLock    = "lock"
	KeyOwner   = "owner"
	KeyPercent = "percent"
	KeyStep    = "step"
	KeyCode    = "code"
	KeyPort    = "port"
)

// Lock kinds used in the KeyLock metadata
const (
	LockSync   = "synclock"
	LockFabric = "fabric"
)

const (
	queueSize        = 100
	subscriberBuffer = 50
)

// Event represents a coordination event
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// New builds an event with a fresh id. kv is read as key/value pairs.
func New(t EventType, message string, kv ...string) *Event {
	e := &Event{
		ID:       uuid.NewString(),
		Type:     t,
		Message:  message,
		Metadata: make(map[string]string, len(kv)/2),
	}
	for i := 0; i+1 < len(kv); i += 2 {
		e.Metadata[kv[i]] = kv[i+1]
	}
	return e
}

// Publisher publishes events
type Publisher interface {
	Publish(event *Event)
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	dropped     atomic.Int64
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, queueSize),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, subscriberBuffer)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for all subscribers. It never blocks: when the
// queue is full the event is dropped and counted.
func (b *Broker) Publish(event *Event) {
	if b == nil || event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		return
	default:
	}

	select {
	case b.eventCh <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped counts events lost to a full queue or a full subscriber buffer
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
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
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
