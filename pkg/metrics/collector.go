package metrics

import (
	"strconv"
	"time"

	"github.com/cuemby/rackpatch/pkg/events"
)

// Collector turns broker events into metrics
type Collector struct {
	broker *events.Broker
	sub    events.Subscriber
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCollector creates a collector fed by broker
func NewCollector(broker *events.Broker) *Collector {
	return &Collector{
		broker: broker,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start subscribes to the broker and begins collecting
func (c *Collector) Start() {
	c.sub = c.broker.Subscribe()
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		defer close(c.doneCh)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-c.sub:
				if !ok {
					return
				}
				c.observe(ev)
			case <-ticker.C:
				EventsDropped.Set(float64(c.broker.Dropped()))
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector and drops its subscription
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
	c.broker.Unsubscribe(c.sub)
}

func (c *Collector) observe(ev *events.Event) {
	switch ev.Type {
	case events.EventLockAcquired:
		LockAcquireTotal.WithLabelValues(ev.Metadata[events.KeyLock], "acquired").Inc()
	case events.EventLockContended:
		LockAcquireTotal.WithLabelValues(ev.Metadata[events.KeyLock], "contended").Inc()
	case events.EventLockReleased:
		LockReleaseTotal.WithLabelValues(ev.Metadata[events.KeyLock], "released").Inc()
	case events.EventRequestRunning:
		RequestsTotal.WithLabelValues("Running").Inc()
	case events.EventRequestProgress:
		if pct, err := strconv.Atoi(ev.Metadata[events.KeyPercent]); err == nil {
			StepProgress.WithLabelValues(ev.Metadata[events.KeyRequest]).Set(float64(pct))
		}
	case events.EventRequestDone:
		RequestsTotal.WithLabelValues("Done").Inc()
		StepProgress.DeleteLabelValues(ev.Metadata[events.KeyRequest])
	case events.EventRequestFailed:
		RequestsTotal.WithLabelValues("Failed").Inc()
		StepProgress.DeleteLabelValues(ev.Metadata[events.KeyRequest])
	}
}
