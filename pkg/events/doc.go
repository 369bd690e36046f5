/*
Package events provides an in-process event broker for rackpatch.

Components publish request and lock lifecycle events; the metrics collector
and any other interested goroutine subscribe to them. Events never cross
process boundaries: coordination between processes happens through the
store, events only describe what this process observed.

	Publisher ──► event queue (100) ──► broadcast loop ──► subscriber (50)
	                                                   └──► subscriber (50)

Publish never blocks. A full queue drops the event and bumps Dropped; a
full subscriber buffer skips that subscriber.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Publish(events.New(events.EventLockAcquired, "fabric lock acquired",
		events.KeyLock, events.LockFabric, events.KeyOwner, "clu1"))
	ev := <-sub
*/
package events
