/*
Package events provides the in-process event bus for Patchbay's pub/sub
messaging.

The bus fans lifecycle events (instance created/stopped, health changes,
breaker transitions, backend stderr, proxied messages) out to subscribers
with per-subscriber bounded queues. Publishing never blocks: a subscriber
whose queue is full loses the event while everyone else still receives it.

# Architecture

	Publisher ──► event channel (buffer 100)
	                    │
	                    ▼
	              broadcast loop ──► id-dedup LRU (1024 ids)
	                    │
	        ┌───────────┼───────────┐
	        ▼           ▼           ▼
	   sub queue    sub queue   sub queue     (buffer 50 each,
	   (all types)  (stderr)    (health)       drop when full)

# Delivery Guarantees

  - Per subscriber, events arrive in publish order.
  - Across subscribers there is no ordering.
  - Events with an id already in the dedup window are delivered zero
    times; the first publish wins.
  - Delivery is best effort. Slow subscribers lose events instead of
    slowing the gateway down.

# Usage

	bus := events.NewBus()
	defer bus.Close()

	sub := bus.Subscribe(types.EventServiceCreated, types.EventStderr)
	defer sub.Close()

	go func() {
		for event := range sub.C {
			fmt.Printf("%s %v\n", event.Type, event.Payload)
		}
	}()

	bus.Publish(types.Event{
		Type:    types.EventServiceCreated,
		ID:      events.NewEventID(),
		Payload: map[string]any{"serviceId": inst.ID},
	})

Close publishes a terminal close event before shutting the fan-out loop
down, so streaming clients observe a clean end of stream.

# Integration Points

  - pkg/registry publishes instance lifecycle and health events
  - pkg/router publishes sent/message/stderr events on the proxy path
  - pkg/api streams events to SSE subscribers
  - pkg/transport publishes backend stderr warnings
*/
package events
