/*
Package events provides the in-memory event broker used for
tool-to-tool composition.

Every subscription chooses a backpressure strategy for when the
subscriber is slower than the producer:

	buffer    queue up to BufferSize, then block the producer
	drop      discard events once the buffer is full
	throttle  deliver at most one event per interval, discard the rest

Strategies are applied per subscriber. The broker mutex guards only
the subscriber registry; each subscription serializes its own sends
and channel close on a private mutex, so a saturated subscriber never
holds a lock anyone else needs. For one event, drop and throttle
subscribers (and buffer subscribers with room) are served before any
blocking buffer send, so a full buffer subscriber cannot starve them
of that event — it backpressures the bus only once its own queue is
exhausted, which is the buffer strategy's contract. Dropped counts are
observable per subscription.
*/
package events
