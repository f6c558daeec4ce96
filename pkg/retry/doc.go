/*
Package retry implements bounded exponential backoff and the
dead-letter queue.

Do retries an operation on the schedule
delay(i) = min(initial * multiplier^i, max), without jitter so the
schedule is reproducible. DLQ.Run wraps Do: an operation that exhausts
its attempts is deposited in the dead-letter table and a dlq.added
event is appended to the originating entity's log; Remove clears an
entry after manual resolution and appends dlq.removed.
*/
package retry
