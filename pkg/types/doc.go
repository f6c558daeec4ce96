/*
Package types defines the core data structures used throughout Anvil.

This package contains the fundamental types of Anvil's domain model:
entities and events, tasks and their results, worker registry records,
saga state, integrity blocks, and dead-letter entries. All other packages
depend on types and nothing in types depends on them.

# Identity

Durable identities are EntityID values of the form "kind:uuid7". UUIDv7
is time-ordered and lexicographically sortable, which the event index and
the integrity chain depend on: sorting event ids sorts events by creation
time.

# Error model

Failures surfaced by the core carry an ErrorCode so callers can branch on
the class without string matching:

	QUEUE_FULL                enqueue rejected, no retry
	TIMEOUT                   dispatcher timer fired, no auto-retry
	WORKER_CRASHED            requeued up to max_retries, then surfaced
	WORKER_MESSAGE_TOO_LARGE  treated as a worker crash
	EXECUTION_ERROR           worker error reply, surfaced as-is
	LIMIT_EXCEEDED            sandbox memory/time/step limit
	STORAGE_ERROR             event store flush failure
	INTEGRITY_CHAIN_BROKEN    verification failure, aborts boot in strict mode

All types are JSON-serializable; opaque values (event payloads, tool
params, saga input) are json.RawMessage so the log preserves bytes
verbatim.
*/
package types
