/*
Package eventstore implements Anvil's durable, append-only event log on
BoltDB, together with the snapshot, saga-state, integrity-block, and
dead-letter tables.

# Architecture

	┌──────────────────── EVENT STORE ─────────────────────┐
	│                                                       │
	│  Append ──► write buffer (≤100 events, 50ms idle)     │
	│                  │ flush: one atomic bbolt Update     │
	│                  ▼                                    │
	│  events/        nested bucket per entity,             │
	│                 key = big-endian version              │
	│  event_index/   event id ─► (entity, version),        │
	│                 global time order (UUIDv7 ids)        │
	│  snapshots/     one per entity, latest wins           │
	│  saga_state/    live in-flight sagas                  │
	│  integrity_blocks/  sealed Merkle chain               │
	│  dlq/           exhausted-retry operations            │
	│                                                       │
	└───────────────────────────────────────────────────────┘

# Guarantees

  - Per entity, versions are dense and monotonic starting at 1; the
    buffer participates in version assignment so concurrent appends
    before a flush cannot collide, and duplicate (entity, version)
    inserts are rejected at flush time.
  - Read-your-writes within the process: every read path flushes first.
  - A failed flush surfaces a STORAGE_ERROR and leaves the buffer
    intact; Close flushes before releasing the file.
  - Snapshot writes are atomic with respect to readers and a snapshot
    version never exceeds the entity's max event version.

The ":memory:" path sentinel opens a temp-file database removed on
Close, used by tests and ephemeral serve runs.
*/
package eventstore
