/*
Package coordinator implements Anvil's task scheduling core: the
priority queue, the worker registry, the dispatcher, the result cache,
and the health monitor.

# Architecture

	┌─────────────────── COORDINATOR ───────────────────────┐
	│                                                        │
	│  ExecuteTask ──► result cache ──► hit? resolve now     │
	│        │ miss                                          │
	│        ▼                                               │
	│  priority queue   critical > high > normal > low >     │
	│  (strict, FIFO)   batch — no aging                     │
	│        │                                               │
	│        ▼                                               │
	│  dispatcher ──► least-loaded capable worker            │
	│        │            (load strictly < 1)                │
	│        ▼                                               │
	│  pending set ──► worker reply | per-task timer         │
	│                                                        │
	│  health monitor ──► ping/pong, crash on silence        │
	│                                                        │
	└────────────────────────────────────────────────────────┘

# Guarantees

  - Strict priority: a task is never dispatched while a strictly
    higher class has queued work; ties within a class are FIFO.
  - Cache hits resolve at enqueue time, before any worker side effect,
    with FromCache set and zero queue/execution time.
  - A worker crash requeues its in-flight task at its original
    priority up to max_retries, then surfaces WORKER_CRASHED.
  - A task timeout fails the task but leaves the worker alive; only
    the health monitor (or transport failure) declares a crash.
  - Queue plus in-flight is bounded; beyond it ExecuteTask fails fast
    with QUEUE_FULL.

Workers are external processes speaking line-delimited JSON on stdio
(ProcessTransport); tests drive the same code over in-memory pipes.
*/
package coordinator
