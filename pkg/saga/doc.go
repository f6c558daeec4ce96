/*
Package saga executes multi-step workflows durably: ordered named
steps, progress persisted to the event store after every step, reverse
order compensation on failure, and crash-recovery resumption.

# Event sequence

For a single saga the entity's log always reads:

	saga.started
	saga.step_completed   (per completed step, in order)
	saga.completed
	    — or —
	saga.step_failed
	saga.compensated / saga.compensation_failed   (reverse order)
	saga.failed

Failures are never swallowed: every step failure and every compensation
failure produces an event, so the audit trail is complete even when the
process dies mid-compensation.

# Crash recovery

The live saga_state record is written before and after every step. On
startup, ResumeIncomplete picks up every saga left running or
compensating: a running saga replays from current_step (steps already
in completed_steps are skipped, so the log gets at most one completion
record per step), and a compensating saga undoes only the steps still
recorded as completed, in reverse. Step authors owe idempotent Execute
and Compensate; the engine owes everything else.

Terminal sagas are deleted from the live table after their final event
is appended; the event log remains the authority.
*/
package saga
