/*
Package workflow provides the deterministic time and randomness source
for replayable workflow logic.

A Context is an immutable value holding (seed, current_time,
step_count). Now and AdvanceTime replace wall-clock time; Random and
RandomInt are a fixed-constant linear congruential generator threaded
through the context. Re-executing a workflow from the same initial
context yields bit-identical values.

Recorder persists the context into the workflow entity's event log:
workflow.started fixes the initial seed and clock, and every recorded
activity appends workflow.activity carrying the post-activity context.
Rehydrate folds those events back into the exact live state, which is
what makes crash-resumed workflows replayable.
*/
package workflow
