/*
Package sandbox runs untrusted JavaScript inside an isolation boundary
with explicit limits and no ambient authority.

Each execution gets a fresh goja runtime: no host filesystem, network,
process, or clock access, only a constrained console.log hook and the
__step() instrumentation counter. Arguments are copied into the VM by
value (JSON round-trip) and the script's completion value is the
result.

Three limits are enforced:

	memory  peak heap estimate checked against memory_limit_mb
	time    wall-clock interrupt after timeout_ms
	steps   __step() raises once max_steps is exceeded

Failures surface as success=false with partial metrics and one of
LIMIT_EXCEEDED, RUNTIME_ERROR (thrown exception), or SYNTAX_ERROR
(compile failure).

Pool bounds how many sandboxes exist at once; Acquire poll-waits when
saturated, and Release disposes surplus above the limit.
*/
package sandbox
