/*
Package protocol defines the wire protocol between the coordinator and
its workers: line-delimited JSON over stdio, exactly one object per
\n-terminated line in each direction.

	worker -> coordinator:  register, success, error, pong
	coordinator -> worker:  execute, ping, shutdown

Both sides enforce a maximum line size (default 1 MiB). A breach is
ErrLineTooLarge; the coordinator promotes it to a worker crash, since a
worker that emits an unframeable reply can no longer be trusted to stay
in sync with the stream.
*/
package protocol
