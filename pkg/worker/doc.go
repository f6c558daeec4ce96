/*
Package worker implements the worker side of Anvil's stdio protocol: a
long-lived runtime that registers its capability set on startup,
executes tool requests one at a time (or up to its declared
concurrency), and answers pings and shutdowns.

Tools are plain functions registered by name; the coordinator matches
tool names against the advertised set verbatim. The stock set (echo,
hash.sha256, parse, sleep, js.eval) makes `anvil worker` useful out of
the box; js.eval routes through the sandbox pool so untrusted code
never runs with ambient authority.

Replies that would breach the line-size guard are replaced with a
structured WORKER_MESSAGE_TOO_LARGE error so the coordinator is never
left waiting on a frame it would reject anyway.
*/
package worker
