/*
Package server exposes Anvil's external RPC surface: line-delimited
JSON-RPC 2.0 over stdio, one object per \n-terminated line.

Methods:

	initialize                 handshake, returns serverInfo + capabilities
	notifications/initialized  client notification, no reply
	tools/list                 aggregated worker capability sets
	tools/call                 routed through the policy gate into the
	                           coordinator

Tool failures are not JSON-RPC errors: they come back as
{success:false, error:{code, message, details?}} inside the standard
text-content envelope with isError set, so clients always receive the
structured error object the tools emit.

The Gate enforces the boundary policy: allow/deny tool globs (deny
wins) and global plus per-tool per-minute rate limits.
*/
package server
