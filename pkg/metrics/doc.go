/*
Package metrics defines Anvil's Prometheus collectors: task throughput
and latency, queue depth, worker registry state, cache hits, event
store and saga counters, and sandbox outcomes.

Collectors are package-level and registered in init(); the serve
command exposes them on an opt-in metrics address via Handler().
*/
package metrics
