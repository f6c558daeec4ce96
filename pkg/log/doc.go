/*
Package log provides structured logging for Anvil built on zerolog.

A single global logger is initialized once from the composition root and
component packages derive child loggers carrying structured fields:

	logger := log.WithComponent("coordinator")
	logger.Info().Str("task_id", task.ID).Msg("Task dispatched")

Output goes to stderr by default because stdout carries the
line-delimited JSON protocol in both the serve and worker commands.
*/
package log
