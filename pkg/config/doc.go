/*
Package config resolves the serve command's configuration from
defaults, an optional YAML file, and ANVIL_* environment variables,
with the environment winning.

	ANVIL_CONFIG            config file path
	ANVIL_DATA_DIR          data directory (default ./data)
	ANVIL_DB_PATH           event store path, ":memory:" permitted
	ANVIL_LOG_LEVEL         debug | info | warn | error
	ANVIL_LOG_JSON          JSON log output
	ANVIL_METRICS_ADDR      Prometheus listen address, empty disables
	ANVIL_TOOL_ALLOWLIST    comma-separated tool globs
	ANVIL_TOOL_DENYLIST     comma-separated tool globs
	ANVIL_RATE_LIMIT        global tools/call budget per minute
	ANVIL_TOOL_RATE_LIMITS  per-tool budgets, "tool=n,tool2=m"
	ANVIL_STRICT_INTEGRITY  refuse to boot if chain verification fails
	ANVIL_MAX_LINE_BYTES    protocol line guard
*/
package config
