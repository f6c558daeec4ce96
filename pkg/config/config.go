package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// WorkerSpec declares a worker process the serve command launches.
type WorkerSpec struct {
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	Replicas int      `yaml:"replicas"`
}

// Config is the serve command's configuration. Values resolve in
// order: defaults, then the optional YAML file, then environment
// variables.
type Config struct {
	DataDir         string         `yaml:"data_dir"`
	DBPath          string         `yaml:"db_path"` // ":memory:" permitted
	LogLevel        string         `yaml:"log_level"`
	LogJSON         bool           `yaml:"log_json"`
	MetricsAddr     string         `yaml:"metrics_addr"` // empty disables
	ToolAllowlist   []string       `yaml:"tool_allowlist"`
	ToolDenylist    []string       `yaml:"tool_denylist"`
	RateLimitPerMin int            `yaml:"rate_limit_per_min"` // 0 disables
	ToolRateLimits  map[string]int `yaml:"tool_rate_limits"`
	StrictIntegrity bool           `yaml:"strict_integrity"`
	MaxLineBytes    int            `yaml:"max_line_bytes"`
	MaxQueueSize    int            `yaml:"max_queue_size"`
	Workers         []WorkerSpec   `yaml:"workers"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load resolves the configuration. path may be empty; ANVIL_CONFIG
// overrides it.
func Load(path string) (Config, error) {
	cfg := Default()

	if env := os.Getenv("ANVIL_CONFIG"); env != "" {
		path = env
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = cfg.DataDir + "/anvil.db"
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("ANVIL_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("ANVIL_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("ANVIL_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ANVIL_LOG_JSON"); v != "" {
		c.LogJSON = isTrue(v)
	}
	if v := os.Getenv("ANVIL_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("ANVIL_TOOL_ALLOWLIST"); v != "" {
		c.ToolAllowlist = splitList(v)
	}
	if v := os.Getenv("ANVIL_TOOL_DENYLIST"); v != "" {
		c.ToolDenylist = splitList(v)
	}
	if v := os.Getenv("ANVIL_STRICT_INTEGRITY"); v != "" {
		c.StrictIntegrity = isTrue(v)
	}
	if v := os.Getenv("ANVIL_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ANVIL_RATE_LIMIT: %w", err)
		}
		c.RateLimitPerMin = n
	}
	if v := os.Getenv("ANVIL_TOOL_RATE_LIMITS"); v != "" {
		limits, err := parseToolRates(v)
		if err != nil {
			return err
		}
		c.ToolRateLimits = limits
	}
	if v := os.Getenv("ANVIL_MAX_LINE_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ANVIL_MAX_LINE_BYTES: %w", err)
		}
		c.MaxLineBytes = n
	}
	return nil
}

// parseToolRates parses "tool=n,tool2=m" pairs.
func parseToolRates(v string) (map[string]int, error) {
	out := make(map[string]int)
	for _, pair := range splitList(v) {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("ANVIL_TOOL_RATE_LIMITS: malformed entry %q", pair)
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("ANVIL_TOOL_RATE_LIMITS: %q: %w", pair, err)
		}
		out[strings.TrimSpace(name)] = n
	}
	return out, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
