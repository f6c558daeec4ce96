package server

import (
	"fmt"

	"github.com/anvilworks/anvil/pkg/types"
	"github.com/gobwas/glob"
	"golang.org/x/time/rate"
)

// Gate enforces the tool policy at the RPC boundary: allow/deny glob
// lists plus global and per-tool per-minute rate limits.
type Gate struct {
	allow   []glob.Glob
	deny    []glob.Glob
	global  *rate.Limiter
	perTool map[string]*rate.Limiter
}

// GateConfig configures a Gate.
type GateConfig struct {
	Allowlist       []string       // empty means allow all
	Denylist        []string       // wins over the allowlist
	GlobalPerMinute int            // 0 disables
	PerToolPerMin   map[string]int // 0 entries disable per tool
}

// NewGate compiles the glob patterns and builds the limiters.
func NewGate(cfg GateConfig) (*Gate, error) {
	g := &Gate{perTool: make(map[string]*rate.Limiter)}
	for _, pattern := range cfg.Allowlist {
		compiled, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("allowlist pattern %q: %w", pattern, err)
		}
		g.allow = append(g.allow, compiled)
	}
	for _, pattern := range cfg.Denylist {
		compiled, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("denylist pattern %q: %w", pattern, err)
		}
		g.deny = append(g.deny, compiled)
	}
	if cfg.GlobalPerMinute > 0 {
		g.global = perMinuteLimiter(cfg.GlobalPerMinute)
	}
	for tool, n := range cfg.PerToolPerMin {
		if n > 0 {
			g.perTool[tool] = perMinuteLimiter(n)
		}
	}
	return g, nil
}

func perMinuteLimiter(n int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
}

// Check admits or rejects a tools/call for the named tool.
func (g *Gate) Check(tool string) *types.TaskError {
	for _, d := range g.deny {
		if d.Match(tool) {
			return types.NewTaskError(types.ErrToolDenied, "tool %q is denied by policy", tool)
		}
	}
	if len(g.allow) > 0 {
		allowed := false
		for _, a := range g.allow {
			if a.Match(tool) {
				allowed = true
				break
			}
		}
		if !allowed {
			return types.NewTaskError(types.ErrToolDenied, "tool %q is not on the allowlist", tool)
		}
	}
	if g.global != nil && !g.global.Allow() {
		return types.NewTaskError(types.ErrRateLimited, "global rate limit exceeded")
	}
	if limiter, ok := g.perTool[tool]; ok && !limiter.Allow() {
		return types.NewTaskError(types.ErrRateLimited, "rate limit for %q exceeded", tool)
	}
	return nil
}
