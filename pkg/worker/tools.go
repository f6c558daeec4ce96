package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anvilworks/anvil/pkg/sandbox"
	"github.com/anvilworks/anvil/pkg/types"
)

// RegisterBuiltins installs the stock tool set: echo, hash.sha256,
// parse, sleep, and the sandbox-backed js.eval. The pool bounds how
// many sandboxes the worker keeps alive.
func RegisterBuiltins(r *Runtime, pool *sandbox.Pool) error {
	tools := map[string]ToolFunc{
		"echo":        echoTool,
		"hash.sha256": hashTool,
		"parse":       parseTool,
		"sleep":       sleepTool,
	}
	if pool != nil {
		tools["js.eval"] = jsEvalTool(pool)
	}
	for name, fn := range tools {
		if err := r.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// echoTool returns its params verbatim.
func echoTool(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		return json.RawMessage(`null`), nil
	}
	return params, nil
}

// hashTool computes the SHA-256 of a UTF-8 string.
func hashTool(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("hash.sha256 params: %w", err)
	}
	sum := sha256.Sum256([]byte(p.Data))
	return json.Marshal(map[string]string{
		"algorithm": "sha256",
		"digest":    hex.EncodeToString(sum[:]),
	})
}

// parseTool reports surface statistics of a source snippet. Real
// analyzers live in dedicated workers; this keeps the default worker
// useful for wiring tests and demos.
func parseTool(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Language string `json:"language"`
		Code     string `json:"code"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("parse params: %w", err)
	}
	if p.Language == "" {
		return nil, fmt.Errorf("parse: language is required")
	}
	lines := strings.Count(p.Code, "\n") + 1
	if p.Code == "" {
		lines = 0
	}
	return json.Marshal(map[string]any{
		"language": p.Language,
		"bytes":    len(p.Code),
		"lines":    lines,
	})
}

// sleepTool blocks for duration_ms, honoring cancellation. Used to
// exercise timeouts.
func sleepTool(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p struct {
		DurationMS int64 `json:"duration_ms"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("sleep params: %w", err)
	}
	select {
	case <-time.After(time.Duration(p.DurationMS) * time.Millisecond):
		return json.Marshal(map[string]int64{"slept_ms": p.DurationMS})
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// jsEvalTool runs untrusted JavaScript inside a pooled sandbox.
func jsEvalTool(pool *sandbox.Pool) ToolFunc {
	return func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		var p struct {
			Code string         `json:"code"`
			Args map[string]any `json:"args"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("js.eval params: %w", err)
		}
		if p.Code == "" {
			return nil, fmt.Errorf("js.eval: code is required")
		}

		sb, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer pool.Release(sb)

		res := sb.Execute(p.Code, p.Args)
		if !res.Success {
			return nil, &types.TaskError{Code: res.Code, Message: res.Error}
		}
		return json.Marshal(res)
	}
}
