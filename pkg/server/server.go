package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/anvilworks/anvil/pkg/coordinator"
	"github.com/anvilworks/anvil/pkg/log"
	"github.com/anvilworks/anvil/pkg/types"
	"github.com/rs/zerolog"
)

// ProtocolVersion is the RPC protocol revision this server speaks.
const ProtocolVersion = "2024-11-05"

// Executor is the slice of the coordinator the server drives.
type Executor interface {
	ExecuteTask(tool string, params json.RawMessage, opts coordinator.ExecuteOptions) (*coordinator.TaskHandle, error)
	Workers() []types.WorkerInfo
}

// ToolSpec describes one tool in tools/list.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Info identifies the server in the initialize handshake.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Options configures a Server.
type Options struct {
	Info         Info
	Gate         *Gate
	MaxLineBytes int
	CallTimeout  time.Duration // ceiling for one tools/call; default 60s
	// Descriptions annotates tool names in tools/list.
	Descriptions map[string]string
}

// Server speaks line-delimited JSON-RPC 2.0 over a byte stream
// (stdio in production): initialize, notifications/initialized,
// tools/list, and tools/call routed into the coordinator.
type Server struct {
	opts     Options
	executor Executor
	logger   zerolog.Logger
}

// New creates a server over the executor.
func New(executor Executor, opts Options) *Server {
	if opts.Info.Name == "" {
		opts.Info.Name = "anvil"
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	return &Server{
		opts:     opts,
		executor: executor,
		logger:   log.WithComponent("server"),
	}
}

// request is an incoming JSON-RPC frame. A missing id marks a
// notification.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// JSON-RPC error codes used by the surface.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// Serve reads one request per line until EOF or ctx cancellation.
// Responses are written one per line in completion order.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := newLineScanner(in, s.opts.MaxLineBytes)
	writer := newLineWriter(out, s.opts.MaxLineBytes)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line, err := lines.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.respond(writer, &response{JSONRPC: "2.0", Error: &rpcError{codeParseError, "parse error"}})
			continue
		}

		if req.Method == "tools/call" {
			// Calls suspend on the coordinator; serve them without
			// blocking the read loop so requests can overlap.
			wg.Add(1)
			go func(req request) {
				defer wg.Done()
				s.respond(writer, s.handleCall(ctx, &req))
			}(req)
			continue
		}

		if resp := s.handle(&req); resp != nil {
			s.respond(writer, resp)
		}
	}
}

func (s *Server) respond(writer *lineWriter, resp *response) {
	if resp == nil {
		return
	}
	if err := writer.writeJSON(resp); err != nil {
		s.logger.Error().Err(err).Msg("Response write failed")
	}
}

// handle serves the non-call methods synchronously. A nil response
// means notification: nothing is written.
func (s *Server) handle(req *request) *response {
	switch req.Method {
	case "initialize":
		return &response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]any{
				"protocolVersion": ProtocolVersion,
				"serverInfo":      s.opts.Info,
				"capabilities":    map[string]any{"tools": map[string]any{}},
			},
		}

	case "notifications/initialized":
		return nil

	case "tools/list":
		return &response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  map[string]any{"tools": s.listTools()},
		}

	default:
		if req.ID == nil {
			return nil // unknown notification
		}
		return &response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method)},
		}
	}
}

// listTools aggregates the capability sets of all live workers.
func (s *Server) listTools() []ToolSpec {
	seen := make(map[string]bool)
	var names []string
	for _, w := range s.executor.Workers() {
		if w.Status == types.WorkerStatusCrashed {
			continue
		}
		for _, tool := range w.Capabilities.Tools {
			if !seen[tool] {
				seen[tool] = true
				names = append(names, tool)
			}
		}
	}
	sort.Strings(names)

	specs := make([]ToolSpec, 0, len(names))
	for _, name := range names {
		desc := s.opts.Descriptions[name]
		if desc == "" {
			desc = "Tool " + name
		}
		specs = append(specs, ToolSpec{
			Name:        name,
			Description: desc,
			Schema:      json.RawMessage(`{"type":"object"}`),
		})
	}
	return specs
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Priority  types.Priority  `json:"priority,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
}

// handleCall runs one tools/call through the gate and the coordinator.
// Tool failures are not JSON-RPC errors: they come back as an isError
// content envelope, per the RPC surface contract.
func (s *Server) handleCall(ctx context.Context, req *request) *response {
	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return &response{
			JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{codeInvalidParams, "tools/call needs a tool name"},
		}
	}

	if s.opts.Gate != nil {
		if gateErr := s.opts.Gate.Check(params.Name); gateErr != nil {
			return s.errorEnvelope(req.ID, gateErr)
		}
	}

	handle, err := s.executor.ExecuteTask(params.Name, params.Arguments, coordinator.ExecuteOptions{
		Priority: params.Priority,
		Timeout:  time.Duration(params.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		var terr *types.TaskError
		if errors.As(err, &terr) {
			return s.errorEnvelope(req.ID, terr)
		}
		return &response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{codeInternalError, err.Error()}}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	result, err := handle.Wait(callCtx)
	if err != nil {
		return s.errorEnvelope(req.ID, types.NewTaskError(types.ErrTimeout, "call abandoned: %v", err))
	}
	if !result.Success {
		return s.errorEnvelope(req.ID, result.Error)
	}

	body, err := json.Marshal(map[string]any{
		"success":           true,
		"result":            result.Result,
		"from_cache":        result.FromCache,
		"queue_time_ms":     result.QueueTimeMS,
		"execution_time_ms": result.ExecutionTimeMS,
	})
	if err != nil {
		return &response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{codeInternalError, err.Error()}}
	}
	return &response{
		JSONRPC: "2.0", ID: req.ID,
		Result: map[string]any{
			"content": []map[string]any{{"type": "text", "text": string(body)}},
		},
	}
}

// errorEnvelope wraps a tool failure in the standard text-content
// envelope marked isError.
func (s *Server) errorEnvelope(id json.RawMessage, terr *types.TaskError) *response {
	if terr == nil {
		terr = types.NewTaskError(types.ErrExecution, "unknown failure")
	}
	body, _ := json.Marshal(map[string]any{
		"success": false,
		"error":   terr,
	})
	return &response{
		JSONRPC: "2.0", ID: id,
		Result: map[string]any{
			"content": []map[string]any{{"type": "text", "text": string(body)}},
			"isError": true,
		},
	}
}
