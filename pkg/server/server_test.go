package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/anvilworks/anvil/pkg/coordinator"
	"github.com/anvilworks/anvil/pkg/log"
	"github.com/anvilworks/anvil/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// stubExecutor resolves every task through fn without a worker pool.
type stubExecutor struct {
	workers []types.WorkerInfo
	fn      func(tool string, params json.RawMessage) *types.TaskResult
}

func (s *stubExecutor) ExecuteTask(tool string, params json.RawMessage, opts coordinator.ExecuteOptions) (*coordinator.TaskHandle, error) {
	task := &types.Task{ID: types.NewID(), Tool: tool, Params: params}
	handle, resolve := coordinator.NewHandle(task)
	go resolve(s.fn(tool, params))
	return handle, nil
}

func (s *stubExecutor) Workers() []types.WorkerInfo { return s.workers }

type client struct {
	w   io.Writer
	sc  *bufio.Scanner
	seq int
}

func startServer(t *testing.T, srv *Server) *client {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		_ = srv.Serve(context.Background(), inR, outW)
		outW.Close()
	}()
	t.Cleanup(func() { inW.Close(); outR.Close() })
	sc := bufio.NewScanner(outR)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	return &client{w: inW, sc: sc}
}

func (c *client) send(t *testing.T, method string, params any) {
	t.Helper()
	c.seq++
	frame := map[string]any{"jsonrpc": "2.0", "id": c.seq, "method": method}
	if params != nil {
		frame["params"] = params
	}
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	_, err = c.w.Write(append(data, '\n'))
	require.NoError(t, err)
}

func (c *client) notify(t *testing.T, method string) {
	t.Helper()
	data, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": method})
	_, err := c.w.Write(append(data, '\n'))
	require.NoError(t, err)
}

type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func (c *client) recv(t *testing.T) *rpcFrame {
	t.Helper()
	type scanResult struct {
		ok   bool
		line []byte
	}
	ch := make(chan scanResult, 1)
	go func() {
		ok := c.sc.Scan()
		ch <- scanResult{ok, append([]byte(nil), c.sc.Bytes()...)}
	}()
	select {
	case r := <-ch:
		require.True(t, r.ok, "server closed the stream")
		var frame rpcFrame
		require.NoError(t, json.Unmarshal(r.line, &frame))
		return &frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response")
		return nil
	}
}

// envelope unpacks the text-content wrapper of a tools/call result.
func envelope(t *testing.T, frame *rpcFrame) (body map[string]json.RawMessage, isError bool) {
	t.Helper()
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	require.NoError(t, json.Unmarshal(frame.Result, &result))
	require.Len(t, result.Content, 1)
	require.Equal(t, "text", result.Content[0].Type)
	body = make(map[string]json.RawMessage)
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &body))
	return body, result.IsError
}

func okExecutor() *stubExecutor {
	return &stubExecutor{
		workers: []types.WorkerInfo{{
			ID:     "w1",
			Status: types.WorkerStatusReady,
			Capabilities: types.WorkerCapabilities{
				Tools: []string{"parse", "hash.sha256"}, MaxConcurrent: 1,
			},
		}},
		fn: func(tool string, params json.RawMessage) *types.TaskResult {
			return &types.TaskResult{Success: true, Result: json.RawMessage(`{"ok":true}`)}
		},
	}
}

func TestInitializeHandshake(t *testing.T) {
	srv := New(okExecutor(), Options{Info: Info{Name: "anvil", Version: "test"}})
	c := startServer(t, srv)

	c.send(t, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo":      map[string]string{"name": "tester"},
	})
	frame := c.recv(t)
	require.Nil(t, frame.Error)

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      Info   `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(frame.Result, &result))
	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "anvil", result.ServerInfo.Name)

	// The initialized notification gets no reply; the next request
	// must still be answered.
	c.notify(t, "notifications/initialized")
	c.send(t, "tools/list", nil)
	frame = c.recv(t)
	require.Nil(t, frame.Error)
}

func TestToolsList(t *testing.T) {
	srv := New(okExecutor(), Options{Descriptions: map[string]string{"parse": "Parse source code"}})
	c := startServer(t, srv)

	c.send(t, "tools/list", nil)
	frame := c.recv(t)
	require.Nil(t, frame.Error)

	var result struct {
		Tools []ToolSpec `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(frame.Result, &result))
	require.Len(t, result.Tools, 2)
	assert.Equal(t, "hash.sha256", result.Tools[0].Name, "sorted")
	assert.Equal(t, "parse", result.Tools[1].Name)
	assert.Equal(t, "Parse source code", result.Tools[1].Description)
}

func TestToolsCallSuccess(t *testing.T) {
	srv := New(okExecutor(), Options{})
	c := startServer(t, srv)

	c.send(t, "tools/call", map[string]any{
		"name":      "parse",
		"arguments": map[string]string{"language": "javascript", "code": "const x=1"},
	})
	frame := c.recv(t)
	require.Nil(t, frame.Error)

	body, isError := envelope(t, frame)
	assert.False(t, isError)
	assert.JSONEq(t, `true`, string(body["success"]))
	assert.JSONEq(t, `{"ok":true}`, string(body["result"]))
}

func TestToolsCallFailureEnvelope(t *testing.T) {
	ex := okExecutor()
	ex.fn = func(tool string, params json.RawMessage) *types.TaskResult {
		return &types.TaskResult{
			Success: false,
			Error:   types.NewTaskError(types.ErrExecution, "boom"),
		}
	}
	srv := New(ex, Options{})
	c := startServer(t, srv)

	c.send(t, "tools/call", map[string]any{"name": "parse"})
	frame := c.recv(t)
	require.Nil(t, frame.Error, "tool failure is not a JSON-RPC error")

	body, isError := envelope(t, frame)
	assert.True(t, isError)
	assert.JSONEq(t, `false`, string(body["success"]))
	var terr types.TaskError
	require.NoError(t, json.Unmarshal(body["error"], &terr))
	assert.Equal(t, types.ErrExecution, terr.Code)
	assert.Equal(t, "boom", terr.Message)
}

func TestGateDenylist(t *testing.T) {
	gate, err := NewGate(GateConfig{Denylist: []string{"js.*"}})
	require.NoError(t, err)
	srv := New(okExecutor(), Options{Gate: gate})
	c := startServer(t, srv)

	c.send(t, "tools/call", map[string]any{"name": "js.eval"})
	body, isError := envelope(t, c.recv(t))
	assert.True(t, isError)
	var terr types.TaskError
	require.NoError(t, json.Unmarshal(body["error"], &terr))
	assert.Equal(t, types.ErrToolDenied, terr.Code)
}

func TestGateAllowlist(t *testing.T) {
	gate, err := NewGate(GateConfig{Allowlist: []string{"parse", "hash.*"}})
	require.NoError(t, err)
	srv := New(okExecutor(), Options{Gate: gate})
	c := startServer(t, srv)

	c.send(t, "tools/call", map[string]any{"name": "hash.sha256"})
	_, isError := envelope(t, c.recv(t))
	assert.False(t, isError)

	c.send(t, "tools/call", map[string]any{"name": "secrets.dump"})
	body, isError := envelope(t, c.recv(t))
	assert.True(t, isError)
	var terr types.TaskError
	require.NoError(t, json.Unmarshal(body["error"], &terr))
	assert.Equal(t, types.ErrToolDenied, terr.Code)
}

func TestGateRateLimit(t *testing.T) {
	gate, err := NewGate(GateConfig{PerToolPerMin: map[string]int{"parse": 2}})
	require.NoError(t, err)

	// Two calls pass on the initial burst; the third inside the same
	// minute is rejected.
	for i := 0; i < 2; i++ {
		assert.Nil(t, gate.Check("parse"))
	}
	terr := gate.Check("parse")
	require.NotNil(t, terr)
	assert.Equal(t, types.ErrRateLimited, terr.Code)

	assert.Nil(t, gate.Check("hash.sha256"), "other tools unaffected")
}

func TestGateBadPattern(t *testing.T) {
	_, err := NewGate(GateConfig{Allowlist: []string{"["}})
	assert.Error(t, err)
}

func TestUnknownMethod(t *testing.T) {
	srv := New(okExecutor(), Options{})
	c := startServer(t, srv)

	c.send(t, "no/such/method", nil)
	frame := c.recv(t)
	require.NotNil(t, frame.Error)
	assert.Equal(t, codeMethodNotFound, frame.Error.Code)
}

func TestParseError(t *testing.T) {
	srv := New(okExecutor(), Options{})
	c := startServer(t, srv)

	_, err := c.w.Write([]byte("this is not json\n"))
	require.NoError(t, err)
	frame := c.recv(t)
	require.NotNil(t, frame.Error)
	assert.Equal(t, codeParseError, frame.Error.Code)
}

func TestCallMissingName(t *testing.T) {
	srv := New(okExecutor(), Options{})
	c := startServer(t, srv)

	c.send(t, "tools/call", map[string]any{"arguments": map[string]int{"x": 1}})
	frame := c.recv(t)
	require.NotNil(t, frame.Error)
	assert.Equal(t, codeInvalidParams, frame.Error.Code)
}
