package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/anvilworks/anvil/pkg/log"
	"github.com/anvilworks/anvil/pkg/protocol"
	"github.com/anvilworks/anvil/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeWorker drives the worker side of the protocol over in-memory
// pipes, standing in for a child process.
type fakeWorker struct {
	id      string
	tools   []string
	handler func(tool string, params json.RawMessage) (json.RawMessage, *types.TaskError)
	delay   time.Duration
	noPong  bool

	// writerMax lets a test give the worker a laxer line limit than
	// the coordinator, to exercise the coordinator-side guard.
	writerMax int

	reader *protocol.Reader
	writer *protocol.Writer
	inR    *io.PipeReader
	outW   *io.PipeWriter

	crashOnce sync.Once
}

func (f *fakeWorker) start(t *testing.T, c *Coordinator, coordMax int) {
	t.Helper()
	inR, inW := io.Pipe()   // coordinator -> worker
	outR, outW := io.Pipe() // worker -> coordinator
	f.inR, f.outW = inR, outW
	f.reader = protocol.NewReader(inR, 0)
	f.writer = protocol.NewWriter(outW, f.writerMax)

	transport := NewPipeTransport(outR, inW, coordMax, func() error {
		inW.Close()
		outR.Close()
		return nil
	})
	require.NoError(t, c.RegisterWorker(f.id, transport))
	t.Cleanup(f.crash)

	go f.run()
}

func (f *fakeWorker) run() {
	_ = f.writer.Write(&protocol.Message{
		Type: protocol.MessageRegister,
		Capabilities: &types.WorkerCapabilities{
			Tools:         f.tools,
			MaxConcurrent: 1,
		},
	})
	for {
		msg, err := f.reader.Read()
		if err != nil {
			return
		}
		switch msg.Type {
		case protocol.MessageExecute:
			go f.execute(msg)
		case protocol.MessagePing:
			if !f.noPong {
				_ = f.writer.Write(&protocol.Message{
					Type: protocol.MessagePong, ID: msg.ID, Timestamp: msg.Timestamp,
				})
			}
		case protocol.MessageShutdown:
			f.crash()
			return
		}
	}
}

func (f *fakeWorker) execute(msg *protocol.Message) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	result, terr := f.handler(msg.Tool, msg.Params)
	if terr != nil {
		_ = f.writer.Write(&protocol.Message{Type: protocol.MessageError, ID: msg.ID, Error: terr})
		return
	}
	_ = f.writer.Write(&protocol.Message{Type: protocol.MessageSuccess, ID: msg.ID, Result: result})
}

// crash severs the worker -> coordinator stream mid-flight.
func (f *fakeWorker) crash() {
	f.crashOnce.Do(func() {
		f.outW.CloseWithError(io.ErrUnexpectedEOF)
		f.inR.Close()
	})
}

func echoHandler(tool string, params json.RawMessage) (json.RawMessage, *types.TaskError) {
	if len(params) == 0 {
		params = json.RawMessage(`null`)
	}
	out, _ := json.Marshal(map[string]any{"tool": tool, "echo": json.RawMessage(params)})
	return out, nil
}

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = -1 // disabled unless a test opts in
	}
	c := New(cfg)
	c.Start()
	t.Cleanup(c.Shutdown)
	return c
}

func waitReady(t *testing.T, c *Coordinator, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, w := range c.Workers() {
			if w.ID == id && w.Status == types.WorkerStatusReady {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func wait(t *testing.T, h *TaskHandle) *types.TaskResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestExecuteTaskHappyPathAndCache(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	w := &fakeWorker{id: "w1", tools: []string{"parse"}, handler: echoHandler}
	w.start(t, c, 0)
	waitReady(t, c, "w1")

	params := json.RawMessage(`{"language":"javascript","code":"const x=1"}`)
	h, err := c.ExecuteTask("parse", params, ExecuteOptions{})
	require.NoError(t, err)

	res := wait(t, h)
	assert.True(t, res.Success)
	assert.False(t, res.FromCache)
	assert.GreaterOrEqual(t, res.QueueTimeMS, int64(0))
	assert.GreaterOrEqual(t, res.ExecutionTimeMS, int64(0))

	// Same (tool, params) within TTL: served from cache with zero
	// queue and execution time, equal payload.
	h2, err := c.ExecuteTask("parse", json.RawMessage(`{"code":"const x=1","language":"javascript"}`), ExecuteOptions{})
	require.NoError(t, err)
	res2 := wait(t, h2)
	assert.True(t, res2.Success)
	assert.True(t, res2.FromCache)
	assert.JSONEq(t, string(res.Result), string(res2.Result))
	assert.Zero(t, res2.QueueTimeMS)
	assert.Zero(t, res2.ExecutionTimeMS)

	m := c.Metrics()
	assert.Equal(t, uint64(2), m.TotalTasks)
	assert.Equal(t, uint64(2), m.CompletedTasks)
	assert.Equal(t, uint64(1), m.CacheHits)
	assert.Equal(t, 1.0, m.SuccessRate)
}

func TestPriorityPreemption(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	var mu sync.Mutex
	var order []string
	handler := func(tool string, params json.RawMessage) (json.RawMessage, *types.TaskError) {
		var p struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(params, &p)
		mu.Lock()
		order = append(order, p.Name)
		mu.Unlock()
		return json.RawMessage(`"ok"`), nil
	}

	// Enqueue ten batch tasks, then one critical, all before any
	// worker exists.
	var handles []*TaskHandle
	for i := 0; i < 10; i++ {
		h, err := c.ExecuteTask("work", json.RawMessage(`{"name":"batch","n":`+string(rune('0'+i))+`}`), ExecuteOptions{Priority: types.PriorityBatch})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	hc, err := c.ExecuteTask("work", json.RawMessage(`{"name":"critical"}`), ExecuteOptions{Priority: types.PriorityCritical})
	require.NoError(t, err)
	handles = append(handles, hc)

	w := &fakeWorker{id: "w1", tools: []string{"work"}, handler: handler}
	w.start(t, c, 0)

	for _, h := range handles {
		res := wait(t, h)
		assert.True(t, res.Success)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 11)
	assert.Equal(t, "critical", order[0],
		"the critical task runs before every batch task")
}

func TestQueueFull(t *testing.T) {
	c := newTestCoordinator(t, Config{MaxQueueSize: 2})

	_, err := c.ExecuteTask("t", nil, ExecuteOptions{})
	require.NoError(t, err)
	_, err = c.ExecuteTask("t", json.RawMessage(`{"n":2}`), ExecuteOptions{})
	require.NoError(t, err)

	_, err = c.ExecuteTask("t", json.RawMessage(`{"n":3}`), ExecuteOptions{})
	require.Error(t, err)
	var terr *types.TaskError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ErrQueueFull, terr.Code)
}

func TestTaskTimeoutLeavesWorkerAlive(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	w := &fakeWorker{id: "w1", tools: []string{"slow"}, handler: echoHandler, delay: 300 * time.Millisecond}
	w.start(t, c, 0)
	waitReady(t, c, "w1")

	h, err := c.ExecuteTask("slow", nil, ExecuteOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	res := wait(t, h)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, types.ErrTimeout, res.Error.Code)

	// The worker is not killed: it stays registered and serves the
	// next task once its slow reply drains.
	assert.Eventually(t, func() bool {
		for _, wi := range c.Workers() {
			if wi.ID == "w1" && wi.Status == types.WorkerStatusReady {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	h2, err := c.ExecuteTask("slow", json.RawMessage(`{"again":true}`), ExecuteOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	res2 := wait(t, h2)
	assert.True(t, res2.Success)
}

func TestWorkerCrashRequeuesUpToMaxRetries(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	crasher := &fakeWorker{id: "w1", tools: []string{"t"}}
	crasher.handler = func(tool string, params json.RawMessage) (json.RawMessage, *types.TaskError) {
		crasher.crash()
		select {} // never replies
	}
	crasher.start(t, c, 0)
	waitReady(t, c, "w1")

	h, err := c.ExecuteTask("t", nil, ExecuteOptions{MaxRetries: 2, Timeout: 5 * time.Second})
	require.NoError(t, err)

	// Wait for the crash to be observed and the task requeued.
	assert.Eventually(t, func() bool {
		return c.Metrics().Workers == 0 && c.Metrics().QueueSize == 1
	}, 2*time.Second, 5*time.Millisecond)

	// A healthy replacement picks the task up and finishes it.
	replacement := &fakeWorker{id: "w2", tools: []string{"t"}, handler: echoHandler}
	replacement.start(t, c, 0)

	res := wait(t, h)
	assert.True(t, res.Success)
	assert.Equal(t, 1, h.Task.Retries)
}

func TestWorkerCrashWithoutRetriesSurfaces(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	crasher := &fakeWorker{id: "w1", tools: []string{"t"}}
	crasher.handler = func(tool string, params json.RawMessage) (json.RawMessage, *types.TaskError) {
		crasher.crash()
		select {}
	}
	crasher.start(t, c, 0)
	waitReady(t, c, "w1")

	h, err := c.ExecuteTask("t", nil, ExecuteOptions{MaxRetries: -1, Timeout: 5 * time.Second})
	require.NoError(t, err)
	res := wait(t, h)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, types.ErrWorkerCrashed, res.Error.Code)
}

func TestOversizeReplyIsTreatedAsCrash(t *testing.T) {
	// Coordinator reads with a 256-byte guard; the worker writes with
	// the default limit, so its oversized reply reaches the guard.
	c := newTestCoordinator(t, Config{MaxLineBytes: 256})

	big := make([]byte, 1024)
	for i := range big {
		big[i] = 'a'
	}
	w := &fakeWorker{id: "w1", tools: []string{"t"}, writerMax: protocol.DefaultMaxLineBytes}
	w.handler = func(tool string, params json.RawMessage) (json.RawMessage, *types.TaskError) {
		out, _ := json.Marshal(string(big))
		return out, nil
	}
	w.start(t, c, 256)
	waitReady(t, c, "w1")

	h, err := c.ExecuteTask("t", nil, ExecuteOptions{MaxRetries: -1, Timeout: 5 * time.Second})
	require.NoError(t, err)
	res := wait(t, h)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, types.ErrWorkerCrashed, res.Error.Code)
	assert.Equal(t, 0, c.Metrics().Workers)
}

func TestWorkerExecutionErrorSurfacesAsIs(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	w := &fakeWorker{id: "w1", tools: []string{"t"}}
	w.handler = func(tool string, params json.RawMessage) (json.RawMessage, *types.TaskError) {
		return nil, types.NewTaskError(types.ErrExecution, "tool blew up")
	}
	w.start(t, c, 0)
	waitReady(t, c, "w1")

	h, err := c.ExecuteTask("t", nil, ExecuteOptions{})
	require.NoError(t, err)
	res := wait(t, h)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrExecution, res.Error.Code)
	assert.Contains(t, res.Error.Message, "tool blew up")

	// Failures are not cached.
	h2, err := c.ExecuteTask("t", nil, ExecuteOptions{})
	require.NoError(t, err)
	res2 := wait(t, h2)
	assert.False(t, res2.FromCache)
}

func TestCapabilityMatchingSelectsRightWorker(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	var mu sync.Mutex
	executedBy := make(map[string]string)
	mkHandler := func(id string) func(string, json.RawMessage) (json.RawMessage, *types.TaskError) {
		return func(tool string, params json.RawMessage) (json.RawMessage, *types.TaskError) {
			mu.Lock()
			executedBy[tool] = id
			mu.Unlock()
			return json.RawMessage(`"ok"`), nil
		}
	}

	wa := &fakeWorker{id: "wa", tools: []string{"parse"}, handler: mkHandler("wa")}
	wb := &fakeWorker{id: "wb", tools: []string{"hash"}, handler: mkHandler("wb")}
	wa.start(t, c, 0)
	wb.start(t, c, 0)
	waitReady(t, c, "wa")
	waitReady(t, c, "wb")

	h1, err := c.ExecuteTask("parse", nil, ExecuteOptions{})
	require.NoError(t, err)
	h2, err := c.ExecuteTask("hash", nil, ExecuteOptions{})
	require.NoError(t, err)
	wait(t, h1)
	wait(t, h2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "wa", executedBy["parse"])
	assert.Equal(t, "wb", executedBy["hash"])
}

func TestTaskWaitsForCapableWorker(t *testing.T) {
	c := newTestCoordinator(t, Config{})

	// Only an incapable worker is present: the task must stay queued.
	w := &fakeWorker{id: "w1", tools: []string{"other"}, handler: echoHandler}
	w.start(t, c, 0)
	waitReady(t, c, "w1")

	h, err := c.ExecuteTask("parse", nil, ExecuteOptions{})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.Metrics().QueueSize)

	capable := &fakeWorker{id: "w2", tools: []string{"parse"}, handler: echoHandler}
	capable.start(t, c, 0)
	res := wait(t, h)
	assert.True(t, res.Success)
}

func TestHealthCheckCrashesSilentWorker(t *testing.T) {
	c := newTestCoordinator(t, Config{
		HealthCheckInterval: 30 * time.Millisecond,
		PingTimeout:         50 * time.Millisecond,
	})
	w := &fakeWorker{id: "w1", tools: []string{"t"}, handler: echoHandler, noPong: true}
	w.start(t, c, 0)
	waitReady(t, c, "w1")

	assert.Eventually(t, func() bool {
		return c.Metrics().Workers == 0
	}, 3*time.Second, 10*time.Millisecond, "unresponsive worker is removed")
}

func TestUnregisterWorkerDrains(t *testing.T) {
	c := newTestCoordinator(t, Config{})
	w := &fakeWorker{id: "w1", tools: []string{"t"}, handler: echoHandler}
	w.start(t, c, 0)
	waitReady(t, c, "w1")

	require.NoError(t, c.UnregisterWorker("w1"))
	assert.Eventually(t, func() bool {
		return c.Metrics().Workers == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, c.UnregisterWorker("w1"), "already removed")
}

func TestShutdownRejectsQueuedTasks(t *testing.T) {
	cfg := Config{ShutdownGrace: 100 * time.Millisecond, HealthCheckInterval: -1}
	c := New(cfg)
	c.Start()

	h, err := c.ExecuteTask("t", nil, ExecuteOptions{})
	require.NoError(t, err)

	c.Shutdown()

	res := wait(t, h)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrTimeout, res.Error.Code)

	_, err = c.ExecuteTask("t", nil, ExecuteOptions{})
	assert.Error(t, err, "no submissions after shutdown")
}
