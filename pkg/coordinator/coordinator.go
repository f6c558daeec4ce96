package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anvilworks/anvil/pkg/log"
	"github.com/anvilworks/anvil/pkg/metrics"
	"github.com/anvilworks/anvil/pkg/protocol"
	"github.com/anvilworks/anvil/pkg/types"
	"github.com/rs/zerolog"
)

// Config tunes the coordinator.
type Config struct {
	MaxQueueSize        int           // queued + in-flight bound; default 1000
	DefaultTimeout      time.Duration // per-task timeout when unset; default 30s
	DefaultMaxRetries   int           // crash requeue budget; default 3
	HealthCheckInterval time.Duration // worker ping cadence; default 10s, <0 disables
	PingTimeout         time.Duration // pong deadline; default 2s
	CacheMaxBytes       int64         // result cache size budget
	CacheTTL            time.Duration // result cache entry lifetime
	MaxLineBytes        int           // worker protocol line guard
	ShutdownGrace       time.Duration // in-flight drain deadline; default 10s
}

func (c Config) normalized() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	} else if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = 3
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	return c
}

// ExecuteOptions tunes one task.
type ExecuteOptions struct {
	Priority types.Priority
	Timeout  time.Duration
	// MaxRetries is the crash-requeue budget: 0 means the coordinator
	// default, negative means no retries.
	MaxRetries int
}

// TaskHandle is the awaitable side of a submitted task.
type TaskHandle struct {
	Task *types.Task
	ch   chan *types.TaskResult
}

// Done returns a channel that yields the result exactly once.
func (h *TaskHandle) Done() <-chan *types.TaskResult { return h.ch }

// Wait blocks for the result or the context.
func (h *TaskHandle) Wait(ctx context.Context) (*types.TaskResult, error) {
	select {
	case res := <-h.ch:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NewHandle builds a detached handle together with its one-shot
// resolver, for facades that stand in for the coordinator.
func NewHandle(task *types.Task) (*TaskHandle, func(*types.TaskResult)) {
	h := &TaskHandle{Task: task, ch: make(chan *types.TaskResult, 1)}
	return h, func(res *types.TaskResult) { h.ch <- res }
}

// workerHandle is the registry's view of one connected worker.
type workerHandle struct {
	info      types.WorkerInfo
	transport Transport
	draining  bool
	pings     map[string]chan *protocol.Message
}

// pendingTask tracks one dispatched task.
type pendingTask struct {
	task     *types.Task
	cacheKey string
	done     chan *protocol.Message
	cancel   chan struct{}
}

// Metrics is the coordinator's observable state.
type Metrics struct {
	Workers            int     `json:"workers"`
	QueueSize          int     `json:"queue_size"`
	PendingTasks       int     `json:"pending_tasks"`
	TotalTasks         uint64  `json:"total_tasks"`
	CompletedTasks     uint64  `json:"completed_tasks"`
	FailedTasks        uint64  `json:"failed_tasks"`
	CacheHits          uint64  `json:"cache_hits"`
	SuccessRate        float64 `json:"success_rate"`
	AvgQueueTimeMS     float64 `json:"avg_queue_time_ms"`
	AvgExecutionTimeMS float64 `json:"avg_execution_time_ms"`
}

// Coordinator owns the task queue and the worker registry: it accepts
// tool-execution requests, queues them by strict priority, dispatches
// each to the least-loaded capable worker, enforces per-task timeouts,
// requeues tasks from crashed workers, and memoizes successful results.
type Coordinator struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	workers map[string]*workerHandle
	queue   *taskQueue
	handles map[string]*TaskHandle // task id -> waiter, enqueue to resolve
	pending map[string]*pendingTask
	closed  bool

	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	cacheHits      uint64
	queueTimeSumMS float64
	execTimeSumMS  float64
	resolvedCount  uint64

	cache  *resultCache
	kickCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a coordinator. Call Start to run the dispatch and health
// loops.
func New(cfg Config) *Coordinator {
	cfg = cfg.normalized()
	return &Coordinator{
		cfg:     cfg,
		logger:  log.WithComponent("coordinator"),
		workers: make(map[string]*workerHandle),
		queue:   newTaskQueue(),
		handles: make(map[string]*TaskHandle),
		pending: make(map[string]*pendingTask),
		cache:   newResultCache(cfg.CacheMaxBytes, cfg.CacheTTL),
		kickCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the dispatch loop and the health monitor.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.dispatchLoop()
	if c.cfg.HealthCheckInterval > 0 {
		c.wg.Add(1)
		go c.healthLoop()
	}
}

// kick nudges the dispatch loop without blocking.
func (c *Coordinator) kick() {
	select {
	case c.kickCh <- struct{}{}:
	default:
	}
}

// RegisterWorker adds a worker in the starting state. The worker
// becomes dispatchable once its register message arrives with its
// capability set.
func (c *Coordinator) RegisterWorker(id string, transport Transport) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("coordinator is shut down")
	}
	if _, dup := c.workers[id]; dup {
		c.mu.Unlock()
		return fmt.Errorf("worker %s already registered", id)
	}
	w := &workerHandle{
		info: types.WorkerInfo{
			ID:           id,
			Status:       types.WorkerStatusStarting,
			RegisteredAt: time.Now(),
		},
		transport: transport,
		pings:     make(map[string]chan *protocol.Message),
	}
	c.workers[id] = w
	c.mu.Unlock()

	metrics.WorkersRegistered.WithLabelValues(string(types.WorkerStatusStarting)).Inc()
	c.logger.Info().Str("worker_id", id).Msg("Worker registered")

	c.wg.Add(1)
	go c.recvLoop(w)
	return nil
}

// UnregisterWorker drains a worker: no new tasks are assigned, and
// once its in-flight tasks finish it is sent a graceful shutdown and
// removed.
func (c *Coordinator) UnregisterWorker(id string) error {
	c.mu.Lock()
	w, ok := c.workers[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("worker %s not registered", id)
	}
	w.draining = true
	idle := w.info.ActiveTasks == 0
	c.mu.Unlock()

	if idle {
		c.finishDrain(w)
	}
	return nil
}

// finishDrain sends the graceful shutdown to a drained worker. The
// recv loop observes the closed stream and removes the handle.
func (c *Coordinator) finishDrain(w *workerHandle) {
	msg := &protocol.Message{Type: protocol.MessageShutdown, Graceful: true, TimeoutMS: c.cfg.ShutdownGrace.Milliseconds()}
	if err := w.transport.Send(msg); err != nil {
		c.logger.Warn().Err(err).Str("worker_id", w.info.ID).Msg("Shutdown send failed")
	}
	_ = w.transport.Close()
}

// Workers returns a snapshot of the registry.
func (c *Coordinator) Workers() []types.WorkerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.WorkerInfo, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, w.info)
	}
	return out
}

// ExecuteTask submits a tool execution and returns an awaitable
// handle. A cache hit resolves immediately with FromCache set, before
// any worker side effect. When queue plus in-flight would exceed the
// bound, it fails with QUEUE_FULL.
func (c *Coordinator) ExecuteTask(tool string, params json.RawMessage, opts ExecuteOptions) (*TaskHandle, error) {
	if tool == "" {
		return nil, types.NewTaskError(types.ErrExecution, "tool name is required")
	}
	priority := opts.Priority
	if priority == "" {
		priority = types.PriorityNormal
	}
	if !priority.Valid() {
		return nil, types.NewTaskError(types.ErrExecution, "unknown priority %q", priority)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	maxRetries := c.cfg.DefaultMaxRetries
	if opts.MaxRetries > 0 {
		maxRetries = opts.MaxRetries
	} else if opts.MaxRetries < 0 {
		maxRetries = 0
	}

	cacheKey, err := fingerprint(tool, params)
	if err != nil {
		return nil, types.NewTaskError(types.ErrExecution, "invalid params: %v", err)
	}

	task := &types.Task{
		ID:         types.NewID(),
		Tool:       tool,
		Params:     params,
		Priority:   priority,
		TimeoutMS:  timeout.Milliseconds(),
		Status:     types.TaskStatusEnqueued,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
	}
	handle := &TaskHandle{Task: task, ch: make(chan *types.TaskResult, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, types.NewTaskError(types.ErrExecution, "coordinator is shut down")
	}
	c.totalTasks++

	if cached, hit := c.cache.get(cacheKey); hit {
		c.cacheHits++
		c.completedTasks++
		c.mu.Unlock()
		metrics.CacheHits.Inc()
		handle.ch <- &types.TaskResult{
			TaskID:    task.ID,
			Success:   true,
			Result:    cached,
			FromCache: true,
		}
		return handle, nil
	}

	if c.queue.len()+len(c.pending) >= c.cfg.MaxQueueSize {
		c.totalTasks--
		c.mu.Unlock()
		return nil, types.NewTaskError(types.ErrQueueFull, "queue limit %d reached", c.cfg.MaxQueueSize)
	}

	c.handles[task.ID] = handle
	c.queue.push(task)
	c.mu.Unlock()

	metrics.TasksSubmitted.WithLabelValues(string(priority)).Inc()
	metrics.QueueDepth.WithLabelValues(string(priority)).Inc()
	c.kick()
	return handle, nil
}

// dispatchLoop serves the queue whenever kicked: pop the highest
// priority task, pick the least-loaded capable worker, hand off, and
// yield.
func (c *Coordinator) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.kickCh:
			c.dispatchAll()
		}
	}
}

func (c *Coordinator) dispatchAll() {
	for {
		c.mu.Lock()
		task := c.queue.pop()
		if task == nil {
			c.mu.Unlock()
			return
		}

		w := c.selectWorkerLocked(task)
		if w == nil {
			// No capable worker with spare capacity: put the task back
			// at the head of its class and stop the loop.
			c.queue.pushFront(task)
			c.mu.Unlock()
			return
		}

		task.WorkerID = w.info.ID
		task.StartedAt = time.Now()
		task.Status = types.TaskStatusDispatched
		w.info.ActiveTasks++
		if w.info.Load() >= 1 {
			w.info.Status = types.WorkerStatusBusy
		}

		cacheKey, _ := fingerprint(task.Tool, task.Params)
		pt := &pendingTask{
			task:     task,
			cacheKey: cacheKey,
			done:     make(chan *protocol.Message, 1),
			cancel:   make(chan struct{}),
		}
		c.pending[task.ID] = pt
		c.mu.Unlock()

		metrics.QueueDepth.WithLabelValues(string(task.Priority)).Dec()
		metrics.QueueWaitDuration.Observe(time.Since(task.CreatedAt).Seconds())

		msg := &protocol.Message{
			Type:      protocol.MessageExecute,
			ID:        task.ID,
			Tool:      task.Tool,
			Params:    task.Params,
			TimeoutMS: task.TimeoutMS,
			Priority:  task.Priority,
		}
		if err := w.transport.Send(msg); err != nil {
			c.logger.Error().Err(err).Str("worker_id", w.info.ID).Msg("Execute send failed")
			c.crashWorker(w.info.ID, err)
			continue
		}

		c.wg.Add(1)
		go c.awaitTask(pt, w)
	}
}

// selectWorkerLocked picks the least-loaded non-crashed, non-draining
// worker that declared the task's tool and has load strictly below 1.
func (c *Coordinator) selectWorkerLocked(task *types.Task) *workerHandle {
	var best *workerHandle
	var bestLoad float64
	for _, w := range c.workers {
		if w.info.Status == types.WorkerStatusCrashed || w.info.Status == types.WorkerStatusStarting || w.draining {
			continue
		}
		if !w.info.Capabilities.HasTool(task.Tool) {
			continue
		}
		load := w.info.Load()
		if load >= 1 {
			continue
		}
		if best == nil || load < bestLoad {
			best = w
			bestLoad = load
		}
	}
	return best
}

// awaitTask waits for the worker's reply, the per-task timer, or a
// crash cancellation.
func (c *Coordinator) awaitTask(pt *pendingTask, w *workerHandle) {
	defer c.wg.Done()
	timer := time.NewTimer(time.Duration(pt.task.TimeoutMS) * time.Millisecond)
	defer timer.Stop()

	select {
	case reply := <-pt.done:
		c.finishTask(pt, w, reply)
	case <-timer.C:
		c.timeoutTask(pt, w)
	case <-pt.cancel:
		// Crash handler already requeued or resolved the task.
	case <-c.stopCh:
		c.timeoutTask(pt, w)
	}
}

// finishTask resolves a dispatched task from a worker reply.
func (c *Coordinator) finishTask(pt *pendingTask, w *workerHandle, reply *protocol.Message) {
	task := pt.task

	c.mu.Lock()
	if _, live := c.pending[task.ID]; !live {
		c.mu.Unlock()
		return
	}
	delete(c.pending, task.ID)
	c.releaseWorkerLocked(w)

	result := &types.TaskResult{
		TaskID:          task.ID,
		QueueTimeMS:     task.StartedAt.Sub(task.CreatedAt).Milliseconds(),
		ExecutionTimeMS: time.Since(task.StartedAt).Milliseconds(),
	}
	if reply.Type == protocol.MessageSuccess {
		result.Success = true
		result.Result = reply.Result
	} else {
		result.Error = reply.Error
		if result.Error == nil {
			result.Error = types.NewTaskError(types.ErrExecution, "worker replied without error detail")
		}
	}
	c.resolveLocked(task, result)
	c.mu.Unlock()

	if result.Success {
		c.cache.put(pt.cacheKey, result.Result)
		metrics.TasksCompleted.Inc()
	} else {
		metrics.TasksFailed.WithLabelValues(string(result.Error.Code)).Inc()
	}
	metrics.TaskExecutionDuration.WithLabelValues(task.Tool).Observe(time.Since(task.StartedAt).Seconds())
	c.kick()
}

// timeoutTask resolves a dispatched task as TIMEOUT. The worker is not
// killed: it may recover, and the health monitor owns declaring it
// crashed.
func (c *Coordinator) timeoutTask(pt *pendingTask, w *workerHandle) {
	task := pt.task

	c.mu.Lock()
	if _, live := c.pending[task.ID]; !live {
		c.mu.Unlock()
		return
	}
	delete(c.pending, task.ID)
	c.releaseWorkerLocked(w)

	result := &types.TaskResult{
		TaskID:          task.ID,
		Error:           types.NewTaskError(types.ErrTimeout, "task exceeded %dms", task.TimeoutMS),
		QueueTimeMS:     task.StartedAt.Sub(task.CreatedAt).Milliseconds(),
		ExecutionTimeMS: task.TimeoutMS,
	}
	c.resolveLocked(task, result)
	c.mu.Unlock()

	metrics.TasksFailed.WithLabelValues(string(types.ErrTimeout)).Inc()
	c.logger.Warn().Str("task_id", task.ID).Str("tool", task.Tool).Msg("Task timed out")
	c.kick()
}

// releaseWorkerLocked returns one unit of worker capacity and follows
// up on draining.
func (c *Coordinator) releaseWorkerLocked(w *workerHandle) {
	if w.info.ActiveTasks > 0 {
		w.info.ActiveTasks--
	}
	if w.info.Status == types.WorkerStatusBusy && w.info.Load() < 1 {
		w.info.Status = types.WorkerStatusReady
	}
	if w.draining && w.info.ActiveTasks == 0 {
		go c.finishDrain(w)
	}
}

// resolveLocked delivers the result to the waiter and updates stats.
func (c *Coordinator) resolveLocked(task *types.Task, result *types.TaskResult) {
	task.Status = types.TaskStatusResolved
	handle, ok := c.handles[task.ID]
	if !ok {
		return
	}
	delete(c.handles, task.ID)

	if result.Success {
		c.completedTasks++
	} else {
		c.failedTasks++
	}
	c.queueTimeSumMS += float64(result.QueueTimeMS)
	c.execTimeSumMS += float64(result.ExecutionTimeMS)
	c.resolvedCount++

	handle.ch <- result
}

// recvLoop consumes one worker's message stream. Any read failure,
// oversize line included, promotes the worker to crashed.
func (c *Coordinator) recvLoop(w *workerHandle) {
	defer c.wg.Done()
	for {
		msg, err := w.transport.Recv()
		if err != nil {
			c.mu.Lock()
			draining := w.draining
			c.mu.Unlock()
			if draining {
				c.removeDrained(w)
				return
			}
			if errors.Is(err, protocol.ErrLineTooLarge) {
				c.logger.Error().Str("worker_id", w.info.ID).Msg("Worker message exceeds line limit")
				c.crashWorker(w.info.ID, types.NewTaskError(types.ErrMessageTooLarge, "worker line limit breached"))
			} else {
				c.crashWorker(w.info.ID, err)
			}
			return
		}
		c.handleMessage(w, msg)
	}
}

func (c *Coordinator) handleMessage(w *workerHandle, msg *protocol.Message) {
	switch msg.Type {
	case protocol.MessageRegister:
		if err := msg.Validate(); err != nil {
			c.crashWorker(w.info.ID, err)
			return
		}
		c.mu.Lock()
		w.info.Capabilities = *msg.Capabilities
		if w.info.Capabilities.MaxConcurrent <= 0 {
			w.info.Capabilities.MaxConcurrent = 1
		}
		w.info.Status = types.WorkerStatusReady
		w.info.LastPing = time.Now()
		c.mu.Unlock()
		metrics.WorkersRegistered.WithLabelValues(string(types.WorkerStatusStarting)).Dec()
		metrics.WorkersRegistered.WithLabelValues(string(types.WorkerStatusReady)).Inc()
		c.logger.Info().
			Str("worker_id", w.info.ID).
			Strs("tools", w.info.Capabilities.Tools).
			Int("max_concurrent", w.info.Capabilities.MaxConcurrent).
			Msg("Worker ready")
		c.kick()

	case protocol.MessageSuccess, protocol.MessageError:
		c.mu.Lock()
		pt, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug().Str("task_id", msg.ID).Msg("Reply for unknown task dropped")
			return
		}
		select {
		case pt.done <- msg:
		default:
		}

	case protocol.MessagePong:
		c.mu.Lock()
		ch, ok := w.pings[msg.ID]
		if ok {
			delete(w.pings, msg.ID)
		}
		w.info.LastPing = time.Now()
		c.mu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}

	default:
		c.logger.Warn().Str("worker_id", w.info.ID).Str("type", string(msg.Type)).Msg("Unexpected worker message")
	}
}

// removeDrained drops a worker that closed its stream after a graceful
// shutdown.
func (c *Coordinator) removeDrained(w *workerHandle) {
	c.mu.Lock()
	delete(c.workers, w.info.ID)
	status := w.info.Status
	c.mu.Unlock()
	metrics.WorkersRegistered.WithLabelValues(string(status)).Dec()
	c.logger.Info().Str("worker_id", w.info.ID).Msg("Worker unregistered")
}

// crashWorker removes a worker, rejects or requeues its in-flight
// tasks, and closes its transport. Crashed is terminal for the worker
// identity.
func (c *Coordinator) crashWorker(id string, cause error) {
	c.mu.Lock()
	w, ok := c.workers[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.workers, id)
	prevStatus := w.info.Status
	w.info.Status = types.WorkerStatusCrashed

	var affected []*pendingTask
	for taskID, pt := range c.pending {
		if pt.task.WorkerID == id {
			delete(c.pending, taskID)
			affected = append(affected, pt)
		}
	}

	for _, pt := range affected {
		close(pt.cancel)
		task := pt.task
		if task.Retries < task.MaxRetries {
			task.Retries++
			task.WorkerID = ""
			task.StartedAt = time.Time{}
			task.Status = types.TaskStatusEnqueued
			c.queue.pushFront(task)
			metrics.TasksRequeued.Inc()
			metrics.QueueDepth.WithLabelValues(string(task.Priority)).Inc()
			c.logger.Warn().
				Str("task_id", task.ID).
				Int("retry", task.Retries).
				Msg("Task requeued after worker crash")
		} else {
			result := &types.TaskResult{
				TaskID: task.ID,
				Error:  types.NewTaskError(types.ErrWorkerCrashed, "worker %s crashed: %v", id, cause),
			}
			if !task.StartedAt.IsZero() {
				result.QueueTimeMS = task.StartedAt.Sub(task.CreatedAt).Milliseconds()
				result.ExecutionTimeMS = time.Since(task.StartedAt).Milliseconds()
			}
			c.resolveLocked(task, result)
			metrics.TasksFailed.WithLabelValues(string(types.ErrWorkerCrashed)).Inc()
		}
	}
	c.mu.Unlock()

	metrics.WorkersRegistered.WithLabelValues(string(prevStatus)).Dec()
	metrics.WorkersRegistered.WithLabelValues(string(types.WorkerStatusCrashed)).Inc()
	_ = w.transport.Close()
	c.logger.Error().Err(cause).Str("worker_id", id).Msg("Worker crashed")
	c.kick()
}

// healthLoop pings every registered worker on the configured cadence.
func (c *Coordinator) healthLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.pingWorkers()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) pingWorkers() {
	c.mu.Lock()
	targets := make([]*workerHandle, 0, len(c.workers))
	for _, w := range c.workers {
		if w.info.Status == types.WorkerStatusReady || w.info.Status == types.WorkerStatusBusy {
			targets = append(targets, w)
		}
	}
	c.mu.Unlock()

	for _, w := range targets {
		c.wg.Add(1)
		go func(w *workerHandle) {
			defer c.wg.Done()
			c.pingWorker(w)
		}(w)
	}
}

// pingWorker sends one ping and treats a missing pong as a crash: the
// worker's in-flight task is requeued and the worker is removed.
func (c *Coordinator) pingWorker(w *workerHandle) {
	id := types.NewID()
	ch := make(chan *protocol.Message, 1)

	c.mu.Lock()
	w.pings[id] = ch
	c.mu.Unlock()

	msg := &protocol.Message{Type: protocol.MessagePing, ID: id, Timestamp: time.Now().UnixMilli()}
	if err := w.transport.Send(msg); err != nil {
		c.crashWorker(w.info.ID, fmt.Errorf("ping send: %w", err))
		return
	}

	select {
	case <-ch:
		// Healthy; LastPing already advanced by the recv loop.
	case <-time.After(c.cfg.PingTimeout):
		c.mu.Lock()
		delete(w.pings, id)
		c.mu.Unlock()
		c.crashWorker(w.info.ID, fmt.Errorf("health check timed out after %s", c.cfg.PingTimeout))
	case <-c.stopCh:
	}
}

// Metrics returns a snapshot of coordinator state.
func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := Metrics{
		Workers:        len(c.workers),
		QueueSize:      c.queue.len(),
		PendingTasks:   len(c.pending),
		TotalTasks:     c.totalTasks,
		CompletedTasks: c.completedTasks,
		FailedTasks:    c.failedTasks,
		CacheHits:      c.cacheHits,
	}
	if resolved := c.completedTasks + c.failedTasks; resolved > 0 {
		m.SuccessRate = float64(c.completedTasks) / float64(resolved)
	}
	if c.resolvedCount > 0 {
		m.AvgQueueTimeMS = c.queueTimeSumMS / float64(c.resolvedCount)
		m.AvgExecutionTimeMS = c.execTimeSumMS / float64(c.resolvedCount)
	}
	return m
}

// Shutdown clears the queue, waits for in-flight tasks up to the grace
// deadline, then force-rejects the rest and closes worker transports.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	queued := c.queue.drain()
	for _, task := range queued {
		metrics.QueueDepth.WithLabelValues(string(task.Priority)).Dec()
		c.resolveLocked(task, &types.TaskResult{
			TaskID: task.ID,
			Error:  types.NewTaskError(types.ErrTimeout, "coordinator shutting down"),
		})
	}
	c.mu.Unlock()

	deadline := time.Now().Add(c.cfg.ShutdownGrace)
	for {
		c.mu.Lock()
		inflight := len(c.pending)
		c.mu.Unlock()
		if inflight == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Reject whatever is still in flight, then stop the loops.
	c.mu.Lock()
	for taskID, pt := range c.pending {
		delete(c.pending, taskID)
		close(pt.cancel)
		c.resolveLocked(pt.task, &types.TaskResult{
			TaskID: taskID,
			Error:  types.NewTaskError(types.ErrTimeout, "shutdown deadline reached"),
		})
	}
	workers := make([]*workerHandle, 0, len(c.workers))
	for id, w := range c.workers {
		delete(c.workers, id)
		workers = append(workers, w)
	}
	c.mu.Unlock()

	for _, w := range workers {
		c.finishDrain(w)
	}
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info().Msg("Coordinator stopped")
}
