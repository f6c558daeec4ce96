package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anvilworks/anvil/pkg/log"
	"github.com/anvilworks/anvil/pkg/metrics"
	"github.com/anvilworks/anvil/pkg/types"
	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

// Limits bounds one sandboxed execution.
type Limits struct {
	MemoryLimitMB int   `json:"memory_limit_mb"`
	TimeoutMS     int64 `json:"timeout_ms"`
	MaxSteps      int64 `json:"max_steps"`
}

// DefaultLimits are applied for zero fields.
var DefaultLimits = Limits{
	MemoryLimitMB: 64,
	TimeoutMS:     5000,
	MaxSteps:      1_000_000,
}

func (l Limits) normalized() Limits {
	if l.MemoryLimitMB <= 0 {
		l.MemoryLimitMB = DefaultLimits.MemoryLimitMB
	}
	if l.TimeoutMS <= 0 {
		l.TimeoutMS = DefaultLimits.TimeoutMS
	}
	if l.MaxSteps <= 0 {
		l.MaxSteps = DefaultLimits.MaxSteps
	}
	return l
}

// Metrics reports what an execution consumed. Partial metrics are
// returned even on failure.
type Metrics struct {
	CPUTimeMS     int64  `json:"cpu_time_ms"`
	HeapUsedBytes uint64 `json:"heap_used_bytes"`
	StepsExecuted int64  `json:"steps_executed"`
}

// Result is the outcome of one execution.
type Result struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    types.ErrorCode `json:"code,omitempty"`
	Logs    []string        `json:"logs,omitempty"`
	Metrics Metrics         `json:"metrics"`
}

// Interrupt sentinels, distinguished when the VM halts.
var (
	interruptTimeout   = &struct{ reason string }{"timeout"}
	interruptStepLimit = &struct{ reason string }{"step limit"}
	interruptMemLimit  = &struct{ reason string }{"memory limit"}
)

// execGate serializes executions process-wide: heap accounting reads
// runtime.MemStats, which is global, so concurrent executions would
// attribute each other's allocations. The pool bounds sandbox
// lifecycle; this gate bounds parallelism to one VM at a time.
var execGate sync.Mutex

// heapSampler tracks the peak process heap over one execution against
// a GC-settled baseline. A single before/after delta would miss a
// script that allocates heavily and lets the garbage collect before
// returning, so the peak is sampled during execution as well: from a
// ticking watchdog and from the __step hook.
type heapSampler struct {
	baseline uint64
	peak     atomic.Uint64
}

func newHeapSampler() *heapSampler {
	// Settle the heap so prior garbage is not billed to this script.
	runtime.GC()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	h := &heapSampler{baseline: ms.HeapAlloc}
	h.peak.Store(ms.HeapAlloc)
	return h
}

// sample records the current heap and returns the peak usage so far.
func (h *heapSampler) sample() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	for {
		cur := h.peak.Load()
		if ms.HeapAlloc <= cur || h.peak.CompareAndSwap(cur, ms.HeapAlloc) {
			break
		}
	}
	return h.used()
}

// used is the peak heap attributable to the execution.
func (h *heapSampler) used() uint64 {
	if p := h.peak.Load(); p > h.baseline {
		return p - h.baseline
	}
	return 0
}

const (
	// samplePeriod paces the watchdog's heap reads.
	samplePeriod = 5 * time.Millisecond
	// sampleEverySteps paces heap reads from the __step hook, so tight
	// stepping loops are covered even between watchdog ticks.
	sampleEverySteps = 64
)

// Sandbox runs caller-supplied JavaScript inside an isolation boundary:
// a fresh goja runtime per execution with no host filesystem, network,
// or process access. The only injected primitives are a constrained
// console.log and the __step() instrumentation hook, which the code
// must call to account its work; exceeding MaxSteps raises the
// step-limit error from inside the VM.
type Sandbox struct {
	limits Limits
	logger zerolog.Logger

	mu       sync.Mutex
	disposed bool
}

// New creates a sandbox with the given limits.
func New(limits Limits) *Sandbox {
	return &Sandbox{
		limits: limits.normalized(),
		logger: log.WithComponent("sandbox"),
	}
}

// Dispose releases the sandbox. Safe to call multiple times; a
// disposed sandbox rejects further executions.
func (s *Sandbox) Dispose() {
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
}

func (s *Sandbox) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Execute compiles and runs code with args copied into the VM by
// value. The script's completion value is the result. The sandbox has
// no real time or randomness; callers needing either must thread a
// deterministic workflow context through args.
//
// Heap accounting is against a GC-settled baseline with the peak
// sampled during execution; crossing the memory limit interrupts the
// script in flight. Executions serialize on a process-wide gate so
// the global heap readings stay attributable to one script.
func (s *Sandbox) Execute(code string, args map[string]any) Result {
	if s.isDisposed() {
		return Result{Success: false, Error: "sandbox is disposed", Code: types.ErrRuntime}
	}
	limits := s.limits

	prog, err := goja.Compile("sandbox.js", code, false)
	if err != nil {
		metrics.SandboxExecutions.WithLabelValues(string(types.ErrSyntax)).Inc()
		return Result{Success: false, Error: err.Error(), Code: types.ErrSyntax}
	}

	// Arguments cross the boundary as a JSON round-trip so the VM holds
	// a by-value copy with no live references into the host.
	argBytes, err := json.Marshal(args)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("encode args: %v", err), Code: types.ErrRuntime}
	}
	var argCopy map[string]any
	if err := json.Unmarshal(argBytes, &argCopy); err != nil {
		return Result{Success: false, Error: fmt.Sprintf("copy args: %v", err), Code: types.ErrRuntime}
	}

	execGate.Lock()
	defer execGate.Unlock()

	vm := goja.New()
	// Date reads a fixed epoch clock and Math.random a constant source,
	// so no real time or randomness reaches the script.
	vm.SetTimeSource(func() time.Time { return time.Unix(0, 0) })
	vm.SetRandSource(func() float64 { return 0 })

	var logs []string
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		logs = append(logs, fmt.Sprint(parts...))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	limitBytes := uint64(limits.MemoryLimitMB) * 1024 * 1024
	sampler := newHeapSampler()

	var steps int64
	_ = vm.Set("__step", func(goja.FunctionCall) goja.Value {
		steps++
		if steps > limits.MaxSteps {
			vm.Interrupt(interruptStepLimit)
		}
		if steps%sampleEverySteps == 0 && sampler.sample() > limitBytes {
			vm.Interrupt(interruptMemLimit)
		}
		return goja.Undefined()
	})

	_ = vm.Set("args", argCopy)

	timer := time.AfterFunc(time.Duration(limits.TimeoutMS)*time.Millisecond, func() {
		vm.Interrupt(interruptTimeout)
	})
	defer timer.Stop()

	// Watchdog: keep sampling the heap while the script runs so a
	// runaway allocation is stopped in flight, not just reported.
	stopSampling := make(chan struct{})
	samplingDone := make(chan struct{})
	go func() {
		defer close(samplingDone)
		ticker := time.NewTicker(samplePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if sampler.sample() > limitBytes {
					vm.Interrupt(interruptMemLimit)
					return
				}
			case <-stopSampling:
				return
			}
		}
	}()

	start := time.Now()
	value, runErr := vm.RunProgram(prog)
	elapsed := time.Since(start)

	close(stopSampling)
	<-samplingDone
	sampler.sample()

	used := Metrics{
		CPUTimeMS:     elapsed.Milliseconds(),
		HeapUsedBytes: sampler.used(),
		StepsExecuted: steps,
	}

	if runErr != nil {
		metrics.SandboxExecutions.WithLabelValues(string(errorCode(runErr))).Inc()
		return Result{
			Success: false,
			Error:   errorMessage(runErr),
			Code:    errorCode(runErr),
			Logs:    logs,
			Metrics: used,
		}
	}

	if used.HeapUsedBytes > limitBytes {
		metrics.SandboxExecutions.WithLabelValues(string(types.ErrLimitExceeded)).Inc()
		return Result{
			Success: false,
			Error:   fmt.Sprintf("memory limit exceeded: %d bytes peak, %d MB allowed", used.HeapUsedBytes, limits.MemoryLimitMB),
			Code:    types.ErrLimitExceeded,
			Logs:    logs,
			Metrics: used,
		}
	}

	var resultJSON json.RawMessage
	if value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
		data, err := json.Marshal(value.Export())
		if err != nil {
			metrics.SandboxExecutions.WithLabelValues(string(types.ErrRuntime)).Inc()
			return Result{
				Success: false,
				Error:   fmt.Sprintf("result not serializable: %v", err),
				Code:    types.ErrRuntime,
				Logs:    logs,
				Metrics: used,
			}
		}
		resultJSON = data
	}

	metrics.SandboxExecutions.WithLabelValues("success").Inc()
	return Result{Success: true, Result: resultJSON, Logs: logs, Metrics: used}
}

func errorCode(err error) types.ErrorCode {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return types.ErrLimitExceeded
	}
	return types.ErrRuntime
}

func errorMessage(err error) string {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		switch interrupted.Value() {
		case interruptTimeout:
			return "execution timed out"
		case interruptStepLimit:
			return "step limit exceeded"
		case interruptMemLimit:
			return "memory limit exceeded"
		}
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return exc.Error()
	}
	return err.Error()
}
