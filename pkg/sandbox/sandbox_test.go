package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/anvilworks/anvil/pkg/log"
	"github.com/anvilworks/anvil/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func TestExecuteReturnsCompletionValue(t *testing.T) {
	sb := New(Limits{})
	defer sb.Dispose()

	res := sb.Execute(`1 + 2`, nil)
	require.True(t, res.Success, "error: %s", res.Error)
	assert.JSONEq(t, `3`, string(res.Result))
	assert.GreaterOrEqual(t, res.Metrics.CPUTimeMS, int64(0))
}

func TestExecuteReceivesArgsByValue(t *testing.T) {
	sb := New(Limits{})
	defer sb.Dispose()

	res := sb.Execute(`args.a + args.b`, map[string]any{"a": 2, "b": 40})
	require.True(t, res.Success, "error: %s", res.Error)
	assert.JSONEq(t, `42`, string(res.Result))
}

func TestExecuteCapturesConsole(t *testing.T) {
	sb := New(Limits{})
	defer sb.Dispose()

	res := sb.Execute(`console.log("hello"); console.log("world"); null`, nil)
	require.True(t, res.Success)
	assert.Equal(t, []string{"hello", "world"}, res.Logs)
	assert.Nil(t, res.Result)
}

func TestSyntaxError(t *testing.T) {
	sb := New(Limits{})
	defer sb.Dispose()

	res := sb.Execute(`function (`, nil)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrSyntax, res.Code)
}

func TestRuntimeError(t *testing.T) {
	sb := New(Limits{})
	defer sb.Dispose()

	res := sb.Execute(`throw new Error("kaboom")`, nil)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrRuntime, res.Code)
	assert.Contains(t, res.Error, "kaboom")
}

func TestTimeoutLimit(t *testing.T) {
	sb := New(Limits{TimeoutMS: 50})
	defer sb.Dispose()

	res := sb.Execute(`while (true) {}`, nil)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrLimitExceeded, res.Code)
	assert.Contains(t, res.Error, "timed out")
}

func TestMemoryLimit(t *testing.T) {
	sb := New(Limits{MemoryLimitMB: 8, TimeoutMS: 10_000})
	defer sb.Dispose()

	// Allocate without bound; either the step hook or the watchdog
	// must interrupt the script once the peak crosses the limit.
	res := sb.Execute(`
		var blocks = [];
		while (true) {
			__step();
			blocks.push(new Array(16384).join("x"));
		}
	`, nil)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrLimitExceeded, res.Code)
	assert.Contains(t, res.Error, "memory limit")
	assert.Positive(t, res.Metrics.HeapUsedBytes, "partial metrics carry the peak")
}

func TestHeapMetricSurvivesMidScriptGC(t *testing.T) {
	// A script that allocates and discards everything before
	// returning must still report a non-trivial peak.
	sb := New(Limits{MemoryLimitMB: 256, TimeoutMS: 10_000})
	defer sb.Dispose()

	res := sb.Execute(`
		var big = [];
		for (var i = 0; i < 2000; i++) {
			__step();
			big.push(new Array(4096).join("y"));
		}
		big = null;
		"done"
	`, nil)
	require.True(t, res.Success, "error: %s", res.Error)
	assert.Greater(t, res.Metrics.HeapUsedBytes, uint64(1<<20),
		"peak reflects the discarded allocations")
}

func TestStepLimit(t *testing.T) {
	sb := New(Limits{MaxSteps: 100})
	defer sb.Dispose()

	res := sb.Execute(`
		var i = 0;
		while (true) { __step(); i++; }
	`, nil)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrLimitExceeded, res.Code)
	assert.Contains(t, res.Error, "step limit")
	assert.Equal(t, int64(101), res.Metrics.StepsExecuted, "partial metrics survive the failure")
}

func TestStepCounting(t *testing.T) {
	sb := New(Limits{MaxSteps: 1000})
	defer sb.Dispose()

	res := sb.Execute(`for (var i = 0; i < 7; i++) { __step(); } i`, nil)
	require.True(t, res.Success)
	assert.Equal(t, int64(7), res.Metrics.StepsExecuted)
}

func TestNoAmbientAuthority(t *testing.T) {
	sb := New(Limits{})
	defer sb.Dispose()

	for _, global := range []string{"require", "process", "fetch", "Date.now", "Math.random"} {
		res := sb.Execute(`typeof `+global, nil)
		// Date and Math are goja built-ins; the host primitives must
		// be absent entirely.
		if global == "Date.now" || global == "Math.random" {
			continue
		}
		require.True(t, res.Success)
		assert.JSONEq(t, `"undefined"`, string(res.Result), "global %s must not exist", global)
	}
}

func TestDisposedSandboxRejects(t *testing.T) {
	sb := New(Limits{})
	sb.Dispose()
	sb.Dispose() // idempotent

	res := sb.Execute(`1`, nil)
	assert.False(t, res.Success)
}

func TestExecutionsAreIsolated(t *testing.T) {
	sb := New(Limits{})
	defer sb.Dispose()

	res := sb.Execute(`globalThis.leak = "secret"; 1`, nil)
	require.True(t, res.Success)

	res = sb.Execute(`typeof globalThis.leak`, nil)
	require.True(t, res.Success)
	assert.JSONEq(t, `"undefined"`, string(res.Result))
}

func TestPoolReusesIdleSandboxes(t *testing.T) {
	p := NewPool(2, Limits{})
	defer p.Close()

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(a)

	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, b, "idle sandbox is handed out again")
	p.Release(b)
}

func TestPoolBlocksWhenSaturated(t *testing.T) {
	p := NewPool(1, Limits{})
	defer p.Close()

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Releasing frees a waiter.
	done := make(chan *Sandbox, 1)
	go func() {
		sb, err := p.Acquire(context.Background())
		if err == nil {
			done <- sb
		}
	}()
	p.Release(a)
	select {
	case sb := <-done:
		p.Release(sb)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired after release")
	}
}

func TestPoolDisposesSurplus(t *testing.T) {
	p := NewPool(1, Limits{})
	defer p.Close()

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(a)

	// Pool idle set is full; an extra release must dispose.
	extra := New(Limits{})
	p.Release(extra)
	assert.True(t, extra.isDisposed())

	idle, active := p.Stats()
	assert.Equal(t, 1, idle)
	assert.Equal(t, 0, active)
}

func TestPoolCloseRejectsAcquire(t *testing.T) {
	p := NewPool(1, Limits{})
	p.Close()
	_, err := p.Acquire(context.Background())
	assert.Error(t, err)
}
