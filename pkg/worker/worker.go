package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/anvilworks/anvil/pkg/log"
	"github.com/anvilworks/anvil/pkg/protocol"
	"github.com/anvilworks/anvil/pkg/types"
	"github.com/rs/zerolog"
)

// ToolFunc executes one tool invocation. Returning a *types.TaskError
// preserves the error code on the wire; any other error surfaces as
// EXECUTION_ERROR.
type ToolFunc func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Options configures a worker runtime.
type Options struct {
	MaxConcurrent int      // declared concurrency; default 1
	MaxLineBytes  int      // protocol line guard; default 1 MiB
	Languages     []string // advertised language set
}

// Runtime is the worker side of the protocol: it advertises its
// capability set on startup, executes one task at a time (or up to its
// declared concurrency), and answers pings and shutdowns.
type Runtime struct {
	opts   Options
	logger zerolog.Logger

	mu    sync.Mutex
	tools map[string]ToolFunc

	writer *protocol.Writer
	sem    chan struct{}
	active sync.WaitGroup
}

// New creates a runtime with no tools registered.
func New(opts Options) *Runtime {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &Runtime{
		opts:   opts,
		logger: log.WithComponent("worker"),
		tools:  make(map[string]ToolFunc),
		sem:    make(chan struct{}, opts.MaxConcurrent),
	}
}

// Register adds a tool under its capability name (matched verbatim by
// the coordinator).
func (r *Runtime) Register(name string, fn ToolFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("tool needs a name and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = fn
	return nil
}

// Tools returns the sorted capability names.
func (r *Runtime) Tools() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Runtime) lookup(name string) (ToolFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.tools[name]
	return fn, ok
}

// RunStdio serves the protocol over the process's stdin/stdout. This
// is what `anvil worker` runs; logs go to stderr.
func (r *Runtime) RunStdio(ctx context.Context) error {
	return r.Run(ctx, os.Stdin, os.Stdout)
}

// Run serves the protocol until the peer closes the stream or a
// shutdown message arrives. Cancelling ctx cancels in-flight tool
// invocations; it does not interrupt a read waiting on the stream.
func (r *Runtime) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	reader := protocol.NewReader(in, r.opts.MaxLineBytes)
	r.writer = protocol.NewWriter(out, r.opts.MaxLineBytes)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.writer.Write(&protocol.Message{
		Type: protocol.MessageRegister,
		Capabilities: &types.WorkerCapabilities{
			Tools:         r.Tools(),
			Languages:     r.opts.Languages,
			MaxConcurrent: r.opts.MaxConcurrent,
		},
		Resources: &protocol.Resources{CPUCores: runtime.NumCPU()},
	}); err != nil {
		return fmt.Errorf("send register: %w", err)
	}
	r.logger.Info().Strs("tools", r.Tools()).Msg("Worker ready")

	for {
		msg, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.active.Wait()
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		switch msg.Type {
		case protocol.MessageExecute:
			r.active.Add(1)
			go func(msg *protocol.Message) {
				defer r.active.Done()
				r.sem <- struct{}{}
				defer func() { <-r.sem }()
				r.execute(ctx, msg)
			}(msg)

		case protocol.MessagePing:
			if err := r.writer.Write(&protocol.Message{
				Type: protocol.MessagePong, ID: msg.ID, Timestamp: msg.Timestamp,
			}); err != nil {
				return fmt.Errorf("send pong: %w", err)
			}

		case protocol.MessageShutdown:
			if msg.Graceful {
				r.waitActive(msg.TimeoutMS)
			}
			r.logger.Info().Bool("graceful", msg.Graceful).Msg("Worker shutting down")
			return nil

		default:
			r.logger.Warn().Str("type", string(msg.Type)).Msg("Unexpected message")
		}
	}
}

func (r *Runtime) waitActive(timeoutMS int64) {
	if timeoutMS <= 0 {
		timeoutMS = 10_000
	}
	done := make(chan struct{})
	go func() {
		r.active.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(timeoutMS) * time.Millisecond):
	}
}

// execute runs one tool invocation and writes the reply.
func (r *Runtime) execute(ctx context.Context, msg *protocol.Message) {
	logger := r.logger.With().Str("task_id", msg.ID).Str("tool", msg.Tool).Logger()

	fn, ok := r.lookup(msg.Tool)
	if !ok {
		r.reply(&protocol.Message{
			Type:  protocol.MessageError,
			ID:    msg.ID,
			Error: types.NewTaskError(types.ErrToolNotFound, "tool %q is not registered", msg.Tool),
		})
		return
	}

	if msg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(msg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	result, err := fn(ctx, msg.Params)
	if err != nil {
		var terr *types.TaskError
		if !errors.As(err, &terr) {
			terr = types.NewTaskError(types.ErrExecution, "%v", err)
		}
		logger.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("Tool failed")
		r.reply(&protocol.Message{Type: protocol.MessageError, ID: msg.ID, Error: terr})
		return
	}

	logger.Debug().Dur("elapsed", time.Since(start)).Msg("Tool completed")
	r.reply(&protocol.Message{Type: protocol.MessageSuccess, ID: msg.ID, Result: result})
}

func (r *Runtime) reply(msg *protocol.Message) {
	if err := r.writer.Write(msg); err != nil {
		if errors.Is(err, protocol.ErrLineTooLarge) {
			// The reply itself breached the guard; send a structured
			// error instead so the coordinator is not left waiting.
			fallback := &protocol.Message{
				Type:  protocol.MessageError,
				ID:    msg.ID,
				Error: types.NewTaskError(types.ErrMessageTooLarge, "result exceeds line limit"),
			}
			if werr := r.writer.Write(fallback); werr == nil {
				return
			}
		}
		r.logger.Error().Err(err).Str("task_id", msg.ID).Msg("Reply write failed")
	}
}
