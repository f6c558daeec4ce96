package coordinator

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/anvilworks/anvil/pkg/log"
	"github.com/anvilworks/anvil/pkg/protocol"
	"github.com/anvilworks/anvil/pkg/types"
)

// ProcessTransport runs a worker as a long-lived child process and
// speaks the protocol over its stdin/stdout. The coordinator owns the
// pipes; the worker's stderr passes through to ours so its logs stay
// visible.
type ProcessTransport struct {
	cmd    *exec.Cmd
	reader *protocol.Reader
	writer *protocol.Writer

	mu     sync.Mutex
	closed bool
	waitCh chan error
}

// SpawnProcess starts the worker command and wires its stdio.
func SpawnProcess(command string, args []string, maxLineBytes int) (*ProcessTransport, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", command, err)
	}

	t := &ProcessTransport{
		cmd:    cmd,
		reader: protocol.NewReader(stdout, maxLineBytes),
		writer: protocol.NewWriter(stdin, maxLineBytes),
		waitCh: make(chan error, 1),
	}
	go func() {
		err := cmd.Wait()
		t.waitCh <- err
		if err != nil {
			logger := log.WithComponent("coordinator")
			logger.Warn().
				Err(err).
				Int("pid", cmd.Process.Pid).
				Msg("Worker process exited with error")
		}
	}()
	return t, nil
}

// Send writes one message to the worker's stdin.
func (t *ProcessTransport) Send(msg *protocol.Message) error {
	return t.writer.Write(msg)
}

// Recv reads the next message from the worker's stdout. A dead process
// surfaces as io.EOF, which the coordinator's recv loop treats as a
// crash unless the worker was draining.
func (t *ProcessTransport) Recv() (*protocol.Message, error) {
	return t.reader.Read()
}

// Close kills the process if it has not exited on its own.
func (t *ProcessTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	select {
	case <-t.waitCh:
		return nil // already exited
	default:
	}
	if t.cmd.Process != nil {
		return t.cmd.Process.Kill()
	}
	return nil
}

// Pid returns the child's process id, 0 before start.
func (t *ProcessTransport) Pid() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// SpawnWorker is the convenience used by the serve command: spawn the
// process and register it under a fresh worker id.
func (c *Coordinator) SpawnWorker(command string, args []string) (string, error) {
	t, err := SpawnProcess(command, args, c.cfg.MaxLineBytes)
	if err != nil {
		return "", err
	}
	id := "worker-" + types.NewID()
	if err := c.RegisterWorker(id, t); err != nil {
		_ = t.Close()
		return "", err
	}
	return id, nil
}
