package coordinator

import (
	"fmt"
	"io"

	"github.com/anvilworks/anvil/pkg/protocol"
)

// Transport is the coordinator's view of a worker's message channel.
// ProcessTransport implements it over a child process's stdio; tests
// implement it over in-process pipes.
type Transport interface {
	// Send writes one message to the worker.
	Send(*protocol.Message) error
	// Recv blocks for the next message from the worker. io.EOF means
	// the worker closed cleanly; protocol.ErrLineTooLarge means it
	// breached the line-size guard.
	Recv() (*protocol.Message, error)
	// Close tears the channel down. Safe to call more than once.
	Close() error
}

// pipeTransport adapts a reader/writer pair (e.g. process stdio or an
// in-memory pipe) into a Transport.
type pipeTransport struct {
	r      *protocol.Reader
	w      *protocol.Writer
	closer func() error
}

// NewPipeTransport builds a Transport over the given streams with the
// given line-size limit (0 means default).
func NewPipeTransport(r io.Reader, w io.Writer, maxLineBytes int, closer func() error) Transport {
	return &pipeTransport{
		r:      protocol.NewReader(r, maxLineBytes),
		w:      protocol.NewWriter(w, maxLineBytes),
		closer: closer,
	}
}

func (t *pipeTransport) Send(msg *protocol.Message) error {
	if err := t.w.Write(msg); err != nil {
		return fmt.Errorf("transport send: %w", err)
	}
	return nil
}

func (t *pipeTransport) Recv() (*protocol.Message, error) {
	return t.r.Read()
}

func (t *pipeTransport) Close() error {
	if t.closer != nil {
		return t.closer()
	}
	return nil
}
