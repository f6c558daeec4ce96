package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/anvilworks/anvil/pkg/protocol"
)

// lineScanner yields one raw \n-terminated line per call, enforcing
// the same size guard as the worker protocol.
type lineScanner struct {
	scanner *bufio.Scanner
	max     int
}

func newLineScanner(r io.Reader, maxLineBytes int) *lineScanner {
	if maxLineBytes <= 0 {
		maxLineBytes = protocol.DefaultMaxLineBytes
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes+1)
	return &lineScanner{scanner: sc, max: maxLineBytes}
}

func (l *lineScanner) next() ([]byte, error) {
	for {
		if !l.scanner.Scan() {
			if err := l.scanner.Err(); err != nil {
				if errors.Is(err, bufio.ErrTooLong) {
					return nil, protocol.ErrLineTooLarge
				}
				return nil, err
			}
			return nil, io.EOF
		}
		line := l.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if len(line) > l.max {
			return nil, protocol.ErrLineTooLarge
		}
		return line, nil
	}
}

// lineWriter emits one JSON value per \n-terminated line. Safe for
// concurrent use: overlapping tools/call responses share it.
type lineWriter struct {
	mu  sync.Mutex
	w   io.Writer
	max int
}

func newLineWriter(w io.Writer, maxLineBytes int) *lineWriter {
	if maxLineBytes <= 0 {
		maxLineBytes = protocol.DefaultMaxLineBytes
	}
	return &lineWriter{w: w, max: maxLineBytes}
}

func (l *lineWriter) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if len(data) > l.max {
		return protocol.ErrLineTooLarge
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
