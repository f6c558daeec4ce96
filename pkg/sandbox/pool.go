package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anvilworks/anvil/pkg/log"
	"github.com/rs/zerolog"
)

// Pool is a bounded set of sandboxes. Acquire hands out an idle
// sandbox, creates one while below the limit, and otherwise waits by
// polling; responsiveness here is not latency-critical. Release
// returns a sandbox to the idle set and disposes surplus above the
// limit.
type Pool struct {
	limits  Limits
	maxSize int
	logger  zerolog.Logger

	mu     sync.Mutex
	idle   []*Sandbox
	active int
	closed bool
}

const acquirePollInterval = 10 * time.Millisecond

// NewPool creates a pool of up to maxSize sandboxes sharing limits.
func NewPool(maxSize int, limits Limits) *Pool {
	if maxSize <= 0 {
		maxSize = 4
	}
	return &Pool{
		limits:  limits.normalized(),
		maxSize: maxSize,
		logger:  log.WithComponent("sandbox-pool"),
	}
}

// Acquire returns a sandbox, waiting until one frees up when the pool
// is saturated. Returns ctx.Err() when the wait is cancelled.
func (p *Pool) Acquire(ctx context.Context) (*Sandbox, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("sandbox pool is closed")
		}
		if n := len(p.idle); n > 0 {
			sb := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.active++
			p.mu.Unlock()
			return sb, nil
		}
		if p.active < p.maxSize {
			p.active++
			p.mu.Unlock()
			return New(p.limits), nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

// Release returns a sandbox to the pool. Surplus sandboxes above the
// limit, and any returned after Close, are disposed.
func (p *Pool) Release(sb *Sandbox) {
	p.mu.Lock()
	if p.active > 0 {
		p.active--
	}
	if p.closed || len(p.idle) >= p.maxSize {
		p.mu.Unlock()
		sb.Dispose()
		return
	}
	p.idle = append(p.idle, sb)
	p.mu.Unlock()
}

// Close disposes all idle sandboxes and rejects further Acquires.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()
	for _, sb := range idle {
		sb.Dispose()
	}
}

// Stats reports the pool's occupancy.
func (p *Pool) Stats() (idle, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.active
}
