package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config bounds an exponential backoff schedule:
// delay(i) = min(InitialDelay * Multiplier^i, MaxDelay).
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig matches the coordinator-facing defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2.0
	}
	return c
}

func (c Config) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Multiplier
	// The schedule is the spec'd deterministic formula; jitter would
	// break the delay(i) contract.
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	// NewExponentialBackOff already reset the current interval to the
	// library default; restart it from InitialDelay.
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.MaxAttempts-1)), ctx)
}

// Result reports the outcome of a retried operation.
type Result[T any] struct {
	Success  bool
	Value    T
	Err      error
	Attempts int
}

// Do runs fn under the backoff schedule until it succeeds, the attempt
// budget is exhausted, or ctx is cancelled.
func Do[T any](ctx context.Context, fn func() (T, error), cfg Config) Result[T] {
	cfg = cfg.normalized()

	var res Result[T]
	op := func() error {
		res.Attempts++
		v, err := fn()
		if err != nil {
			res.Err = err
			return err
		}
		res.Value = v
		res.Err = nil
		return nil
	}

	if err := backoff.Retry(op, cfg.backOff(ctx)); err != nil {
		res.Success = false
		res.Err = err
		return res
	}
	res.Success = true
	return res
}
