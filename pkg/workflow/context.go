package workflow

// Context carries the deterministic time and pseudo-random state of a
// workflow. It is an immutable value: every operation returns a copy,
// so replaying the same sequence of operations from the same initial
// context yields identical values. Wall-clock time and true randomness
// are forbidden inside workflow logic; activities obtain both from
// here.
type Context struct {
	Seed        uint64 `json:"seed"`
	CurrentTime int64  `json:"current_time"` // millisecond epoch
	StepCount   int    `json:"step_count"`
}

// Linear congruential generator constants (Numerical Recipes).
const (
	lcgA = 1664525
	lcgC = 1013904223
	lcgM = 1 << 32
)

// New creates a context from a seed and a start time in millis.
func New(seed uint64, startTime int64) Context {
	return Context{Seed: seed, CurrentTime: startTime}
}

// Now returns the workflow's current deterministic time.
func (c Context) Now() int64 { return c.CurrentTime }

// AdvanceTime returns a copy with the clock moved forward by ms.
func (c Context) AdvanceTime(ms int64) Context {
	c.CurrentTime += ms
	return c
}

// Random advances the generator and returns a value in [0, 1) together
// with the next context.
func (c Context) Random() (float64, Context) {
	c.Seed = (lcgA*c.Seed + lcgC) % lcgM
	return float64(c.Seed) / float64(lcgM), c
}

// RandomInt returns a deterministic integer in [lo, hi] derived from
// Random, with the next context.
func (c Context) RandomInt(lo, hi int) (int, Context) {
	if hi < lo {
		lo, hi = hi, lo
	}
	v, next := c.Random()
	return lo + int(v*float64(hi-lo+1)), next
}

// step returns a copy with the activity counter advanced. Called once
// per recorded deterministic activity.
func (c Context) step() Context {
	c.StepCount++
	return c
}
