// Package session implements the per-agent turn engine: it drives the
// Building → Streaming → ExecutingTools → Streaming ... loop that turns one
// user message into a completed, cancelled, or halted assistant turn,
// executing any tool calls the provider emits along the way.
package session

import "time"

// Config bounds one Session's turn-engine behavior.
type Config struct {
	// MaxIterations caps how many provider round-trips a single turn may
	// take before it is forcibly Halted.
	MaxIterations int
	// MaxConcurrentTools bounds the semaphore used for a _parallel batch.
	MaxConcurrentTools int
	// DefaultToolTimeout applies to a tool call whose descriptor declares
	// no timeout of its own.
	DefaultToolTimeout time.Duration
	// CancelGrace is how long an in-flight tool call is given to honor
	// cancellation before its result is forced to error="cancelled".
	CancelGrace time.Duration
}

// DefaultConfig returns the turn engine's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:      10,
		MaxConcurrentTools: 10,
		DefaultToolTimeout: 30 * time.Second,
		CancelGrace:        250 * time.Millisecond,
	}
}

// sanitizeConfig fills in any zero-valued field with its default, so a
// caller supplying a partially-zero Config never ends up with a
// zero-iteration or zero-concurrency engine.
func sanitizeConfig(c Config) Config {
	d := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.MaxConcurrentTools <= 0 {
		c.MaxConcurrentTools = d.MaxConcurrentTools
	}
	if c.DefaultToolTimeout <= 0 {
		c.DefaultToolTimeout = d.DefaultToolTimeout
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = d.CancelGrace
	}
	return c
}
