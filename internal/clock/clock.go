// Package clock implements the per-device Lamport counter that provides
// causal ordering across devices. Wall-clock time is never consulted.
package clock

import "sync"

// Clock a monotonic Lamport counter. Each sync engine owns exactly one
// instance; there is no process-wide shared counter.
type Clock struct {
	mu    sync.Mutex
	value uint64
}

// New creates a clock starting at zero.
func New() *Clock {
	return &Clock{}
}

// NewAt creates a clock resuming from a persisted value.
func NewAt(value uint64) *Clock {
	return &Clock{value: value}
}

// Tick advances the clock for a locally produced event and returns the new
// value.
func (c *Clock) Tick() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	return c.value
}

// Witness advances the clock past a received stamp: max(local, received)+1.
// The result is always greater than both inputs, so the local clock never
// decreases.
func (c *Clock) Witness(received uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.value {
		c.value = received
	}
	c.value++
	return c.value
}

// Current returns the clock value without advancing it.
func (c *Clock) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}
