package emu

import (
	"sync"

	"github.com/ehrlich-b/go-dla"
)

// ClockGate is a reference-counted power manager: the engine clock runs
// while any task is in flight and gates when the count returns to zero.
// It implements dla.PowerManager.
type ClockGate struct {
	mu      sync.Mutex
	refs    int
	ungated int // times the clock came up from gated
}

// NewClockGate returns a gated clock.
func NewClockGate() *ClockGate {
	return &ClockGate{}
}

// Busy implements dla.PowerManager.
func (g *ClockGate) Busy() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refs == 0 {
		g.ungated++
	}
	g.refs++
	return nil
}

// Idle implements dla.PowerManager.
func (g *ClockGate) Idle(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refs -= n
	if g.refs < 0 {
		panic("emu: clock gate reference count underflow")
	}
}

// Gated reports whether the clock is currently gated.
func (g *ClockGate) Gated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refs == 0
}

// Ungates reports how many times the clock came up from gated, a proxy for
// power transitions saved by batching.
func (g *ClockGate) Ungates() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ungated
}

var _ dla.PowerManager = (*ClockGate)(nil)
