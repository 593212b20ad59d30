package proactive

import "sync"

// BrainGate is the mutual-exclusion primitive between the proactive
// tick and the user-message handler ("the brain"). The handler wraps
// its own processing in Enter; the tick calls Busy and refuses to run
// while the brain holds the gate, recording a skip instead of
// blocking on it.
type BrainGate struct {
	mu   sync.Mutex
	busy bool
}

// Enter marks the brain as busy and returns a function to call when
// done. Safe to call from the message handler around its own work:
//
//	done := gate.Enter()
//	defer done()
func (g *BrainGate) Enter() func() {
	g.mu.Lock()
	g.busy = true
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		g.busy = false
		g.mu.Unlock()
	}
}

// Busy reports whether the brain currently holds the gate.
func (g *BrainGate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy
}
