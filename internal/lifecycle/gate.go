// Package lifecycle owns the shutdown state machine and the preemptive
// eviction sweeper.
package lifecycle

import (
	"sync"
	"time"

	"scratchpad/internal/logging"
	"scratchpad/internal/notebook"
)

// State is the server lifecycle state: RUNNING -> DRAINING -> STOPPED.
type State int

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

// Gate admits requests while running and rejects them while draining. It is
// a monitored condition, not a sleep loop: Drain blocks on the condition
// variable until in-flight work finishes or the deadline fires.
type Gate struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	inflight int
}

// NewGate returns a gate in the RUNNING state.
func NewGate() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// State returns the current lifecycle state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Enter admits one request. Returns SHUTTING_DOWN once draining has begun.
func (g *Gate) Enter() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateRunning {
		return notebook.E(notebook.CodeShuttingDown, "server is shutting down")
	}
	g.inflight++
	return nil
}

// Exit releases one request admitted by Enter.
func (g *Gate) Exit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight > 0 {
		g.inflight--
	}
	if g.inflight == 0 {
		g.cond.Broadcast()
	}
}

// Drain transitions to DRAINING, waits up to timeout for in-flight requests
// to finish, then transitions to STOPPED. Returns true if the drain
// completed cleanly.
func (g *Gate) Drain(timeout time.Duration) bool {
	g.mu.Lock()
	if g.state != StateRunning {
		g.mu.Unlock()
		return true
	}
	g.state = StateDraining
	logging.Lifecycle("Draining: %d request(s) in flight, timeout %v", g.inflight, timeout)

	deadline := time.AfterFunc(timeout, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer deadline.Stop()

	start := time.Now()
	for g.inflight > 0 && time.Since(start) < timeout {
		g.cond.Wait()
	}
	clean := g.inflight == 0
	g.state = StateStopped
	g.mu.Unlock()

	if clean {
		logging.Lifecycle("Drain complete")
	} else {
		logging.Get(logging.CategoryLifecycle).Warn("Drain deadline expired with requests in flight")
	}
	return clean
}
