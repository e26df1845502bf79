package lifecycle

import (
	"time"

	"scratchpad/internal/logging"
	"scratchpad/internal/store"
)

// Sweeper implements the preempt policy: every interval it deletes pads
// whose idle time exceeds age. It respects the shutdown gate and stops on
// the wake-up after draining begins.
type Sweeper struct {
	store    *store.Store
	gate     *Gate
	age      time.Duration
	interval time.Duration
	onEvict  func(count int)
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper builds a sweeper. onEvict (optional) observes eviction counts,
// e.g. for metrics.
func NewSweeper(st *store.Store, gate *Gate, age, interval time.Duration, onEvict func(count int)) *Sweeper {
	return &Sweeper{
		store:    st,
		gate:     gate,
		age:      age,
		interval: interval,
		onEvict:  onEvict,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start() {
	logging.Lifecycle("Sweeper started: age=%v interval=%v", s.age, s.interval)
	go s.run()
}

// Stop terminates the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.gate != nil && s.gate.State() != StateRunning {
				logging.Lifecycle("Sweeper stopping: server is draining")
				return
			}
			s.sweep()
		}
	}
}

// Sweep runs one tick immediately. Exposed for tests.
func (s *Sweeper) Sweep() {
	s.sweep()
}

func (s *Sweeper) sweep() {
	deleted, err := s.store.EvictStale(s.age)
	if err != nil {
		logging.Get(logging.CategoryLifecycle).Error("Sweep failed: %v", err)
		return
	}
	total := 0
	for _, ids := range deleted {
		total += len(ids)
	}
	if total > 0 {
		logging.Lifecycle("Sweep removed %d stale pad(s)", total)
		if s.onEvict != nil {
			s.onEvict(total)
		}
	}
}
