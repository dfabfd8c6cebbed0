package handle

import (
	"sync"
	"sync/atomic"
)

// Arena accounts the live handles of each resource kind.
type Arena struct {
	mu      sync.Mutex
	live    map[string]int
	metrics MetricsRecorder
	nextID  atomic.Uint64
}

// ArenaOption is a functional option for configuring an Arena.
type ArenaOption func(*Arena)

// WithMetrics sets the metrics recorder for the arena.
func WithMetrics(metrics MetricsRecorder) ArenaOption {
	return func(a *Arena) {
		a.metrics = metrics
	}
}

// NewArena creates a new Arena.
func NewArena(opts ...ArenaOption) *Arena {
	a := &Arena{
		live:    make(map[string]int),
		metrics: NewNopMetrics(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

var (
	defaultArena   *Arena
	defaultArenaMu sync.RWMutex
)

// Default returns the process-wide arena.
func Default() *Arena {
	defaultArenaMu.RLock()
	a := defaultArena
	defaultArenaMu.RUnlock()
	if a != nil {
		return a
	}

	defaultArenaMu.Lock()
	defer defaultArenaMu.Unlock()
	if defaultArena == nil {
		defaultArena = NewArena()
	}
	return defaultArena
}

// SetDefault replaces the process-wide arena. Handles keep reporting to the
// arena they were acquired from.
func SetDefault(a *Arena) {
	defaultArenaMu.Lock()
	defer defaultArenaMu.Unlock()
	defaultArena = a
}

// Live returns the number of unreleased handles of the given kind.
func (a *Arena) Live(kind string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live[kind]
}

// Total returns the number of unreleased handles of all kinds.
func (a *Arena) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := 0
	for _, n := range a.live {
		total += n
	}
	return total
}

func (a *Arena) track(kind string) {
	a.mu.Lock()
	a.live[kind]++
	n := a.live[kind]
	a.mu.Unlock()

	a.metrics.RecordAcquire(kind, n)
}

func (a *Arena) untrack(kind string) {
	a.mu.Lock()
	a.live[kind]--
	n := a.live[kind]
	if n == 0 {
		delete(a.live, kind)
	}
	a.mu.Unlock()

	a.metrics.RecordRelease(kind, n)
}
