// Package circuitbreaker guards outbound notification targets so a dead
// webhook endpoint cannot stall settlement or cancellation paths.
//
// Each target moves closed → open after a run of failures, then half-open
// once the cool-down elapses, where a single probe decides its fate.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the target's circuit is rejecting calls.
var ErrOpen = errors.New("circuit open")

// State is a target's circuit state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "wagerescrow",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by target, from-state, and to-state.",
}, []string{"target", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type target struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks circuit state per target (a webhook URL, usually).
type Breaker struct {
	mu        sync.Mutex
	targets   map[string]*target
	threshold int
	coolDown  time.Duration
	now       func() time.Time
}

// New creates a breaker that opens after threshold consecutive failures and
// rejects calls for coolDown before allowing a probe.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		targets:   make(map[string]*target),
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

// Allow reports whether a call to key may proceed. An open circuit whose
// cool-down has elapsed moves to half-open and admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.targets[key]
	if !ok {
		return true
	}
	switch t.state {
	case StateOpen:
		if b.now().Sub(t.openedAt) < b.coolDown {
			return false
		}
		b.move(key, t, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess closes the circuit and clears the failure run.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.targets[key]
	if !ok {
		return
	}
	t.failures = 0
	b.move(key, t, StateClosed)
}

// RecordFailure extends the failure run, opening the circuit at the threshold
// or immediately when a half-open probe fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.targets[key]
	if !ok {
		t = &target{}
		b.targets[key] = t
	}
	t.failures++

	if t.state == StateHalfOpen || (t.state == StateClosed && t.failures >= b.threshold) {
		t.openedAt = b.now()
		b.move(key, t, StateOpen)
	}
}

// Do runs fn if the circuit allows it and records the outcome.
func (b *Breaker) Do(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return nil
}

// State returns the state for key; unknown targets are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.targets[key]; ok {
		return t.state
	}
	return StateClosed
}

// caller holds b.mu
func (b *Breaker) move(key string, t *target, to State) {
	if t.state == to {
		return
	}
	transitionsTotal.WithLabelValues(key, t.state.String(), to.String()).Inc()
	t.state = to
}
