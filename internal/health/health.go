// Package health aggregates subsystem checks for the /health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is one subsystem's result.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker reports the health of one subsystem.
type Checker func(ctx context.Context) Status

// Registry runs named checkers on demand.
type Registry struct {
	mu       sync.RWMutex
	names    []string
	checkers map[string]Checker
	timeout  time.Duration
}

// NewRegistry creates a registry whose checks each get timeout to finish.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Registry{checkers: make(map[string]Checker), timeout: timeout}
}

// Register adds or replaces a checker. Report order follows first registration.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checkers[name]; !ok {
		r.names = append(r.names, name)
	}
	r.checkers[name] = check
}

// CheckAll runs every checker concurrently and reports whether all passed.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checkers := make([]Checker, len(names))
	for i, n := range names {
		checkers[i] = r.checkers[n]
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	statuses := make([]Status, len(names))
	var wg sync.WaitGroup
	for i := range checkers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := checkers[i](ctx)
			st.Name = names[i]
			statuses[i] = st
		}(i)
	}
	wg.Wait()

	healthy := true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Ping checks that a database answers.
func Ping(p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Running checks a background loop such as the match sweeper or the
// reconciliation timer.
func Running(running func() bool) Checker {
	return func(context.Context) Status {
		if running() {
			return Status{Healthy: true, Detail: "running"}
		}
		return Status{Healthy: false, Detail: "stopped"}
	}
}

// Info always passes and reports detail; used for informational entries
// such as the active settlement path.
func Info(detail func() string) Checker {
	return func(context.Context) Status {
		return Status{Healthy: true, Detail: detail()}
	}
}
