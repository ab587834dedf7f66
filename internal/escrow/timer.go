package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically releases stranded holds back to their owners.
type Timer struct {
	manager  *Manager
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a stranded-hold sweeper. grace is how long a hold may
// exist without its owner being seated before it counts as stranded; it
// must comfortably exceed the time a join takes.
func NewTimer(manager *Manager, interval, grace time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		manager:  manager,
		interval: interval,
		grace:    grace,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
// Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	n, err := t.manager.ReleaseStranded(ctx, t.grace, 100)
	if err != nil {
		t.logger.Warn("stranded hold sweep failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("stranded hold sweep complete", "released", n)
	}
}
