package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer drives the Runner on a fixed interval. Trigger requests an extra
// run without waiting for the next tick.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	trigger  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a reconciliation timer. A non-positive interval uses
// five minutes.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Trigger asks for a run as soon as the loop is free. Requests made while
// one is already pending collapse into it.
func (t *Timer) Trigger() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Start runs until ctx is cancelled or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-t.trigger:
			t.safeRun(ctx, "trigger")
		case <-ticker.C:
			t.safeRun(ctx, "interval")
		}
	}
}

// Stop ends the loop after any run in progress. Safe to call repeatedly.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *Timer) safeRun(ctx context.Context, cause string) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation run", "panic", fmt.Sprint(r), "cause", cause)
		}
	}()

	report, err := t.runner.RunAll(ctx)
	if err != nil {
		t.logger.Warn("reconciliation run failed", "cause", cause, "error", err)
		return
	}
	if report.Cleanup.Removed > 0 || report.Resettled > 0 || report.StrandedReleased > 0 || len(report.Errors) > 0 {
		t.logger.Info("reconciliation run repaired state",
			"cause", cause,
			"duplicates_removed", report.Cleanup.Removed,
			"resettled", report.Resettled,
			"stranded_released", report.StrandedReleased,
			"errors", len(report.Errors),
		)
	}
}
