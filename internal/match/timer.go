package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/wagerescrow/internal/model"
)

const sweepBatch = 200

// SweepCounts reports what one sweep changed.
type SweepCounts struct {
	Cancelled int `json:"cancelled"`
	ResultDue int `json:"resultDue"`
	Expired   int `json:"expired"`
	Failed    int `json:"failed"`
}

// Sweep applies the time-driven transitions: it cancels matches nobody
// joined within JoinTimeout, moves started matches past their result due
// time to pending_result, and decides matches whose evidence window closed.
func (s *Service) Sweep(ctx context.Context) (SweepCounts, error) {
	var counts SweepCounts
	now := s.now()

	open, err := s.store.ListMatches(ctx, model.MatchFilter{Status: model.MatchAwaitingOpponent, Limit: sweepBatch, OldestFirst: true})
	if err != nil {
		return counts, fmt.Errorf("list open matches: %w", err)
	}
	for _, m := range open {
		if now.Sub(m.CreatedAt) < s.cfg.JoinTimeout {
			continue
		}
		_, err := s.Cancel(ctx, m.ID, "join timeout", "system")
		s.tally(&counts.Cancelled, &counts.Failed, m.ID, "cancel", err)
	}

	running, err := s.store.ListMatches(ctx, model.MatchFilter{Status: model.MatchInProgress, Limit: sweepBatch, OldestFirst: true})
	if err != nil {
		return counts, fmt.Errorf("list running matches: %w", err)
	}
	for _, m := range running {
		if m.ResultDueAt == nil || now.Before(*m.ResultDueAt) {
			continue
		}
		_, err := s.MarkResultDue(ctx, m.ID)
		s.tally(&counts.ResultDue, &counts.Failed, m.ID, "mark result due", err)
	}

	pending, err := s.store.ListMatches(ctx, model.MatchFilter{Status: model.MatchPendingResult, Limit: sweepBatch, OldestFirst: true})
	if err != nil {
		return counts, fmt.Errorf("list pending matches: %w", err)
	}
	for _, m := range pending {
		if m.EvidenceDeadline == nil || now.Before(*m.EvidenceDeadline) {
			continue
		}
		_, err := s.ExpireEvidenceWindow(ctx, m.ID)
		s.tally(&counts.Expired, &counts.Failed, m.ID, "expire evidence window", err)
	}
	return counts, nil
}

// tally counts a sweep step. A transition another writer got to first is
// not a failure.
func (s *Service) tally(ok, failed *int, matchID, op string, err error) {
	switch {
	case err == nil:
		*ok++
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrConcurrentUpdate),
		errors.Is(err, model.ErrAlreadyResolved):
	default:
		*failed++
		s.logger.Warn("match sweep step failed", "match", matchID, "op", op, "error", err)
	}
}

// Timer runs Sweep periodically.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a match lifecycle timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
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
			t.logger.Error("panic in match timer", "panic", fmt.Sprint(r))
		}
	}()

	counts, err := t.service.Sweep(ctx)
	if err != nil {
		t.logger.Warn("match sweep failed", "error", err)
		return
	}
	if counts != (SweepCounts{}) {
		t.logger.Info("match sweep complete", "cancelled", counts.Cancelled, "result_due", counts.ResultDue,
			"expired", counts.Expired, "failed", counts.Failed)
	}
}
