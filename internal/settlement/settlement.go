// Package settlement pays out completed matches exactly once.
//
// Every settlement goes through Guard.Settle, which checks for an existing
// payout record before running the configured Strategy. The payout record's
// uniqueness per (match, winner) is enforced by storage, and the winner's
// credit carries a reference derived from the same pair, so any number of
// concurrent or repeated calls, on either path, produce one record and one
// credit.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/wagerescrow/internal/idgen"
	"github.com/mbd888/wagerescrow/internal/logging"
	"github.com/mbd888/wagerescrow/internal/metrics"
	"github.com/mbd888/wagerescrow/internal/model"
	"github.com/mbd888/wagerescrow/internal/notify"
	"github.com/mbd888/wagerescrow/internal/pagination"
	"github.com/mbd888/wagerescrow/internal/retry"
	"github.com/mbd888/wagerescrow/internal/traces"
)

// Store reads payout records.
type Store interface {
	FindPayout(ctx context.Context, matchID, winnerID string) (*model.PayoutRecord, error)
	ListPayoutsByMatch(ctx context.Context, matchID string) ([]*model.PayoutRecord, error)
	ListPayouts(ctx context.Context, after *pagination.Cursor, limit int) ([]*model.PayoutRecord, error)
}

// DuplicateCleaner removes duplicate payout records for one match.
// *reconciliation.Service implements it.
type DuplicateCleaner interface {
	CleanupMatch(ctx context.Context, matchID string) (removed int, err error)
}

// pathPrecheck labels settlements answered by the pre-check alone.
const pathPrecheck = "precheck"

const postCheckTimeout = 30 * time.Second

// Guard is the single entry point for settlement.
type Guard struct {
	store    Store
	strategy Strategy
	events   notify.Emitter
	logger   *slog.Logger
	policy   retry.Policy
	now      func() time.Time

	cleaner   DuplicateCleaner
	postDelay time.Duration
	pending   sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

// NewGuard creates a settlement guard around strategy. events may be nil.
func NewGuard(store Store, strategy Strategy, events notify.Emitter, logger *slog.Logger) *Guard {
	if events == nil {
		events = notify.Nop{}
	}
	return &Guard{
		store:    store,
		strategy: strategy,
		events:   events,
		logger:   logging.Component(logger, "settlement"),
		policy:   retry.DefaultPolicy(),
		now:      func() time.Time { return time.Now().UTC() },
		closing:  make(chan struct{}),
	}
}

// WithRetryPolicy overrides how transient persistence failures are retried.
func (g *Guard) WithRetryPolicy(p retry.Policy) *Guard {
	g.policy = p
	return g
}

// WithPostCheck scans each freshly settled match for duplicate payout
// records delay after the settlement commits.
func (g *Guard) WithPostCheck(cleaner DuplicateCleaner, delay time.Duration) *Guard {
	g.cleaner = cleaner
	g.postDelay = delay
	return g
}

// Path reports which strategy this guard settles with.
func (g *Guard) Path() model.SettlementPath {
	return g.strategy.Path()
}

// Settle pays winnerID the fee-adjusted pot of matchID, or reports
// OutcomeAlreadyPaid if that already happened. Repeated calls are safe.
func (g *Guard) Settle(ctx context.Context, matchID, winnerID string, feePercent int) (*model.SettlementResult, error) {
	if feePercent < 0 || feePercent > 100 {
		return nil, fmt.Errorf("%w: fee percent %d", model.ErrInvalidAmount, feePercent)
	}

	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "settlement.Settle",
		traces.MatchID(matchID), traces.UserID(winnerID), traces.SettlementPath(string(g.strategy.Path())))

	req := model.SettleRequest{
		MatchID:    matchID,
		WinnerID:   winnerID,
		FeePercent: feePercent,
		PayoutID:   idgen.WithPrefix(idgen.PrefixPayout),
		At:         g.now(),
	}

	var res *model.SettlementResult
	path := string(g.strategy.Path())
	err := retry.Do(ctx, g.policy, func() error {
		existing, err := g.store.FindPayout(ctx, matchID, winnerID)
		if err == nil {
			path = pathPrecheck
			res = &model.SettlementResult{Outcome: model.OutcomeAlreadyPaid, Payout: existing}
			return nil
		}
		if !errors.Is(err, model.ErrPayoutNotFound) {
			return retry.OnlyIf(err, model.ErrPersistence)
		}
		path = string(g.strategy.Path())
		res, err = g.strategy.Settle(ctx, req)
		return retry.OnlyIf(err, model.ErrPersistence)
	})

	metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		traces.End(span, err)
		metrics.SettlementsTotal.WithLabelValues(path, "error").Inc()
		return nil, fmt.Errorf("settle match %s: %w", matchID, err)
	}
	span.End()
	metrics.SettlementsTotal.WithLabelValues(path, string(res.Outcome)).Inc()

	if res.Outcome == model.OutcomeAlreadyPaid {
		if res.Payout == nil {
			res.Payout, _ = g.store.FindPayout(ctx, matchID, winnerID)
		}
		logging.L(ctx).Info("settlement already paid", "match", matchID, "winner", winnerID, "path", path)
		return res, nil
	}

	if res.HoldConflicts > 0 {
		logging.L(ctx).Warn("settled with hold conflicts", "match", matchID, "conflicts", res.HoldConflicts,
			"error", model.ErrHoldConflict)
	}
	logging.L(ctx).Info("match settled", "match", matchID, "winner", winnerID, "path", res.Path,
		"amount", res.Payout.Amount, "fee", res.Payout.FeeDeducted, "holds_captured", res.HoldsCaptured)
	metrics.MatchTransitionsTotal.WithLabelValues(string(model.MatchCompleted)).Inc()
	g.events.Emit(ctx, notify.New(notify.EventMatchCompleted, matchID, []string{winnerID}, map[string]interface{}{
		"winnerId":    winnerID,
		"payoutId":    res.Payout.ID,
		"amount":      res.Payout.Amount,
		"feeDeducted": res.Payout.FeeDeducted,
	}))

	g.schedulePostCheck(ctx, matchID)
	return res, nil
}

func (g *Guard) schedulePostCheck(ctx context.Context, matchID string) {
	if g.cleaner == nil {
		return
	}
	logger := logging.L(ctx)
	base := context.WithoutCancel(ctx)

	g.pending.Add(1)
	go func() {
		defer g.pending.Done()
		if g.postDelay > 0 {
			t := time.NewTimer(g.postDelay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-g.closing:
				return
			}
		}

		ctx, cancel := context.WithTimeout(base, postCheckTimeout)
		defer cancel()
		removed, err := g.cleaner.CleanupMatch(ctx, matchID)
		if err != nil {
			logger.Warn("settlement post-check failed", "match", matchID, "error", err)
			return
		}
		if removed > 0 {
			logger.Error("duplicate payout records removed after settlement", "match", matchID,
				"removed", removed, "error", model.ErrInvariantViolation)
		}
	}()
}

// Wait blocks until every scheduled post-check has run.
func (g *Guard) Wait() {
	g.pending.Wait()
}

// Close abandons post-checks still waiting out their delay and waits for
// running ones. The reconciliation timer covers anything skipped.
func (g *Guard) Close() {
	g.closeOnce.Do(func() { close(g.closing) })
	g.pending.Wait()
}

// PayoutsForMatch lists a match's payout records, earliest first.
func (g *Guard) PayoutsForMatch(ctx context.Context, matchID string) ([]*model.PayoutRecord, error) {
	return g.store.ListPayoutsByMatch(ctx, matchID)
}

// ListPayouts pages through all payout records, newest first.
func (g *Guard) ListPayouts(ctx context.Context, after *pagination.Cursor, limit int) ([]*model.PayoutRecord, error) {
	return g.store.ListPayouts(ctx, after, limit)
}
