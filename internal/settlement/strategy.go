package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/wagerescrow/internal/logging"
	"github.com/mbd888/wagerescrow/internal/model"
)

// Strategy performs one settlement attempt. Implementations must be safe to
// re-run after a partial failure.
type Strategy interface {
	Path() model.SettlementPath
	Settle(ctx context.Context, req model.SettleRequest) (*model.SettlementResult, error)
}

// AtomicStore settles a match in one storage transaction.
type AtomicStore interface {
	SettleAtomic(ctx context.Context, req model.SettleRequest) (*model.SettlementResult, error)
}

// CapabilityStore reports whether AtomicStore is usable.
type CapabilityStore interface {
	SupportsAtomicSettlement(ctx context.Context) (bool, error)
}

// StepStore is what the non-atomic path needs from storage.
type StepStore interface {
	CompleteMatch(ctx context.Context, matchID, winnerID string, at time.Time) (*model.Match, error)
	ListHoldsByMatch(ctx context.Context, matchID string) ([]*model.Hold, error)
	InsertPayout(ctx context.Context, p *model.PayoutRecord) error
}

// HoldCapturer captures a hold. *escrow.Manager implements it.
type HoldCapturer interface {
	CaptureHold(ctx context.Context, hold *model.Hold) error
}

// Crediter credits a wallet with a reference. *ledger.Service implements it.
type Crediter interface {
	Credit(ctx context.Context, userID string, amount int64, reference, description string) error
}

// Primary settles through the store's atomic operation.
type Primary struct {
	store AtomicStore
}

// NewPrimary creates the atomic settlement strategy.
func NewPrimary(store AtomicStore) *Primary {
	return &Primary{store: store}
}

func (p *Primary) Path() model.SettlementPath { return model.PathPrimary }

func (p *Primary) Settle(ctx context.Context, req model.SettleRequest) (*model.SettlementResult, error) {
	res, err := p.store.SettleAtomic(ctx, req)
	if errors.Is(err, model.ErrDuplicatePayout) {
		// A concurrent caller inserted first; its transaction did the work.
		return &model.SettlementResult{Outcome: model.OutcomeAlreadyPaid, Path: model.PathPrimary}, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Fallback settles in discrete steps for stores without the atomic
// operation. Each step is idempotent and the payout record is written last,
// so re-running Settle after a crash finishes whatever is missing.
type Fallback struct {
	store  StepStore
	holds  HoldCapturer
	ledger Crediter
	logger *slog.Logger
}

// NewFallback creates the step-wise settlement strategy.
func NewFallback(store StepStore, holds HoldCapturer, ledger Crediter, logger *slog.Logger) *Fallback {
	return &Fallback{store: store, holds: holds, ledger: ledger, logger: logger}
}

func (f *Fallback) Path() model.SettlementPath { return model.PathFallback }

func (f *Fallback) Settle(ctx context.Context, req model.SettleRequest) (*model.SettlementResult, error) {
	logging.L(ctx).Warn("settling through the non-atomic fallback path", "match", req.MatchID, "winner", req.WinnerID)

	// Completing first is what makes a concurrent Cancel lose.
	m, err := f.store.CompleteMatch(ctx, req.MatchID, req.WinnerID, req.At)
	if err != nil {
		return nil, fmt.Errorf("complete match: %w", err)
	}

	all, err := f.store.ListHoldsByMatch(ctx, req.MatchID)
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	holds := model.ParticipantHolds(m, all)

	res := &model.SettlementResult{Outcome: model.OutcomeSettled, Path: model.PathFallback}
	for _, h := range holds {
		if h.Status == model.HoldCaptured {
			continue
		}
		if h.Status == model.HoldReleased {
			res.HoldConflicts++
			logging.L(ctx).Warn("hold released before settlement", "hold", h.ID, "error", model.ErrHoldConflict)
			continue
		}
		err := f.holds.CaptureHold(ctx, h)
		switch {
		case err == nil:
			res.HoldsCaptured++
		case errors.Is(err, model.ErrAlreadyResolved):
			if h.Status == model.HoldReleased {
				res.HoldConflicts++
				logging.L(ctx).Warn("hold released during settlement", "hold", h.ID, "error", model.ErrHoldConflict)
			}
		default:
			return nil, fmt.Errorf("capture hold %s: %w", h.ID, err)
		}
	}

	amount, fee := model.PayoutFor(model.SettleableGross(holds), req.FeePercent)
	if amount > 0 {
		err := f.ledger.Credit(ctx, req.WinnerID, amount,
			model.PayoutReference(req.MatchID, req.WinnerID), "payout for match "+req.MatchID)
		switch {
		case err == nil:
			res.Credited = true
		case errors.Is(err, model.ErrDuplicateReference):
			// credited by an earlier, interrupted run
		default:
			return nil, fmt.Errorf("credit winner: %w", err)
		}
	}

	payout := &model.PayoutRecord{
		ID:          req.PayoutID,
		MatchID:     req.MatchID,
		WinnerID:    req.WinnerID,
		Amount:      amount,
		FeeDeducted: fee,
		Path:        model.PathFallback,
		CreatedAt:   req.At,
	}
	if err := f.store.InsertPayout(ctx, payout); err != nil {
		if errors.Is(err, model.ErrDuplicatePayout) {
			return &model.SettlementResult{Outcome: model.OutcomeAlreadyPaid, Path: model.PathFallback}, nil
		}
		return nil, fmt.Errorf("insert payout: %w", err)
	}
	res.Payout = payout
	return res, nil
}

// SelectStrategy picks the atomic path when the store supports it. The
// choice is made once, at startup.
func SelectStrategy(ctx context.Context, caps CapabilityStore, primary, fallback Strategy, forceFallback bool, logger *slog.Logger) (Strategy, error) {
	if forceFallback {
		logger.Warn("atomic settlement disabled by configuration, using fallback")
		return fallback, nil
	}
	ok, err := caps.SupportsAtomicSettlement(ctx)
	if err != nil {
		return nil, fmt.Errorf("check settlement capability: %w", err)
	}
	if !ok {
		logger.Warn("store has no atomic settlement operation, using fallback")
		return fallback, nil
	}
	logger.Info("using atomic settlement")
	return primary, nil
}
