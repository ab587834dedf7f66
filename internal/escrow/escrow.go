// Package escrow manages stake holds for wagered matches.
//
// Holds follow a debit-on-hold model: creating a hold debits the owner's
// wallet at once and records the liability. A hold then resolves exactly
// once, either captured (consumed by a payout) or released (returned to its
// owner). Any later transition fails with model.ErrAlreadyResolved, which
// callers treat as a benign idempotency signal.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/wagerescrow/internal/idgen"
	"github.com/mbd888/wagerescrow/internal/logging"
	"github.com/mbd888/wagerescrow/internal/metrics"
	"github.com/mbd888/wagerescrow/internal/model"
	"github.com/mbd888/wagerescrow/internal/notify"
	"github.com/mbd888/wagerescrow/internal/retry"
	"github.com/mbd888/wagerescrow/internal/traces"
)

// Store persists holds. CreateHold must debit the owner and insert the
// hold in one transaction (debit reference "hold:<id>"); ReleaseHold must
// flip the status and credit the owner (reference model.ReleaseReference)
// in one transaction.
type Store interface {
	CreateHold(ctx context.Context, h *model.Hold) error
	GetHold(ctx context.Context, id string) (*model.Hold, error)
	CaptureHold(ctx context.Context, id string, at time.Time) (*model.Hold, error)
	ReleaseHold(ctx context.Context, id string, at time.Time) (*model.Hold, error)
	ListHoldsByMatch(ctx context.Context, matchID string) ([]*model.Hold, error)
	ListStrandedHolds(ctx context.Context, olderThan time.Time, limit int) ([]*model.Hold, error)
}

// Totals summarises a match's holds by outcome.
type Totals struct {
	Created  int64 `json:"created"`
	Active   int64 `json:"active"`
	Released int64 `json:"released"`
	Captured int64 `json:"captured"`
}

// Balanced reports whether every created unit is accounted for.
func (t Totals) Balanced() bool {
	return t.Created == t.Active+t.Released+t.Captured
}

// Manager is the escrow manager.
type Manager struct {
	store  Store
	events notify.Emitter
	logger *slog.Logger
	policy retry.Policy
	now    func() time.Time
}

// NewManager creates an escrow manager. events may be nil.
func NewManager(store Store, events notify.Emitter, logger *slog.Logger) *Manager {
	if events == nil {
		events = notify.Nop{}
	}
	return &Manager{
		store:  store,
		events: events,
		logger: logging.Component(logger, "escrow"),
		policy: retry.DefaultPolicy(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithRetryPolicy overrides the retry policy for transient store failures.
func (m *Manager) WithRetryPolicy(p retry.Policy) *Manager {
	m.policy = p
	return m
}

// CreateHold debits amount from userID and earmarks it for matchID.
// Insufficient funds leave no state behind.
func (m *Manager) CreateHold(ctx context.Context, userID, matchID string, amount int64) (*model.Hold, error) {
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}
	ctx, span := traces.StartSpan(ctx, "escrow.CreateHold",
		traces.UserID(userID), traces.MatchID(matchID), traces.Amount(amount))

	hold := &model.Hold{
		ID:        idgen.WithPrefix(idgen.PrefixHold),
		UserID:    userID,
		MatchID:   matchID,
		Amount:    amount,
		Status:    model.HoldActive,
		CreatedAt: m.now(),
	}

	err := retry.Do(ctx, m.policy, func() error {
		err := m.store.CreateHold(ctx, hold)
		if errors.Is(err, model.ErrDuplicateReference) {
			// An earlier attempt committed but its reply was lost.
			return nil
		}
		return retry.OnlyIf(err, model.ErrPersistence)
	})
	traces.End(span, err)
	if err != nil {
		return nil, fmt.Errorf("create hold for %s: %w", userID, err)
	}

	metrics.HoldsTotal.WithLabelValues(string(model.HoldActive)).Inc()
	logging.L(ctx).Info("hold created", "hold", hold.ID, "user", userID, "match", matchID, "amount", amount)
	m.events.Emit(ctx, notify.New(notify.EventHoldCreated, matchID, []string{userID}, map[string]interface{}{
		"holdId": hold.ID,
		"amount": amount,
	}))
	return hold, nil
}

// CaptureHold marks the hold consumed by a payout. It credits nobody; the
// settlement flow credits the winner with the aggregated amount.
func (m *Manager) CaptureHold(ctx context.Context, hold *model.Hold) error {
	var captured *model.Hold
	err := retry.Do(ctx, m.policy, func() error {
		var err error
		captured, err = m.store.CaptureHold(ctx, hold.ID, m.now())
		return retry.OnlyIf(err, model.ErrPersistence)
	})
	if err != nil {
		return m.resolveError(ctx, "capture", hold, captured, err)
	}
	*hold = *captured
	metrics.HoldsTotal.WithLabelValues(string(model.HoldCaptured)).Inc()
	return nil
}

// ReleaseHold returns the hold's amount to its owner.
func (m *Manager) ReleaseHold(ctx context.Context, hold *model.Hold) error {
	var released *model.Hold
	err := retry.Do(ctx, m.policy, func() error {
		var err error
		released, err = m.store.ReleaseHold(ctx, hold.ID, m.now())
		return retry.OnlyIf(err, model.ErrPersistence)
	})
	if err != nil {
		return m.resolveError(ctx, "release", hold, released, err)
	}
	*hold = *released
	metrics.HoldsTotal.WithLabelValues(string(model.HoldReleased)).Inc()
	logging.L(ctx).Info("hold released", "hold", hold.ID, "user", hold.UserID, "amount", hold.Amount)
	m.events.Emit(ctx, notify.New(notify.EventHoldReleased, hold.MatchID, []string{hold.UserID}, map[string]interface{}{
		"holdId": hold.ID,
		"amount": hold.Amount,
	}))
	return nil
}

func (m *Manager) resolveError(ctx context.Context, op string, hold, current *model.Hold, err error) error {
	if errors.Is(err, model.ErrAlreadyResolved) {
		attrs := []any{"hold", hold.ID, "op", op}
		if current != nil {
			attrs = append(attrs, "status", current.Status)
			*hold = *current
		}
		logging.L(ctx).Info("hold already resolved", attrs...)
		return err
	}
	return fmt.Errorf("%s hold %s: %w", op, hold.ID, err)
}

// ListByMatch returns every hold for a match.
func (m *Manager) ListByMatch(ctx context.Context, matchID string) ([]*model.Hold, error) {
	return m.store.ListHoldsByMatch(ctx, matchID)
}

// ReleaseAll releases every active hold on a match, skipping holds another
// path already resolved. It returns how many this call released.
func (m *Manager) ReleaseAll(ctx context.Context, matchID string) (int, error) {
	holds, err := m.store.ListHoldsByMatch(ctx, matchID)
	if err != nil {
		return 0, fmt.Errorf("list holds for %s: %w", matchID, err)
	}

	released := 0
	var errs []error
	for _, h := range holds {
		if !h.IsActive() {
			continue
		}
		err := m.ReleaseHold(ctx, h)
		switch {
		case err == nil:
			released++
		case model.IsBenign(err):
			if h.Status == model.HoldCaptured {
				logging.L(ctx).Warn("hold captured while releasing", "hold", h.ID, "match", matchID,
					"error", model.ErrHoldConflict)
			}
		default:
			errs = append(errs, err)
		}
	}
	return released, errors.Join(errs...)
}

// Totals sums a match's holds by status.
func (m *Manager) Totals(ctx context.Context, matchID string) (Totals, error) {
	holds, err := m.store.ListHoldsByMatch(ctx, matchID)
	if err != nil {
		return Totals{}, err
	}
	var t Totals
	for _, h := range holds {
		t.Created += h.Amount
		switch h.Status {
		case model.HoldActive:
			t.Active += h.Amount
		case model.HoldReleased:
			t.Released += h.Amount
		case model.HoldCaptured:
			t.Captured += h.Amount
		}
	}
	return t, nil
}

// ReleaseStranded releases active holds no settlement will consume: those
// on cancelled matches, and those older than grace whose owner never got a
// seat. It returns how many were released.
func (m *Manager) ReleaseStranded(ctx context.Context, grace time.Duration, limit int) (int, error) {
	holds, err := m.store.ListStrandedHolds(ctx, m.now().Add(-grace), limit)
	if err != nil {
		return 0, fmt.Errorf("list stranded holds: %w", err)
	}
	released := 0
	for _, h := range holds {
		err := m.ReleaseHold(ctx, h)
		if err == nil {
			released++
			m.logger.Warn("released stranded hold", "hold", h.ID, "match", h.MatchID, "user", h.UserID, "amount", h.Amount)
			continue
		}
		if !model.IsBenign(err) {
			m.logger.Warn("failed to release stranded hold", "hold", h.ID, "error", err)
		}
	}
	return released, nil
}
