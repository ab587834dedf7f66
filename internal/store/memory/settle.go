package memory

import (
	"context"
	"errors"

	"github.com/mbd888/wagerescrow/internal/model"
)

// SettleAtomic performs the whole settlement under the store lock: payout
// record, hold capture, winner credit and match completion all apply or
// none do.
func (s *Store) SettleAtomic(_ context.Context, req model.SettleRequest) (*model.SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("SettleAtomic"); err != nil {
		return nil, err
	}

	m, ok := s.matches[req.MatchID]
	if !ok {
		return nil, model.ErrMatchNotFound
	}
	if existing := s.findPayoutLocked(req.MatchID, req.WinnerID); existing != nil {
		cp := *existing
		return &model.SettlementResult{Outcome: model.OutcomeAlreadyPaid, Path: model.PathPrimary, Payout: &cp}, nil
	}
	if err := model.CanSettle(m, req.WinnerID); err != nil {
		return nil, err
	}

	holds := model.ParticipantHolds(m, s.holdsForMatchLocked(req.MatchID))
	gross := model.SettleableGross(holds)
	amount, fee := model.PayoutFor(gross, req.FeePercent)
	payout := &model.PayoutRecord{
		ID:          req.PayoutID,
		MatchID:     req.MatchID,
		WinnerID:    req.WinnerID,
		Amount:      amount,
		FeeDeducted: fee,
		Path:        model.PathPrimary,
		CreatedAt:   req.At,
	}

	// Every check that can fail runs before the first mutation.
	res := &model.SettlementResult{Outcome: model.OutcomeSettled, Path: model.PathPrimary, Payout: payout}
	ref := model.PayoutReference(req.MatchID, req.WinnerID)
	credit := amount > 0 && !s.references[ref]

	if err := s.insertPayoutLocked(payout); err != nil {
		return nil, err
	}
	for _, h := range holds {
		switch h.Status {
		case model.HoldActive:
			stored := s.holds[h.ID]
			stored.Status = model.HoldCaptured
			at := req.At
			stored.ResolvedAt = &at
			res.HoldsCaptured++
		case model.HoldReleased:
			res.HoldConflicts++
		}
	}
	if credit {
		if err := s.creditLocked(req.WinnerID, amount, ref, "payout for match "+req.MatchID); err != nil && !errors.Is(err, model.ErrDuplicateReference) {
			return nil, err
		}
		res.Credited = true
	}
	if m.Status != model.MatchCompleted {
		completeLocked(m, req.WinnerID, req.At)
	}
	return res, nil
}
