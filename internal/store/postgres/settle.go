package postgres

import (
	"context"

	"github.com/mbd888/wagerescrow/internal/idgen"
	"github.com/mbd888/wagerescrow/internal/model"
)

// SettleAtomic runs the settle_match function, which writes the payout
// record, captures the holds, credits the winner and completes the match
// in one transaction.
func (s *Store) SettleAtomic(ctx context.Context, req model.SettleRequest) (*model.SettlementResult, error) {
	var (
		outcome string
		p       = &model.PayoutRecord{MatchID: req.MatchID, WinnerID: req.WinnerID}
		res     model.SettlementResult
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT o_outcome, o_payout_id, o_amount, o_fee, o_created_at, o_path, o_captured, o_conflicts, o_credited
		FROM settle_match($1, $2, $3, $4, $5, $6)`,
		req.PayoutID, req.MatchID, req.WinnerID, req.FeePercent, idgen.WithPrefix(idgen.PrefixEntry), req.At,
	).Scan(&outcome, &p.ID, &p.Amount, &p.FeeDeducted, &p.CreatedAt, &p.Path, &res.HoldsCaptured, &res.HoldConflicts, &res.Credited)
	if err != nil {
		return nil, classify("settle match", err)
	}

	p.CreatedAt = p.CreatedAt.UTC()
	res.Outcome = model.SettleOutcome(outcome)
	res.Path = model.PathPrimary
	res.Payout = p
	return &res, nil
}
