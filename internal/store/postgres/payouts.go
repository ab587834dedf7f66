package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/mbd888/wagerescrow/internal/model"
	"github.com/mbd888/wagerescrow/internal/pagination"
)

const payoutColumns = `id, match_id, winner_id, amount, fee_deducted, path, created_at`

func scanPayout(row scanner) (*model.PayoutRecord, error) {
	p := &model.PayoutRecord{}
	if err := row.Scan(&p.ID, &p.MatchID, &p.WinnerID, &p.Amount, &p.FeeDeducted, &p.Path, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

// FindPayout returns the earliest payout record for (matchID, winnerID).
func (s *Store) FindPayout(ctx context.Context, matchID, winnerID string) (*model.PayoutRecord, error) {
	p, err := scanPayout(s.db.QueryRowContext(ctx, `
		SELECT `+payoutColumns+` FROM payout_records
		WHERE match_id = $1 AND winner_id = $2
		ORDER BY created_at, id
		LIMIT 1`, matchID, winnerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrPayoutNotFound
	}
	if err != nil {
		return nil, classify("find payout", err)
	}
	return p, nil
}

// InsertPayout relies on idx_payout_records_once for uniqueness; legacy rows
// are exempt.
func (s *Store) InsertPayout(ctx context.Context, p *model.PayoutRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payout_records (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.MatchID, p.WinnerID, p.Amount, p.FeeDeducted, p.Path, p.CreatedAt)
	return classify("insert payout", err)
}

func (s *Store) ListPayoutsByMatch(ctx context.Context, matchID string) ([]*model.PayoutRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+payoutColumns+` FROM payout_records
		WHERE match_id = $1
		ORDER BY created_at, id`, matchID)
	if err != nil {
		return nil, classify("list payouts", err)
	}
	return collectPayouts(rows)
}

// ListPayouts pages through every payout, newest first. The cursor is the
// last row of the previous page.
func (s *Store) ListPayouts(ctx context.Context, after *pagination.Cursor, limit int) ([]*model.PayoutRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+payoutColumns+` FROM payout_records
			ORDER BY created_at DESC, id DESC
			LIMIT $1`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+payoutColumns+` FROM payout_records
			WHERE (created_at, id) < ($1, $2)
			ORDER BY created_at DESC, id DESC
			LIMIT $3`, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, classify("list payouts", err)
	}
	return collectPayouts(rows)
}

// ListPayoutMatchIDs returns every match with at least one payout record.
func (s *Store) ListPayoutMatchIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT match_id FROM payout_records ORDER BY match_id`)
	if err != nil {
		return nil, classify("list payout matches", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("scan match id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list payout matches", err)
	}
	return ids, nil
}

// DeletePayouts removes records by id and reports how many existed.
func (s *Store) DeletePayouts(ctx context.Context, ids []string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM payout_records WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, classify("delete payouts", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify("delete payouts", err)
	}
	return int(n), nil
}

func collectPayouts(rows *sql.Rows) ([]*model.PayoutRecord, error) {
	defer func() { _ = rows.Close() }()
	var out []*model.PayoutRecord
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, classify("scan payout", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list payouts", err)
	}
	return out, nil
}
