package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/wagerescrow/internal/model"
)

const holdColumns = `id, user_id, match_id, amount, status, created_at, resolved_at`

func scanHold(row scanner) (*model.Hold, error) {
	h := &model.Hold{}
	var resolved sql.NullTime
	if err := row.Scan(&h.ID, &h.UserID, &h.MatchID, &h.Amount, &h.Status, &h.CreatedAt, &resolved); err != nil {
		return nil, err
	}
	h.CreatedAt = h.CreatedAt.UTC()
	h.ResolvedAt = timePtr(resolved)
	return h, nil
}

// CreateHold inserts the hold and debits its owner in one transaction.
func (s *Store) CreateHold(ctx context.Context, h *model.Hold) error {
	return s.inTx(ctx, "create hold", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO holds (`+holdColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, NULL)`,
			h.ID, h.UserID, h.MatchID, h.Amount, h.Status, h.CreatedAt)
		if err != nil {
			return classify("insert hold", err)
		}
		return debitTx(ctx, tx, h.UserID, h.Amount, "hold:"+h.ID, "stake for match "+h.MatchID, h.CreatedAt)
	})
}

func (s *Store) GetHold(ctx context.Context, id string) (*model.Hold, error) {
	h, err := scanHold(s.db.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM holds WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrHoldNotFound
	}
	if err != nil {
		return nil, classify("get hold", err)
	}
	return h, nil
}

// CaptureHold moves an active hold to captured. Nobody is credited.
func (s *Store) CaptureHold(ctx context.Context, id string, at time.Time) (*model.Hold, error) {
	return resolveHold(ctx, s.db, id, model.HoldCaptured, at)
}

// ReleaseHold moves an active hold to released and credits the owner with
// the release reference, in one transaction.
func (s *Store) ReleaseHold(ctx context.Context, id string, at time.Time) (*model.Hold, error) {
	var out *model.Hold
	err := s.inTx(ctx, "release hold", func(tx *sql.Tx) error {
		h, err := resolveHold(ctx, tx, id, model.HoldReleased, at)
		if err != nil {
			out = h
			return err
		}
		if err := creditTx(ctx, tx, h.UserID, h.Amount, model.ReleaseReference(h.ID), "refund for match "+h.MatchID, at); err != nil {
			return err
		}
		out = h
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrAlreadyResolved) {
			return out, err
		}
		return nil, err
	}
	return out, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// resolveHold flips an active hold to status. A hold that is no longer
// active is returned with ErrAlreadyResolved.
func resolveHold(ctx context.Context, q querier, id string, to model.HoldStatus, at time.Time) (*model.Hold, error) {
	h, err := scanHold(q.QueryRowContext(ctx, `
		UPDATE holds SET status = $2, resolved_at = $3
		WHERE id = $1 AND status = 'active'
		RETURNING `+holdColumns, id, to, at))
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, classify("resolve hold", err)
	}

	cur, err := scanHold(q.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM holds WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrHoldNotFound
	}
	if err != nil {
		return nil, classify("get hold", err)
	}
	return cur, model.ErrAlreadyResolved
}

func (s *Store) ListHoldsByMatch(ctx context.Context, matchID string) ([]*model.Hold, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+holdColumns+` FROM holds
		WHERE match_id = $1
		ORDER BY created_at, id`, matchID)
	if err != nil {
		return nil, classify("list holds", err)
	}
	return collectHolds(rows)
}

// ListStrandedHolds returns active holds that no settlement will ever
// consume: holds on cancelled matches, and holds created before olderThan
// whose owner never became a participant.
func (s *Store) ListStrandedHolds(ctx context.Context, olderThan time.Time, limit int) ([]*model.Hold, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.id, h.user_id, h.match_id, h.amount, h.status, h.created_at, h.resolved_at
		FROM holds h
		LEFT JOIN matches m ON m.id = h.match_id
		WHERE h.status = 'active'
		  AND (m.status = 'cancelled'
		       OR (h.created_at < $1
		           AND (m.id IS NULL
		                OR NOT m.participants @> jsonb_build_array(jsonb_build_object('userId', h.user_id)))))
		ORDER BY h.created_at
		LIMIT $2`, olderThan, limitOrAll(limit))
	if err != nil {
		return nil, classify("list stranded holds", err)
	}
	return collectHolds(rows)
}

func collectHolds(rows *sql.Rows) ([]*model.Hold, error) {
	defer func() { _ = rows.Close() }()
	var out []*model.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, classify("scan hold", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list holds", err)
	}
	return out, nil
}
