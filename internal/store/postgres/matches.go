package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/wagerescrow/internal/model"
)

const matchColumns = `id, created_by, stake_amount, fee_percent, sides, seats_per_side,
	participants, results, status, winner_id, cancel_reason, version,
	created_at, started_at, result_due_at, evidence_deadline, completed_at, cancelled_at, updated_at`

func scanMatch(row scanner) (*model.Match, error) {
	m := &model.Match{}
	var (
		participants, results                     []byte
		winner, reason                            sql.NullString
		started, due, deadline, completed, cancel sql.NullTime
	)
	err := row.Scan(&m.ID, &m.CreatedBy, &m.StakeAmount, &m.FeePercent, &m.Sides, &m.SeatsPerSide,
		&participants, &results, &m.Status, &winner, &reason, &m.Version,
		&m.CreatedAt, &started, &due, &deadline, &completed, &cancel, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(participants, &m.Participants); err != nil {
		return nil, fmt.Errorf("decode participants of %s: %w", m.ID, err)
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &m.Results); err != nil {
			return nil, fmt.Errorf("decode results of %s: %w", m.ID, err)
		}
	}
	m.WinnerID = winner.String
	m.CancelReason = reason.String
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	m.StartedAt = timePtr(started)
	m.ResultDueAt = timePtr(due)
	m.EvidenceDeadline = timePtr(deadline)
	m.CompletedAt = timePtr(completed)
	m.CancelledAt = timePtr(cancel)
	return m, nil
}

// encodeMatch renders the JSONB columns as text; lib/pq would send []byte
// as bytea.
func encodeMatch(m *model.Match) (string, sql.NullString, error) {
	participants := "[]"
	if m.Participants != nil {
		b, err := json.Marshal(m.Participants)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("encode participants: %w", err)
		}
		participants = string(b)
	}
	var results sql.NullString
	if len(m.Results) > 0 {
		b, err := json.Marshal(m.Results)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("encode results: %w", err)
		}
		results = sql.NullString{String: string(b), Valid: true}
	}
	return participants, results, nil
}

func (s *Store) CreateMatch(ctx context.Context, m *model.Match) error {
	participants, results, err := encodeMatch(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO matches (`+matchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		m.ID, m.CreatedBy, m.StakeAmount, m.FeePercent, m.Sides, m.SeatsPerSide,
		participants, results, m.Status, nullString(m.WinnerID), nullString(m.CancelReason), m.Version,
		m.CreatedAt, nullTime(m.StartedAt), nullTime(m.ResultDueAt), nullTime(m.EvidenceDeadline),
		nullTime(m.CompletedAt), nullTime(m.CancelledAt), m.UpdatedAt)
	return classify("create match", err)
}

func (s *Store) GetMatch(ctx context.Context, id string) (*model.Match, error) {
	m, err := scanMatch(s.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrMatchNotFound
	}
	if err != nil {
		return nil, classify("get match", err)
	}
	return m, nil
}

// UpdateMatch replaces the match if its stored version equals
// expectedVersion, bumping the version on m.
func (s *Store) UpdateMatch(ctx context.Context, m *model.Match, expectedVersion int64) error {
	participants, results, err := encodeMatch(m)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE matches SET
			participants = $3, results = $4, status = $5, winner_id = $6, cancel_reason = $7,
			started_at = $8, result_due_at = $9, evidence_deadline = $10,
			completed_at = $11, cancelled_at = $12, updated_at = $13,
			version = version + 1
		WHERE id = $1 AND version = $2`,
		m.ID, expectedVersion,
		participants, results, m.Status, nullString(m.WinnerID), nullString(m.CancelReason),
		nullTime(m.StartedAt), nullTime(m.ResultDueAt), nullTime(m.EvidenceDeadline),
		nullTime(m.CompletedAt), nullTime(m.CancelledAt), m.UpdatedAt)
	if err != nil {
		return classify("update match", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM matches WHERE id = $1)`, m.ID).Scan(&exists); err != nil {
			return classify("update match", err)
		}
		if !exists {
			return model.ErrMatchNotFound
		}
		return model.ErrConcurrentUpdate
	}
	m.Version = expectedVersion + 1
	return nil
}

// CompleteMatch marks the match completed with winnerID unless another
// writer already moved it somewhere incompatible. Completing an
// already-completed match with the same winner is a no-op.
func (s *Store) CompleteMatch(ctx context.Context, matchID, winnerID string, at time.Time) (*model.Match, error) {
	var out *model.Match
	err := s.inTx(ctx, "complete match", func(tx *sql.Tx) error {
		m, err := scanMatch(tx.QueryRowContext(ctx,
			`SELECT `+matchColumns+` FROM matches WHERE id = $1 FOR UPDATE`, matchID))
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrMatchNotFound
		}
		if err != nil {
			return classify("lock match", err)
		}
		if err := model.CanSettle(m, winnerID); err != nil {
			return err
		}
		if m.Status != model.MatchCompleted {
			_, err := tx.ExecContext(ctx, `
				UPDATE matches SET status = 'completed', winner_id = $2, completed_at = $3,
					updated_at = $3, version = version + 1
				WHERE id = $1`, matchID, winnerID, at)
			if err != nil {
				return classify("complete match", err)
			}
			m.Status = model.MatchCompleted
			m.WinnerID = winnerID
			m.CompletedAt = &at
			m.UpdatedAt = at
			m.Version++
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListMatches returns matches newest first unless f.OldestFirst is set.
func (s *Store) ListMatches(ctx context.Context, f model.MatchFilter) ([]*model.Match, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.UserID != "" {
		seat, err := json.Marshal([]map[string]string{{"userId": f.UserID}})
		if err != nil {
			return nil, err
		}
		args = append(args, string(seat))
		where = append(where, fmt.Sprintf("participants @> $%d::jsonb", len(args)))
	}

	query := `SELECT ` + matchColumns + ` FROM matches`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if f.OldestFirst {
		query += ` ORDER BY created_at, id`
	} else {
		query += ` ORDER BY created_at DESC, id DESC`
	}
	args = append(args, limitOrAll(f.Limit))
	query += fmt.Sprintf(` LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list matches", err)
	}
	return collectMatches(rows)
}

// ListUnpaidCompleted returns completed matches that have no payout record
// for their winner: a non-atomic settlement stopped partway.
func (s *Store) ListUnpaidCompleted(ctx context.Context, limit int) ([]*model.Match, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+matchColumns+` FROM matches m
		WHERE m.status = 'completed'
		  AND NOT EXISTS (
			SELECT 1 FROM payout_records p
			WHERE p.match_id = m.id AND p.winner_id = m.winner_id)
		ORDER BY m.id
		LIMIT $1`, limitOrAll(limit))
	if err != nil {
		return nil, classify("list unpaid matches", err)
	}
	return collectMatches(rows)
}

func collectMatches(rows *sql.Rows) ([]*model.Match, error) {
	defer func() { _ = rows.Close() }()
	var out []*model.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, classify("scan match", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list matches", err)
	}
	return out, nil
}
