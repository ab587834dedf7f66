package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/wagerescrow/internal/idgen"
	"github.com/mbd888/wagerescrow/internal/model"
)

func (s *Store) Debit(ctx context.Context, userID string, amount int64, reference, description string) error {
	return s.inTx(ctx, "debit", func(tx *sql.Tx) error {
		return debitTx(ctx, tx, userID, amount, reference, description, time.Now().UTC())
	})
}

func (s *Store) Credit(ctx context.Context, userID string, amount int64, reference, description string) error {
	return s.inTx(ctx, "credit", func(tx *sql.Tx) error {
		return creditTx(ctx, tx, userID, amount, reference, description, time.Now().UTC())
	})
}

func (s *Store) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w := &model.Wallet{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT available, updated_at FROM wallets WHERE user_id = $1`, userID,
	).Scan(&w.Available, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, nil
	}
	if err != nil {
		return nil, classify("get wallet", err)
	}
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

func (s *Store) ListEntries(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, amount, COALESCE(reference, ''), description, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, classify("list entries", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.LedgerEntry
	for rows.Next() {
		e := &model.LedgerEntry{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Amount, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, classify("scan entry", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list entries", err)
	}
	return out, nil
}

// debitTx records the entry first so a reused reference fails before the
// balance is touched. The conditional update never takes available below
// zero; the CHECK constraint backs it up.
func debitTx(ctx context.Context, tx *sql.Tx, userID string, amount int64, reference, description string, at time.Time) error {
	if amount <= 0 {
		return model.ErrInvalidAmount
	}
	if err := insertEntry(ctx, tx, userID, model.EntryDebit, amount, reference, description, at); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE wallets SET available = available - $2, updated_at = $3
		WHERE user_id = $1 AND available >= $2`, userID, amount, at)
	if err != nil {
		return classify("debit wallet", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("debit %s: %w", userID, model.ErrInsufficientFunds)
	}
	return nil
}

func creditTx(ctx context.Context, tx *sql.Tx, userID string, amount int64, reference, description string, at time.Time) error {
	if amount <= 0 {
		return model.ErrInvalidAmount
	}
	if err := insertEntry(ctx, tx, userID, model.EntryCredit, amount, reference, description, at); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, available, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			available  = wallets.available + EXCLUDED.available,
			updated_at = EXCLUDED.updated_at`, userID, amount, at)
	if err != nil {
		return classify("credit wallet", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, userID string, kind model.EntryKind, amount int64, reference, description string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, kind, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		idgen.WithPrefix(idgen.PrefixEntry), userID, kind, amount, nullString(reference), description, at)
	return classify("record entry", err)
}
