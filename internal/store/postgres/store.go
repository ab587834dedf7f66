// Package postgres is the PostgreSQL storage backend. It implements the
// same store interfaces as the memory backend on top of database/sql and
// lib/pq, with the schema from the migrations directory.
//
// Driver failures are wrapped with model.ErrPersistence so callers can retry
// them; constraint violations the domain cares about are mapped to their
// sentinel errors instead.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/wagerescrow/internal/model"
)

// Custom SQLSTATEs raised by settle_match.
const (
	codeMatchNotFound  = "WE404"
	codeNotParticipant = "WE403"
	codeWinnerMismatch = "WE409"
	codeNotSettleable  = "WE422"

	codeUniqueViolation = "23505"
	codeCheckViolation  = "23514"
)

// Store implements the ledger, escrow, match, settlement and reconciliation
// store interfaces.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle. The schema must already be migrated.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// PingContext satisfies health.Pinger.
func (s *Store) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SupportsAtomicSettlement reports whether the settle_match function is
// installed.
func (s *Store) SupportsAtomicSettlement(ctx context.Context) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_proc WHERE proname = 'settle_match')`).Scan(&ok)
	if err != nil {
		return false, classify("check settle_match", err)
	}
	return ok, nil
}

// classify maps a driver error to a domain error. Anything not recognised
// is treated as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeMatchNotFound:
			return fmt.Errorf("%s: %w", op, model.ErrMatchNotFound)
		case codeNotParticipant:
			return fmt.Errorf("%s: %w: %s", op, model.ErrNotParticipant, pqErr.Message)
		case codeWinnerMismatch:
			return fmt.Errorf("%s: %w: %s", op, model.ErrWinnerMismatch, pqErr.Message)
		case codeNotSettleable:
			return fmt.Errorf("%s: %w: %s", op, model.ErrNotSettleable, pqErr.Message)
		case codeCheckViolation:
			if pqErr.Table == "wallets" {
				return fmt.Errorf("%s: %w", op, model.ErrInsufficientFunds)
			}
		case codeUniqueViolation:
			switch pqErr.Constraint {
			case "ledger_entries_reference_key", "holds_pkey":
				return fmt.Errorf("%s: %w", op, model.ErrDuplicateReference)
			case "idx_holds_one_active_per_user":
				return fmt.Errorf("%s: %w", op, model.ErrAlreadyJoined)
			case "idx_payout_records_once", "payout_records_pkey":
				return fmt.Errorf("%s: %w", op, model.ErrDuplicatePayout)
			}
		}
	}
	return fmt.Errorf("%s: %w: %v", op, model.ErrPersistence, err)
}

// inTx runs fn in a transaction. fn classifies its own errors.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op+": begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(op+": commit", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// limitOrAll turns a non-positive limit into NULL, which LIMIT reads as
// no limit.
func limitOrAll(limit int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
}
