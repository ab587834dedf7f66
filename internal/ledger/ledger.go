// Package ledger tracks each user's spendable wallet balance.
//
// Every Debit and Credit writes a balance change and an append-only ledger
// entry in one storage transaction. Balances never go negative; a debit that
// would overdraw fails with model.ErrInsufficientFunds. A credit carrying a
// reference applies at most once, which is how settlement and refunds stay
// exactly-once across retries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/wagerescrow/internal/logging"
	"github.com/mbd888/wagerescrow/internal/model"
	"github.com/mbd888/wagerescrow/internal/traces"
)

// Store persists wallets and ledger entries. Implementations must make
// Debit linearizable per wallet and reject a reused non-empty reference with
// model.ErrDuplicateReference.
type Store interface {
	Debit(ctx context.Context, userID string, amount int64, reference, description string) error
	Credit(ctx context.Context, userID string, amount int64, reference, description string) error
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	ListEntries(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error)
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Service is the wallet ledger.
type Service struct {
	store Store
}

// New creates a ledger service.
func New(store Store) *Service {
	return &Service{store: store}
}

// Debit removes amount from a wallet.
func (s *Service) Debit(ctx context.Context, userID string, amount int64, reference, description string) error {
	if amount <= 0 {
		return model.ErrInvalidAmount
	}
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "ledger.Debit", traces.UserID(userID), traces.Amount(amount))
	err := s.store.Debit(ctx, userID, amount, reference, description)
	traces.End(span, err)
	observe("debit", start, err)
	if err != nil {
		return fmt.Errorf("debit %s: %w", userID, err)
	}
	return nil
}

// Credit adds amount to a wallet. It is never refused for a positive amount;
// a reused reference returns model.ErrDuplicateReference so callers know the
// credit was already applied.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, reference, description string) error {
	if amount <= 0 {
		return model.ErrInvalidAmount
	}
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "ledger.Credit", traces.UserID(userID), traces.Amount(amount))
	err := s.store.Credit(ctx, userID, amount, reference, description)
	if errors.Is(err, model.ErrDuplicateReference) {
		span.End()
		observe("credit_duplicate", start, nil)
		logging.L(ctx).Info("credit already applied", "user", userID, "reference", reference)
		return err
	}
	traces.End(span, err)
	observe("credit", start, err)
	if err != nil {
		return fmt.Errorf("credit %s: %w", userID, err)
	}
	return nil
}

// Deposit credits an out-of-band deposit confirmed by an operator.
// The reference (a bank transfer ID, say) makes replays harmless.
func (s *Service) Deposit(ctx context.Context, userID string, amount int64, reference string) error {
	if reference == "" {
		return fmt.Errorf("%w: deposit reference is required", model.ErrInvalidAmount)
	}
	return s.Credit(ctx, userID, amount, "deposit:"+reference, "deposit")
}

// GetBalance returns the wallet; users with no history have a zero balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (*model.Wallet, error) {
	return s.store.GetWallet(ctx, userID)
}

// History returns the most recent entries, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*model.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.store.ListEntries(ctx, userID, limit)
}
