package memory

import (
	"context"
	"sort"

	"github.com/mbd888/wagerescrow/internal/idgen"
	"github.com/mbd888/wagerescrow/internal/model"
)

func (s *Store) Debit(_ context.Context, userID string, amount int64, reference, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("Debit"); err != nil {
		return err
	}
	return s.debitLocked(userID, amount, reference, description)
}

func (s *Store) Credit(_ context.Context, userID string, amount int64, reference, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("Credit"); err != nil {
		return err
	}
	return s.creditLocked(userID, amount, reference, description)
}

func (s *Store) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[userID]; ok {
		cp := *w
		return &cp, nil
	}
	return &model.Wallet{UserID: userID}, nil
}

func (s *Store) ListEntries(_ context.Context, userID string, limit int) ([]*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.entries[userID]
	out := make([]*model.LedgerEntry, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

// TotalAvailable sums every wallet. Tests use it for conservation checks.
func (s *Store) TotalAvailable() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, w := range s.wallets {
		total += w.Available
	}
	return total
}

// UserIDs lists wallets in a stable order.
func (s *Store) UserIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.wallets))
	for id := range s.wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// caller holds s.mu
func (s *Store) debitLocked(userID string, amount int64, reference, description string) error {
	if amount <= 0 {
		return model.ErrInvalidAmount
	}
	if reference != "" && s.references[reference] {
		return model.ErrDuplicateReference
	}
	w, ok := s.wallets[userID]
	if !ok || w.Available < amount {
		return model.ErrInsufficientFunds
	}
	w.Available -= amount
	w.UpdatedAt = s.now()
	s.appendEntry(userID, model.EntryDebit, amount, reference, description)
	return nil
}

// caller holds s.mu
func (s *Store) creditLocked(userID string, amount int64, reference, description string) error {
	if amount <= 0 {
		return model.ErrInvalidAmount
	}
	if reference != "" && s.references[reference] {
		return model.ErrDuplicateReference
	}
	w, ok := s.wallets[userID]
	if !ok {
		w = &model.Wallet{UserID: userID}
		s.wallets[userID] = w
	}
	w.Available += amount
	w.UpdatedAt = s.now()
	s.appendEntry(userID, model.EntryCredit, amount, reference, description)
	return nil
}

// caller holds s.mu
func (s *Store) appendEntry(userID string, kind model.EntryKind, amount int64, reference, description string) {
	if reference != "" {
		s.references[reference] = true
	}
	s.entries[userID] = append(s.entries[userID], &model.LedgerEntry{
		ID:          idgen.WithPrefix(idgen.PrefixEntry),
		UserID:      userID,
		Kind:        kind,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   s.now(),
	})
}
