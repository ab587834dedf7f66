// Package memory is the in-process storage backend, used when no
// DATABASE_URL is configured and by unit tests.
//
// One mutex guards every aggregate, so each method is a transaction and
// SettleAtomic is genuinely atomic across match, holds, wallet and payout.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/wagerescrow/internal/model"
)

// Store implements the ledger, escrow, match, settlement and reconciliation
// store interfaces.
type Store struct {
	mu sync.Mutex

	wallets    map[string]*model.Wallet
	entries    map[string][]*model.LedgerEntry
	references map[string]bool

	holds        map[string]*model.Hold
	holdsByMatch map[string][]string

	matches map[string]*model.Match

	payouts []*model.PayoutRecord

	atomic bool
	faults map[string]*fault
	now    func() time.Time
}

type fault struct {
	err   error
	times int
}

// Option configures a Store.
type Option func(*Store)

// WithoutAtomicSettlement makes SupportsAtomicSettlement report false, as a
// database without the settle_match function would.
func WithoutAtomicSettlement() Option {
	return func(s *Store) { s.atomic = false }
}

// WithClock overrides the clock used for ledger entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		wallets:      make(map[string]*model.Wallet),
		entries:      make(map[string][]*model.LedgerEntry),
		references:   make(map[string]bool),
		holds:        make(map[string]*model.Hold),
		holdsByMatch: make(map[string][]string),
		matches:      make(map[string]*model.Match),
		atomic:       true,
		faults:       make(map[string]*fault),
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FailNext makes the next n calls of op fail with err before touching any
// state. Tests use it to simulate transient outages and mid-sequence crashes.
// op is the method name, e.g. "Credit" or "SettleAtomic".
func (s *Store) FailNext(op string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{err: err, times: n}
}

// caller holds s.mu
func (s *Store) injected(op string) error {
	f, ok := s.faults[op]
	if !ok || f.times <= 0 {
		return nil
	}
	f.times--
	return fmt.Errorf("memory %s: %w", op, f.err)
}

// Ping satisfies health.Pinger.
func (s *Store) Ping(context.Context) error { return nil }

// PingContext satisfies health.Pinger.
func (s *Store) PingContext(ctx context.Context) error { return s.Ping(ctx) }

// SupportsAtomicSettlement reports whether SettleAtomic may be used.
func (s *Store) SupportsAtomicSettlement(context.Context) (bool, error) {
	return s.atomic, nil
}
