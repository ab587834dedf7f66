package model

import "errors"

// Funds and escrow.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrDuplicateReference = errors.New("ledger reference already applied")
	ErrHoldNotFound       = errors.New("hold not found")
	ErrAlreadyResolved    = errors.New("already resolved")
	ErrHoldConflict       = errors.New("hold resolved by another path")
)

// Matches.
var (
	ErrMatchNotFound     = errors.New("match not found")
	ErrInvalidTransition = errors.New("invalid match status for this operation")
	ErrConcurrentUpdate  = errors.New("match was modified concurrently")
	ErrSideFull          = errors.New("side has no free seat")
	ErrInvalidSide       = errors.New("invalid side")
	ErrAlreadyJoined     = errors.New("user already joined this match")
	ErrNotParticipant    = errors.New("user is not a participant of this match")
	ErrInvalidEvidence   = errors.New("invalid evidence")
)

// Settlement.
var (
	ErrAlreadyPaid     = errors.New("payout already recorded")
	ErrNotSettleable   = errors.New("match cannot be settled in its current status")
	ErrWinnerMismatch  = errors.New("match already completed with a different winner")
	ErrDuplicatePayout = errors.New("payout record violates uniqueness")
	ErrPayoutNotFound  = errors.New("payout record not found")
)

// ErrPersistence marks transient storage failures. Stores wrap driver errors
// with it so callers can retry; retries are safe behind the settlement pre-check.
var ErrPersistence = errors.New("persistence failure")

// ErrInvariantViolation means a core guarantee failed: a duplicate payout was
// found outside the guarded path, or a hold was resolved twice.
var ErrInvariantViolation = errors.New("invariant violation")

// IsBenign reports whether err is an idempotency signal rather than a failure.
func IsBenign(err error) bool {
	return errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrAlreadyPaid)
}
