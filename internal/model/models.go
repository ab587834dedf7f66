// Package model defines the data types shared by the ledger, escrow, match,
// settlement and reconciliation packages and their storage backends.
//
// All amounts are int64 minor currency units.
package model

import (
	"encoding/json"
	"time"
)

// Wallet is a user's spendable balance.
type Wallet struct {
	UserID    string    `json:"userId"`
	Available int64     `json:"available"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EntryKind is the direction of a ledger entry.
type EntryKind string

const (
	EntryCredit EntryKind = "credit"
	EntryDebit  EntryKind = "debit"
)

// LedgerEntry is an append-only record of one wallet mutation.
type LedgerEntry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Kind        EntryKind `json:"kind"`
	Amount      int64     `json:"amount"`
	Reference   string    `json:"reference,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// HoldStatus is the lifecycle state of an escrow hold.
type HoldStatus string

const (
	HoldActive   HoldStatus = "active"
	HoldReleased HoldStatus = "released" // returned to the owner
	HoldCaptured HoldStatus = "captured" // consumed by a payout
)

// Hold is a stake debited from a wallet and earmarked for one match.
type Hold struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	MatchID    string     `json:"matchId"`
	Amount     int64      `json:"amount"`
	Status     HoldStatus `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// IsActive reports whether the hold still carries an unresolved liability.
func (h *Hold) IsActive() bool { return h.Status == HoldActive }

// MatchStatus is the lifecycle state of a wagered match.
type MatchStatus string

const (
	MatchAwaitingOpponent MatchStatus = "awaiting_opponent"
	MatchInProgress       MatchStatus = "in_progress"
	MatchPendingResult    MatchStatus = "pending_result"
	MatchDisputed         MatchStatus = "disputed"
	MatchCompleted        MatchStatus = "completed"
	MatchCancelled        MatchStatus = "cancelled"
)

// Participant is a user seated on one side of a match.
type Participant struct {
	UserID   string    `json:"userId"`
	Side     int       `json:"side"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Match is a wagered match between two or more sides.
type Match struct {
	ID               string              `json:"id"`
	CreatedBy        string              `json:"createdBy"`
	StakeAmount      int64               `json:"stakeAmount"`
	FeePercent       int                 `json:"feePercent"`
	Sides            int                 `json:"sides"`
	SeatsPerSide     int                 `json:"seatsPerSide"`
	Participants     []Participant       `json:"participants"`
	Results          map[int]*Submission `json:"results,omitempty"`
	Status           MatchStatus         `json:"status"`
	WinnerID         string              `json:"winnerId,omitempty"`
	CancelReason     string              `json:"cancelReason,omitempty"`
	Version          int64               `json:"version"`
	CreatedAt        time.Time           `json:"createdAt"`
	StartedAt        *time.Time          `json:"startedAt,omitempty"`
	ResultDueAt      *time.Time          `json:"resultDueAt,omitempty"`
	EvidenceDeadline *time.Time          `json:"evidenceDeadline,omitempty"`
	CompletedAt      *time.Time          `json:"completedAt,omitempty"`
	CancelledAt      *time.Time          `json:"cancelledAt,omitempty"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// Participant returns the seat held by userID, if any.
func (m *Match) Participant(userID string) (Participant, bool) {
	for _, p := range m.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// SeatsTaken counts participants on a side.
func (m *Match) SeatsTaken(side int) int {
	n := 0
	for _, p := range m.Participants {
		if p.Side == side {
			n++
		}
	}
	return n
}

// Full reports whether every seat on every side is taken.
func (m *Match) Full() bool {
	return len(m.Participants) >= m.Sides*m.SeatsPerSide
}

// Captain returns the first user to join a side. Payouts for a side go to its captain.
func (m *Match) Captain(side int) (string, bool) {
	for _, p := range m.Participants {
		if p.Side == side {
			return p.UserID, true
		}
	}
	return "", false
}

// Clone returns a deep copy so callers can mutate without racing the store.
func (m *Match) Clone() *Match {
	cp := *m
	cp.Participants = append([]Participant(nil), m.Participants...)
	if m.Results != nil {
		cp.Results = make(map[int]*Submission, len(m.Results))
		for side, s := range m.Results {
			sc := *s
			sc.Evidence.Raw = append(json.RawMessage(nil), s.Evidence.Raw...)
			cp.Results[side] = &sc
		}
	}
	return &cp
}

// SettlementPath identifies which code path wrote a payout record.
type SettlementPath string

const (
	PathPrimary  SettlementPath = "primary"
	PathFallback SettlementPath = "fallback"
	PathLegacy   SettlementPath = "legacy" // imported history, predates the uniqueness constraint
)

// PayoutRecord is the durable settlement receipt. At most one exists per
// (MatchID, WinnerID) on the guarded paths.
type PayoutRecord struct {
	ID          string         `json:"id"`
	MatchID     string         `json:"matchId"`
	WinnerID    string         `json:"winnerId"`
	Amount      int64          `json:"amount"`
	FeeDeducted int64          `json:"feeDeducted"`
	Path        SettlementPath `json:"path"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// PayoutFor splits a gross pot into the winner's amount and the platform fee.
// The winner's share is rounded down to the minor unit.
func PayoutFor(gross int64, feePercent int) (amount, fee int64) {
	amount = gross * int64(100-feePercent) / 100
	return amount, gross - amount
}
