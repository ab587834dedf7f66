package model

import (
	"fmt"
	"time"
)

// SettleOutcome classifies what a settlement call did.
type SettleOutcome string

const (
	OutcomeSettled     SettleOutcome = "settled"
	OutcomeAlreadyPaid SettleOutcome = "already_paid"
)

// SettleRequest is the input to both settlement strategies.
type SettleRequest struct {
	MatchID    string
	WinnerID   string
	FeePercent int
	PayoutID   string // pre-generated so a retried attempt reuses it
	At         time.Time
}

// PayoutReference is the ledger reference for a winner's credit. Both
// settlement paths use it, so the credit applies at most once.
func PayoutReference(matchID, winnerID string) string {
	return fmt.Sprintf("payout:%s:%s", matchID, winnerID)
}

// ReleaseReference is the ledger reference for returning a hold to its owner.
func ReleaseReference(holdID string) string {
	return "release:" + holdID
}

// SettlementResult reports the effect of a Settle call.
type SettlementResult struct {
	Outcome       SettleOutcome  `json:"outcome"`
	Path          SettlementPath `json:"path,omitempty"`
	Payout        *PayoutRecord  `json:"payout,omitempty"`
	HoldsCaptured int            `json:"holdsCaptured"`
	HoldConflicts int            `json:"holdConflicts"`
	Credited      bool           `json:"credited"`
}

// CanSettle applies the status rules shared by both settlement paths.
// A completed match is settleable only for its own winner, so a crashed
// non-atomic run can be finished.
func CanSettle(m *Match, winnerID string) error {
	if _, ok := m.Participant(winnerID); !ok {
		return fmt.Errorf("%w: %s", ErrNotParticipant, winnerID)
	}
	switch m.Status {
	case MatchInProgress, MatchPendingResult, MatchDisputed:
		return nil
	case MatchCompleted:
		if m.WinnerID != winnerID {
			return fmt.Errorf("%w: recorded winner %s", ErrWinnerMismatch, m.WinnerID)
		}
		return nil
	default:
		return fmt.Errorf("%w: status %s", ErrNotSettleable, m.Status)
	}
}

// SettleableGross sums the stakes that still back the pot: active and
// captured holds. Released holds were refunded and are excluded.
func SettleableGross(holds []*Hold) int64 {
	var gross int64
	for _, h := range holds {
		if h.Status != HoldReleased {
			gross += h.Amount
		}
	}
	return gross
}

// ParticipantHolds filters holds to those owned by seated participants.
// A hold left behind by a join that never committed belongs to nobody in
// the match and is released by the sweeper instead of settled.
func ParticipantHolds(m *Match, holds []*Hold) []*Hold {
	out := make([]*Hold, 0, len(holds))
	for _, h := range holds {
		if _, ok := m.Participant(h.UserID); ok {
			out = append(out, h)
		}
	}
	return out
}

// MatchFilter selects matches for listing.
type MatchFilter struct {
	Status      MatchStatus
	UserID      string
	Limit       int
	OldestFirst bool // sweeps page from the oldest match
}
