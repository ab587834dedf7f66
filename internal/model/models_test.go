package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayoutFor(t *testing.T) {
	tests := []struct {
		name       string
		gross      int64
		feePercent int
		wantAmount int64
		wantFee    int64
	}{
		{"two stakes five percent", 2000, 5, 1900, 100},
		{"no fee", 1000, 0, 1000, 0},
		{"rounds winner share down", 333, 5, 316, 17},
		{"full fee", 500, 100, 0, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, fee := PayoutFor(tt.gross, tt.feePercent)
			assert.Equal(t, tt.wantAmount, amount)
			assert.Equal(t, tt.wantFee, fee)
			assert.Equal(t, tt.gross, amount+fee)
		})
	}
}

func TestEvidence_Validate(t *testing.T) {
	ok := []Evidence{
		{Kind: EvidenceScoreReport, ClaimedWinnerID: "a", Score: &ScoreReport{Own: 3, Opponent: 1}},
		{Kind: EvidenceScreenshot, ClaimedWinnerID: "a", ScreenshotURL: "https://cdn/x.png"},
		{Kind: EvidenceForfeit, ClaimedWinnerID: "b"},
		{Kind: EvidenceOther, ClaimedWinnerID: "a", Raw: json.RawMessage(`{"replay":"r1"}`)},
	}
	for _, e := range ok {
		assert.NoError(t, e.Validate(), e.Kind)
	}

	bad := []Evidence{
		{Kind: EvidenceScoreReport, ClaimedWinnerID: "a"},
		{Kind: EvidenceScreenshot, ClaimedWinnerID: "a"},
		{Kind: "video", ClaimedWinnerID: "a"},
		{Kind: EvidenceOther},
	}
	for _, e := range bad {
		err := e.Validate()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidEvidence))
	}
}

func TestMatch_SeatsAndClone(t *testing.T) {
	m := &Match{
		Sides:        2,
		SeatsPerSide: 1,
		Participants: []Participant{{UserID: "a", Side: 0}},
		Results:      map[int]*Submission{0: {SubmitterID: "a", Evidence: Evidence{Raw: json.RawMessage(`1`)}}},
	}
	assert.False(t, m.Full())
	assert.Equal(t, 1, m.SeatsTaken(0))

	cp := m.Clone()
	cp.Participants = append(cp.Participants, Participant{UserID: "b", Side: 1})
	cp.Results[0].SubmitterID = "changed"
	assert.Len(t, m.Participants, 1)
	assert.Equal(t, "a", m.Results[0].SubmitterID)
	assert.True(t, cp.Full())

	captain, ok := cp.Captain(1)
	require.True(t, ok)
	assert.Equal(t, "b", captain)
}

func TestIsBenign(t *testing.T) {
	assert.True(t, IsBenign(ErrAlreadyPaid))
	assert.True(t, IsBenign(errors.Join(errors.New("ctx"), ErrAlreadyResolved)))
	assert.False(t, IsBenign(ErrInsufficientFunds))
}

func TestCanSettle(t *testing.T) {
	base := func(status MatchStatus, winner string) *Match {
		return &Match{
			Status:       status,
			WinnerID:     winner,
			Participants: []Participant{{UserID: "a", Side: 0}, {UserID: "b", Side: 1}},
		}
	}

	tests := []struct {
		name    string
		match   *Match
		winner  string
		wantErr error
	}{
		{"in progress", base(MatchInProgress, ""), "a", nil},
		{"pending result", base(MatchPendingResult, ""), "b", nil},
		{"disputed", base(MatchDisputed, ""), "a", nil},
		{"completed same winner", base(MatchCompleted, "a"), "a", nil},
		{"completed other winner", base(MatchCompleted, "a"), "b", ErrWinnerMismatch},
		{"cancelled", base(MatchCancelled, ""), "a", ErrNotSettleable},
		{"awaiting opponent", base(MatchAwaitingOpponent, ""), "a", ErrNotSettleable},
		{"outsider", base(MatchInProgress, ""), "z", ErrNotParticipant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CanSettle(tt.match, tt.winner)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestSettleableGross(t *testing.T) {
	holds := []*Hold{
		{Amount: 500, Status: HoldActive},
		{Amount: 500, Status: HoldCaptured},
		{Amount: 700, Status: HoldReleased},
	}
	assert.Equal(t, int64(1000), SettleableGross(holds))
	assert.Equal(t, "payout:mch_1:alice", PayoutReference("mch_1", "alice"))
}
