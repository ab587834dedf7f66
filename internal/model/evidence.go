package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EvidenceKind tags the variant carried by an Evidence value.
type EvidenceKind string

const (
	EvidenceScoreReport EvidenceKind = "score_report"
	EvidenceScreenshot  EvidenceKind = "screenshot"
	EvidenceForfeit     EvidenceKind = "forfeit"
	EvidenceOther       EvidenceKind = "other"
)

// ScoreReport is a submitter's view of the final score.
type ScoreReport struct {
	Own      int `json:"own"`
	Opponent int `json:"opponent"`
}

// Evidence is a result claim from one side. Only ClaimedWinnerID drives the
// state machine; Raw is passed through untouched for reviewers.
type Evidence struct {
	Kind            EvidenceKind    `json:"kind"`
	ClaimedWinnerID string          `json:"claimedWinnerId"`
	Score           *ScoreReport    `json:"score,omitempty"`
	ScreenshotURL   string          `json:"screenshotUrl,omitempty"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// Validate checks that the variant fields match the kind.
func (e Evidence) Validate() error {
	if e.ClaimedWinnerID == "" {
		return fmt.Errorf("%w: claimedWinnerId is required", ErrInvalidEvidence)
	}
	switch e.Kind {
	case EvidenceScoreReport:
		if e.Score == nil {
			return fmt.Errorf("%w: score_report requires score", ErrInvalidEvidence)
		}
		if e.Score.Own < 0 || e.Score.Opponent < 0 {
			return fmt.Errorf("%w: negative score", ErrInvalidEvidence)
		}
	case EvidenceScreenshot:
		if e.ScreenshotURL == "" {
			return fmt.Errorf("%w: screenshot requires screenshotUrl", ErrInvalidEvidence)
		}
	case EvidenceForfeit, EvidenceOther:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvidence, e.Kind)
	}
	return nil
}

// Submission is the evidence one side submitted for a match.
type Submission struct {
	SubmitterID string    `json:"submitterId"`
	Side        int       `json:"side"`
	Evidence    Evidence  `json:"evidence"`
	SubmittedAt time.Time `json:"submittedAt"`
}
