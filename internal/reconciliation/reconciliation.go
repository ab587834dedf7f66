// Package reconciliation finds and removes duplicate payout records and
// recovers settlements that stopped partway.
//
// Duplicates can only exist among rows imported from before the uniqueness
// constraint, or if that constraint is ever lost. Cleanup never reverses a
// credit: it keeps the earliest record, deletes the rest, and reports what
// was credited in excess so an operator can decide on a compensating debit.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mbd888/wagerescrow/internal/logging"
	"github.com/mbd888/wagerescrow/internal/metrics"
	"github.com/mbd888/wagerescrow/internal/model"
	"github.com/mbd888/wagerescrow/internal/traces"
)

// Store reads and deletes payout records.
type Store interface {
	ListPayoutsByMatch(ctx context.Context, matchID string) ([]*model.PayoutRecord, error)
	ListPayoutMatchIDs(ctx context.Context) ([]string, error)
	DeletePayouts(ctx context.Context, ids []string) (int, error)
}

// DuplicateSet is every record paying one winner of one match, earliest
// first. Only sets with more than one record are reported.
type DuplicateSet struct {
	MatchID  string                `json:"matchId"`
	WinnerID string                `json:"winnerId"`
	Records  []*model.PayoutRecord `json:"records"`
}

// Counts is the result of cleaning one match.
type Counts struct {
	Removed int `json:"removed"`
	Kept    int `json:"kept"`
	// ExcessCredited sums the amounts of the removed records.
	ExcessCredited int64 `json:"excessCredited"`
}

// Summary is the result of cleaning every match.
type Summary struct {
	Processed      int   `json:"processed"`
	Removed        int   `json:"removed"`
	Kept           int   `json:"kept"`
	ExcessCredited int64 `json:"excessCredited"`
}

// Service performs duplicate detection and cleanup.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a reconciliation service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logging.Component(logger, "reconciliation"),
	}
}

// FindDuplicates groups a match's payout records by winner and returns the
// groups holding more than one record.
func (s *Service) FindDuplicates(ctx context.Context, matchID string) ([]DuplicateSet, error) {
	records, err := s.store.ListPayoutsByMatch(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("list payouts for %s: %w", matchID, err)
	}

	byWinner := make(map[string][]*model.PayoutRecord)
	for _, r := range records {
		byWinner[r.WinnerID] = append(byWinner[r.WinnerID], r)
	}

	var sets []DuplicateSet
	for winner, group := range byWinner {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return earlier(group[i], group[j]) })
		sets = append(sets, DuplicateSet{MatchID: matchID, WinnerID: winner, Records: group})
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].WinnerID < sets[j].WinnerID })
	return sets, nil
}

// earlier orders records by creation time, then id.
func earlier(a, b *model.PayoutRecord) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// RemoveDuplicates keeps the earliest record of every duplicate set for the
// match and deletes the rest. Running it again finds nothing to do.
func (s *Service) RemoveDuplicates(ctx context.Context, matchID string) (Counts, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.RemoveDuplicates", traces.MatchID(matchID))

	var counts Counts
	sets, err := s.FindDuplicates(ctx, matchID)
	if err != nil {
		traces.End(span, err)
		return counts, err
	}

	var drop []string
	for _, set := range sets {
		counts.Kept++
		for _, r := range set.Records[1:] {
			drop = append(drop, r.ID)
			counts.ExcessCredited += r.Amount
		}
		s.logger.Error("duplicate payout records",
			"match", matchID,
			"winner", set.WinnerID,
			"records", len(set.Records),
			"kept", set.Records[0].ID,
			"error", model.ErrInvariantViolation)
		metrics.InvariantViolationsTotal.WithLabelValues("duplicate_payout").Inc()
	}
	if len(drop) == 0 {
		span.End()
		return counts, nil
	}

	removed, err := s.store.DeletePayouts(ctx, drop)
	if err != nil {
		traces.End(span, err)
		return counts, fmt.Errorf("delete duplicate payouts for %s: %w", matchID, err)
	}
	counts.Removed = removed
	span.End()

	s.logger.Warn("duplicate payouts removed",
		"match", matchID,
		"removed", removed,
		"excess_credited", counts.ExcessCredited)
	return counts, nil
}

// CleanupMatch removes duplicates for one match. The settlement guard calls
// it as its post-check.
func (s *Service) CleanupMatch(ctx context.Context, matchID string) (int, error) {
	counts, err := s.RemoveDuplicates(ctx, matchID)
	return counts.Removed, err
}

// CleanupAll removes duplicates across every match that has a payout. A
// failure on one match is logged and the sweep continues.
func (s *Service) CleanupAll(ctx context.Context) (Summary, error) {
	var sum Summary
	ids, err := s.store.ListPayoutMatchIDs(ctx)
	if err != nil {
		return sum, fmt.Errorf("list matches with payouts: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		counts, err := s.RemoveDuplicates(ctx, id)
		if err != nil {
			s.logger.Warn("duplicate cleanup failed", "match", id, "error", err)
			continue
		}
		sum.Processed++
		sum.Removed += counts.Removed
		sum.Kept += counts.Kept
		sum.ExcessCredited += counts.ExcessCredited
	}
	return sum, nil
}
