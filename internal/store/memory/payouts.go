package memory

import (
	"context"
	"sort"

	"github.com/mbd888/wagerescrow/internal/model"
	"github.com/mbd888/wagerescrow/internal/pagination"
)

// FindPayout returns the earliest payout record for (matchID, winnerID).
func (s *Store) FindPayout(_ context.Context, matchID, winnerID string) (*model.PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("FindPayout"); err != nil {
		return nil, err
	}
	p := s.findPayoutLocked(matchID, winnerID)
	if p == nil {
		return nil, model.ErrPayoutNotFound
	}
	cp := *p
	return &cp, nil
}

// caller holds s.mu
func (s *Store) findPayoutLocked(matchID, winnerID string) *model.PayoutRecord {
	var found *model.PayoutRecord
	for _, p := range s.payouts {
		if p.MatchID == matchID && p.WinnerID == winnerID {
			if found == nil || earlier(p, found) {
				found = p
			}
		}
	}
	return found
}

func earlier(a, b *model.PayoutRecord) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// InsertPayout enforces the (match, winner) uniqueness that the database
// expresses as a partial unique index: legacy rows are exempt.
func (s *Store) InsertPayout(_ context.Context, p *model.PayoutRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("InsertPayout"); err != nil {
		return err
	}
	return s.insertPayoutLocked(p)
}

// caller holds s.mu
func (s *Store) insertPayoutLocked(p *model.PayoutRecord) error {
	if p.Path != model.PathLegacy {
		for _, q := range s.payouts {
			if q.MatchID == p.MatchID && q.WinnerID == p.WinnerID && q.Path != model.PathLegacy {
				return model.ErrDuplicatePayout
			}
		}
	}
	cp := *p
	s.payouts = append(s.payouts, &cp)
	return nil
}

func (s *Store) ListPayoutsByMatch(_ context.Context, matchID string) ([]*model.PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.PayoutRecord
	for _, p := range s.payouts {
		if p.MatchID == matchID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return earlier(out[i], out[j]) })
	return out, nil
}

// ListPayouts pages through every payout, newest first. The cursor is the
// last row of the previous page.
func (s *Store) ListPayouts(_ context.Context, after *pagination.Cursor, limit int) ([]*model.PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*model.PayoutRecord, 0, len(s.payouts))
	for _, p := range s.payouts {
		cp := *p
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return earlier(all[j], all[i]) })

	out := make([]*model.PayoutRecord, 0, limit)
	for _, p := range all {
		if after != nil && !beforeCursor(p, after) {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func beforeCursor(p *model.PayoutRecord, c *pagination.Cursor) bool {
	if p.CreatedAt.Equal(c.CreatedAt) {
		return p.ID < c.ID
	}
	return p.CreatedAt.Before(c.CreatedAt)
}

// ListPayoutMatchIDs returns every match with at least one payout record.
func (s *Store) ListPayoutMatchIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	for _, p := range s.payouts {
		if !seen[p.MatchID] {
			seen[p.MatchID] = true
			ids = append(ids, p.MatchID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DeletePayouts removes records by id and reports how many existed.
func (s *Store) DeletePayouts(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("DeletePayouts"); err != nil {
		return 0, err
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.payouts[:0]
	removed := 0
	for _, p := range s.payouts {
		if drop[p.ID] {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	s.payouts = kept
	return removed, nil
}
