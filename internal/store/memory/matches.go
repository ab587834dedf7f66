package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mbd888/wagerescrow/internal/model"
)

func (s *Store) CreateMatch(_ context.Context, m *model.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateMatch"); err != nil {
		return err
	}
	if _, exists := s.matches[m.ID]; exists {
		return fmt.Errorf("match %s already exists", m.ID)
	}
	s.matches[m.ID] = m.Clone()
	return nil
}

func (s *Store) GetMatch(_ context.Context, id string) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, model.ErrMatchNotFound
	}
	return m.Clone(), nil
}

// UpdateMatch replaces the match if its stored version equals
// expectedVersion, bumping the version on m.
func (s *Store) UpdateMatch(_ context.Context, m *model.Match, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpdateMatch"); err != nil {
		return err
	}
	cur, ok := s.matches[m.ID]
	if !ok {
		return model.ErrMatchNotFound
	}
	if cur.Version != expectedVersion {
		return model.ErrConcurrentUpdate
	}
	m.Version = expectedVersion + 1
	s.matches[m.ID] = m.Clone()
	return nil
}

// CompleteMatch marks the match completed with winnerID unless another
// writer already moved it somewhere incompatible. Completing an
// already-completed match with the same winner is a no-op.
func (s *Store) CompleteMatch(_ context.Context, matchID, winnerID string, at time.Time) (*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CompleteMatch"); err != nil {
		return nil, err
	}
	m, ok := s.matches[matchID]
	if !ok {
		return nil, model.ErrMatchNotFound
	}
	if err := model.CanSettle(m, winnerID); err != nil {
		return nil, err
	}
	if m.Status != model.MatchCompleted {
		completeLocked(m, winnerID, at)
	}
	return m.Clone(), nil
}

func completeLocked(m *model.Match, winnerID string, at time.Time) {
	m.Status = model.MatchCompleted
	m.WinnerID = winnerID
	m.CompletedAt = &at
	m.UpdatedAt = at
	m.Version++
}

// ListMatches returns matches newest first unless f.OldestFirst is set.
func (s *Store) ListMatches(_ context.Context, f model.MatchFilter) ([]*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Match
	for _, m := range s.matches {
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.UserID != "" {
			if _, ok := m.Participant(f.UserID); !ok {
				continue
			}
		}
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if f.OldestFirst {
			a, b = b, a
		}
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID > b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ListUnpaidCompleted returns completed matches that have no payout record
// for their winner: a non-atomic settlement stopped partway.
func (s *Store) ListUnpaidCompleted(_ context.Context, limit int) ([]*model.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Match
	for _, m := range s.matches {
		if m.Status != model.MatchCompleted {
			continue
		}
		if s.findPayoutLocked(m.ID, m.WinnerID) == nil {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
