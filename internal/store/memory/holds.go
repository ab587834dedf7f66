package memory

import (
	"context"
	"sort"
	"time"

	"github.com/mbd888/wagerescrow/internal/model"
)

// CreateHold debits the owner and records the hold in one step.
func (s *Store) CreateHold(_ context.Context, h *model.Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateHold"); err != nil {
		return err
	}

	if _, exists := s.holds[h.ID]; exists {
		return model.ErrDuplicateReference
	}
	for _, id := range s.holdsByMatch[h.MatchID] {
		if other := s.holds[id]; other.UserID == h.UserID && other.IsActive() {
			return model.ErrAlreadyJoined
		}
	}
	if err := s.debitLocked(h.UserID, h.Amount, "hold:"+h.ID, "stake for match "+h.MatchID); err != nil {
		return err
	}
	cp := *h
	s.holds[h.ID] = &cp
	s.holdsByMatch[h.MatchID] = append(s.holdsByMatch[h.MatchID], h.ID)
	return nil
}

func (s *Store) GetHold(_ context.Context, id string) (*model.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[id]
	if !ok {
		return nil, model.ErrHoldNotFound
	}
	cp := *h
	return &cp, nil
}

// CaptureHold moves an active hold to captured. Nobody is credited.
func (s *Store) CaptureHold(_ context.Context, id string, at time.Time) (*model.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CaptureHold"); err != nil {
		return nil, err
	}
	h, err := s.resolveLocked(id, model.HoldCaptured, at)
	if err != nil {
		return h, err
	}
	cp := *h
	return &cp, nil
}

// ReleaseHold moves an active hold to released and credits the owner with
// the release reference, in one step.
func (s *Store) ReleaseHold(_ context.Context, id string, at time.Time) (*model.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ReleaseHold"); err != nil {
		return nil, err
	}
	h, err := s.resolveLocked(id, model.HoldReleased, at)
	if err != nil {
		return h, err
	}
	if err := s.creditLocked(h.UserID, h.Amount, model.ReleaseReference(h.ID), "refund for match "+h.MatchID); err != nil {
		// roll back the transition so the call leaves no trace
		h.Status = model.HoldActive
		h.ResolvedAt = nil
		return nil, err
	}
	cp := *h
	return &cp, nil
}

// caller holds s.mu; on ErrAlreadyResolved returns a copy of the hold
func (s *Store) resolveLocked(id string, to model.HoldStatus, at time.Time) (*model.Hold, error) {
	h, ok := s.holds[id]
	if !ok {
		return nil, model.ErrHoldNotFound
	}
	if !h.IsActive() {
		cp := *h
		return &cp, model.ErrAlreadyResolved
	}
	h.Status = to
	h.ResolvedAt = &at
	return h, nil
}

func (s *Store) ListHoldsByMatch(_ context.Context, matchID string) ([]*model.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holdsForMatchLocked(matchID), nil
}

// caller holds s.mu
func (s *Store) holdsForMatchLocked(matchID string) []*model.Hold {
	ids := s.holdsByMatch[matchID]
	out := make([]*model.Hold, 0, len(ids))
	for _, id := range ids {
		cp := *s.holds[id]
		out = append(out, &cp)
	}
	return out
}

// ListStrandedHolds returns active holds that no settlement will ever
// consume: holds on cancelled matches, and holds created before olderThan
// whose owner never became a participant.
func (s *Store) ListStrandedHolds(_ context.Context, olderThan time.Time, limit int) ([]*model.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Hold
	for _, h := range s.holds {
		if !h.IsActive() {
			continue
		}
		m, ok := s.matches[h.MatchID]
		stranded := false
		switch {
		case ok && m.Status == model.MatchCancelled:
			stranded = true
		case h.CreatedAt.Before(olderThan):
			if !ok {
				stranded = true
			} else if _, seated := m.Participant(h.UserID); !seated {
				stranded = true
			}
		}
		if stranded {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
