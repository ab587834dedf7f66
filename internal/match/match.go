// Package match runs the wagered match state machine.
//
//	awaiting_opponent -> in_progress -> pending_result -> completed
//	                                            \-> disputed -> completed
//	any non-completed state -> cancelled
//
// The service owns every transition except completion, which it delegates to
// the settlement guard so that player agreement, evidence expiry and admin
// rulings all pay out through one exactly-once path. Transitions are written
// with an optimistic version check; the in-process keyed mutex only reduces
// contention between handlers in the same process.
package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/wagerescrow/internal/idgen"
	"github.com/mbd888/wagerescrow/internal/logging"
	"github.com/mbd888/wagerescrow/internal/metrics"
	"github.com/mbd888/wagerescrow/internal/model"
	"github.com/mbd888/wagerescrow/internal/notify"
	"github.com/mbd888/wagerescrow/internal/syncutil"
	"github.com/mbd888/wagerescrow/internal/traces"
)

// Store persists matches.
type Store interface {
	CreateMatch(ctx context.Context, m *model.Match) error
	GetMatch(ctx context.Context, id string) (*model.Match, error)
	UpdateMatch(ctx context.Context, m *model.Match, expectedVersion int64) error
	ListMatches(ctx context.Context, f model.MatchFilter) ([]*model.Match, error)
}

// Escrow places and returns stakes. *escrow.Manager implements it.
type Escrow interface {
	CreateHold(ctx context.Context, userID, matchID string, amount int64) (*model.Hold, error)
	ReleaseHold(ctx context.Context, hold *model.Hold) error
	ReleaseAll(ctx context.Context, matchID string) (int, error)
}

// Settler pays out a match. *settlement.Guard implements it.
type Settler interface {
	Settle(ctx context.Context, matchID, winnerID string, feePercent int) (*model.SettlementResult, error)
}

// Config bounds match creation and drives the lifecycle clocks.
type Config struct {
	DefaultFeePercent int
	MaxStake          int64
	JoinTimeout       time.Duration
	ResultDueAfter    time.Duration
	EvidenceWindow    time.Duration
}

const (
	maxSides        = 16
	maxSeatsPerSide = 16
	maxReasonLength = 256

	// conditional writes retried after a version conflict
	maxVersionRetries = 3
)

// CreateRequest describes a new match. Zero Sides and SeatsPerSide mean a
// one-on-one match; a nil FeePercent uses the configured default.
type CreateRequest struct {
	CreatorID    string `json:"-"`
	StakeAmount  int64  `json:"stakeAmount"`
	FeePercent   *int   `json:"feePercent,omitempty"`
	Sides        int    `json:"sides,omitempty"`
	SeatsPerSide int    `json:"seatsPerSide,omitempty"`
}

// Service is the match state machine.
type Service struct {
	store   Store
	escrow  Escrow
	settler Settler
	events  notify.Emitter
	locks   *syncutil.KeyedMutex
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a match service. events may be nil.
func NewService(store Store, escrow Escrow, settler Settler, events notify.Emitter, cfg Config, logger *slog.Logger) *Service {
	if events == nil {
		events = notify.Nop{}
	}
	return &Service{
		store:   store,
		escrow:  escrow,
		settler: settler,
		events:  events,
		locks:   syncutil.NewKeyedMutex(),
		cfg:     cfg,
		logger:  logging.Component(logger, "match"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// lock serialises transitions on one match within this process.
func (s *Service) lock(ctx context.Context, matchID string) (func(), error) {
	return s.locks.Lock(ctx, "match:"+matchID)
}

// Create opens a match and seats the creator on side 0. The creator's stake
// is held before the match is written; if the write fails the hold is
// released again.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Match, error) {
	if req.Sides == 0 {
		req.Sides = 2
	}
	if req.SeatsPerSide == 0 {
		req.SeatsPerSide = 1
	}
	fee := s.cfg.DefaultFeePercent
	if req.FeePercent != nil {
		fee = *req.FeePercent
	}
	switch {
	case req.CreatorID == "":
		return nil, fmt.Errorf("%w: creator required", model.ErrNotParticipant)
	case req.StakeAmount <= 0 || (s.cfg.MaxStake > 0 && req.StakeAmount > s.cfg.MaxStake):
		return nil, fmt.Errorf("%w: stake must be between 1 and %d", model.ErrInvalidAmount, s.cfg.MaxStake)
	case fee < 0 || fee > 100:
		return nil, fmt.Errorf("%w: fee percent must be between 0 and 100", model.ErrInvalidAmount)
	case req.Sides < 2 || req.Sides > maxSides:
		return nil, fmt.Errorf("%w: sides must be between 2 and %d", model.ErrInvalidSide, maxSides)
	case req.SeatsPerSide < 1 || req.SeatsPerSide > maxSeatsPerSide:
		return nil, fmt.Errorf("%w: seats per side must be between 1 and %d", model.ErrInvalidSide, maxSeatsPerSide)
	}

	ctx, span := traces.StartSpan(ctx, "match.Create", traces.UserID(req.CreatorID), traces.Amount(req.StakeAmount))
	now := s.now()
	m := &model.Match{
		ID:           idgen.WithPrefix(idgen.PrefixMatch),
		CreatedBy:    req.CreatorID,
		StakeAmount:  req.StakeAmount,
		FeePercent:   fee,
		Sides:        req.Sides,
		SeatsPerSide: req.SeatsPerSide,
		Participants: []model.Participant{{UserID: req.CreatorID, Side: 0, JoinedAt: now}},
		Status:       model.MatchAwaitingOpponent,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	hold, err := s.escrow.CreateHold(ctx, req.CreatorID, m.ID, req.StakeAmount)
	if err != nil {
		traces.End(span, err)
		return nil, err
	}
	if err := s.store.CreateMatch(ctx, m); err != nil {
		s.undoHold(ctx, hold)
		traces.End(span, err)
		return nil, fmt.Errorf("create match: %w", err)
	}
	span.End()

	metrics.MatchTransitionsTotal.WithLabelValues(string(model.MatchAwaitingOpponent)).Inc()
	logging.L(ctx).Info("match created", "match", m.ID, "creator", req.CreatorID, "stake", req.StakeAmount,
		"sides", m.Sides, "seats_per_side", m.SeatsPerSide)
	return m, nil
}

// undoHold returns a stake whose seat was never committed. If this fails too
// the stranded-hold sweep returns it later.
func (s *Service) undoHold(ctx context.Context, hold *model.Hold) {
	if err := s.escrow.ReleaseHold(ctx, hold); err != nil && !model.IsBenign(err) {
		logging.L(ctx).Warn("failed to release hold for uncommitted seat", "hold", hold.ID, "error", err)
	}
}

// Join seats userID on side and holds their stake. Filling the last seat
// starts the match.
func (s *Service) Join(ctx context.Context, matchID, userID string, side int) (*model.Match, error) {
	unlock, err := s.lock(ctx, matchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.MatchAwaitingOpponent {
		return nil, fmt.Errorf("%w: match is %s", model.ErrInvalidTransition, m.Status)
	}
	if side < 0 || side >= m.Sides {
		return nil, fmt.Errorf("%w: side %d", model.ErrInvalidSide, side)
	}
	if _, ok := m.Participant(userID); ok {
		return nil, model.ErrAlreadyJoined
	}
	if m.SeatsTaken(side) >= m.SeatsPerSide {
		return nil, model.ErrSideFull
	}

	hold, err := s.escrow.CreateHold(ctx, userID, matchID, m.StakeAmount)
	if err != nil {
		return nil, err
	}

	now := s.now()
	expected := m.Version
	m.Participants = append(m.Participants, model.Participant{UserID: userID, Side: side, JoinedAt: now})
	m.UpdatedAt = now
	started := m.Full()
	if started {
		due := now.Add(s.cfg.ResultDueAfter)
		m.Status = model.MatchInProgress
		m.StartedAt = &now
		m.ResultDueAt = &due
	}
	if err := s.store.UpdateMatch(ctx, m, expected); err != nil {
		s.undoHold(ctx, hold)
		return nil, fmt.Errorf("join match %s: %w", matchID, err)
	}

	logging.L(ctx).Info("player joined", "match", matchID, "user", userID, "side", side)
	if started {
		metrics.MatchTransitionsTotal.WithLabelValues(string(model.MatchInProgress)).Inc()
		s.events.Emit(ctx, notify.New(notify.EventMatchStarted, matchID, participantIDs(m), map[string]interface{}{
			"resultDueAt": m.ResultDueAt,
		}))
	}
	return m, nil
}

// MarkResultDue moves an in-progress match to pending_result and opens the
// evidence window.
func (s *Service) MarkResultDue(ctx context.Context, matchID string) (*model.Match, error) {
	unlock, err := s.lock(ctx, matchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.MatchInProgress {
		return nil, fmt.Errorf("%w: match is %s", model.ErrInvalidTransition, m.Status)
	}
	expected := m.Version
	s.openEvidenceWindow(m)
	if err := s.store.UpdateMatch(ctx, m, expected); err != nil {
		return nil, fmt.Errorf("mark result due %s: %w", matchID, err)
	}
	metrics.MatchTransitionsTotal.WithLabelValues(string(model.MatchPendingResult)).Inc()
	return m, nil
}

func (s *Service) openEvidenceWindow(m *model.Match) {
	now := s.now()
	deadline := now.Add(s.cfg.EvidenceWindow)
	m.Status = model.MatchPendingResult
	m.EvidenceDeadline = &deadline
	m.UpdatedAt = now
}

// SubmitResult records submitterID's side's claim. Once every side has
// submitted, agreement settles the match and disagreement disputes it.
func (s *Service) SubmitResult(ctx context.Context, matchID, submitterID string, ev model.Evidence) (*model.Match, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	unlock, err := s.lock(ctx, matchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	seat, ok := m.Participant(submitterID)
	if !ok {
		return nil, model.ErrNotParticipant
	}
	if _, ok := m.Participant(ev.ClaimedWinnerID); !ok {
		return nil, fmt.Errorf("%w: claimed winner %s is not in this match", model.ErrInvalidEvidence, ev.ClaimedWinnerID)
	}

	expected := m.Version
	switch m.Status {
	case model.MatchInProgress:
		s.openEvidenceWindow(m)
		metrics.MatchTransitionsTotal.WithLabelValues(string(model.MatchPendingResult)).Inc()
	case model.MatchPendingResult:
	default:
		return nil, fmt.Errorf("%w: match is %s", model.ErrInvalidTransition, m.Status)
	}

	if m.Results == nil {
		m.Results = make(map[int]*model.Submission)
	}
	m.Results[seat.Side] = &model.Submission{
		SubmitterID: submitterID,
		Side:        seat.Side,
		Evidence:    ev,
		SubmittedAt: s.now(),
	}
	m.UpdatedAt = s.now()

	if len(m.Results) < m.Sides {
		if err := s.store.UpdateMatch(ctx, m, expected); err != nil {
			return nil, fmt.Errorf("submit result %s: %w", matchID, err)
		}
		logging.L(ctx).Info("result submitted", "match", matchID, "side", seat.Side, "kind", ev.Kind)
		return m, nil
	}

	winner, agreed := agreedWinner(m)
	if !agreed {
		m.Status = model.MatchDisputed
		if err := s.store.UpdateMatch(ctx, m, expected); err != nil {
			return nil, fmt.Errorf("dispute match %s: %w", matchID, err)
		}
		s.disputed(ctx, m, "conflicting results")
		return m, nil
	}

	// Persist the final submission before settling so a failed settlement
	// can be finished by the evidence expiry sweep.
	if err := s.store.UpdateMatch(ctx, m, expected); err != nil {
		return nil, fmt.Errorf("submit result %s: %w", matchID, err)
	}
	return s.settle(ctx, m, winner, "results agree")
}

// ExpireEvidenceWindow decides a pending match whose evidence deadline has
// passed. A lone submission wins the match for the side that made it,
// whatever it claims. Several submissions settle only when they all name the
// same side; anything else is disputed.
func (s *Service) ExpireEvidenceWindow(ctx context.Context, matchID string) (*model.Match, error) {
	unlock, err := s.lock(ctx, matchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.MatchPendingResult {
		return nil, fmt.Errorf("%w: match is %s", model.ErrInvalidTransition, m.Status)
	}
	if m.EvidenceDeadline != nil && s.now().Before(*m.EvidenceDeadline) {
		return nil, fmt.Errorf("%w: evidence window open until %s", model.ErrInvalidTransition,
			m.EvidenceDeadline.Format(time.RFC3339))
	}

	if winner, ok := defaultWinner(m); ok {
		return s.settle(ctx, m, winner, "evidence window expired, one side submitted")
	}
	if winner, agreed := agreedWinner(m); agreed {
		return s.settle(ctx, m, winner, "evidence window expired")
	}

	expected := m.Version
	m.Status = model.MatchDisputed
	m.UpdatedAt = s.now()
	if err := s.store.UpdateMatch(ctx, m, expected); err != nil {
		return nil, fmt.Errorf("dispute match %s: %w", matchID, err)
	}
	reason := "no results by deadline"
	if len(m.Results) > 0 {
		reason = "conflicting results"
	}
	s.disputed(ctx, m, reason)
	return m, nil
}

func (s *Service) disputed(ctx context.Context, m *model.Match, reason string) {
	metrics.MatchTransitionsTotal.WithLabelValues(string(model.MatchDisputed)).Inc()
	logging.L(ctx).Info("match disputed", "match", m.ID, "reason", reason)
	s.events.Emit(ctx, notify.New(notify.EventMatchDisputed, m.ID, participantIDs(m), map[string]interface{}{
		"reason": reason,
	}))
}

// Resolve is the admin ruling. It goes through the same settlement guard as
// player agreement and may override a match still awaiting results.
func (s *Service) Resolve(ctx context.Context, matchID, winnerID, adminID string) (*model.Match, error) {
	unlock, err := s.lock(ctx, matchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Status == model.MatchAwaitingOpponent {
		return nil, fmt.Errorf("%w: match has not started", model.ErrNotSettleable)
	}
	logging.L(ctx).Info("admin ruling", "match", matchID, "winner", winnerID, "admin", adminID, "status", m.Status)
	return s.settle(ctx, m, winnerID, "admin ruling by "+adminID)
}

// settle hands the match to the settlement guard and returns it as stored
// afterwards. The caller holds the match lock.
func (s *Service) settle(ctx context.Context, m *model.Match, winnerID, reason string) (*model.Match, error) {
	res, err := s.settler.Settle(ctx, m.ID, winnerID, m.FeePercent)
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("match settlement finished", "match", m.ID, "winner", winnerID,
		"outcome", res.Outcome, "reason", reason)
	return s.store.GetMatch(ctx, m.ID)
}

// Cancel ends a match before completion and releases every active hold.
// The terminal status commits first, so a settlement racing this call
// either completed before it (ErrInvalidTransition) or finds the match
// cancelled and aborts. Cancelling twice reports ErrAlreadyResolved after
// retrying any release the first call could not finish.
func (s *Service) Cancel(ctx context.Context, matchID, reason, actor string) (*model.Match, error) {
	if len(reason) > maxReasonLength {
		reason = reason[:maxReasonLength]
	}
	unlock, err := s.lock(ctx, matchID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var m *model.Match
	for attempt := 0; ; attempt++ {
		m, err = s.store.GetMatch(ctx, matchID)
		if err != nil {
			return nil, err
		}
		switch m.Status {
		case model.MatchCancelled:
			if _, err := s.releaseAll(ctx, m); err != nil {
				return nil, err
			}
			return m, model.ErrAlreadyResolved
		case model.MatchCompleted:
			return nil, fmt.Errorf("%w: match already completed", model.ErrInvalidTransition)
		}

		expected := m.Version
		now := s.now()
		m.Status = model.MatchCancelled
		m.CancelledAt = &now
		m.CancelReason = reason
		m.UpdatedAt = now
		err = s.store.UpdateMatch(ctx, m, expected)
		if err == nil {
			break
		}
		if !errors.Is(err, model.ErrConcurrentUpdate) || attempt+1 >= maxVersionRetries {
			return nil, fmt.Errorf("cancel match %s: %w", matchID, err)
		}
	}

	metrics.MatchTransitionsTotal.WithLabelValues(string(model.MatchCancelled)).Inc()
	logging.L(ctx).Info("match cancelled", "match", matchID, "reason", reason, "actor", actor)
	released, err := s.releaseAll(ctx, m)
	s.events.Emit(ctx, notify.New(notify.EventMatchCancelled, matchID, participantIDs(m), map[string]interface{}{
		"reason":        reason,
		"holdsReleased": released,
	}))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) releaseAll(ctx context.Context, m *model.Match) (int, error) {
	released, err := s.escrow.ReleaseAll(ctx, m.ID)
	if err != nil {
		logging.L(ctx).Warn("cancelled match has unreleased holds", "match", m.ID, "error", err)
		return released, fmt.Errorf("release holds for %s: %w", m.ID, err)
	}
	return released, nil
}

// Get returns a match by id.
func (s *Service) Get(ctx context.Context, matchID string) (*model.Match, error) {
	return s.store.GetMatch(ctx, matchID)
}

// ListOpen returns matches waiting for players, newest first.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*model.Match, error) {
	return s.store.ListMatches(ctx, model.MatchFilter{Status: model.MatchAwaitingOpponent, Limit: limit})
}

// ListByUser returns matches userID is seated in, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*model.Match, error) {
	return s.store.ListMatches(ctx, model.MatchFilter{UserID: userID, Limit: limit})
}

// defaultWinner returns the captain of the only side that submitted.
func defaultWinner(m *model.Match) (string, bool) {
	if len(m.Results) != 1 {
		return "", false
	}
	for side := range m.Results {
		return m.Captain(side)
	}
	return "", false
}

// agreedWinner returns the captain of the side every submission names.
// Claims are compared by side so teammates naming each other still agree.
func agreedWinner(m *model.Match) (string, bool) {
	if len(m.Results) == 0 {
		return "", false
	}
	side := -1
	for _, sub := range m.Results {
		p, ok := m.Participant(sub.Evidence.ClaimedWinnerID)
		if !ok {
			return "", false
		}
		if side >= 0 && p.Side != side {
			return "", false
		}
		side = p.Side
	}
	return m.Captain(side)
}

func participantIDs(m *model.Match) []string {
	ids := make([]string, len(m.Participants))
	for i, p := range m.Participants {
		ids[i] = p.UserID
	}
	return ids
}
