package match

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/wagerescrow/internal/auth"
	"github.com/mbd888/wagerescrow/internal/escrow"
	"github.com/mbd888/wagerescrow/internal/ledger"
	"github.com/mbd888/wagerescrow/internal/logging"
	"github.com/mbd888/wagerescrow/internal/model"
	"github.com/mbd888/wagerescrow/internal/notify"
	"github.com/mbd888/wagerescrow/internal/retry"
	"github.com/mbd888/wagerescrow/internal/settlement"
	"github.com/mbd888/wagerescrow/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	store  *memory.Store
	ledger *ledger.Service
	escrow *escrow.Manager
	guard  *settlement.Guard
	events *notify.Recorder
	clock  *fakeClock
	svc    *Service
}

var testConfig = Config{
	DefaultFeePercent: 5,
	MaxStake:          1_000_000,
	JoinTimeout:       30 * time.Minute,
	ResultDueAfter:    time.Hour,
	EvidenceWindow:    15 * time.Minute,
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	fast := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	store := memory.New()
	events := notify.NewRecorder(128)
	esc := escrow.NewManager(store, events, logging.Discard()).WithRetryPolicy(fast)
	guard := settlement.NewGuard(store, settlement.NewPrimary(store), events, logging.Discard()).WithRetryPolicy(fast)
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	svc := NewService(store, esc, guard, events, testConfig, logging.Discard())
	svc.now = clock.Now

	return &testEnv{
		store:  store,
		ledger: ledger.New(store),
		escrow: esc,
		guard:  guard,
		events: events,
		clock:  clock,
		svc:    svc,
	}
}

func (e *testEnv) fund(t *testing.T, user string, amount int64) {
	t.Helper()
	require.NoError(t, e.ledger.Credit(context.Background(), user, amount, "", "seed"))
}

func (e *testEnv) balance(t *testing.T, user string) int64 {
	t.Helper()
	w, err := e.ledger.GetBalance(context.Background(), user)
	require.NoError(t, err)
	return w.Available
}

// startMatch creates a one-on-one match between alice and bob with stake.
func (e *testEnv) startMatch(t *testing.T, stake int64) *model.Match {
	t.Helper()
	e.fund(t, "alice", stake)
	e.fund(t, "bob", stake)
	m, err := e.svc.Create(context.Background(), CreateRequest{CreatorID: "alice", StakeAmount: stake})
	require.NoError(t, err)
	m, err = e.svc.Join(context.Background(), m.ID, "bob", 1)
	require.NoError(t, err)
	require.Equal(t, model.MatchInProgress, m.Status)
	return m
}

func claim(winner string) model.Evidence {
	return model.Evidence{
		Kind:            model.EvidenceScoreReport,
		ClaimedWinnerID: winner,
		Score:           &model.ScoreReport{Own: 3, Opponent: 1},
	}
}

func TestScenario_AgreedResultSettles(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 1000)

	m, err := env.svc.Create(ctx, CreateRequest{CreatorID: "alice", StakeAmount: 1000})
	require.NoError(t, err)
	assert.Equal(t, model.MatchAwaitingOpponent, m.Status)
	assert.Equal(t, 5, m.FeePercent)
	assert.Equal(t, int64(0), env.balance(t, "alice"))

	holds, _ := env.escrow.ListByMatch(ctx, m.ID)
	require.Len(t, holds, 1)
	assert.Equal(t, model.HoldActive, holds[0].Status)

	m, err = env.svc.Join(ctx, m.ID, "bob", 1)
	require.NoError(t, err)
	assert.Equal(t, model.MatchInProgress, m.Status)
	assert.Equal(t, int64(0), env.balance(t, "bob"))
	require.NotNil(t, m.ResultDueAt)
	assert.Equal(t, env.clock.Now().Add(time.Hour), *m.ResultDueAt)

	m, err = env.svc.SubmitResult(ctx, m.ID, "alice", claim("alice"))
	require.NoError(t, err)
	assert.Equal(t, model.MatchPendingResult, m.Status)

	m, err = env.svc.SubmitResult(ctx, m.ID, "bob", model.Evidence{Kind: model.EvidenceForfeit, ClaimedWinnerID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, model.MatchCompleted, m.Status)
	assert.Equal(t, "alice", m.WinnerID)

	assert.Equal(t, int64(1900), env.balance(t, "alice"))
	assert.Equal(t, int64(0), env.balance(t, "bob"))

	holds, _ = env.escrow.ListByMatch(ctx, m.ID)
	for _, h := range holds {
		assert.Equal(t, model.HoldCaptured, h.Status)
	}
	payouts, _ := env.guard.PayoutsForMatch(ctx, m.ID)
	require.Len(t, payouts, 1)
	assert.Equal(t, int64(1900), payouts[0].Amount)

	assert.Contains(t, env.events.Types(), notify.EventMatchStarted)
	assert.Contains(t, env.events.Types(), notify.EventMatchCompleted)
}

func TestScenario_AdminCancelRefundsAndBlocksSettle(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	m := env.startMatch(t, 500)

	m, err := env.svc.Cancel(ctx, m.ID, "suspected collusion", "ops")
	require.NoError(t, err)
	assert.Equal(t, model.MatchCancelled, m.Status)
	assert.Equal(t, "suspected collusion", m.CancelReason)

	assert.Equal(t, int64(500), env.balance(t, "alice"))
	assert.Equal(t, int64(500), env.balance(t, "bob"))
	holds, _ := env.escrow.ListByMatch(ctx, m.ID)
	require.Len(t, holds, 2)
	for _, h := range holds {
		assert.Equal(t, model.HoldReleased, h.Status)
	}

	_, err = env.guard.Settle(ctx, m.ID, "alice", 5)
	assert.ErrorIs(t, err, model.ErrNotSettleable)
	_, err = env.svc.Resolve(ctx, m.ID, "alice", "ops")
	assert.ErrorIs(t, err, model.ErrNotSettleable)

	assert.Equal(t, int64(500), env.balance(t, "alice"))
	assert.Contains(t, env.events.Types(), notify.EventMatchCancelled)
}

func TestCancel_Idempotent(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	m := env.startMatch(t, 500)

	_, err := env.svc.Cancel(ctx, m.ID, "r", "ops")
	require.NoError(t, err)
	again, err := env.svc.Cancel(ctx, m.ID, "r", "ops")
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)
	assert.Equal(t, model.MatchCancelled, again.Status)
	assert.Equal(t, int64(500), env.balance(t, "alice"))
}

func TestCancel_CompletedMatchRejected(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	m := env.startMatch(t, 500)
	_, err := env.svc.Resolve(ctx, m.ID, "bob", "ops")
	require.NoError(t, err)

	_, err = env.svc.Cancel(ctx, m.ID, "too late", "ops")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Equal(t, int64(950), env.balance(t, "bob"))
}

func TestCancel_RetriesReleaseOnSecondCall(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	m := env.startMatch(t, 500)

	env.store.FailNext("ReleaseHold", 1, errors.New("disk full"))
	_, err := env.svc.Cancel(ctx, m.ID, "r", "ops")
	require.Error(t, err)

	got, _ := env.svc.Get(ctx, m.ID)
	assert.Equal(t, model.MatchCancelled, got.Status, "status committed before releases")

	_, err = env.svc.Cancel(ctx, m.ID, "r", "ops")
	assert.ErrorIs(t, err, model.ErrAlreadyResolved)
	assert.Equal(t, int64(500), env.balance(t, "alice"))
	assert.Equal(t, int64(500), env.balance(t, "bob"))
}

func TestCreate_InsufficientFundsLeavesNoState(t *testing.T) {
	env := newEnv(t)
	env.fund(t, "alice", 999)

	_, err := env.svc.Create(context.Background(), CreateRequest{CreatorID: "alice", StakeAmount: 1000})
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	assert.Equal(t, int64(999), env.balance(t, "alice"))

	open, _ := env.svc.ListOpen(context.Background(), 10)
	assert.Empty(t, open)
}

func TestCreate_WriteFailureReleasesHold(t *testing.T) {
	env := newEnv(t)
	env.fund(t, "alice", 1000)
	env.store.FailNext("CreateMatch", 1, model.ErrPersistence)

	_, err := env.svc.Create(context.Background(), CreateRequest{CreatorID: "alice", StakeAmount: 1000})
	assert.ErrorIs(t, err, model.ErrPersistence)
	assert.Equal(t, int64(1000), env.balance(t, "alice"))
}

func TestCreate_Validation(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	tooHigh := 101

	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"zero stake", CreateRequest{CreatorID: "a", StakeAmount: 0}, model.ErrInvalidAmount},
		{"stake above max", CreateRequest{CreatorID: "a", StakeAmount: 2_000_000}, model.ErrInvalidAmount},
		{"fee above 100", CreateRequest{CreatorID: "a", StakeAmount: 10, FeePercent: &tooHigh}, model.ErrInvalidAmount},
		{"one side", CreateRequest{CreatorID: "a", StakeAmount: 10, Sides: 1}, model.ErrInvalidSide},
		{"too many seats", CreateRequest{CreatorID: "a", StakeAmount: 10, SeatsPerSide: 99}, model.ErrInvalidSide},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Create(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestJoin_Errors(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 100)
	env.fund(t, "bob", 100)
	env.fund(t, "carol", 100)

	m, err := env.svc.Create(ctx, CreateRequest{CreatorID: "alice", StakeAmount: 100})
	require.NoError(t, err)

	_, err = env.svc.Join(ctx, m.ID, "alice", 1)
	assert.ErrorIs(t, err, model.ErrAlreadyJoined)
	_, err = env.svc.Join(ctx, m.ID, "bob", 2)
	assert.ErrorIs(t, err, model.ErrInvalidSide)
	_, err = env.svc.Join(ctx, m.ID, "bob", 0)
	assert.ErrorIs(t, err, model.ErrSideFull)
	_, err = env.svc.Join(ctx, "mch_missing", "bob", 1)
	assert.ErrorIs(t, err, model.ErrMatchNotFound)

	_, err = env.svc.Join(ctx, m.ID, "bob", 1)
	require.NoError(t, err)
	_, err = env.svc.Join(ctx, m.ID, "carol", 1)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	assert.Equal(t, int64(100), env.balance(t, "carol"))
}

func TestJoin_WriteFailureReleasesHold(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 100)
	env.fund(t, "bob", 100)
	m, err := env.svc.Create(ctx, CreateRequest{CreatorID: "alice", StakeAmount: 100})
	require.NoError(t, err)

	env.store.FailNext("UpdateMatch", 1, model.ErrConcurrentUpdate)
	_, err = env.svc.Join(ctx, m.ID, "bob", 1)
	assert.ErrorIs(t, err, model.ErrConcurrentUpdate)
	assert.Equal(t, int64(100), env.balance(t, "bob"))

	got, _ := env.svc.Get(ctx, m.ID)
	assert.Len(t, got.Participants, 1)
}

func TestTeamMatch_TeammateClaimsAgree(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	for _, u := range []string{"a1", "a2", "b1", "b2"} {
		env.fund(t, u, 100)
	}

	m, err := env.svc.Create(ctx, CreateRequest{CreatorID: "a1", StakeAmount: 100, SeatsPerSide: 2})
	require.NoError(t, err)
	_, err = env.svc.Join(ctx, m.ID, "b1", 1)
	require.NoError(t, err)
	_, err = env.svc.Join(ctx, m.ID, "a2", 0)
	require.NoError(t, err)
	m, err = env.svc.Join(ctx, m.ID, "b2", 1)
	require.NoError(t, err)
	require.Equal(t, model.MatchInProgress, m.Status)

	_, err = env.svc.SubmitResult(ctx, m.ID, "a2", claim("a2"))
	require.NoError(t, err)
	m, err = env.svc.SubmitResult(ctx, m.ID, "b2", claim("a1"))
	require.NoError(t, err)

	assert.Equal(t, model.MatchCompleted, m.Status)
	assert.Equal(t, "a1", m.WinnerID, "payouts go to the side's captain")
	assert.Equal(t, int64(380), env.balance(t, "a1"))
}

func TestConflictingResults_DisputeThenRuling(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	m := env.startMatch(t, 1000)

	_, err := env.svc.SubmitResult(ctx, m.ID, "alice", claim("alice"))
	require.NoError(t, err)
	m, err = env.svc.SubmitResult(ctx, m.ID, "bob", claim("bob"))
	require.NoError(t, err)
	assert.Equal(t, model.MatchDisputed, m.Status)
	assert.Contains(t, env.events.Types(), notify.EventMatchDisputed)

	_, err = env.svc.SubmitResult(ctx, m.ID, "bob", claim("alice"))
	assert.ErrorIs(t, err, model.ErrInvalidTransition, "disputes are settled by an admin")

	m, err = env.svc.Resolve(ctx, m.ID, "bob", "ops")
	require.NoError(t, err)
	assert.Equal(t, model.MatchCompleted, m.Status)
	assert.Equal(t, "bob", m.WinnerID)
	assert.Equal(t, int64(1900), env.balance(t, "bob"))

	// A repeated ruling is harmless.
	_, err = env.svc.Resolve(ctx, m.ID, "bob", "ops")
	require.NoError(t, err)
	assert.Equal(t, int64(1900), env.balance(t, "bob"))
}

func TestSubmitResult_Errors(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	m := env.startMatch(t, 100)

	_, err := env.svc.SubmitResult(ctx, m.ID, "mallory", claim("alice"))
	assert.ErrorIs(t, err, model.ErrNotParticipant)
	_, err = env.svc.SubmitResult(ctx, m.ID, "alice", claim("mallory"))
	assert.ErrorIs(t, err, model.ErrInvalidEvidence)
	_, err = env.svc.SubmitResult(ctx, m.ID, "alice", model.Evidence{Kind: model.EvidenceScreenshot, ClaimedWinnerID: "alice"})
	assert.ErrorIs(t, err, model.ErrInvalidEvidence)
}

func TestSubmitResult_ResubmissionReplaces(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	m := env.startMatch(t, 100)

	_, err := env.svc.SubmitResult(ctx, m.ID, "alice", claim("bob"))
	require.NoError(t, err)
	m, err = env.svc.SubmitResult(ctx, m.ID, "alice", claim("alice"))
	require.NoError(t, err)
	require.Len(t, m.Results, 1)
	assert.Equal(t, "alice", m.Results[0].Evidence.ClaimedWinnerID)
}

func TestExpireEvidenceWindow(t *testing.T) {
	t.Run("single submission wins", func(t *testing.T) {
		env := newEnv(t)
		ctx := context.Background()
		m := env.startMatch(t, 1000)

		_, err := env.svc.SubmitResult(ctx, m.ID, "bob", claim("bob"))
		require.NoError(t, err)

		_, err = env.svc.ExpireEvidenceWindow(ctx, m.ID)
		assert.ErrorIs(t, err, model.ErrInvalidTransition, "window still open")

		env.clock.Advance(testConfig.EvidenceWindow + time.Second)
		m, err = env.svc.ExpireEvidenceWindow(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, model.MatchCompleted, m.Status)
		assert.Equal(t, "bob", m.WinnerID)
		assert.Equal(t, int64(1900), env.balance(t, "bob"))
	})

	t.Run("lone forfeit still goes to the submitting side", func(t *testing.T) {
		env := newEnv(t)
		ctx := context.Background()
		m := env.startMatch(t, 1000)

		_, err := env.svc.SubmitResult(ctx, m.ID, "bob",
			model.Evidence{Kind: model.EvidenceForfeit, ClaimedWinnerID: "alice"})
		require.NoError(t, err)

		env.clock.Advance(testConfig.EvidenceWindow + time.Second)
		m, err = env.svc.ExpireEvidenceWindow(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, model.MatchCompleted, m.Status)
		assert.Equal(t, "bob", m.WinnerID)
		assert.Equal(t, int64(1900), env.balance(t, "bob"))
		assert.Equal(t, int64(0), env.balance(t, "alice"))
	})

	t.Run("no submissions disputes", func(t *testing.T) {
		env := newEnv(t)
		ctx := context.Background()
		m := env.startMatch(t, 1000)

		_, err := env.svc.MarkResultDue(ctx, m.ID)
		require.NoError(t, err)
		env.clock.Advance(testConfig.EvidenceWindow)

		m, err = env.svc.ExpireEvidenceWindow(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, model.MatchDisputed, m.Status)
		assert.Equal(t, int64(0), env.balance(t, "alice"), "stakes stay in escrow")
	})
}

func TestSweep(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	env.fund(t, "lonely", 100)
	stale, err := env.svc.Create(ctx, CreateRequest{CreatorID: "lonely", StakeAmount: 100})
	require.NoError(t, err)

	running := env.startMatch(t, 100)

	counts, err := env.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepCounts{}, counts)

	env.clock.Advance(time.Hour)
	counts, err = env.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Cancelled)
	assert.Equal(t, 1, counts.ResultDue)
	assert.Equal(t, int64(100), env.balance(t, "lonely"))

	got, _ := env.svc.Get(ctx, stale.ID)
	assert.Equal(t, model.MatchCancelled, got.Status)
	got, _ = env.svc.Get(ctx, running.ID)
	assert.Equal(t, model.MatchPendingResult, got.Status)

	env.clock.Advance(testConfig.EvidenceWindow)
	counts, err = env.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Expired)
	got, _ = env.svc.Get(ctx, running.ID)
	assert.Equal(t, model.MatchDisputed, got.Status)
}

func TestCancelRacesResolve(t *testing.T) {
	for i := 0; i < 20; i++ {
		env := newEnv(t)
		ctx := context.Background()
		m := env.startMatch(t, 500)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = env.svc.Cancel(ctx, m.ID, "race", "ops")
		}()
		go func() {
			defer wg.Done()
			_, _ = env.guard.Settle(ctx, m.ID, "alice", 5)
		}()
		wg.Wait()

		got, err := env.svc.Get(ctx, m.ID)
		require.NoError(t, err)
		payouts, _ := env.guard.PayoutsForMatch(ctx, m.ID)
		switch got.Status {
		case model.MatchCancelled:
			assert.Empty(t, payouts)
			assert.Equal(t, int64(500), env.balance(t, "alice"))
			assert.Equal(t, int64(500), env.balance(t, "bob"))
		case model.MatchCompleted:
			assert.Len(t, payouts, 1)
			assert.Equal(t, int64(950), env.balance(t, "alice"))
			assert.Equal(t, int64(0), env.balance(t, "bob"))
		default:
			t.Fatalf("unexpected status %s", got.Status)
		}
	}
}

func setupRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(auth.Identity())
	h := NewHandler(svc)
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	protected := v1.Group("")
	protected.Use(auth.RequireUser())
	h.RegisterProtectedRoutes(protected)
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin("s3cret", false))
	h.RegisterAdminRoutes(admin)
	return r
}

func doJSON(r http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(auth.HeaderUserID, user)
	}
	req.Header.Set(auth.HeaderAdminSecret, "s3cret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlers_MatchFlow(t *testing.T) {
	env := newEnv(t)
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 1000)
	r := setupRouter(env.svc)

	w := doJSON(r, http.MethodPost, "/v1/matches", "", `{"stakeAmount":1000}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/matches", "alice", `{"stakeAmount":1000}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Match model.Match `json:"match"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Match.ID

	w = doJSON(r, http.MethodPost, "/v1/matches/"+id+"/join", "bob", `{"side":1}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"in_progress"`)

	w = doJSON(r, http.MethodPost, "/v1/matches/"+id+"/join", "bob", `{"side":1}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/matches/"+id+"/results", "alice",
		`{"kind":"score_report","claimedWinnerId":"alice","score":{"own":2,"opponent":0}}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(r, http.MethodPost, "/v1/matches/"+id+"/results", "bob",
		`{"kind":"other","claimedWinnerId":"alice","raw":{"note":"gg"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"completed"`)

	w = doJSON(r, http.MethodGet, "/v1/matches/"+id, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"winnerId":"alice"`)

	w = doJSON(r, http.MethodGet, "/v1/me/matches", "bob", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = doJSON(r, http.MethodPost, "/v1/admin/matches/"+id+"/cancel", "", `{"reason":"late"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandlers_AdminCancelAndSettle(t *testing.T) {
	env := newEnv(t)
	r := setupRouter(env.svc)
	m := env.startMatch(t, 500)

	w := doJSON(r, http.MethodPost, "/v1/admin/matches/"+m.ID+"/settle", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/admin/matches/"+m.ID+"/cancel", "", `{"reason":"ops"}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(r, http.MethodPost, "/v1/admin/matches/"+m.ID+"/cancel", "", `{}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "already_cancelled")

	w = doJSON(r, http.MethodPost, "/v1/admin/matches/"+m.ID+"/settle", "", `{"winnerId":"alice"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "not_settleable")
}

func TestHandlers_RejectOutOfRangeFields(t *testing.T) {
	env := newEnv(t)
	env.fund(t, "alice", 1000)
	r := setupRouter(env.svc)

	w := doJSON(r, http.MethodPost, "/v1/matches", "alice", `{"stakeAmount":2000000}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "stakeAmount")

	w = doJSON(r, http.MethodPost, "/v1/matches", "alice", `{"stakeAmount":100,"feePercent":101}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "feePercent")

	w = doJSON(r, http.MethodPost, "/v1/matches", "alice", `{"stakeAmount":100}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Match model.Match `json:"match"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	env.fund(t, "bob", 100)
	w = doJSON(r, http.MethodPost, "/v1/matches/"+created.Match.ID+"/join", "bob", `{"side":-1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"side"`)
	assert.Equal(t, int64(100), env.balance(t, "bob"), "no hold placed")
}
