package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/wagerescrow/internal/logging"
	"github.com/mbd888/wagerescrow/internal/model"
	"github.com/mbd888/wagerescrow/internal/traces"
)

// UnpaidLister finds completed matches whose winner has no payout record.
type UnpaidLister interface {
	ListUnpaidCompleted(ctx context.Context, limit int) ([]*model.Match, error)
}

// Settler re-runs settlement for a match. *settlement.Guard implements it.
type Settler interface {
	Settle(ctx context.Context, matchID, winnerID string, feePercent int) (*model.SettlementResult, error)
}

// HoldSweeper releases holds nobody will ever capture. *escrow.Manager
// implements it.
type HoldSweeper interface {
	ReleaseStranded(ctx context.Context, grace time.Duration, limit int) (int, error)
}

// RunnerConfig bounds one run.
type RunnerConfig struct {
	// StrandedGrace is how old an unseated hold must be before it is released.
	StrandedGrace time.Duration
	// BatchLimit caps the matches and holds each step handles per run.
	BatchLimit int
}

// Report is the outcome of one RunAll.
type Report struct {
	Cleanup          Summary       `json:"cleanup"`
	Unpaid           int           `json:"unpaid"`
	Resettled        int           `json:"resettled"`
	StrandedReleased int           `json:"strandedReleased"`
	Errors           []string      `json:"errors,omitempty"`
	Duration         time.Duration `json:"durationNs"`
	StartedAt        time.Time     `json:"startedAt"`
}

// Runner runs every reconciliation step. Runs are serialised.
type Runner struct {
	service *Service
	unpaid  UnpaidLister
	settler Settler
	holds   HoldSweeper
	cfg     RunnerConfig
	logger  *slog.Logger

	mu   sync.Mutex
	last atomic.Pointer[Report]
}

// NewRunner creates a runner. settler and holds may be nil to skip the
// recovery and stranded-hold steps.
func NewRunner(service *Service, unpaid UnpaidLister, settler Settler, holds HoldSweeper, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	if cfg.StrandedGrace <= 0 {
		cfg.StrandedGrace = 10 * time.Minute
	}
	return &Runner{
		service: service,
		unpaid:  unpaid,
		settler: settler,
		holds:   holds,
		cfg:     cfg,
		logger:  logging.Component(logger, "reconciliation"),
	}
}

// RunAll removes duplicate payouts, finishes settlements that stopped after
// the match was completed, and releases stranded holds. Step failures are
// collected in the report; the error is non-nil only when every step failed.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := traces.StartSpan(ctx, "reconciliation.RunAll")
	start := time.Now()
	report := &Report{StartedAt: start.UTC()}
	var errs []error
	fail := func(step string, err error) {
		reconcileErrors.Inc()
		errs = append(errs, fmt.Errorf("%s: %w", step, err))
		report.Errors = append(report.Errors, step+": "+err.Error())
		r.logger.Warn("reconciliation step failed", "step", step, "error", err)
	}

	sum, err := r.service.CleanupAll(ctx)
	if err != nil {
		fail("cleanup", err)
	}
	report.Cleanup = sum

	if r.settler != nil {
		if err := r.resettle(ctx, report); err != nil {
			fail("resettle", err)
		}
	}

	if r.holds != nil {
		released, err := r.holds.ReleaseStranded(ctx, r.cfg.StrandedGrace, r.cfg.BatchLimit)
		report.StrandedReleased = released
		if err != nil {
			fail("stranded holds", err)
		}
	}

	report.Duration = time.Since(start)
	reconcileDuration.Observe(report.Duration.Seconds())
	reconcileDuplicatesRemoved.Set(float64(sum.Removed))
	reconcileExcessCredited.Set(float64(sum.ExcessCredited))
	reconcileUnpaidMatches.Set(float64(report.Unpaid))
	reconcileStrandedHolds.Set(float64(report.StrandedReleased))
	r.last.Store(report)

	var runErr error
	if steps := r.steps(); len(errs) == steps {
		runErr = errors.Join(errs...)
	}
	traces.End(span, runErr)

	r.logger.Info("reconciliation complete",
		"duplicates_removed", sum.Removed,
		"unpaid", report.Unpaid,
		"resettled", report.Resettled,
		"stranded_released", report.StrandedReleased,
		"errors", len(errs),
		"duration_ms", report.Duration.Milliseconds())
	return report, runErr
}

func (r *Runner) steps() int {
	n := 1
	if r.settler != nil {
		n++
	}
	if r.holds != nil {
		n++
	}
	return n
}

// resettle re-runs settlement for completed matches without a payout. The
// guard's pre-check and the referenced credit make this safe to repeat.
func (r *Runner) resettle(ctx context.Context, report *Report) error {
	matches, err := r.unpaid.ListUnpaidCompleted(ctx, r.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("list unpaid matches: %w", err)
	}
	report.Unpaid = len(matches)

	var errs []error
	for _, m := range matches {
		r.logger.Warn("completed match has no payout record, resettling", "match", m.ID, "winner", m.WinnerID)
		res, err := r.settler.Settle(ctx, m.ID, m.WinnerID, m.FeePercent)
		if err != nil {
			errs = append(errs, fmt.Errorf("match %s: %w", m.ID, err))
			continue
		}
		if res.Outcome == model.OutcomeSettled {
			report.Resettled++
		}
	}
	return errors.Join(errs...)
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	return r.last.Load()
}
