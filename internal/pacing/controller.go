package pacing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/adsage/adsage-cli/api/schemas"
	"github.com/adsage/adsage-cli/internal/config"
)

// ErrNotInitialized is returned when a decision is requested for a campaign
// with no pacing state for the current budget day.
var ErrNotInitialized = errors.New("pacing state not initialized for campaign")

// StateStore persists per-campaign pacing state. The controller reads
// through and writes through on every decision so a restart resumes from
// the last persisted multiplier.
type StateStore interface {
	GetPacingState(ctx context.Context, campaignID string, budgetDay time.Time) (*schemas.PacingState, error)
	SavePacingState(ctx context.Context, state schemas.PacingState) error
}

// Controller is the intraday pacing loop. It compares actual spend against
// a linear time-of-day schedule and applies a proportional correction to
// the campaign's bid multiplier, bounded by the configured range. It never
// changes the approved daily budget, only how fast it is spent.
type Controller struct {
	cfg    config.PacingConfig
	store  StateStore
	logger *zap.Logger
	now    func() time.Time

	// mu serializes decisions per campaign; concurrent decisions for
	// different campaigns proceed in parallel.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewController builds a pacing controller.
func NewController(cfg config.PacingConfig, store StateStore, logger *zap.Logger) (*Controller, error) {
	if store == nil {
		return nil, errors.New("state store cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		cfg:    cfg,
		store:  store,
		logger: logger.Named("pacing"),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// WithClock fixes the controller's clock. Tests only.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// InitializeCampaignPacing creates the day's control state for one campaign,
// starting at a neutral multiplier. Re-initializing an existing day resets
// it; the budget day is truncated to UTC midnight.
func (c *Controller) InitializeCampaignPacing(ctx context.Context, campaignID string, dailyBudgetMicros int64) (*schemas.PacingState, error) {
	if campaignID == "" {
		return nil, errors.New("campaign id is required")
	}
	if dailyBudgetMicros < 0 {
		return nil, fmt.Errorf("daily budget must be non-negative, got %d", dailyBudgetMicros)
	}

	state := schemas.PacingState{
		CampaignID:           campaignID,
		BudgetDay:            c.budgetDay(),
		DailyBudgetMicros:    dailyBudgetMicros,
		CurrentBidMultiplier: 1.0,
		MinBidMultiplier:     c.cfg.MinBidMultiplier,
		MaxBidMultiplier:     c.cfg.MaxBidMultiplier,
		DecisionFrequency:    c.cfg.DecisionFrequency,
	}
	if err := c.store.SavePacingState(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to persist pacing state: %w", err)
	}

	c.logger.Info("Campaign pacing initialized",
		zap.String("campaign_id", campaignID),
		zap.Int64("daily_budget_micros", dailyBudgetMicros))
	return &state, nil
}

// MakePacingDecision evaluates one campaign at the given hour of day. Calls
// arriving before the decision frequency has elapsed are answered with the
// current multiplier and no state change.
func (c *Controller) MakePacingDecision(ctx context.Context, campaignID string, spentMicros int64, hourOfDay int) (*schemas.PacingDecision, error) {
	if hourOfDay < 0 || hourOfDay > 23 {
		return nil, fmt.Errorf("hour of day %d outside [0,23]", hourOfDay)
	}
	if spentMicros < 0 {
		return nil, fmt.Errorf("spent micros must be non-negative, got %d", spentMicros)
	}

	lock := c.campaignLock(campaignID)
	lock.Lock()
	defer lock.Unlock()

	state, err := c.store.GetPacingState(ctx, campaignID, c.budgetDay())
	if err != nil {
		return nil, fmt.Errorf("failed to load pacing state: %w", err)
	}
	if state == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, campaignID)
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	if !state.LastDecisionAt.IsZero() && now.Sub(state.LastDecisionAt) < state.DecisionFrequency {
		return &schemas.PacingDecision{
			CampaignID:    campaignID,
			Action:        schemas.PacingMaintain,
			BidMultiplier: state.CurrentBidMultiplier,
			SpendRatio:    spendRatio(state, spentMicros, hourOfDay),
			Reason:        "decision frequency not elapsed; holding previous multiplier",
			DecidedAt:     now,
		}, nil
	}

	decision := c.decide(state, spentMicros, hourOfDay, now)

	state.CurrentSpendMicros = spentMicros
	state.PaceTarget = paceTarget(hourOfDay)
	state.CurrentBidMultiplier = decision.BidMultiplier
	state.LastDecisionAt = now
	if err := c.store.SavePacingState(ctx, *state); err != nil {
		return nil, fmt.Errorf("failed to persist pacing state: %w", err)
	}

	c.logger.Info("Pacing decision",
		zap.String("campaign_id", campaignID),
		zap.String("action", string(decision.Action)),
		zap.Float64("bid_multiplier", decision.BidMultiplier),
		zap.Float64("spend_ratio", decision.SpendRatio))
	return decision, nil
}

// DecideAll runs MakePacingDecision concurrently for a batch of campaigns.
// Results come back sorted by campaign id; the first error cancels the rest.
func (c *Controller) DecideAll(ctx context.Context, spentMicros map[string]int64, hourOfDay int) ([]schemas.PacingDecision, error) {
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	decisions := make([]schemas.PacingDecision, 0, len(spentMicros))
	for campaignID, spent := range spentMicros {
		g.Go(func() error {
			d, err := c.MakePacingDecision(gctx, campaignID, spent, hourOfDay)
			if err != nil {
				return fmt.Errorf("campaign %s: %w", campaignID, err)
			}
			mu.Lock()
			decisions = append(decisions, *d)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(decisions, func(i, j int) bool { return decisions[i].CampaignID < decisions[j].CampaignID })
	return decisions, nil
}

// decide computes the action and next multiplier from the pace error.
func (c *Controller) decide(state *schemas.PacingState, spentMicros int64, hourOfDay int, now time.Time) *schemas.PacingDecision {
	ratio := spendRatio(state, spentMicros, hourOfDay)

	decision := &schemas.PacingDecision{
		CampaignID: state.CampaignID,
		SpendRatio: ratio,
		DecidedAt:  now,
	}

	switch {
	case state.DailyBudgetMicros > 0 && spentMicros >= state.DailyBudgetMicros:
		// Budget exhausted: suspend for the rest of the day regardless of
		// the hour. The multiplier drops to the floor.
		decision.Action = schemas.PacingSuspend
		decision.BidMultiplier = state.MinBidMultiplier
		decision.Reason = fmt.Sprintf("daily budget exhausted: spent %d of %d micros",
			spentMicros, state.DailyBudgetMicros)

	case state.DailyBudgetMicros == 0:
		decision.Action = schemas.PacingMaintain
		decision.BidMultiplier = state.CurrentBidMultiplier
		decision.Reason = "no daily budget set; nothing to pace against"

	case math.Abs(ratio-1) <= c.cfg.MaintainBand:
		decision.Action = schemas.PacingMaintain
		decision.BidMultiplier = state.CurrentBidMultiplier
		decision.Reason = fmt.Sprintf("spend ratio %.2f within maintain band", ratio)

	default:
		// Proportional correction: the error (1 - ratio) is positive when
		// underspending, pushing the multiplier up.
		next := state.CurrentBidMultiplier * (1 + c.cfg.Gain*(1-ratio))
		next = clamp(next, state.MinBidMultiplier, state.MaxBidMultiplier)
		decision.BidMultiplier = next

		if next > state.CurrentBidMultiplier {
			decision.Action = schemas.PacingIncreaseBids
		} else if next < state.CurrentBidMultiplier {
			decision.Action = schemas.PacingDecreaseBids
		} else {
			// Already pinned at a bound.
			decision.Action = schemas.PacingMaintain
		}
		decision.Reason = fmt.Sprintf("spend ratio %.2f, multiplier %.3f -> %.3f",
			ratio, state.CurrentBidMultiplier, next)
	}
	return decision
}

// paceTarget is the fraction of the daily budget that should be spent by
// the end of the given hour under a linear schedule.
func paceTarget(hourOfDay int) float64 {
	return float64(hourOfDay+1) / 24
}

// spendRatio is actual spend over target spend for the hour. With no target
// spend yet (zero budget) the ratio reports 0 and the controller maintains.
func spendRatio(state *schemas.PacingState, spentMicros int64, hourOfDay int) float64 {
	targetMicros := float64(state.DailyBudgetMicros) * paceTarget(hourOfDay)
	if targetMicros <= 0 {
		return 0
	}
	return float64(spentMicros) / targetMicros
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func (c *Controller) budgetDay() time.Time {
	return c.now().UTC().Truncate(24 * time.Hour)
}

func (c *Controller) campaignLock(campaignID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[campaignID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[campaignID] = lock
	}
	return lock
}
