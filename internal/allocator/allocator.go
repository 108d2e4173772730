package allocator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/adsage/adsage-cli/api/schemas"
	"github.com/adsage/adsage-cli/internal/config"
)

// FlagChecker gates optional allocator behavior per account.
type FlagChecker interface {
	IsEnabled(key, entityID string) bool
}

// Request is one constrained allocation run.
type Request struct {
	AccountID   string
	Objective   schemas.OptimizationObjective
	Arms        []schemas.Arm
	TotalBudget float64
	Currency    string
	Constraints schemas.BudgetConstraints
}

// Allocator turns per-arm objective scores into a budget split that honors
// every hard constraint: per-arm minimums and maximums, the per-run change
// cap, currency caps, and exact summation after minor-unit rounding.
// Violations are reported on the result, never silently dropped.
type Allocator struct {
	cfg    config.AllocatorConfig
	flags  FlagChecker
	logger *zap.Logger
}

// NewAllocator builds a constrained allocator.
func NewAllocator(cfg config.AllocatorConfig, checker FlagChecker, logger *zap.Logger) (*Allocator, error) {
	if checker == nil {
		return nil, errors.New("flag checker cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Allocator{cfg: cfg, flags: checker, logger: logger.Named("allocator")}, nil
}

// Optimize runs one allocation for the requested objective.
func (a *Allocator) Optimize(ctx context.Context, req Request) (*schemas.OptimizationResult, error) {
	if !req.Objective.Valid() {
		return nil, fmt.Errorf("unknown objective %q", req.Objective)
	}
	if err := req.Constraints.Validate(); err != nil {
		return nil, err
	}
	if req.TotalBudget <= 0 {
		return nil, fmt.Errorf("total budget must be positive, got %.2f", req.TotalBudget)
	}

	eligible := make([]schemas.Arm, 0, len(req.Arms))
	for _, arm := range req.Arms {
		if err := arm.Validate(); err != nil {
			return nil, err
		}
		if !arm.IsPaused {
			eligible = append(eligible, arm)
		}
	}

	result := &schemas.OptimizationResult{
		Objective:   req.Objective,
		TotalBudget: req.TotalBudget,
		Feasible:    true,
		GeneratedAt: time.Now().UTC(),
	}
	if len(eligible) == 0 {
		result.Allocations = []schemas.AllocationResult{}
		return result, nil
	}

	total := req.TotalBudget
	if cap, ok := req.Constraints.CurrencyCaps[req.Currency]; ok && cap > 0 && total > cap {
		result.Violations = append(result.Violations, schemas.Violation{
			Type:     schemas.ViolationCurrencyCap,
			Severity: schemas.SeverityWarning,
			Message:  fmt.Sprintf("requested total %.2f exceeds %s cap %.2f; capped", total, req.Currency, cap),
		})
		total = cap
		result.TotalBudget = cap
	}

	scores := make([]float64, len(eligible))
	for i, arm := range eligible {
		scores[i] = scoreForObjective(req.Objective, arm)
	}

	bounds := a.resolveBounds(eligible, req.Constraints)
	amounts, feasible := a.distribute(eligible, scores, bounds, total, result)
	result.Feasible = feasible

	if a.flags.IsEnabled(schemas.FlagDiversification, req.AccountID) && feasible {
		a.applyDiversificationFloor(amounts, bounds, total, result)
	}

	a.roundToMinorUnits(amounts, total)

	result.Allocations = make([]schemas.AllocationResult, len(eligible))
	for i, arm := range eligible {
		result.Allocations[i] = schemas.AllocationResult{
			ArmID:               arm.ID,
			ProposedDailyBudget: amounts[i],
			Reasoning: fmt.Sprintf("%s score %.4f, bounds [%.2f, %s]",
				req.Objective, scores[i], bounds[i].min, maxLabel(bounds[i].max)),
		}
		if arm.CurrentDailyBudget > 0 {
			result.Allocations[i].ExpectedImprovement = amounts[i]/arm.CurrentDailyBudget - 1
		}
	}

	result.ExpectedPerformance = expectedPerformance(req.Objective, eligible, amounts)

	a.logger.Info("Allocation computed",
		zap.String("objective", string(req.Objective)),
		zap.Float64("total_budget", total),
		zap.Int("arms", len(eligible)),
		zap.Bool("feasible", feasible),
		zap.Int("violations", len(result.Violations)))
	return result, nil
}

type bound struct {
	min float64
	max float64 // math.Inf(1) when unbounded
}

// resolveBounds intersects per-arm administrative bounds with the per-run
// change cap. The change cap binds only for arms with an existing budget;
// brand-new arms move straight to their administrative range.
func (a *Allocator) resolveBounds(arms []schemas.Arm, constraints schemas.BudgetConstraints) []bound {
	bounds := make([]bound, len(arms))
	for i, arm := range arms {
		lo := arm.EffectiveMin(constraints)
		hi := arm.EffectiveMax(constraints)
		if hi <= 0 {
			hi = math.Inf(1)
		}

		if arm.CurrentDailyBudget > 0 && constraints.MaxChangePercent > 0 {
			change := constraints.MaxChangePercent / 100
			lo = math.Max(lo, arm.CurrentDailyBudget*(1-change))
			hi = math.Min(hi, arm.CurrentDailyBudget*(1+change))
		}
		if lo > hi {
			lo = hi
		}
		bounds[i] = bound{min: lo, max: hi}
	}
	return bounds
}

// distribute seeds every arm at its minimum and water-fills the remainder
// proportionally to score, capping at each arm's maximum. When the minimums
// alone exceed the total the run is infeasible: every minimum is scaled by
// the same factor so the relative ordering of arms is preserved.
func (a *Allocator) distribute(arms []schemas.Arm, scores []float64, bounds []bound, total float64, result *schemas.OptimizationResult) ([]float64, bool) {
	n := len(arms)
	amounts := make([]float64, n)

	sumMin := 0.0
	for _, b := range bounds {
		sumMin += b.min
	}
	if sumMin > total {
		scale := total / sumMin
		for i, b := range bounds {
			amounts[i] = b.min * scale
		}
		result.Violations = append(result.Violations, schemas.Violation{
			Type:     schemas.ViolationBudgetInfeasible,
			Severity: schemas.SeverityError,
			Message: fmt.Sprintf("minimum budgets sum to %.2f, exceeding total %.2f; scaled by %.3f",
				sumMin, total, scale),
		})
		return amounts, false
	}

	for i, b := range bounds {
		amounts[i] = b.min
	}
	remaining := total - sumMin

	// Water-fill: arms hitting their cap drop out and their share flows to
	// the rest on the next pass.
	for remaining > a.cfg.SumTolerance {
		scoreSum := 0.0
		open := 0
		for i := range arms {
			if amounts[i] < bounds[i].max && scores[i] > 0 {
				scoreSum += scores[i]
				open++
			}
		}
		if open == 0 {
			// No scored arm has headroom; fall back to an even spread over
			// any arm with room left.
			if !spreadEvenly(amounts, bounds, &remaining, a.cfg.SumTolerance) {
				break
			}
			continue
		}

		placed := 0.0
		for i := range arms {
			if amounts[i] >= bounds[i].max || scores[i] <= 0 {
				continue
			}
			give := remaining * scores[i] / scoreSum
			if room := bounds[i].max - amounts[i]; give > room {
				give = room
			}
			amounts[i] += give
			placed += give
		}
		remaining -= placed
		if placed <= a.cfg.SumTolerance {
			break
		}
	}

	if remaining > a.cfg.SumTolerance {
		result.Violations = append(result.Violations, schemas.Violation{
			Type:     schemas.ViolationBudgetCeiling,
			Severity: schemas.SeverityWarning,
			Message: fmt.Sprintf("%.2f of the total budget could not be placed: every arm is at its maximum or change cap",
				remaining),
		})
	}
	return amounts, true
}

// spreadEvenly pushes the remainder across arms that still have headroom,
// ignoring scores. Returns false when no arm can absorb anything.
func spreadEvenly(amounts []float64, bounds []bound, remaining *float64, tolerance float64) bool {
	open := 0
	for i := range amounts {
		if amounts[i] < bounds[i].max {
			open++
		}
	}
	if open == 0 {
		return false
	}
	share := *remaining / float64(open)
	placed := 0.0
	for i := range amounts {
		if amounts[i] >= bounds[i].max {
			continue
		}
		give := share
		if room := bounds[i].max - amounts[i]; give > room {
			give = room
		}
		amounts[i] += give
		placed += give
	}
	*remaining -= placed
	return placed > tolerance
}

// applyDiversificationFloor raises any arm below its floor share of the
// total, paying for it from the arms above the floor. Bounds still bind on
// both sides: a donor is never pushed below its own resolved minimum, and a
// floor the donors cannot fund within bounds is skipped with a violation
// rather than applied partially.
func (a *Allocator) applyDiversificationFloor(amounts []float64, bounds []bound, total float64, result *schemas.OptimizationResult) {
	if a.cfg.DiversificationFloor <= 0 {
		return
	}
	floor := total * a.cfg.DiversificationFloor

	deficit := 0.0
	for i := range amounts {
		if amounts[i] < floor {
			need := math.Min(floor, bounds[i].max) - amounts[i]
			if need > 0 {
				deficit += need
			}
		}
	}
	if deficit == 0 {
		return
	}

	// Donor capacity stops at each arm's resolved minimum: the floor may
	// not undo a change-cap or administrative bound the run already
	// guaranteed.
	capacity := make([]float64, len(amounts))
	available := 0.0
	for i := range amounts {
		if amounts[i] > floor {
			if room := amounts[i] - math.Max(floor, bounds[i].min); room > 0 {
				capacity[i] = room
				available += room
			}
		}
	}
	if available < deficit {
		result.Violations = append(result.Violations, schemas.Violation{
			Type:     schemas.ViolationDiversification,
			Severity: schemas.SeverityWarning,
			Message: fmt.Sprintf("diversification floor %.2f needs %.2f but only %.2f can move within bounds; floor skipped",
				floor, deficit, available),
		})
		return
	}

	for i := range amounts {
		if capacity[i] > 0 {
			amounts[i] -= capacity[i] * deficit / available
		}
	}
	for i := range amounts {
		if amounts[i] < floor {
			amounts[i] = math.Min(floor, bounds[i].max)
		}
	}
}

// roundToMinorUnits rounds every amount down to the currency's minor unit
// and hands the leftover units to the arms with the largest truncated
// fractions, so the rounded amounts still sum to the (rounded) total.
func (a *Allocator) roundToMinorUnits(amounts []float64, total float64) {
	unit := math.Pow(10, -float64(a.cfg.CurrencyMinorUnits))

	sum := 0.0
	for _, v := range amounts {
		sum += v
	}
	// Reconcile against the requested total only when the run actually
	// placed it; scaled-down and capped-out runs reconcile against what
	// was placed so rounding never pushes an arm past its cap.
	target := total
	if math.Abs(sum-total) > a.cfg.SumTolerance {
		target = sum
	}
	targetUnits := int64(math.Round(target / unit))

	type frac struct {
		idx  int
		frac float64
	}
	fracs := make([]frac, len(amounts))
	var floorUnits int64
	for i, v := range amounts {
		units := math.Floor(v/unit + 1e-9)
		fracs[i] = frac{idx: i, frac: v/unit - units}
		amounts[i] = units * unit
		floorUnits += int64(units)
	}

	leftover := targetUnits - floorUnits
	if leftover <= 0 {
		return
	}
	sort.SliceStable(fracs, func(i, j int) bool { return fracs[i].frac > fracs[j].frac })
	for k := int64(0); k < leftover; k++ {
		amounts[fracs[int(k)%len(fracs)].idx] += unit
	}
}

// scoreForObjective computes the per-arm desirability under one objective.
//
//   - maximize_clicks: expected clicks per unit spend, weighted by sqrt of
//     observed clicks so thin data does not dominate.
//   - maximize_conversions: smoothed conversion rate per unit spend.
//   - maximize_revenue: observed return on ad spend.
//   - target_cpa / target_roas: exp(-|actual-target|/target), a smooth
//     proximity score that is 1 on target and decays with relative distance.
//
// Arms lacking the data an objective needs score zero and live off their
// minimum seeding.
func scoreForObjective(objective schemas.OptimizationObjective, arm schemas.Arm) float64 {
	m := arm.TrailingMetrics
	switch objective {
	case schemas.ObjectiveMaximizeClicks:
		cpc := m.AvgCPC()
		if cpc <= 0 {
			return 0
		}
		return (1 / cpc) * math.Sqrt(float64(m.Clicks))

	case schemas.ObjectiveMaximizeConversions:
		if m.Clicks == 0 {
			return 0
		}
		rate := (float64(m.Conversions) + 1) / (float64(m.Clicks) + 2)
		if cpc := m.AvgCPC(); cpc > 0 {
			return rate / cpc
		}
		return rate

	case schemas.ObjectiveMaximizeRevenue:
		if m.Spend <= 0 {
			return 0
		}
		return m.Revenue / m.Spend

	case schemas.ObjectiveTargetCPA:
		if arm.TargetCPA == nil || *arm.TargetCPA <= 0 || m.Conversions == 0 {
			return 0
		}
		actual := m.Spend / float64(m.Conversions)
		return math.Exp(-math.Abs(actual-*arm.TargetCPA) / *arm.TargetCPA)

	case schemas.ObjectiveTargetROAS:
		if arm.TargetROAS == nil || *arm.TargetROAS <= 0 || m.Spend <= 0 {
			return 0
		}
		actual := m.Revenue / m.Spend
		return math.Exp(-math.Abs(actual-*arm.TargetROAS) / *arm.TargetROAS)
	}
	return 0
}

// expectedPerformance projects the objective's native metric for the
// proposed split, assuming each arm's trailing unit economics hold.
func expectedPerformance(objective schemas.OptimizationObjective, arms []schemas.Arm, amounts []float64) float64 {
	total := 0.0
	for i, arm := range arms {
		m := arm.TrailingMetrics
		cpc := m.AvgCPC()
		switch objective {
		case schemas.ObjectiveMaximizeClicks:
			if cpc > 0 {
				total += amounts[i] / cpc
			}
		case schemas.ObjectiveMaximizeConversions:
			if cpc > 0 {
				total += amounts[i] / cpc * m.ConversionRate()
			}
		case schemas.ObjectiveMaximizeRevenue, schemas.ObjectiveTargetROAS:
			if m.Spend > 0 {
				total += amounts[i] * m.Revenue / m.Spend
			}
		case schemas.ObjectiveTargetCPA:
			if m.Conversions > 0 && m.Spend > 0 {
				total += amounts[i] * float64(m.Conversions) / m.Spend
			}
		}
	}
	return total
}

func maxLabel(max float64) string {
	if math.IsInf(max, 1) {
		return "unbounded"
	}
	return fmt.Sprintf("%.2f", max)
}
