package schemas

import (
	"fmt"
	"time"
)

// OptimizationObjective selects the scoring formula used by the constrained
// allocator. Each objective has a distinct, documented formula; the target
// objectives score proximity smoothly rather than as a step function.
type OptimizationObjective string

const (
	ObjectiveMaximizeClicks      OptimizationObjective = "maximize_clicks"
	ObjectiveMaximizeConversions OptimizationObjective = "maximize_conversions"
	ObjectiveMaximizeRevenue     OptimizationObjective = "maximize_revenue"
	ObjectiveTargetCPA           OptimizationObjective = "target_cpa"
	ObjectiveTargetROAS          OptimizationObjective = "target_roas"
)

// Valid reports whether the objective is one of the closed set.
func (o OptimizationObjective) Valid() bool {
	switch o {
	case ObjectiveMaximizeClicks, ObjectiveMaximizeConversions,
		ObjectiveMaximizeRevenue, ObjectiveTargetCPA, ObjectiveTargetROAS:
		return true
	}
	return false
}

// BudgetConstraints bounds what the allocator may propose. These are
// account-level defaults; individual arms may carry tighter bounds.
type BudgetConstraints struct {
	MinDailyBudget float64 `json:"min_daily_budget"`
	MaxDailyBudget float64 `json:"max_daily_budget"`

	// MaxChangePercent caps the relative move from an arm's current budget
	// in a single allocation run. 25 means +/-25%.
	MaxChangePercent float64 `json:"max_change_percent"`

	// ExplorationFloor reserves a minimum probability mass for non-greedy
	// arms so the sampler never fully starves an arm with little data.
	ExplorationFloor float64 `json:"exploration_floor"`

	// CurrencyCaps are optional total caps keyed by ISO currency code,
	// applied on top of the requested total budget.
	CurrencyCaps map[string]float64 `json:"currency_caps,omitempty"`

	// RiskTolerance in [0,1] scales how aggressively sampled scores are
	// trusted over posterior means. 0 is fully conservative.
	RiskTolerance float64 `json:"risk_tolerance"`
}

// Validate fails fast on inconsistent constraint ranges; this is the
// configuration-error class and is rejected before any computation runs.
func (c BudgetConstraints) Validate() error {
	if c.MinDailyBudget < 0 {
		return fmt.Errorf("constraints: min daily budget must be non-negative")
	}
	if c.MaxDailyBudget > 0 && c.MinDailyBudget > c.MaxDailyBudget {
		return fmt.Errorf("constraints: min daily budget %.2f exceeds max %.2f", c.MinDailyBudget, c.MaxDailyBudget)
	}
	if c.MaxChangePercent < 0 {
		return fmt.Errorf("constraints: max change percent must be non-negative")
	}
	if c.ExplorationFloor < 0 || c.ExplorationFloor >= 1 {
		return fmt.Errorf("constraints: exploration floor %.3f outside [0,1)", c.ExplorationFloor)
	}
	if c.RiskTolerance < 0 || c.RiskTolerance > 1 {
		return fmt.Errorf("constraints: risk tolerance %.3f outside [0,1]", c.RiskTolerance)
	}
	for ccy, cap := range c.CurrencyCaps {
		if cap < 0 {
			return fmt.Errorf("constraints: currency cap for %s must be non-negative", ccy)
		}
	}
	return nil
}

// ConfidenceInterval is a two-sided credible interval on an arm's
// conversion rate, taken from the Beta posterior.
type ConfidenceInterval struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// AllocationResult is the per-arm outcome of an allocation run. The sum of
// ProposedDailyBudget over all non-paused arms equals the requested total
// within a 0.001 tolerance.
type AllocationResult struct {
	ArmID               string             `json:"arm_id"`
	ProposedDailyBudget float64            `json:"proposed_daily_budget"`
	ExpectedImprovement float64            `json:"expected_improvement"`
	ConfidenceInterval  ConfidenceInterval `json:"confidence_interval"`
	Reasoning           string             `json:"reasoning"`
}

// ViolationType tags the constraint a violation refers to.
type ViolationType string

const (
	ViolationBudgetCeiling     ViolationType = "budget_ceiling"
	ViolationBudgetInfeasible  ViolationType = "budget_infeasible"
	ViolationMaxChangeExceeded ViolationType = "max_change_exceeded"
	ViolationBidCeiling        ViolationType = "bid_ceiling"
	ViolationProhibitedContent ViolationType = "prohibited_content"
	ViolationLandingPage       ViolationType = "landing_page"
	ViolationDeviceTargeting   ViolationType = "device_targeting"
	ViolationStructural        ViolationType = "structural"
	ViolationCurrencyCap       ViolationType = "currency_cap"
	ViolationDiversification   ViolationType = "diversification_floor"
	ViolationOverspend         ViolationType = "overspend"
)

// Severity ranks a violation. Only critical violations (or error violations
// under hard enforcement) block a proposal outright.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Violation is one reported constraint breach. Violations are surfaced,
// never silently dropped; callers decide whether to proceed.
type Violation struct {
	Type     ViolationType `json:"type"`
	Severity Severity      `json:"severity"`
	ArmID    string        `json:"arm_id,omitempty"`
	Message  string        `json:"message"`
}

// OptimizationResult is the full output of a constrained allocation run.
type OptimizationResult struct {
	Objective   OptimizationObjective `json:"objective"`
	TotalBudget float64               `json:"total_budget"`
	Allocations []AllocationResult    `json:"allocations"`

	// ExpectedPerformance is the objective-weighted expectation for the
	// proposed allocation, in the objective's native unit.
	ExpectedPerformance float64 `json:"expected_performance"`

	Violations []Violation `json:"violations,omitempty"`

	// Feasible is false when constraints forced a proportional scale-down
	// (for example, minimum budgets alone exceeding the total).
	Feasible bool `json:"feasible"`

	GeneratedAt time.Time `json:"generated_at"`
}

// Proposal is the immutable persisted artifact for one allocation run. A
// separate apply step consumes an unapplied proposal by id, which makes
// "already applied" detection idempotent.
type Proposal struct {
	ID          string             `json:"id"`
	ContentHash string             `json:"content_hash"`
	Result      OptimizationResult `json:"result"`
	CreatedAt   time.Time          `json:"created_at"`
	AppliedAt   *time.Time         `json:"applied_at,omitempty"`
	AppliedBy   string             `json:"applied_by,omitempty"`
}
