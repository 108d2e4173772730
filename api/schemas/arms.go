package schemas

import (
	"fmt"
)

// ArmKind classifies the allocatable unit. Campaigns are the common case;
// ad groups appear when a platform exposes budget control below the campaign.
type ArmKind string

const (
	ArmKindCampaign ArmKind = "campaign"
	ArmKindAdGroup  ArmKind = "ad_group"
)

// ArmMetrics is an immutable snapshot of one arm's trailing performance window.
// All counters are totals over the window, not rates.
type ArmMetrics struct {
	Spend       float64 `json:"spend"`
	Clicks      int64   `json:"clicks"`
	Conversions int64   `json:"conversions"`
	Revenue     float64 `json:"revenue"`
	Impressions int64   `json:"impressions"`

	// QualityScore is the platform-reported 1-10 quality signal, when available.
	QualityScore *float64 `json:"quality_score,omitempty"`
}

// Validate rejects snapshots with negative counters. Metrics arrive
// pre-aggregated from an external store, so this is the trust boundary.
func (m ArmMetrics) Validate() error {
	if m.Spend < 0 || m.Revenue < 0 {
		return fmt.Errorf("arm metrics: spend and revenue must be non-negative")
	}
	if m.Clicks < 0 || m.Conversions < 0 || m.Impressions < 0 {
		return fmt.Errorf("arm metrics: counters must be non-negative")
	}
	if m.Conversions > m.Clicks && m.Clicks > 0 {
		return fmt.Errorf("arm metrics: conversions (%d) exceed clicks (%d)", m.Conversions, m.Clicks)
	}
	if m.QualityScore != nil && (*m.QualityScore < 0 || *m.QualityScore > 10) {
		return fmt.Errorf("arm metrics: quality score %.2f outside [0,10]", *m.QualityScore)
	}
	return nil
}

// ConversionRate returns conversions per click, or zero with no clicks.
func (m ArmMetrics) ConversionRate() float64 {
	if m.Clicks == 0 {
		return 0
	}
	return float64(m.Conversions) / float64(m.Clicks)
}

// AvgCPC returns the average cost per click, or zero with no clicks.
func (m ArmMetrics) AvgCPC() float64 {
	if m.Clicks == 0 {
		return 0
	}
	return m.Spend / float64(m.Clicks)
}

// ValuePerConversion returns realized revenue per conversion, or zero.
func (m ArmMetrics) ValuePerConversion() float64 {
	if m.Conversions == 0 {
		return 0
	}
	return m.Revenue / float64(m.Conversions)
}

// Arm is one allocatable unit competing for budget. The shape is closed and
// validated at ingestion; the optimizers never re-check fields ad hoc.
type Arm struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Kind ArmKind `json:"kind"`

	TrailingMetrics ArmMetrics `json:"trailing_metrics"`

	CurrentDailyBudget float64 `json:"current_daily_budget"`

	// MinBudget and MaxBudget are administrative per-arm bounds. Nil means
	// the arm inherits the account-level constraint instead.
	MinBudget *float64 `json:"min_budget,omitempty"`
	MaxBudget *float64 `json:"max_budget,omitempty"`

	TargetCPA  *float64 `json:"target_cpa,omitempty"`
	TargetROAS *float64 `json:"target_roas,omitempty"`

	IsPaused bool `json:"is_paused"`
}

// Validate enforces the boundary invariants for a single arm.
func (a Arm) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("arm: id is required")
	}
	switch a.Kind {
	case ArmKindCampaign, ArmKindAdGroup:
	case "":
		return fmt.Errorf("arm %s: kind is required", a.ID)
	default:
		return fmt.Errorf("arm %s: unknown kind %q", a.ID, a.Kind)
	}
	if a.CurrentDailyBudget < 0 {
		return fmt.Errorf("arm %s: current daily budget must be non-negative", a.ID)
	}
	if a.MinBudget != nil && a.MaxBudget != nil && *a.MinBudget > *a.MaxBudget {
		return fmt.Errorf("arm %s: min budget %.2f exceeds max budget %.2f", a.ID, *a.MinBudget, *a.MaxBudget)
	}
	if err := a.TrailingMetrics.Validate(); err != nil {
		return fmt.Errorf("arm %s: %w", a.ID, err)
	}
	return nil
}

// EffectiveMin resolves the arm's minimum budget against the account default.
func (a Arm) EffectiveMin(constraints BudgetConstraints) float64 {
	if a.MinBudget != nil {
		return *a.MinBudget
	}
	return constraints.MinDailyBudget
}

// EffectiveMax resolves the arm's maximum budget against the account default.
func (a Arm) EffectiveMax(constraints BudgetConstraints) float64 {
	if a.MaxBudget != nil {
		return *a.MaxBudget
	}
	return constraints.MaxDailyBudget
}
