package schemas

import (
	"fmt"
	"time"
)

// PriorLevel is the scope a hierarchical prior was estimated at. Lower levels
// shrink toward the level above them.
type PriorLevel string

const (
	PriorLevelGlobal   PriorLevel = "global"
	PriorLevelCampaign PriorLevel = "campaign"
	PriorLevelSegment  PriorLevel = "segment"
)

// PriorMetric names the modeled quantity a prior applies to.
type PriorMetric string

const (
	MetricConversionRate PriorMetric = "conversion_rate"
	MetricValuePerConv   PriorMetric = "value_per_conversion"
)

// HierarchicalPrior is one empirical-Bayes prior row. For conversion-rate
// priors Alpha/Beta parameterize a Beta distribution; for value priors they
// hold the Gamma shape and rate. Both stay above 1.0 after smoothing so the
// posterior never degenerates. Rows are refreshed in batch and read-only
// between refreshes.
type HierarchicalPrior struct {
	Level   PriorLevel  `json:"level"`
	ScopeID string      `json:"scope_id"`
	Metric  PriorMetric `json:"metric"`

	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`

	// SampleSize is the number of effective trials behind this prior;
	// shrinkage weight grows with it.
	SampleSize float64 `json:"sample_size"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Mean returns the prior's expected conversion rate.
func (p HierarchicalPrior) Mean() float64 {
	if p.Alpha+p.Beta == 0 {
		return 0
	}
	return p.Alpha / (p.Alpha + p.Beta)
}

// Validate enforces the post-smoothing parameter floor.
func (p HierarchicalPrior) Validate() error {
	if p.Alpha <= 1.0 || p.Beta <= 1.0 {
		return fmt.Errorf("prior %s/%s: parameters must exceed 1.0 after smoothing (alpha=%.3f beta=%.3f)",
			p.Level, p.ScopeID, p.Alpha, p.Beta)
	}
	return nil
}

// ExperimentMeasurement is one immutable per-arm-per-period observation row.
// The raw counters are never rewritten; lag and recency corrections live in
// the Effective* fields so re-deriving them is reproducible.
type ExperimentMeasurement struct {
	ArmID       string    `json:"arm_id"`
	CampaignID  string    `json:"campaign_id"`
	PeriodStart time.Time `json:"period_start"`

	Trials       int64   `json:"trials"`
	Successes    int64   `json:"successes"`
	RevenueTotal float64 `json:"revenue_total"`

	// RecencyWeight is the exponential decay weight applied to this period
	// at the time of the last adjustment pass.
	RecencyWeight float64 `json:"recency_weight"`

	// EffectiveTrials and EffectiveSuccesses are the lag- and
	// recency-adjusted counts the sampler actually consumes.
	EffectiveTrials    float64 `json:"effective_trials"`
	EffectiveSuccesses float64 `json:"effective_successes"`

	// PosteriorAlpha and PosteriorBeta are the derived Beta parameters for
	// this row alone, before any hierarchical borrowing.
	PosteriorAlpha float64 `json:"posterior_alpha"`
	PosteriorBeta  float64 `json:"posterior_beta"`
}

// EffectiveRate returns the adjusted success rate for this measurement.
func (m ExperimentMeasurement) EffectiveRate() float64 {
	if m.EffectiveTrials == 0 {
		return 0
	}
	return m.EffectiveSuccesses / m.EffectiveTrials
}

// LagScopeType scopes a lag profile. Conversion lag differs more across
// campaigns than across arms within one campaign, so campaign scope is the
// common case.
type LagScopeType string

const (
	LagScopeGlobal   LagScopeType = "global"
	LagScopeCampaign LagScopeType = "campaign"
)

// LagProfilePoint is one point of a completion CDF: the fraction of eventual
// conversions observed by DaysSince days after the click. The CDF is
// non-decreasing in DaysSince within a scope.
type LagProfilePoint struct {
	DaysSince       int     `json:"days_since"`
	CompletionCDF   float64 `json:"completion_cdf"`
	SampleSize      int64   `json:"sample_size"`
	ConfidenceScore float64 `json:"confidence_score"`
}

// LagProfile is the full completion curve for one scope.
type LagProfile struct {
	ScopeType LagScopeType      `json:"scope_type"`
	ScopeID   string            `json:"scope_id"`
	Points    []LagProfilePoint `json:"points"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Validate checks CDF bounds and monotonicity.
func (p LagProfile) Validate() error {
	prev := -1.0
	for _, pt := range p.Points {
		if pt.CompletionCDF < 0 || pt.CompletionCDF > 1 {
			return fmt.Errorf("lag profile %s/%s: cdf %.3f at day %d outside [0,1]",
				p.ScopeType, p.ScopeID, pt.CompletionCDF, pt.DaysSince)
		}
		if pt.CompletionCDF < prev {
			return fmt.Errorf("lag profile %s/%s: cdf decreases at day %d",
				p.ScopeType, p.ScopeID, pt.DaysSince)
		}
		prev = pt.CompletionCDF
	}
	return nil
}

// CompletionAt returns the CDF value for a given age in days. Ages before the
// first point take the first point's value; ages past the last point take the
// last. An empty profile reports 1.0 (fully observed) so callers degrade to
// uncorrected counts.
func (p LagProfile) CompletionAt(daysSince int) float64 {
	if len(p.Points) == 0 {
		return 1.0
	}
	result := p.Points[0].CompletionCDF
	for _, pt := range p.Points {
		if pt.DaysSince > daysSince {
			break
		}
		result = pt.CompletionCDF
	}
	return result
}
