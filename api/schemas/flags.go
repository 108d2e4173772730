package schemas

import (
	"fmt"
	"time"
)

// Well-known feature flag keys. Every enhancement layer checks its own flag
// independently and falls back to the base behavior when it is off.
const (
	FlagHierarchicalPriors = "hierarchical_priors"
	FlagLagCorrection      = "lag_correction"
	FlagPacingIntegration  = "pacing_integration"
	FlagDiversification    = "diversification_floor"
)

// FeatureFlag is one rollout switch. EnabledPercent gates by deterministic
// entity bucketing so the same entity gets a stable decision within a
// rollout window; TargetIDs force-enable specific entities regardless of
// the percentage.
type FeatureFlag struct {
	Key            string    `json:"key"`
	EnabledPercent float64   `json:"enabled_percent"`
	TargetIDs      []string  `json:"target_ids,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Validate bounds the rollout percentage.
func (f FeatureFlag) Validate() error {
	if f.Key == "" {
		return fmt.Errorf("feature flag: key is required")
	}
	if f.EnabledPercent < 0 || f.EnabledPercent > 100 {
		return fmt.Errorf("feature flag %s: enabled percent %.1f outside [0,100]", f.Key, f.EnabledPercent)
	}
	return nil
}
