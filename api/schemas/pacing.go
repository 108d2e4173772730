package schemas

import (
	"fmt"
	"time"
)

// PacingAction is the controller's per-decision verdict. The controller only
// adjusts how aggressively the approved daily budget is spent; it never
// changes the budget itself.
type PacingAction string

const (
	PacingIncreaseBids PacingAction = "increase_bids"
	PacingDecreaseBids PacingAction = "decrease_bids"
	PacingMaintain     PacingAction = "maintain"
	PacingSuspend      PacingAction = "suspend"
)

// PacingState is the per-campaign intraday control state, one row per
// campaign per budget day. Only the pacing controller mutates it.
type PacingState struct {
	CampaignID string    `json:"campaign_id"`
	BudgetDay  time.Time `json:"budget_day"`

	DailyBudgetMicros  int64 `json:"daily_budget_micros"`
	CurrentSpendMicros int64 `json:"current_spend_micros"`

	// PaceTarget is the fraction of budget expected to be spent by the last
	// decision hour, under the linear-in-time-of-day schedule.
	PaceTarget float64 `json:"pace_target"`

	CurrentBidMultiplier float64 `json:"current_bid_multiplier"`
	MinBidMultiplier     float64 `json:"min_bid_multiplier"`
	MaxBidMultiplier     float64 `json:"max_bid_multiplier"`

	// DecisionFrequency is the minimum interval between decisions; calls
	// arriving early are answered with the previous multiplier.
	DecisionFrequency time.Duration `json:"decision_frequency"`
	LastDecisionAt    time.Time     `json:"last_decision_at"`
}

// Validate checks multiplier bounds sanity on state rows read back from the
// store.
func (s PacingState) Validate() error {
	if s.CampaignID == "" {
		return fmt.Errorf("pacing state: campaign id is required")
	}
	if s.DailyBudgetMicros < 0 {
		return fmt.Errorf("pacing state %s: daily budget must be non-negative", s.CampaignID)
	}
	if s.MinBidMultiplier <= 0 || s.MaxBidMultiplier < s.MinBidMultiplier {
		return fmt.Errorf("pacing state %s: invalid multiplier bounds [%.2f, %.2f]",
			s.CampaignID, s.MinBidMultiplier, s.MaxBidMultiplier)
	}
	return nil
}

// PacingDecision is the controller's answer for one campaign at one hour.
type PacingDecision struct {
	CampaignID    string       `json:"campaign_id"`
	Action        PacingAction `json:"action"`
	BidMultiplier float64      `json:"bid_multiplier"`

	// SpendRatio is actual spend divided by the target spend for this hour;
	// 1.0 means exactly on pace.
	SpendRatio float64 `json:"spend_ratio"`

	Reason    string    `json:"reason"`
	DecidedAt time.Time `json:"decided_at"`
}
