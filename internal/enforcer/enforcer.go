package enforcer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adsage/adsage-cli/api/schemas"
	"github.com/adsage/adsage-cli/internal/config"
)

// ErrBudgetExhausted is returned in hard enforcement when a campaign's daily
// budget is already spent and a further spend record is refused.
var ErrBudgetExhausted = errors.New("daily budget exhausted")

// ErrAccountCapExhausted is returned in hard enforcement when the account's
// daily cap is already spent across its campaigns, even if the recording
// campaign still has budget of its own.
var ErrAccountCapExhausted = errors.New("account daily cap exhausted")

// SpendStore persists cumulative daily spend, keyed by campaign-day and
// attributed to an account. AddDailySpend must be atomic and return the
// post-add campaign total; GetAccountDailySpend aggregates the account's
// campaigns for one day.
type SpendStore interface {
	GetDailySpend(ctx context.Context, campaignID string, day time.Time) (int64, error)
	AddDailySpend(ctx context.Context, accountID, campaignID string, day time.Time, deltaMicros int64) (int64, error)
	GetAccountDailySpend(ctx context.Context, accountID string, day time.Time) (int64, error)
}

// SpendEvent is one realized spend delta, attributed to a campaign and its
// account. A zero budget or cap means "untracked at that level".
type SpendEvent struct {
	AccountID   string
	CampaignID  string
	DeltaMicros int64

	BudgetMicros     int64 // campaign daily budget
	AccountCapMicros int64 // account daily cap
}

// SpendStatus is the outcome of one recorded spend event or budget check.
type SpendStatus struct {
	CampaignID   string `json:"campaign_id"`
	TotalMicros  int64  `json:"total_micros"`
	BudgetMicros int64  `json:"budget_micros"`
	Remaining    int64  `json:"remaining_micros"`
	Exceeded     bool   `json:"exceeded"`

	AccountID          string `json:"account_id,omitempty"`
	AccountTotalMicros int64  `json:"account_total_micros,omitempty"`
	AccountCapMicros   int64  `json:"account_cap_micros,omitempty"`
	AccountExceeded    bool   `json:"account_exceeded,omitempty"`

	Violation        *schemas.Violation `json:"violation,omitempty"`
	AccountViolation *schemas.Violation `json:"account_violation,omitempty"`
}

// Enforcer tracks realized spend against approved daily budgets and stops
// runaway campaigns, at both the campaign and the account level. Totals are
// cached write-through per campaign-day and account-day; the store stays
// authoritative across restarts.
type Enforcer struct {
	mode   config.EnforcementMode
	store  SpendStore
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]int64
}

// NewEnforcer builds a spend enforcer.
func NewEnforcer(mode config.EnforcementMode, store SpendStore, logger *zap.Logger) (*Enforcer, error) {
	if store == nil {
		return nil, errors.New("spend store cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	switch mode {
	case config.EnforcementSoft, config.EnforcementHard:
	default:
		return nil, fmt.Errorf("unknown enforcement mode %q", mode)
	}
	return &Enforcer{
		mode:   mode,
		store:  store,
		logger: logger.Named("enforcer"),
		now:    time.Now,
		cache:  make(map[string]int64),
	}, nil
}

// WithClock fixes the enforcer's clock. Tests only.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// RecordSpend validates a spend event against the campaign's budget and the
// account's daily cap, then records it. Under hard enforcement a campaign or
// account whose limit is already exhausted has further records refused; the
// event that first crosses a cap is always recorded, with an overspend
// violation attached, because the money is spent whether or not we like it.
func (e *Enforcer) RecordSpend(ctx context.Context, ev SpendEvent) (*SpendStatus, error) {
	if ev.CampaignID == "" {
		return nil, errors.New("campaign id is required")
	}
	if ev.DeltaMicros < 0 {
		return nil, fmt.Errorf("spend delta must be non-negative, got %d", ev.DeltaMicros)
	}
	if ev.BudgetMicros < 0 || ev.AccountCapMicros < 0 {
		return nil, fmt.Errorf("budget and account cap must be non-negative, got %d and %d",
			ev.BudgetMicros, ev.AccountCapMicros)
	}
	if ev.AccountCapMicros > 0 && ev.AccountID == "" {
		return nil, errors.New("account id is required when an account cap is set")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	day := e.budgetDay()
	current, err := e.campaignTotalLocked(ctx, ev.CampaignID, day)
	if err != nil {
		return nil, err
	}
	var accountTotal int64
	if ev.AccountID != "" {
		if accountTotal, err = e.accountTotalLocked(ctx, ev.AccountID, day); err != nil {
			return nil, err
		}
	}

	if e.mode == config.EnforcementHard {
		if ev.BudgetMicros > 0 && current >= ev.BudgetMicros {
			e.logger.Warn("Spend record refused: campaign budget exhausted",
				zap.String("campaign_id", ev.CampaignID),
				zap.Int64("spent_micros", current),
				zap.Int64("budget_micros", ev.BudgetMicros))
			return nil, fmt.Errorf("%w: campaign %s spent %d of %d micros",
				ErrBudgetExhausted, ev.CampaignID, current, ev.BudgetMicros)
		}
		if ev.AccountCapMicros > 0 && accountTotal >= ev.AccountCapMicros {
			e.logger.Warn("Spend record refused: account cap exhausted",
				zap.String("account_id", ev.AccountID),
				zap.String("campaign_id", ev.CampaignID),
				zap.Int64("account_spent_micros", accountTotal),
				zap.Int64("account_cap_micros", ev.AccountCapMicros))
			return nil, fmt.Errorf("%w: account %s spent %d of %d micros",
				ErrAccountCapExhausted, ev.AccountID, accountTotal, ev.AccountCapMicros)
		}
	}

	total, err := e.store.AddDailySpend(ctx, ev.AccountID, ev.CampaignID, day, ev.DeltaMicros)
	if err != nil {
		return nil, fmt.Errorf("failed to record spend: %w", err)
	}
	e.cache[e.campaignKey(ev.CampaignID, day)] = total
	if ev.AccountID != "" {
		accountTotal += ev.DeltaMicros
		e.cache[e.accountKey(ev.AccountID, day)] = accountTotal
	}

	status := &SpendStatus{
		CampaignID:         ev.CampaignID,
		TotalMicros:        total,
		BudgetMicros:       ev.BudgetMicros,
		Remaining:          ev.BudgetMicros - total,
		AccountID:          ev.AccountID,
		AccountTotalMicros: accountTotal,
		AccountCapMicros:   ev.AccountCapMicros,
	}
	if ev.BudgetMicros > 0 && total > ev.BudgetMicros {
		status.Exceeded = true
		status.Remaining = 0
		status.Violation = &schemas.Violation{
			Type:     schemas.ViolationOverspend,
			Severity: schemas.SeverityError,
			ArmID:    ev.CampaignID,
			Message: fmt.Sprintf("campaign %s spent %d micros against a %d budget",
				ev.CampaignID, total, ev.BudgetMicros),
		}
		e.logger.Warn("Campaign overspending",
			zap.String("campaign_id", ev.CampaignID),
			zap.Int64("total_micros", total),
			zap.Int64("budget_micros", ev.BudgetMicros))
	}
	if ev.AccountCapMicros > 0 && accountTotal > ev.AccountCapMicros {
		status.AccountExceeded = true
		status.AccountViolation = &schemas.Violation{
			Type:     schemas.ViolationOverspend,
			Severity: schemas.SeverityError,
			ArmID:    ev.AccountID,
			Message: fmt.Sprintf("account %s spent %d micros against a %d cap",
				ev.AccountID, accountTotal, ev.AccountCapMicros),
		}
		e.logger.Warn("Account overspending",
			zap.String("account_id", ev.AccountID),
			zap.Int64("account_total_micros", accountTotal),
			zap.Int64("account_cap_micros", ev.AccountCapMicros))
	}
	return status, nil
}

// CheckBudget reports the remaining campaign budget and account headroom
// without recording anything. An empty accountID skips the account side.
func (e *Enforcer) CheckBudget(ctx context.Context, accountID, campaignID string, budgetMicros, accountCapMicros int64) (*SpendStatus, error) {
	if campaignID == "" {
		return nil, errors.New("campaign id is required")
	}
	if accountCapMicros > 0 && accountID == "" {
		return nil, errors.New("account id is required when an account cap is set")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	day := e.budgetDay()
	current, err := e.campaignTotalLocked(ctx, campaignID, day)
	if err != nil {
		return nil, err
	}

	status := &SpendStatus{
		CampaignID:   campaignID,
		TotalMicros:  current,
		BudgetMicros: budgetMicros,
		Remaining:    budgetMicros - current,
		AccountID:    accountID,
	}
	if budgetMicros > 0 && current >= budgetMicros {
		status.Exceeded = current > budgetMicros
		status.Remaining = 0
	}

	if accountID != "" {
		accountTotal, err := e.accountTotalLocked(ctx, accountID, day)
		if err != nil {
			return nil, err
		}
		status.AccountTotalMicros = accountTotal
		status.AccountCapMicros = accountCapMicros
		status.AccountExceeded = accountCapMicros > 0 && accountTotal > accountCapMicros
	}
	return status, nil
}

// campaignTotalLocked reads the campaign-day total through the cache.
// Callers hold e.mu.
func (e *Enforcer) campaignTotalLocked(ctx context.Context, campaignID string, day time.Time) (int64, error) {
	key := e.campaignKey(campaignID, day)
	if total, ok := e.cache[key]; ok {
		return total, nil
	}
	total, err := e.store.GetDailySpend(ctx, campaignID, day)
	if err != nil {
		return 0, fmt.Errorf("failed to load daily spend: %w", err)
	}
	e.cache[key] = total
	return total, nil
}

// accountTotalLocked reads the account-day aggregate through the cache.
// Callers hold e.mu.
func (e *Enforcer) accountTotalLocked(ctx context.Context, accountID string, day time.Time) (int64, error) {
	key := e.accountKey(accountID, day)
	if total, ok := e.cache[key]; ok {
		return total, nil
	}
	total, err := e.store.GetAccountDailySpend(ctx, accountID, day)
	if err != nil {
		return 0, fmt.Errorf("failed to load account daily spend: %w", err)
	}
	e.cache[key] = total
	return total, nil
}

func (e *Enforcer) budgetDay() time.Time {
	return e.now().UTC().Truncate(24 * time.Hour)
}

func (e *Enforcer) campaignKey(campaignID string, day time.Time) string {
	return "campaign|" + campaignID + "|" + day.Format("2006-01-02")
}

func (e *Enforcer) accountKey(accountID string, day time.Time) string {
	return "account|" + accountID + "|" + day.Format("2006-01-02")
}
