package lag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/adsage/adsage-cli/api/schemas"
	"github.com/adsage/adsage-cli/internal/config"
	"github.com/adsage/adsage-cli/internal/sampling"
)

// HistorySource supplies the per-period measurement rows to re-weight.
type HistorySource interface {
	ListMeasurements(ctx context.Context) ([]schemas.ExperimentMeasurement, error)
}

// ProfileSource supplies the completion-CDF lag profiles.
type ProfileSource interface {
	ListLagProfiles(ctx context.Context) ([]schemas.LagProfile, error)
}

// Adjuster corrects trial/success counts for conversion reporting lag so
// young, still-maturing data is not mistaken for a performance drop. Counts
// observed d days ago are scaled by 1/completionCdf(d), capped to avoid
// exploding the variance of very recent data, then decayed by an exponential
// recency half-life so stale data matters less than fresh, corrected data.
//
// Implements sampling.Enhancer. Arms without measurements or profiles keep
// their raw counts; degradation is never an error.
type Adjuster struct {
	cfg      config.LagConfig
	history  HistorySource
	profiles ProfileSource
	logger   *zap.Logger
	now      func() time.Time
}

// NewAdjuster builds the lag adjustment layer.
func NewAdjuster(cfg config.LagConfig, history HistorySource, profiles ProfileSource, logger *zap.Logger) (*Adjuster, error) {
	if history == nil {
		return nil, errors.New("history source cannot be nil")
	}
	if profiles == nil {
		return nil, errors.New("profile source cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Adjuster{
		cfg:      cfg,
		history:  history,
		profiles: profiles,
		logger:   logger.Named("lag"),
		now:      time.Now,
	}, nil
}

// WithClock fixes the adjuster's clock. Tests only.
func (a *Adjuster) WithClock(now func() time.Time) *Adjuster {
	a.now = now
	return a
}

// Name implements sampling.Enhancer.
func (a *Adjuster) Name() string { return "lag_correction" }

// Enhance implements sampling.Enhancer.
func (a *Adjuster) Enhance(ctx context.Context, arms []schemas.Arm, ov *sampling.Overrides) error {
	measurements, err := a.history.ListMeasurements(ctx)
	if err != nil {
		return fmt.Errorf("failed to list measurements: %w", err)
	}
	if len(measurements) == 0 {
		return nil
	}

	profiles, err := a.profiles.ListLagProfiles(ctx)
	if err != nil {
		return fmt.Errorf("failed to list lag profiles: %w", err)
	}

	byCampaign := make(map[string]schemas.LagProfile)
	var global *schemas.LagProfile
	for _, p := range profiles {
		switch p.ScopeType {
		case schemas.LagScopeCampaign:
			byCampaign[p.ScopeID] = p
		case schemas.LagScopeGlobal:
			g := p
			global = &g
		}
	}

	byArm := make(map[string][]schemas.ExperimentMeasurement)
	for _, m := range measurements {
		byArm[m.ArmID] = append(byArm[m.ArmID], m)
	}

	now := a.now().UTC()
	adjusted := 0
	for _, arm := range arms {
		rows, ok := byArm[arm.ID]
		if !ok {
			continue // no history: raw counts stand
		}

		profile := a.resolveProfile(arm, byCampaign, global)

		var trials, successes float64
		for _, m := range rows {
			age := now.Sub(m.PeriodStart)
			if age < 0 {
				age = 0
			}
			days := int(age / (24 * time.Hour))

			correction := 1.0
			if profile != nil {
				cdf := profile.CompletionAt(days)
				if cdf <= 0 {
					correction = a.cfg.MaxCorrectionFactor
				} else {
					correction = math.Min(1/cdf, a.cfg.MaxCorrectionFactor)
				}
			}

			recency := math.Exp2(-float64(age) / float64(a.cfg.RecencyHalfLife))

			trials += float64(m.Trials) * correction * recency
			successes += float64(m.Successes) * correction * recency
		}

		if successes > trials {
			successes = trials
		}
		ov.Counts[arm.ID] = sampling.Counts{Trials: trials, Successes: successes}
		adjusted++
	}

	if adjusted > 0 {
		a.logger.Debug("Lag-adjusted effective counts computed",
			zap.Int("arms", adjusted), zap.Int("profiles", len(profiles)))
	}
	return nil
}

// resolveProfile walks the scope chain: campaign profile, then global, then
// none (which leaves the correction factor at 1).
func (a *Adjuster) resolveProfile(arm schemas.Arm, byCampaign map[string]schemas.LagProfile, global *schemas.LagProfile) *schemas.LagProfile {
	if p, ok := byCampaign[arm.ID]; ok {
		return &p
	}
	return global
}
