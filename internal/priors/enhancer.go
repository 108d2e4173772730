package priors

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/adsage/adsage-cli/api/schemas"
	"github.com/adsage/adsage-cli/internal/config"
	"github.com/adsage/adsage-cli/internal/sampling"
)

// PriorReader supplies the current prior set to the enhancement layer.
type PriorReader interface {
	ListPriors(ctx context.Context) ([]schemas.HierarchicalPrior, error)
}

// Enhancer injects informative priors into low-data arms. Arms below the
// configured minimum trial count borrow the campaign prior when one exists,
// falling back to the global prior; data-rich arms keep Laplace smoothing so
// their own history dominates. Implements sampling.Enhancer.
type Enhancer struct {
	cfg    config.PriorsConfig
	reader PriorReader
	logger *zap.Logger
}

// NewEnhancer builds the priors enhancement layer.
func NewEnhancer(cfg config.PriorsConfig, reader PriorReader, logger *zap.Logger) (*Enhancer, error) {
	if reader == nil {
		return nil, errors.New("prior reader cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Enhancer{cfg: cfg, reader: reader, logger: logger.Named("priors_enhancer")}, nil
}

// Name implements sampling.Enhancer.
func (e *Enhancer) Name() string { return "hierarchical_priors" }

// Enhance implements sampling.Enhancer. A missing prior set degrades to
// Laplace smoothing; it is never an error.
func (e *Enhancer) Enhance(ctx context.Context, arms []schemas.Arm, ov *sampling.Overrides) error {
	stored, err := e.reader.ListPriors(ctx)
	if err != nil {
		return fmt.Errorf("failed to load priors: %w", err)
	}
	if len(stored) == 0 {
		e.logger.Debug("No priors available; arms keep Laplace smoothing")
		return nil
	}

	type key struct {
		level   schemas.PriorLevel
		scopeID string
		metric  schemas.PriorMetric
	}
	index := make(map[key]schemas.HierarchicalPrior, len(stored))
	for _, p := range stored {
		index[key{p.Level, p.ScopeID, p.Metric}] = p
	}

	globalRate, haveGlobalRate := index[key{schemas.PriorLevelGlobal, "", schemas.MetricConversionRate}]
	globalValue, haveGlobalValue := index[key{schemas.PriorLevelGlobal, "", schemas.MetricValuePerConv}]

	borrowed := 0
	for _, arm := range arms {
		trials := float64(arm.TrailingMetrics.Clicks)
		if c, ok := ov.Counts[arm.ID]; ok {
			trials = c.Trials
		}
		if trials >= e.cfg.MinTrials {
			continue
		}

		// Campaign scope first, then global. For campaign-kind arms the
		// arm id is the campaign scope id.
		if p, ok := index[key{schemas.PriorLevelCampaign, arm.ID, schemas.MetricConversionRate}]; ok {
			ov.RatePriors[arm.ID] = p
			borrowed++
		} else if haveGlobalRate {
			ov.RatePriors[arm.ID] = globalRate
			borrowed++
		}

		if arm.TrailingMetrics.Conversions == 0 && haveGlobalValue {
			ov.ValuePriors[arm.ID] = globalValue
		}
	}

	if borrowed > 0 {
		e.logger.Debug("Low-data arms borrowing hierarchical priors",
			zap.Int("borrowed", borrowed), zap.Float64("min_trials", e.cfg.MinTrials))
	}
	return nil
}
