package priors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/adsage/adsage-cli/api/schemas"
	"github.com/adsage/adsage-cli/internal/config"
)

// MeasurementReader supplies the experiment history the priors are fitted on.
type MeasurementReader interface {
	ListMeasurements(ctx context.Context) ([]schemas.ExperimentMeasurement, error)
}

// PriorWriter persists a full refreshed prior set. The replacement must be
// all-or-nothing: concurrent readers see either the old or the new set.
type PriorWriter interface {
	ReplacePriors(ctx context.Context, priors []schemas.HierarchicalPrior) error
}

// UpdateCounts reports how many priors were written at each level.
type UpdateCounts struct {
	Global   int `json:"global"`
	Campaign int `json:"campaign"`
}

// Engine computes empirical-Bayes priors from pooled experiment history.
// A global Beta prior is fitted by method of moments over all arms'
// effective rates; per-campaign priors shrink toward it in proportion to
// the campaign's sample size.
type Engine struct {
	cfg    config.PriorsConfig
	reader MeasurementReader
	writer PriorWriter
	logger *zap.Logger
}

// NewEngine builds a priors engine.
func NewEngine(cfg config.PriorsConfig, reader MeasurementReader, writer PriorWriter, logger *zap.Logger) (*Engine, error) {
	if reader == nil {
		return nil, errors.New("measurement reader cannot be nil")
	}
	if writer == nil {
		return nil, errors.New("prior writer cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Engine{cfg: cfg, reader: reader, writer: writer, logger: logger.Named("priors")}, nil
}

// armAggregate pools one arm's measurements into a single rate observation.
type armAggregate struct {
	campaignID  string
	trials      float64
	successes   float64
	revenue     float64
	conversions float64
}

func (a armAggregate) rate() float64 {
	if a.trials == 0 {
		return 0
	}
	return a.successes / a.trials
}

// UpdateAllPriors refreshes every prior level from the measurement log and
// writes the full set atomically. The computation is deterministic over its
// input, so re-running on unchanged data reproduces identical priors.
func (e *Engine) UpdateAllPriors(ctx context.Context) (UpdateCounts, error) {
	measurements, err := e.reader.ListMeasurements(ctx)
	if err != nil {
		return UpdateCounts{}, fmt.Errorf("failed to list measurements: %w", err)
	}
	if len(measurements) == 0 {
		e.logger.Info("No measurements available; priors left unchanged")
		return UpdateCounts{}, nil
	}

	byArm := make(map[string]*armAggregate)
	for _, m := range measurements {
		agg, ok := byArm[m.ArmID]
		if !ok {
			agg = &armAggregate{campaignID: m.CampaignID}
			byArm[m.ArmID] = agg
		}
		agg.trials += m.EffectiveTrials
		agg.successes += m.EffectiveSuccesses
		agg.revenue += m.RevenueTotal
		agg.conversions += float64(m.Successes)
	}

	now := time.Now().UTC()
	var out []schemas.HierarchicalPrior

	globalRate := e.globalRatePrior(byArm, now)
	out = append(out, globalRate)

	campaignPriors := e.campaignRatePriors(byArm, globalRate, now)
	out = append(out, campaignPriors...)

	if vp, ok := e.globalValuePrior(byArm, now); ok {
		out = append(out, vp)
	}

	if err := e.writer.ReplacePriors(ctx, out); err != nil {
		return UpdateCounts{}, fmt.Errorf("failed to persist priors: %w", err)
	}

	counts := UpdateCounts{Campaign: len(campaignPriors)}
	counts.Global = len(out) - counts.Campaign
	e.logger.Info("Priors refreshed",
		zap.Int("global", counts.Global), zap.Int("campaign", counts.Campaign),
		zap.Int("arms", len(byArm)))
	return counts, nil
}

// globalRatePrior fits Beta(alpha, beta) by method of moments over the
// trial-weighted arm rates. Degenerate variance falls back to the configured
// shrinkage strength as the concentration.
func (e *Engine) globalRatePrior(byArm map[string]*armAggregate, now time.Time) schemas.HierarchicalPrior {
	mean, variance, totalTrials := weightedRateMoments(byArm)

	concentration := e.cfg.ShrinkageStrength
	if variance > 0 && variance < mean*(1-mean) {
		concentration = mean*(1-mean)/variance - 1
	}

	return schemas.HierarchicalPrior{
		Level:      schemas.PriorLevelGlobal,
		ScopeID:    "",
		Metric:     schemas.MetricConversionRate,
		Alpha:      e.smooth(mean * concentration),
		Beta:       e.smooth((1 - mean) * concentration),
		SampleSize: totalTrials,
		UpdatedAt:  now,
	}
}

// campaignRatePriors shrinks each campaign's pooled rate toward the global
// prior. The shrinkage weight n/(n+k) grows with campaign sample size, so
// data-rich campaigns keep their own rate and sparse ones borrow globally.
func (e *Engine) campaignRatePriors(byArm map[string]*armAggregate, global schemas.HierarchicalPrior, now time.Time) []schemas.HierarchicalPrior {
	type campaignAgg struct {
		trials    float64
		successes float64
	}
	byCampaign := make(map[string]*campaignAgg)
	for _, agg := range byArm {
		if agg.campaignID == "" {
			continue
		}
		c, ok := byCampaign[agg.campaignID]
		if !ok {
			c = &campaignAgg{}
			byCampaign[agg.campaignID] = c
		}
		c.trials += agg.trials
		c.successes += agg.successes
	}

	ids := make([]string, 0, len(byCampaign))
	for id := range byCampaign {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	globalMean := global.Mean()
	concentration := global.Alpha + global.Beta

	out := make([]schemas.HierarchicalPrior, 0, len(ids))
	for _, id := range ids {
		c := byCampaign[id]
		var campaignRate float64
		if c.trials > 0 {
			campaignRate = c.successes / c.trials
		} else {
			campaignRate = globalMean
		}
		weight := c.trials / (c.trials + e.cfg.ShrinkageStrength)
		shrunk := weight*campaignRate + (1-weight)*globalMean

		out = append(out, schemas.HierarchicalPrior{
			Level:      schemas.PriorLevelCampaign,
			ScopeID:    id,
			Metric:     schemas.MetricConversionRate,
			Alpha:      e.smooth(shrunk * concentration),
			Beta:       e.smooth((1 - shrunk) * concentration),
			SampleSize: c.trials,
			UpdatedAt:  now,
		})
	}
	return out
}

// globalValuePrior fits a Gamma prior over revenue per conversion by method
// of moments. With fewer than two arms carrying conversions there is no
// variance to estimate and no prior is written.
func (e *Engine) globalValuePrior(byArm map[string]*armAggregate, now time.Time) (schemas.HierarchicalPrior, bool) {
	var values []float64
	var totalConversions float64
	for _, agg := range byArm {
		if agg.conversions > 0 && agg.revenue > 0 {
			values = append(values, agg.revenue/agg.conversions)
			totalConversions += agg.conversions
		}
	}
	if len(values) < 2 {
		return schemas.HierarchicalPrior{}, false
	}
	sort.Float64s(values)

	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	if variance == 0 {
		variance = mean // avoids a degenerate, infinitely confident prior
	}

	// Gamma MoM: shape = mean^2/var, rate = mean/var.
	return schemas.HierarchicalPrior{
		Level:      schemas.PriorLevelGlobal,
		ScopeID:    "",
		Metric:     schemas.MetricValuePerConv,
		Alpha:      e.smooth(mean * mean / variance),
		Beta:       e.smooth(mean / variance),
		SampleSize: totalConversions,
		UpdatedAt:  now,
	}, true
}

// smooth enforces the post-smoothing floor so posteriors never degenerate.
func (e *Engine) smooth(param float64) float64 {
	if param < e.cfg.SmoothingFloor {
		return e.cfg.SmoothingFloor
	}
	return param
}

// weightedRateMoments computes the trial-weighted mean and variance of the
// per-arm effective rates.
func weightedRateMoments(byArm map[string]*armAggregate) (mean, variance, totalTrials float64) {
	for _, agg := range byArm {
		totalTrials += agg.trials
	}
	if totalTrials == 0 {
		return 0, 0, 0
	}
	for _, agg := range byArm {
		mean += agg.rate() * agg.trials / totalTrials
	}
	for _, agg := range byArm {
		d := agg.rate() - mean
		variance += d * d * agg.trials / totalTrials
	}
	return mean, variance, totalTrials
}
