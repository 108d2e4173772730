package priors

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adsage/adsage-cli/api/schemas"
	"github.com/adsage/adsage-cli/internal/config"
	"github.com/adsage/adsage-cli/internal/sampling"
)

type fakeStore struct {
	measurements []schemas.ExperimentMeasurement
	written      []schemas.HierarchicalPrior
	listErr      error
	writeErr     error
}

func (f *fakeStore) ListMeasurements(ctx context.Context) ([]schemas.ExperimentMeasurement, error) {
	return f.measurements, f.listErr
}

func (f *fakeStore) ReplacePriors(ctx context.Context, priors []schemas.HierarchicalPrior) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = priors
	return nil
}

func (f *fakeStore) ListPriors(ctx context.Context) ([]schemas.HierarchicalPrior, error) {
	return f.written, nil
}

func testPriorsConfig() config.PriorsConfig {
	return config.PriorsConfig{MinTrials: 30, ShrinkageStrength: 50, SmoothingFloor: 1.01}
}

func measurement(armID, campaignID string, trials, successes int64, revenue float64) schemas.ExperimentMeasurement {
	return schemas.ExperimentMeasurement{
		ArmID:              armID,
		CampaignID:         campaignID,
		PeriodStart:        time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Trials:             trials,
		Successes:          successes,
		RevenueTotal:       revenue,
		RecencyWeight:      1.0,
		EffectiveTrials:    float64(trials),
		EffectiveSuccesses: float64(successes),
	}
}

func TestUpdateAllPriorsWritesAllLevels(t *testing.T) {
	store := &fakeStore{measurements: []schemas.ExperimentMeasurement{
		measurement("a1", "c1", 1000, 50, 2500),
		measurement("a2", "c1", 800, 24, 900),
		measurement("a3", "c2", 1200, 84, 4100),
		measurement("a4", "c2", 400, 12, 520),
	}}

	engine, err := NewEngine(testPriorsConfig(), store, store, zap.NewNop())
	require.NoError(t, err)

	counts, err := engine.UpdateAllPriors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Global, "rate + value priors at global level")
	assert.Equal(t, 2, counts.Campaign)

	for _, p := range store.written {
		assert.NoError(t, p.Validate(), "every written prior must respect the smoothing floor")
	}

	// The global rate prior mean must sit inside the observed rate range.
	var global schemas.HierarchicalPrior
	for _, p := range store.written {
		if p.Level == schemas.PriorLevelGlobal && p.Metric == schemas.MetricConversionRate {
			global = p
		}
	}
	assert.Greater(t, global.Mean(), 0.02)
	assert.Less(t, global.Mean(), 0.08)
}

func TestUpdateAllPriorsIsIdempotent(t *testing.T) {
	store := &fakeStore{measurements: []schemas.ExperimentMeasurement{
		measurement("a1", "c1", 500, 20, 800),
		measurement("a2", "c1", 700, 35, 1400),
		measurement("a3", "c2", 300, 6, 200),
	}}
	engine, err := NewEngine(testPriorsConfig(), store, store, zap.NewNop())
	require.NoError(t, err)

	_, err = engine.UpdateAllPriors(context.Background())
	require.NoError(t, err)
	first := store.written

	_, err = engine.UpdateAllPriors(context.Background())
	require.NoError(t, err)
	second := store.written

	diff := cmp.Diff(first, second,
		cmpopts.IgnoreFields(schemas.HierarchicalPrior{}, "UpdatedAt"),
		cmpopts.EquateApprox(0, 1e-12))
	assert.Empty(t, diff, "re-running on unchanged data must reproduce identical priors")
}

func TestCampaignShrinkageFollowsSampleSize(t *testing.T) {
	// c_big has lots of data and an unusually high rate; c_small has a
	// handful of trials at the same high rate. The small campaign's prior
	// must end up much closer to the global mean.
	store := &fakeStore{measurements: []schemas.ExperimentMeasurement{
		measurement("a1", "c_big", 5000, 500, 10000), // 10%
		measurement("a2", "c_base", 5000, 100, 2000), // 2%
		measurement("a3", "c_small", 20, 2, 40),      // 10%, tiny n
	}}
	engine, err := NewEngine(testPriorsConfig(), store, store, zap.NewNop())
	require.NoError(t, err)
	_, err = engine.UpdateAllPriors(context.Background())
	require.NoError(t, err)

	priors := map[string]schemas.HierarchicalPrior{}
	var global schemas.HierarchicalPrior
	for _, p := range store.written {
		if p.Metric != schemas.MetricConversionRate {
			continue
		}
		if p.Level == schemas.PriorLevelCampaign {
			priors[p.ScopeID] = p
		} else {
			global = p
		}
	}

	big, small := priors["c_big"], priors["c_small"]
	require.NotZero(t, big.Alpha)
	require.NotZero(t, small.Alpha)

	distBig := big.Mean() - global.Mean()
	distSmall := small.Mean() - global.Mean()
	assert.Greater(t, distBig, distSmall*2,
		"large campaign (mean %.4f) should sit further from global (%.4f) than small (%.4f)",
		big.Mean(), global.Mean(), small.Mean())
}

func TestUpdateAllPriorsEmptyHistory(t *testing.T) {
	store := &fakeStore{}
	engine, err := NewEngine(testPriorsConfig(), store, store, zap.NewNop())
	require.NoError(t, err)

	counts, err := engine.UpdateAllPriors(context.Background())
	require.NoError(t, err, "no measurements is a fallback case, not an error")
	assert.Zero(t, counts.Global)
	assert.Zero(t, counts.Campaign)
	assert.Empty(t, store.written)
}

func TestEnhancerBorrowsForLowDataArms(t *testing.T) {
	store := &fakeStore{written: []schemas.HierarchicalPrior{
		{Level: schemas.PriorLevelGlobal, Metric: schemas.MetricConversionRate, Alpha: 5, Beta: 95},
		{Level: schemas.PriorLevelCampaign, ScopeID: "rich", Metric: schemas.MetricConversionRate, Alpha: 8, Beta: 92},
		{Level: schemas.PriorLevelGlobal, Metric: schemas.MetricValuePerConv, Alpha: 4, Beta: 0.1},
	}}

	enh, err := NewEnhancer(testPriorsConfig(), store, zap.NewNop())
	require.NoError(t, err)

	arms := []schemas.Arm{
		{ID: "rich", Kind: schemas.ArmKindCampaign, TrailingMetrics: schemas.ArmMetrics{Clicks: 5}},
		{ID: "sparse", Kind: schemas.ArmKindCampaign, TrailingMetrics: schemas.ArmMetrics{Clicks: 10}},
		{ID: "veteran", Kind: schemas.ArmKindCampaign, TrailingMetrics: schemas.ArmMetrics{Clicks: 5000, Conversions: 100}},
	}

	ov := sampling.NewOverrides()
	require.NoError(t, enh.Enhance(context.Background(), arms, ov))

	assert.Equal(t, 8.0, ov.RatePriors["rich"].Alpha, "campaign prior preferred over global")
	assert.Equal(t, 5.0, ov.RatePriors["sparse"].Alpha, "global prior as fallback")
	_, ok := ov.RatePriors["veteran"]
	assert.False(t, ok, "data-rich arms keep Laplace smoothing")

	_, ok = ov.ValuePriors["sparse"]
	assert.True(t, ok, "zero-conversion arms get the value prior")
}

func TestEnhancerNoPriorsIsNoop(t *testing.T) {
	store := &fakeStore{}
	enh, err := NewEnhancer(testPriorsConfig(), store, zap.NewNop())
	require.NoError(t, err)

	ov := sampling.NewOverrides()
	err = enh.Enhance(context.Background(), []schemas.Arm{{ID: "a", Kind: schemas.ArmKindCampaign}}, ov)
	require.NoError(t, err)
	assert.Empty(t, ov.RatePriors)
}
