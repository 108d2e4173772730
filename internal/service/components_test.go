package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adsage/adsage-cli/api/schemas"
	"github.com/adsage/adsage-cli/internal/config"
	"github.com/adsage/adsage-cli/internal/flags"
	"github.com/adsage/adsage-cli/internal/sampling"
)

// recordingEnhancer notes whether its Enhance ran during an allocation.
type recordingEnhancer struct {
	name   string
	called bool
}

func (r *recordingEnhancer) Name() string { return r.name }

func (r *recordingEnhancer) Enhance(ctx context.Context, arms []schemas.Arm, ov *sampling.Overrides) error {
	r.called = true
	return nil
}

func newTestComponents(t *testing.T, defaults map[string]float64) (*Components, *recordingEnhancer, *recordingEnhancer) {
	t.Helper()
	logger := zap.NewNop()
	lagEnh := &recordingEnhancer{name: "lag_correction"}
	priorsEnh := &recordingEnhancer{name: "hierarchical_priors"}
	c := &Components{
		Flags:  flags.NewManager(config.FlagsConfig{Defaults: defaults}, logger),
		cfg:    config.NewDefaultConfig(),
		logger: logger,
		enhancerTable: []flaggedEnhancer{
			{flag: schemas.FlagLagCorrection, enhancer: lagEnh},
			{flag: schemas.FlagHierarchicalPriors, enhancer: priorsEnh},
		},
	}
	return c, lagEnh, priorsEnh
}

func runSampler(t *testing.T, s sampling.Sampler) {
	t.Helper()
	arms := []schemas.Arm{
		{ID: "c-1", Kind: schemas.ArmKindCampaign, CurrentDailyBudget: 10},
		{ID: "c-2", Kind: schemas.ArmKindCampaign, CurrentDailyBudget: 10},
	}
	result, err := s.Allocate(context.Background(), arms, 100, schemas.BudgetConstraints{})
	require.NoError(t, err)
	require.NotEmpty(t, result.Allocations, "every flag combination degrades to a valid allocation")
}

func TestSamplerForRespectsFlagState(t *testing.T) {
	t.Run("all layers off", func(t *testing.T) {
		c, lagEnh, priorsEnh := newTestComponents(t, map[string]float64{
			schemas.FlagLagCorrection:      0,
			schemas.FlagHierarchicalPriors: 0,
		})
		s, err := c.SamplerFor("acct-1")
		require.NoError(t, err)
		runSampler(t, s)
		assert.False(t, lagEnh.called)
		assert.False(t, priorsEnh.called)
	})

	t.Run("lag only", func(t *testing.T) {
		c, lagEnh, priorsEnh := newTestComponents(t, map[string]float64{
			schemas.FlagLagCorrection:      100,
			schemas.FlagHierarchicalPriors: 0,
		})
		s, err := c.SamplerFor("acct-1")
		require.NoError(t, err)
		runSampler(t, s)
		assert.True(t, lagEnh.called)
		assert.False(t, priorsEnh.called)
	})

	t.Run("both layers", func(t *testing.T) {
		c, lagEnh, priorsEnh := newTestComponents(t, map[string]float64{
			schemas.FlagLagCorrection:      100,
			schemas.FlagHierarchicalPriors: 100,
		})
		s, err := c.SamplerFor("acct-1")
		require.NoError(t, err)
		runSampler(t, s)
		assert.True(t, lagEnh.called)
		assert.True(t, priorsEnh.called)
	})
}

func TestShutdownSafeOnPartialInit(t *testing.T) {
	// A Components that never got past pool creation must shut down cleanly.
	c := &Components{}
	assert.NotPanics(t, c.Shutdown)

	c = &Components{logger: zap.NewNop()}
	assert.NotPanics(t, c.Shutdown)
}
