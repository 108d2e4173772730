package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NotNil(t, cfg)
	require.NoError(t, cfg.Validate(), "defaults must always validate")

	assert.Equal(t, "adsage-cli", cfg.Logger().ServiceName)
	assert.Equal(t, 2, cfg.Allocator().CurrencyMinorUnits)
	assert.Equal(t, 0.001, cfg.Allocator().SumTolerance)
	assert.Equal(t, 0.5, cfg.Pacing().MinBidMultiplier)
	assert.Equal(t, 1.5, cfg.Pacing().MaxBidMultiplier)
	assert.Equal(t, time.Hour, cfg.Pacing().DecisionFrequency)
	assert.Equal(t, EnforcementHard, cfg.Guardrails().Enforcement)
	assert.Equal(t, 14*24*time.Hour, cfg.Lag().RecencyHalfLife)
	assert.InDelta(t, 0.90, cfg.Sampling().CredibleLevel, 1e-9)
}

func TestNewConfigFromViper(t *testing.T) {
	t.Run("overrides apply", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("pacing.gain", 0.5)
		v.Set("guardrails.enforcement", "soft")
		v.Set("guardrails.prohibited_terms", []string{"gambling", "counterfeit"})

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 0.5, cfg.Pacing().Gain)
		assert.Equal(t, EnforcementSoft, cfg.Guardrails().Enforcement)
		assert.Equal(t, []string{"gambling", "counterfeit"}, cfg.Guardrails().ProhibitedTerms)
	})

	t.Run("invalid ranges fail fast", func(t *testing.T) {
		cases := []struct {
			name  string
			key   string
			value any
		}{
			{"zero sum tolerance", "allocator.sum_tolerance", 0.0},
			{"smoothing floor at 1", "priors.smoothing_floor", 1.0},
			{"lag correction below 1", "lag.max_correction_factor", 0.5},
			{"inverted multiplier bounds", "pacing.max_bid_multiplier", 0.1},
			{"unknown enforcement", "guardrails.enforcement", "audit"},
			{"credible level at 1", "sampling.credible_level", 1.0},
			{"gain above 1", "pacing.gain", 1.5},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				v := viper.New()
				SetDefaults(v)
				v.Set(tc.key, tc.value)
				_, err := NewConfigFromViper(v)
				assert.Error(t, err)
			})
		}
	})
}
