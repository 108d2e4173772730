package guardrails

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/adsage/adsage-cli/api/schemas"
	"github.com/adsage/adsage-cli/internal/config"
)

func testGuardrailsConfig() config.GuardrailsConfig {
	return config.GuardrailsConfig{
		Enforcement:     config.EnforcementHard,
		MaxDailyBudget:  1000,
		MaxBid:          25,
		ProhibitedTerms: []string{"counterfeit", "miracle cure"},
		AllowedDevices:  []string{"mobile", "desktop", "tablet"},
	}
}

func newTestValidator(t *testing.T, cfg config.GuardrailsConfig) *Validator {
	t.Helper()
	v, err := NewValidator(cfg, zap.NewNop())
	require.NoError(t, err)
	return v
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func budgetMutation(t *testing.T, entityID string, budget float64) schemas.Mutation {
	return schemas.Mutation{
		Type:     schemas.MutationUpdate,
		Resource: schemas.ResourceBudget,
		EntityID: entityID,
		Changes:  map[string]json.RawMessage{"daily_budget": rawJSON(t, budget)},
	}
}

func TestValidateMutationWithinLimitsPasses(t *testing.T) {
	v := newTestValidator(t, testGuardrailsConfig())

	result, err := v.ValidateMutation(context.Background(), budgetMutation(t, "c1", 500))
	require.NoError(t, err)

	assert.True(t, result.Passed)
	assert.Empty(t, result.Violations)
	assert.Equal(t, schemas.RiskLow, result.EstimatedImpact.RiskLevel)
}

func TestBudgetCeilingBlocksAndSuggestsClamp(t *testing.T) {
	v := newTestValidator(t, testGuardrailsConfig())

	result, err := v.ValidateMutation(context.Background(), budgetMutation(t, "c1", 5000))
	require.NoError(t, err)

	assert.False(t, result.Passed, "hard enforcement blocks error violations")
	require.Len(t, result.Violations, 1)
	assert.Equal(t, schemas.ViolationBudgetCeiling, result.Violations[0].Type)

	require.Len(t, result.Modifications, 1)
	assert.Equal(t, "daily_budget", result.Modifications[0].Field)
	assert.JSONEq(t, "1000", string(result.Modifications[0].Suggested))
}

func TestSoftEnforcementReportsButAllows(t *testing.T) {
	cfg := testGuardrailsConfig()
	cfg.Enforcement = config.EnforcementSoft
	v := newTestValidator(t, cfg)

	result, err := v.ValidateMutation(context.Background(), budgetMutation(t, "c1", 5000))
	require.NoError(t, err)

	assert.True(t, result.Passed, "soft mode lets error violations through")
	assert.NotEmpty(t, result.Violations, "violations are still surfaced")
}

func TestProhibitedContentAlwaysBlocks(t *testing.T) {
	cfg := testGuardrailsConfig()
	cfg.Enforcement = config.EnforcementSoft
	v := newTestValidator(t, cfg)

	m := schemas.Mutation{
		Type:     schemas.MutationCreate,
		Resource: schemas.ResourceKeyword,
		Changes: map[string]json.RawMessage{
			"keyword_text":       rawJSON(t, "Cheap COUNTERFEIT watches"),
			"parent_campaign_id": rawJSON(t, "c1"),
		},
	}
	result, err := v.ValidateMutation(context.Background(), m)
	require.NoError(t, err)

	assert.False(t, result.Passed, "content hits are critical regardless of enforcement mode")
	require.Len(t, result.Violations, 1)
	assert.Equal(t, schemas.ViolationProhibitedContent, result.Violations[0].Type)
	assert.Equal(t, schemas.SeverityCritical, result.Violations[0].Severity)
	assert.Equal(t, schemas.RiskHigh, result.EstimatedImpact.RiskLevel)
}

func TestDeviceTargeting(t *testing.T) {
	v := newTestValidator(t, testGuardrailsConfig())

	t.Run("unknown device rejected", func(t *testing.T) {
		m := schemas.Mutation{
			Type: schemas.MutationUpdate, Resource: schemas.ResourceTargeting, EntityID: "c1",
			Changes: map[string]json.RawMessage{"devices": rawJSON(t, []string{"mobile", "smart_fridge"})},
		}
		result, err := v.ValidateMutation(context.Background(), m)
		require.NoError(t, err)
		assert.False(t, result.Passed)
		require.Len(t, result.Violations, 1)
		assert.Equal(t, schemas.ViolationDeviceTargeting, result.Violations[0].Type)
	})

	t.Run("empty device list rejected", func(t *testing.T) {
		m := schemas.Mutation{
			Type: schemas.MutationUpdate, Resource: schemas.ResourceTargeting, EntityID: "c1",
			Changes: map[string]json.RawMessage{"devices": rawJSON(t, []string{})},
		}
		result, err := v.ValidateMutation(context.Background(), m)
		require.NoError(t, err)
		assert.False(t, result.Passed)
	})
}

func TestStructuralChecks(t *testing.T) {
	v := newTestValidator(t, testGuardrailsConfig())

	t.Run("unknown type is critical", func(t *testing.T) {
		m := schemas.Mutation{Type: "DESTROY", Resource: schemas.ResourceCampaign, EntityID: "c1"}
		result, err := v.ValidateMutation(context.Background(), m)
		require.NoError(t, err)
		assert.False(t, result.Passed)
		assert.Equal(t, schemas.SeverityCritical, result.Violations[0].Severity)
	})

	t.Run("orphan create rejected", func(t *testing.T) {
		m := schemas.Mutation{
			Type: schemas.MutationCreate, Resource: schemas.ResourceKeyword,
			Changes: map[string]json.RawMessage{"keyword_text": rawJSON(t, "running shoes")},
		}
		result, err := v.ValidateMutation(context.Background(), m)
		require.NoError(t, err)
		assert.False(t, result.Passed)
		assert.Equal(t, schemas.ViolationStructural, result.Violations[0].Type)
	})
}

func TestChecksAreIndependent(t *testing.T) {
	// A single mutation breaking two unrelated rules must report both.
	v := newTestValidator(t, testGuardrailsConfig())

	m := schemas.Mutation{
		Type: schemas.MutationUpdate, Resource: schemas.ResourceKeyword, EntityID: "k1",
		Changes: map[string]json.RawMessage{
			"keyword_text": rawJSON(t, "miracle cure pills"),
			"bid":          rawJSON(t, 99.0),
		},
	}
	result, err := v.ValidateMutation(context.Background(), m)
	require.NoError(t, err)

	types := map[schemas.ViolationType]bool{}
	for _, viol := range result.Violations {
		types[viol.Type] = true
	}
	assert.True(t, types[schemas.ViolationProhibitedContent])
	assert.True(t, types[schemas.ViolationBidCeiling])
}

func landingPageConfig(timeout time.Duration) config.LandingPageConfig {
	return config.LandingPageConfig{
		Enabled:          true,
		Timeout:          timeout,
		MaxLatency:       0,
		RequireHTTPS:     false,
		RequireMobile:    false,
		ProbesPerSecond:  1000,
		BreakerThreshold: 3,
		BreakerCooldown:  time.Minute,
	}
}

func urlMutation(t *testing.T, url string) schemas.Mutation {
	return schemas.Mutation{
		Type: schemas.MutationUpdate, Resource: schemas.ResourceKeyword, EntityID: "k1",
		Changes: map[string]json.RawMessage{"final_url": rawJSON(t, url)},
	}
}

func TestLandingPageChecks(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><meta name="viewport" content="width=device-width"></head><body>ok</body></html>`))
	}))
	defer healthy.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	t.Run("healthy page passes", func(t *testing.T) {
		cfg := testGuardrailsConfig()
		cfg.LandingPage = landingPageConfig(5 * time.Second)
		v := newTestValidator(t, cfg)

		result, err := v.ValidateMutation(context.Background(), urlMutation(t, healthy.URL))
		require.NoError(t, err)
		assert.True(t, result.Passed)
	})

	t.Run("error status violates", func(t *testing.T) {
		cfg := testGuardrailsConfig()
		cfg.LandingPage = landingPageConfig(5 * time.Second)
		v := newTestValidator(t, cfg)

		result, err := v.ValidateMutation(context.Background(), urlMutation(t, broken.URL))
		require.NoError(t, err)
		assert.False(t, result.Passed)
		assert.Equal(t, schemas.ViolationLandingPage, result.Violations[0].Type)
	})

	t.Run("https requirement flags http pages", func(t *testing.T) {
		cfg := testGuardrailsConfig()
		cfg.LandingPage = landingPageConfig(5 * time.Second)
		cfg.LandingPage.RequireHTTPS = true
		v := newTestValidator(t, cfg)

		result, err := v.ValidateMutation(context.Background(), urlMutation(t, healthy.URL))
		require.NoError(t, err)
		assert.False(t, result.Passed)
	})

	t.Run("mobile requirement needs viewport meta", func(t *testing.T) {
		bare := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html><head><title>t</title></head><body>ok</body></html>`))
		}))
		defer bare.Close()

		cfg := testGuardrailsConfig()
		cfg.LandingPage = landingPageConfig(5 * time.Second)
		cfg.LandingPage.RequireMobile = true
		v := newTestValidator(t, cfg)

		result, err := v.ValidateMutation(context.Background(), urlMutation(t, bare.URL))
		require.NoError(t, err)
		assert.False(t, result.Passed)
		assert.Contains(t, result.Violations[0].Message, "viewport")
	})
}

func TestProberCircuitBreaker(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close() // connections now refused

	cfg := landingPageConfig(500 * time.Millisecond)
	cfg.BreakerThreshold = 2

	p, err := NewProber(cfg, zap.NewNop())
	require.NoError(t, err)

	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	for i := 0; i < 2; i++ {
		result, probeErr := p.Probe(context.Background(), dead.URL)
		require.NoError(t, probeErr, "transport failures report unreachable, not an error")
		assert.False(t, result.Reachable)
	}

	// Threshold reached: the circuit rejects without touching the network.
	_, err = p.Probe(context.Background(), dead.URL)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	// After the cooldown one trial request is allowed through again.
	clock = clock.Add(2 * time.Minute)
	result, err := p.Probe(context.Background(), dead.URL)
	require.NoError(t, err)
	assert.False(t, result.Reachable)

	// The failed trial re-opens the circuit immediately.
	_, err = p.Probe(context.Background(), dead.URL)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestOpenCircuitDowngradesToWarning(t *testing.T) {
	cfg := testGuardrailsConfig()
	cfg.LandingPage = landingPageConfig(500 * time.Millisecond)
	cfg.LandingPage.BreakerThreshold = 1
	v := newTestValidator(t, cfg)

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	// First probe fails and opens the single-failure breaker.
	first, err := v.ValidateMutation(context.Background(), urlMutation(t, dead.URL))
	require.NoError(t, err)
	assert.False(t, first.Passed)

	second, err := v.ValidateMutation(context.Background(), urlMutation(t, dead.URL))
	require.NoError(t, err)
	assert.True(t, second.Passed, "an open circuit must not block mutations")
	require.NotEmpty(t, second.Warnings)
	assert.Contains(t, second.Warnings[0], "circuit open")
}

func TestValidateBatchKeepsOrderAndIsolation(t *testing.T) {
	defer goleak.VerifyNone(t)
	v := newTestValidator(t, testGuardrailsConfig())

	mutations := []schemas.Mutation{
		budgetMutation(t, "c1", 500),  // passes
		budgetMutation(t, "c2", 5000), // over ceiling
		budgetMutation(t, "c3", 10),   // passes
	}
	results, err := v.ValidateBatch(context.Background(), mutations)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Passed)
	assert.False(t, results[1].Passed, "blocked mutation keeps its slot")
	assert.True(t, results[2].Passed, "a blocked sibling never hides this verdict")
}
