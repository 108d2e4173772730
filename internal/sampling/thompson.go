package sampling

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/adsage/adsage-cli/api/schemas"
	"github.com/adsage/adsage-cli/internal/config"
)

// Optimizer is the base Thompson Sampling allocator. It models each arm's
// conversion rate as a Beta posterior and its value per conversion as a
// Gamma-derived point estimate, draws one posterior sample per arm per run,
// and turns the resulting scores into a raw budget split.
//
// One draw per arm per run (not per unit of budget) keeps a single lucky
// sample from concentrating the whole budget on one arm.
type Optimizer struct {
	cfg       config.SamplingConfig
	logger    *zap.Logger
	enhancers []Enhancer
	src       rand.Source

	// efficiency divides scores by estimated cost per click, turning the
	// expected value into an expected value per unit spend.
	efficiency bool
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithEnhancers installs the enhancement layers, in application order. The
// composition root builds this list from feature flag state; an empty list
// is the pure base sampler.
func WithEnhancers(enhancers ...Enhancer) Option {
	return func(o *Optimizer) { o.enhancers = enhancers }
}

// WithEfficiencyScoring switches scores to value-per-spend.
func WithEfficiencyScoring() Option {
	return func(o *Optimizer) { o.efficiency = true }
}

// NewOptimizer builds the base sampler. A zero seed derives one from the
// clock; fixed seeds are for tests and replay.
func NewOptimizer(cfg config.SamplingConfig, logger *zap.Logger, opts ...Option) (*Optimizer, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	o := &Optimizer{
		cfg:    cfg,
		logger: logger.Named("thompson"),
		src:    rand.NewPCG(seed, seed^0x9e3779b97f4a7c15),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Allocate implements Sampler. Paused arms are excluded; with no eligible
// arms the result is empty; with all-zero scores the budget splits
// uniformly. Sampled scores only rank arms: the final split still honors
// per-arm administrative bounds and the change cap, with infeasible or
// unplaceable budget reported as violations. Enhancer failures degrade to
// the unenhanced inputs and are logged, never returned.
func (o *Optimizer) Allocate(ctx context.Context, arms []schemas.Arm, totalBudget float64, constraints schemas.BudgetConstraints) (*schemas.OptimizationResult, error) {
	if err := constraints.Validate(); err != nil {
		return nil, err
	}
	if totalBudget < 0 {
		return nil, fmt.Errorf("total budget must be non-negative, got %.2f", totalBudget)
	}

	result := &schemas.OptimizationResult{
		TotalBudget: totalBudget,
		Feasible:    true,
		GeneratedAt: time.Now().UTC(),
	}

	eligible := make([]schemas.Arm, 0, len(arms))
	for _, arm := range arms {
		if err := arm.Validate(); err != nil {
			return nil, err
		}
		if !arm.IsPaused {
			eligible = append(eligible, arm)
		}
	}
	if len(eligible) == 0 {
		result.Allocations = []schemas.AllocationResult{}
		return result, nil
	}

	ov := NewOverrides()
	for _, e := range o.enhancers {
		if err := e.Enhance(ctx, eligible, ov); err != nil {
			// Enhancement is best-effort: fall back to whatever the
			// overrides held before this layer.
			o.logger.Warn("Enhancer failed, degrading to unenhanced inputs",
				zap.String("enhancer", e.Name()), zap.Error(err))
		}
	}

	scores := make([]float64, len(eligible))
	allocations := make([]schemas.AllocationResult, len(eligible))
	portfolioEV := 0.0

	for i, arm := range eligible {
		s := o.scoreArm(arm, ov, constraints.RiskTolerance)
		scores[i] = s.score
		portfolioEV += s.meanEV
		allocations[i] = schemas.AllocationResult{
			ArmID:              arm.ID,
			ConfidenceInterval: s.interval,
			Reasoning:          s.reasoning,
		}
	}
	portfolioEV /= float64(len(eligible))
	for i := range allocations {
		// Improvement is the arm's posterior-mean expected value relative
		// to the portfolio average; positive means above-average.
		ev := evFromScore(eligible[i], ov)
		if portfolioEV > 0 {
			allocations[i].ExpectedImprovement = ev/portfolioEV - 1
		}
	}

	o.distribute(allocations, eligible, scores, totalBudget, constraints, result)
	result.Allocations = allocations
	return result, nil
}

type armScore struct {
	score     float64
	meanEV    float64
	interval  schemas.ConfidenceInterval
	reasoning string
}

// posterior resolves the Beta parameters for one arm from its raw or
// adjusted counts plus its prior. Laplace smoothing is the default prior.
func posterior(arm schemas.Arm, ov *Overrides) (alpha, beta, trials float64) {
	trials = float64(arm.TrailingMetrics.Clicks)
	successes := float64(arm.TrailingMetrics.Conversions)
	if c, ok := ov.Counts[arm.ID]; ok {
		trials, successes = c.Trials, c.Successes
	}

	priorAlpha, priorBeta := 1.0, 1.0
	if p, ok := ov.RatePriors[arm.ID]; ok {
		priorAlpha, priorBeta = p.Alpha, p.Beta
	}

	failures := trials - successes
	if failures < 0 {
		failures = 0
	}
	return successes + priorAlpha, failures + priorBeta, trials
}

// valueEstimate is the Gamma-derived point estimate of revenue per
// conversion. The posterior over the rate parameter has its mean at the
// observed average, so the point estimate is the observed value per
// conversion, falling back to the value prior's mean and finally to a
// neutral 1.0 so rate-only comparison still works.
func valueEstimate(arm schemas.Arm, ov *Overrides) float64 {
	m := arm.TrailingMetrics
	if m.Conversions > 0 && m.Revenue > 0 {
		shape := float64(m.Conversions) + 1
		rate := shape / m.ValuePerConversion()
		return shape / rate
	}
	if p, ok := ov.ValuePriors[arm.ID]; ok && p.Beta > 0 {
		// Gamma mean: shape / rate.
		return p.Alpha / p.Beta
	}
	return 1.0
}

func evFromScore(arm schemas.Arm, ov *Overrides) float64 {
	alpha, beta, _ := posterior(arm, ov)
	return alpha / (alpha + beta) * valueEstimate(arm, ov)
}

func (o *Optimizer) scoreArm(arm schemas.Arm, ov *Overrides, riskTolerance float64) armScore {
	alpha, beta, trials := posterior(arm, ov)
	dist := distuv.Beta{Alpha: alpha, Beta: beta, Src: o.src}
	mean := dist.Mean()

	var rate float64
	var how string
	if trials == 0 {
		// A degenerate sample from a pure prior would add noise without
		// information; the prior's expected value is the honest score.
		rate = mean
		how = "prior mean (no trials)"
	} else {
		sample := dist.Rand()
		// Risk tolerance interpolates between the posterior mean (0, fully
		// conservative) and the raw Thompson draw (1).
		rate = mean + riskTolerance*(sample-mean)
		how = fmt.Sprintf("thompson draw over %.0f trials", trials)
	}

	value := valueEstimate(arm, ov)
	score := rate * value
	if o.efficiency {
		if cpc := arm.TrailingMetrics.AvgCPC(); cpc > 0 {
			score /= cpc
			how += ", per unit spend"
		}
	}

	tail := (1 - o.cfg.CredibleLevel) / 2
	interval := schemas.ConfidenceInterval{
		Low:  dist.Quantile(tail),
		High: dist.Quantile(1 - tail),
	}

	return armScore{
		score:    score,
		meanEV:   mean * value,
		interval: interval,
		reasoning: fmt.Sprintf("rate %.4f via %s, Beta(%.2f, %.2f), value/conv %.2f",
			rate, how, alpha, beta, value),
	}
}

// sumTolerance bounds the acceptable drift between the requested total and
// the placed total.
const sumTolerance = 0.001

type bound struct {
	min float64
	max float64 // math.Inf(1) when unbounded
}

// resolveBounds intersects per-arm administrative bounds with the per-run
// change cap. The change cap binds only for arms with an existing budget;
// brand-new arms move straight to their administrative range.
func resolveBounds(arms []schemas.Arm, constraints schemas.BudgetConstraints) []bound {
	bounds := make([]bound, len(arms))
	for i, arm := range arms {
		lo := arm.EffectiveMin(constraints)
		hi := arm.EffectiveMax(constraints)
		if hi <= 0 {
			hi = math.Inf(1)
		}

		if arm.CurrentDailyBudget > 0 && constraints.MaxChangePercent > 0 {
			change := constraints.MaxChangePercent / 100
			lo = math.Max(lo, arm.CurrentDailyBudget*(1-change))
			hi = math.Min(hi, arm.CurrentDailyBudget*(1+change))
		}
		if lo > hi {
			lo = hi
		}
		bounds[i] = bound{min: lo, max: hi}
	}
	return bounds
}

// weights folds the exploration floor into the proportional shares, so no
// arm is starved purely by sampling luck. With no positive score the split
// is uniform.
func weights(scores []float64, explorationFloor float64) []float64 {
	n := len(scores)
	w := make([]float64, n)
	sum := 0.0
	for _, s := range scores {
		if s > 0 {
			sum += s
		}
	}
	if sum == 0 {
		for i := range w {
			w[i] = 1 / float64(n)
		}
		return w
	}
	floorShare := explorationFloor / float64(n)
	for i, s := range scores {
		w[i] = floorShare
		if s > 0 {
			w[i] += (1 - explorationFloor) * s / sum
		}
	}
	return w
}

// distribute maps scores onto budgets under the same bound discipline as the
// objective allocator: every arm is seeded at its resolved minimum, the
// remainder water-fills proportionally to the sampled weights, and arms
// hitting their cap drop out so their share flows to the rest. Minimums
// exceeding the total scale down with an infeasibility violation; budget no
// arm can absorb is reported as a ceiling violation.
func (o *Optimizer) distribute(allocations []schemas.AllocationResult, arms []schemas.Arm, scores []float64, totalBudget float64, constraints schemas.BudgetConstraints, result *schemas.OptimizationResult) {
	bounds := resolveBounds(arms, constraints)

	sumMin := 0.0
	for _, b := range bounds {
		sumMin += b.min
	}
	if sumMin > totalBudget {
		scale := totalBudget / sumMin
		for i, b := range bounds {
			allocations[i].ProposedDailyBudget = b.min * scale
		}
		result.Feasible = false
		result.Violations = append(result.Violations, schemas.Violation{
			Type:     schemas.ViolationBudgetInfeasible,
			Severity: schemas.SeverityError,
			Message: fmt.Sprintf("minimum budgets sum to %.2f, exceeding total %.2f; scaled by %.3f",
				sumMin, totalBudget, scale),
		})
		return
	}

	w := weights(scores, constraints.ExplorationFloor)
	amounts := make([]float64, len(arms))
	for i, b := range bounds {
		amounts[i] = b.min
	}
	remaining := totalBudget - sumMin

	for remaining > sumTolerance {
		weightSum := 0.0
		for i := range amounts {
			if amounts[i] < bounds[i].max && w[i] > 0 {
				weightSum += w[i]
			}
		}
		if weightSum == 0 {
			break
		}
		placed := 0.0
		for i := range amounts {
			if amounts[i] >= bounds[i].max || w[i] <= 0 {
				continue
			}
			give := remaining * w[i] / weightSum
			if room := bounds[i].max - amounts[i]; give > room {
				give = room
			}
			amounts[i] += give
			placed += give
		}
		remaining -= placed
		if placed <= sumTolerance {
			break
		}
	}

	if remaining > sumTolerance {
		result.Violations = append(result.Violations, schemas.Violation{
			Type:     schemas.ViolationBudgetCeiling,
			Severity: schemas.SeverityWarning,
			Message: fmt.Sprintf("%.2f of the total budget could not be placed: every arm is at its maximum or change cap",
				remaining),
		})
	} else if remaining > 0 {
		// Absorb float drift into the first arm with headroom so the placed
		// total is exact.
		for i := range amounts {
			if amounts[i]+remaining <= bounds[i].max {
				amounts[i] += remaining
				break
			}
		}
	}

	for i := range allocations {
		allocations[i].ProposedDailyBudget = amounts[i]
	}
}
