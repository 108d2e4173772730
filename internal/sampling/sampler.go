package sampling

import (
	"context"

	"github.com/adsage/adsage-cli/api/schemas"
)

// Sampler produces a constrained budget split from trailing metrics. The base
// implementation is the Thompson Sampling optimizer; enhancement layers
// (hierarchical priors, lag correction) plug in as Enhancers selected by the
// composition root from feature flag state. The returned result honors the
// same per-arm bounds as the objective allocator and carries any violations
// the run produced.
type Sampler interface {
	Allocate(ctx context.Context, arms []schemas.Arm, totalBudget float64, constraints schemas.BudgetConstraints) (*schemas.OptimizationResult, error)
}

// Counts is an adjusted trial/success pair for one arm. Fractional values
// are expected: lag correction and recency decay produce non-integer
// effective counts.
type Counts struct {
	Trials    float64
	Successes float64
}

// Overrides carries everything the enhancement layers contribute to a run.
// The base optimizer consumes it; a nil map entry means "use raw data".
type Overrides struct {
	// Counts replaces an arm's raw click/conversion counts with adjusted
	// effective counts.
	Counts map[string]Counts

	// RatePriors replaces the default Laplace(1,1) conversion-rate prior.
	RatePriors map[string]schemas.HierarchicalPrior

	// ValuePriors supplies value-per-conversion priors for arms without
	// conversion history.
	ValuePriors map[string]schemas.HierarchicalPrior
}

// NewOverrides returns an Overrides with all maps allocated.
func NewOverrides() *Overrides {
	return &Overrides{
		Counts:      make(map[string]Counts),
		RatePriors:  make(map[string]schemas.HierarchicalPrior),
		ValuePriors: make(map[string]schemas.HierarchicalPrior),
	}
}

// Enhancer is one enhancement layer. Enhancers mutate the run's Overrides
// and must degrade rather than fail: missing profiles, priors, or history
// leave the overrides untouched for the affected arms.
type Enhancer interface {
	Name() string
	Enhance(ctx context.Context, arms []schemas.Arm, ov *Overrides) error
}
