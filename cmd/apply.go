package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adsage/adsage-cli/api/schemas"
	"github.com/adsage/adsage-cli/internal/observability"
	"github.com/adsage/adsage-cli/internal/store"
)

// newApplyCmd creates the `apply` command, which re-validates a recorded
// proposal's budget changes against the guardrails and marks it applied.
// Applying is idempotent: a second apply of the same proposal fails with a
// clear error instead of overwriting the audit trail.
func newApplyCmd() *cobra.Command {
	applyCmd := &cobra.Command{
		Use:   "apply [proposal-id]",
		Short: "Validates and marks a recorded budget proposal as applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			proposalID := args[0]
			actor, _ := cmd.Flags().GetString("actor")
			force, _ := cmd.Flags().GetBool("force")

			components, err := newComponents(ctx)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			proposal, err := components.Store.GetProposal(ctx, proposalID)
			if err != nil {
				if errors.Is(err, store.ErrProposalNotFound) {
					return fmt.Errorf("no proposal with id %s", proposalID)
				}
				return err
			}

			if !force {
				mutations := proposalMutations(proposal)
				results, verr := components.Guardrails.ValidateBatch(ctx, mutations)
				if verr != nil {
					return verr
				}
				blocked := 0
				for _, r := range results {
					if !r.Passed {
						blocked++
					}
				}
				if blocked > 0 {
					if werr := writeJSON("", results); werr != nil {
						return werr
					}
					logger.Warn("Proposal blocked by guardrails",
						zap.String("proposal_id", proposalID), zap.Int("blocked", blocked))
					return fmt.Errorf("proposal %s blocked: %d of %d budget changes failed guardrails",
						proposalID, blocked, len(results))
				}
			}

			if err := components.Store.MarkProposalApplied(ctx, proposalID, actor); err != nil {
				if errors.Is(err, store.ErrProposalApplied) {
					return fmt.Errorf("proposal %s was already applied", proposalID)
				}
				return err
			}

			// Campaigns rolled into pacing integration start the new budget
			// day at a neutral multiplier for their approved budget.
			paced := 0
			for _, alloc := range proposal.Result.Allocations {
				if !components.Flags.IsEnabled(schemas.FlagPacingIntegration, alloc.ArmID) {
					continue
				}
				if _, perr := components.Pacing.InitializeCampaignPacing(ctx, alloc.ArmID, toMicros(alloc.ProposedDailyBudget)); perr != nil {
					logger.Warn("Failed to seed pacing state",
						zap.String("campaign_id", alloc.ArmID), zap.Error(perr))
					continue
				}
				paced++
			}
			if paced > 0 {
				logger.Info("Pacing states seeded", zap.Int("campaigns", paced))
			}

			fmt.Printf("Proposal %s applied by %s.\n", proposalID, actor)
			return nil
		},
	}

	applyCmd.Flags().String("actor", "cli", "Actor recorded on the proposal audit trail.")
	applyCmd.Flags().Bool("force", false, "Skip guardrail re-validation before applying.")
	return applyCmd
}

// toMicros converts a currency amount to integer micros, rounding to the
// nearest micro so amounts that do not round-trip in float64 never
// undershoot.
func toMicros(amount float64) int64 {
	return int64(math.Round(amount * 1e6))
}

// proposalMutations turns a proposal's allocations into budget-update
// mutations so the guardrail battery can judge them at apply time.
func proposalMutations(p *schemas.Proposal) []schemas.Mutation {
	mutations := make([]schemas.Mutation, 0, len(p.Result.Allocations))
	for _, alloc := range p.Result.Allocations {
		budget, _ := json.Marshal(alloc.ProposedDailyBudget)
		mutations = append(mutations, schemas.Mutation{
			Type:          schemas.MutationUpdate,
			Resource:      schemas.ResourceBudget,
			EntityID:      alloc.ArmID,
			Changes:       map[string]json.RawMessage{"daily_budget": budget},
			EstimatedCost: alloc.ProposedDailyBudget,
		})
	}
	return mutations
}
