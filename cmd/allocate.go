package cmd

import (
	"fmt"
	"os"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adsage/adsage-cli/api/schemas"
	"github.com/adsage/adsage-cli/internal/allocator"
	"github.com/adsage/adsage-cli/internal/observability"
)

// allocationRequest is the JSON shape the allocate command consumes.
type allocationRequest struct {
	AccountID   string                        `json:"account_id"`
	Objective   schemas.OptimizationObjective `json:"objective"`
	TotalBudget float64                       `json:"total_budget"`
	Currency    string                        `json:"currency"`
	Constraints schemas.BudgetConstraints     `json:"constraints"`
	Arms        []schemas.Arm                 `json:"arms"`
}

// newAllocateCmd creates the `allocate` command: arms JSON in, persisted
// proposal out.
func newAllocateCmd() *cobra.Command {
	allocateCmd := &cobra.Command{
		Use:   "allocate [request.json]",
		Short: "Computes a constrained budget allocation and records it as a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			strategy, _ := cmd.Flags().GetString("strategy")
			actor, _ := cmd.Flags().GetString("actor")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			outputPath, _ := cmd.Flags().GetString("output")

			req, err := readAllocationRequest(args[0])
			if err != nil {
				return err
			}

			components, err := newComponents(ctx)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			var result *schemas.OptimizationResult
			switch strategy {
			case "objective":
				result, err = components.Allocator.Optimize(ctx, allocator.Request{
					AccountID:   req.AccountID,
					Objective:   req.Objective,
					Arms:        req.Arms,
					TotalBudget: req.TotalBudget,
					Currency:    req.Currency,
					Constraints: req.Constraints,
				})
				if err != nil {
					return fmt.Errorf("allocation failed: %w", err)
				}
			case "thompson":
				sampler, serr := components.SamplerFor(req.AccountID)
				if serr != nil {
					return fmt.Errorf("failed to build sampler: %w", serr)
				}
				result, err = sampler.Allocate(ctx, req.Arms, req.TotalBudget, req.Constraints)
				if err != nil {
					return fmt.Errorf("sampling failed: %w", err)
				}
				result.Objective = req.Objective
			default:
				return fmt.Errorf("unknown strategy %q (want 'objective' or 'thompson')", strategy)
			}

			if dryRun {
				logger.Info("Dry run: proposal not persisted")
				return writeJSON(outputPath, result)
			}

			proposal, err := components.Store.SaveProposal(ctx, *result, actor)
			if err != nil {
				return fmt.Errorf("failed to persist proposal: %w", err)
			}
			logger.Info("Proposal recorded",
				zap.String("proposal_id", proposal.ID),
				zap.String("content_hash", proposal.ContentHash))

			if err := writeJSON(outputPath, proposal); err != nil {
				return err
			}
			fmt.Printf("\nProposal recorded. ID: %s\n", proposal.ID)
			fmt.Printf("To apply it, run: adsage apply %s\n", proposal.ID)
			return nil
		},
	}

	allocateCmd.Flags().String("strategy", "objective", "Allocation strategy: 'objective' (constrained scoring) or 'thompson' (posterior sampling).")
	allocateCmd.Flags().String("actor", "cli", "Actor recorded on the proposal audit trail.")
	allocateCmd.Flags().Bool("dry-run", false, "Compute the allocation without persisting a proposal.")
	allocateCmd.Flags().StringP("output", "o", "", "Write the result JSON to this path instead of stdout.")

	return allocateCmd
}

func readAllocationRequest(path string) (*allocationRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}
	var req allocationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse request file: %w", err)
	}
	return &req, nil
}

// writeJSON renders v as indented JSON to the given path, or stdout when the
// path is empty.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if path == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return nil
}
