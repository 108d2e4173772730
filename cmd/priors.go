package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adsage/adsage-cli/internal/observability"
)

// newPriorsCmd creates the `priors` command group.
func newPriorsCmd() *cobra.Command {
	priorsCmd := &cobra.Command{
		Use:   "priors",
		Short: "Manages the hierarchical prior distributions",
	}
	priorsCmd.AddCommand(newPriorsUpdateCmd())
	return priorsCmd
}

// newPriorsUpdateCmd recomputes every prior level from the stored
// measurement history and atomically replaces the prior set.
func newPriorsUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Recomputes global and campaign priors from measurement history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			components, err := newComponents(ctx)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			counts, err := components.Priors.UpdateAllPriors(ctx)
			if err != nil {
				return fmt.Errorf("prior update failed: %w", err)
			}

			logger.Info("Priors updated",
				zap.Int("global", counts.Global),
				zap.Int("campaign", counts.Campaign))
			fmt.Printf("Priors updated: %d global, %d campaign.\n", counts.Global, counts.Campaign)
			return nil
		},
	}
}
