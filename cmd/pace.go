package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/adsage/adsage-cli/internal/observability"
)

// newPaceCmd creates the `pace` command group for the intraday controller.
func newPaceCmd() *cobra.Command {
	paceCmd := &cobra.Command{
		Use:   "pace",
		Short: "Controls intraday spend pacing per campaign",
	}
	paceCmd.AddCommand(newPaceInitCmd(), newPaceDecideCmd())
	return paceCmd
}

func newPaceInitCmd() *cobra.Command {
	initCmd := &cobra.Command{
		Use:   "init [campaign-id]",
		Short: "Initializes pacing state for a campaign at a neutral multiplier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			budgetMicros, _ := cmd.Flags().GetInt64("daily-budget-micros")
			if budgetMicros < 0 {
				return fmt.Errorf("daily budget must be non-negative, got %d", budgetMicros)
			}

			components, err := newComponents(ctx)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			state, err := components.Pacing.InitializeCampaignPacing(ctx, args[0], budgetMicros)
			if err != nil {
				return fmt.Errorf("failed to initialize pacing: %w", err)
			}
			return writeJSON("", state)
		},
	}
	initCmd.Flags().Int64("daily-budget-micros", 0, "Approved daily budget in micros (currency units x 1e6).")
	_ = initCmd.MarkFlagRequired("daily-budget-micros")
	return initCmd
}

func newPaceDecideCmd() *cobra.Command {
	decideCmd := &cobra.Command{
		Use:   "decide [campaign-id]",
		Short: "Makes one pacing decision for a campaign at the given hour",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			spentMicros, _ := cmd.Flags().GetInt64("spent-micros")
			hour, _ := cmd.Flags().GetInt("hour")
			if hour < 0 {
				hour = time.Now().UTC().Hour()
			}

			components, err := newComponents(ctx)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			decision, err := components.Pacing.MakePacingDecision(ctx, args[0], spentMicros, hour)
			if err != nil {
				return fmt.Errorf("pacing decision failed: %w", err)
			}
			logger.Debug("Pacing decision made")
			return writeJSON("", decision)
		},
	}
	decideCmd.Flags().Int64("spent-micros", 0, "Spend so far today in micros.")
	decideCmd.Flags().Int("hour", -1, "Hour of day [0,23] for the decision; defaults to the current UTC hour.")
	return decideCmd
}
