package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adsage/adsage-cli/internal/enforcer"
	"github.com/adsage/adsage-cli/internal/observability"
)

// newSpendCmd creates the `spend` command group for the budget enforcer,
// the last line of defense against overspend.
func newSpendCmd() *cobra.Command {
	spendCmd := &cobra.Command{
		Use:   "spend",
		Short: "Records and checks realized spend against approved budgets",
	}
	spendCmd.AddCommand(newSpendRecordCmd(), newSpendCheckCmd())
	return spendCmd
}

func newSpendRecordCmd() *cobra.Command {
	recordCmd := &cobra.Command{
		Use:   "record [campaign-id]",
		Short: "Records a spend event, enforcing the campaign budget and account cap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			deltaMicros, _ := cmd.Flags().GetInt64("delta-micros")
			budgetMicros, _ := cmd.Flags().GetInt64("budget-micros")
			accountID, _ := cmd.Flags().GetString("account-id")
			accountCapMicros, _ := cmd.Flags().GetInt64("account-cap-micros")

			components, err := newComponents(ctx)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			status, err := components.Enforcer.RecordSpend(ctx, enforcer.SpendEvent{
				AccountID:        accountID,
				CampaignID:       args[0],
				DeltaMicros:      deltaMicros,
				BudgetMicros:     budgetMicros,
				AccountCapMicros: accountCapMicros,
			})
			if err != nil {
				if errors.Is(err, enforcer.ErrBudgetExhausted) || errors.Is(err, enforcer.ErrAccountCapExhausted) {
					logger.Warn("Spend refused", zap.String("campaign_id", args[0]), zap.Error(err))
					return fmt.Errorf("spend refused: %w", err)
				}
				return err
			}
			return writeJSON("", status)
		},
	}
	recordCmd.Flags().Int64("delta-micros", 0, "Spend amount in micros to record.")
	recordCmd.Flags().Int64("budget-micros", 0, "Approved daily budget in micros; 0 means no cap.")
	recordCmd.Flags().String("account-id", "", "Account the campaign belongs to, for account-level aggregation.")
	recordCmd.Flags().Int64("account-cap-micros", 0, "Account daily cap in micros; 0 means no cap.")
	_ = recordCmd.MarkFlagRequired("delta-micros")
	return recordCmd
}

func newSpendCheckCmd() *cobra.Command {
	checkCmd := &cobra.Command{
		Use:   "check [campaign-id]",
		Short: "Reports remaining campaign budget and account headroom without recording anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			budgetMicros, _ := cmd.Flags().GetInt64("budget-micros")
			accountID, _ := cmd.Flags().GetString("account-id")
			accountCapMicros, _ := cmd.Flags().GetInt64("account-cap-micros")

			components, err := newComponents(ctx)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			status, err := components.Enforcer.CheckBudget(ctx, accountID, args[0], budgetMicros, accountCapMicros)
			if err != nil {
				return err
			}
			return writeJSON("", status)
		},
	}
	checkCmd.Flags().Int64("budget-micros", 0, "Approved daily budget in micros; 0 means no cap.")
	checkCmd.Flags().String("account-id", "", "Account the campaign belongs to, for account-level aggregation.")
	checkCmd.Flags().Int64("account-cap-micros", 0, "Account daily cap in micros; 0 means no cap.")
	return checkCmd
}
