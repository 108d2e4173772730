package cmd

import (
	"fmt"
	"os"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adsage/adsage-cli/api/schemas"
	"github.com/adsage/adsage-cli/internal/guardrails"
	"github.com/adsage/adsage-cli/internal/observability"
)

// newValidateCmd creates the `validate` command. It runs the guardrail
// battery over a file of proposed mutations and needs no database, so it
// works offline.
func newValidateCmd() *cobra.Command {
	validateCmd := &cobra.Command{
		Use:   "validate [mutations.json]",
		Short: "Validates proposed mutations against safety guardrails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			outputPath, _ := cmd.Flags().GetString("output")

			mutations, err := readMutations(args[0])
			if err != nil {
				return err
			}

			validator, err := guardrails.NewValidator(appCfg.Guardrails(), logger)
			if err != nil {
				return fmt.Errorf("failed to initialize validator: %w", err)
			}

			results, err := validator.ValidateBatch(ctx, mutations)
			if err != nil {
				return err
			}
			if err := writeJSON(outputPath, results); err != nil {
				return err
			}

			blocked := 0
			for _, r := range results {
				if !r.Passed {
					blocked++
				}
			}
			if blocked > 0 {
				logger.Warn("Mutations blocked by guardrails",
					zap.Int("blocked", blocked), zap.Int("total", len(results)))
				return fmt.Errorf("%d of %d mutations blocked", blocked, len(results))
			}
			fmt.Printf("All %d mutations passed.\n", len(results))
			return nil
		},
	}

	validateCmd.Flags().StringP("output", "o", "", "Write the result JSON to this path instead of stdout.")
	return validateCmd
}

// readMutations accepts either a single mutation object or an array.
func readMutations(path string) ([]schemas.Mutation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mutations file: %w", err)
	}

	var mutations []schemas.Mutation
	if err := json.Unmarshal(data, &mutations); err == nil {
		return mutations, nil
	}
	var single schemas.Mutation
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("failed to parse mutations file: %w", err)
	}
	return []schemas.Mutation{single}, nil
}
