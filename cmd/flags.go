package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adsage/adsage-cli/internal/observability"
	"github.com/adsage/adsage-cli/internal/service"
)

// newFlagsCmd creates the `flags` command group for rollout administration.
func newFlagsCmd() *cobra.Command {
	flagsCmd := &cobra.Command{
		Use:   "flags",
		Short: "Administers feature flag rollout state",
	}
	flagsCmd.AddCommand(
		newFlagsListCmd(),
		newFlagsEnableCmd(),
		newFlagsDisableCmd(),
		newFlagsSetPercentCmd(),
		newFlagsTargetCmd(),
		newFlagsEmergencyDisableCmd(),
	)
	return flagsCmd
}

func newFlagsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists every known flag with its rollout state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			components, err := newComponents(ctx)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()
			return writeJSON("", components.Flags.Snapshot())
		},
	}
}

func newFlagsEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable [key]",
		Short: "Enables a flag for all entities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFlagStore(cmd.Context(), func(ctx context.Context, c *service.Components) error {
				c.Flags.Enable(args[0])
				return persistFlags(ctx, c, args[0])
			})
		},
	}
}

func newFlagsDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable [key]",
		Short: "Disables a flag for all entities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFlagStore(cmd.Context(), func(ctx context.Context, c *service.Components) error {
				c.Flags.Disable(args[0])
				return persistFlags(ctx, c, args[0])
			})
		},
	}
}

func newFlagsSetPercentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-percent [key] [percent]",
		Short: "Sets a flag's rollout percentage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pct, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid percentage %q: %w", args[1], err)
			}
			if pct < 0 || pct > 100 {
				return fmt.Errorf("percentage %.1f outside [0,100]", pct)
			}
			return withFlagStore(cmd.Context(), func(ctx context.Context, c *service.Components) error {
				c.Flags.SetPercent(args[0], pct)
				return persistFlags(ctx, c, args[0])
			})
		},
	}
}

func newFlagsTargetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "target [key] [entity-id]",
		Short: "Force-enables a flag for one entity regardless of percentage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFlagStore(cmd.Context(), func(ctx context.Context, c *service.Components) error {
				c.Flags.AddTarget(args[0], args[1])
				return persistFlags(ctx, c, args[0])
			})
		},
	}
}

func newFlagsEmergencyDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "emergency-disable-all",
		Short: "Kills every flag at once; the base behavior keeps running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFlagStore(cmd.Context(), func(ctx context.Context, c *service.Components) error {
				c.Flags.EmergencyDisableAll()
				observability.GetLogger().Warn("All feature flags disabled")
				return persistFlags(ctx, c)
			})
		},
	}
}

// withFlagStore wires components, runs one flag operation, and tears down.
func withFlagStore(ctx context.Context, fn func(context.Context, *service.Components) error) error {
	components, err := newComponents(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()
	return fn(ctx, components)
}

// persistFlags saves the named flags to the store, or every flag when no
// keys are given.
func persistFlags(ctx context.Context, c *service.Components, keys ...string) error {
	wanted := make(map[string]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}
	for _, flag := range c.Flags.Snapshot() {
		if len(keys) > 0 && !wanted[flag.Key] {
			continue
		}
		if err := c.Store.SaveFlag(ctx, flag); err != nil {
			return fmt.Errorf("failed to persist flag %s: %w", flag.Key, err)
		}
		observability.GetLogger().Info("Flag persisted",
			zap.String("key", flag.Key),
			zap.Float64("enabled_percent", flag.EnabledPercent))
	}
	return nil
}
