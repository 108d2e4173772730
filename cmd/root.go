package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/adsage/adsage-cli/internal/config"
	"github.com/adsage/adsage-cli/internal/observability"
	"github.com/adsage/adsage-cli/internal/service"
)

// appCfg is the validated configuration for the current invocation, set by
// the root command's PersistentPreRunE before any subcommand runs.
var appCfg *config.Config

// NewRootCommand builds a fresh root command tree. Each invocation gets its
// own instance so flag state never leaks between executions.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:     "adsage",
		Short:   "adsage allocates advertising budgets with Bayesian sampling and hard guardrails",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initializeConfig(cfgFile); err != nil {
				return err
			}

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				// Initialize a fallback logger so the failure is visible.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "adsage-cli"})
				return err
			}
			appCfg = cfg

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting adsage", zap.String("version", Version))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml, then ~/.adsage/config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newAllocateCmd(),
		newApplyCmd(),
		newPriorsCmd(),
		newPaceCmd(),
		newValidateCmd(),
		newFlagsCmd(),
		newSpendCmd(),
	)
	return rootCmd
}

// Execute runs the CLI with a signal-aware context.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		return err
	}
	return nil
}

// initializeConfig reads the config file and environment into a clean viper
// instance. Resetting first keeps repeated executions (tests, interactive
// callers) from inheriting stale state.
func initializeConfig(cfgFile string) error {
	viper.Reset()
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			viper.AddConfigPath(home + "/.adsage")
		}
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("ADSAGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and env vars carry the run.
	}
	return nil
}

// newComponents wires the full service graph for commands that need the
// database. Callers must defer Shutdown.
func newComponents(ctx context.Context) (*service.Components, error) {
	return service.NewComponents(ctx, appCfg, observability.GetLogger())
}
