package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Allocator() AllocatorConfig
	Sampling() SamplingConfig
	Priors() PriorsConfig
	Lag() LagConfig
	Pacing() PacingConfig
	Guardrails() GuardrailsConfig
	Flags() FlagsConfig
}

// Config holds the entire application configuration. Private fields enforce
// access through the Interface getters; population goes through rawConfig
// because mapstructure cannot set unexported fields.
type Config struct {
	logger     LoggerConfig
	database   DatabaseConfig
	allocator  AllocatorConfig
	sampling   SamplingConfig
	priors     PriorsConfig
	lag        LagConfig
	pacing     PacingConfig
	guardrails GuardrailsConfig
	flags      FlagsConfig
}

// rawConfig mirrors Config with exported fields for viper unmarshaling.
type rawConfig struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Allocator  AllocatorConfig  `mapstructure:"allocator" yaml:"allocator"`
	Sampling   SamplingConfig   `mapstructure:"sampling" yaml:"sampling"`
	Priors     PriorsConfig     `mapstructure:"priors" yaml:"priors"`
	Lag        LagConfig        `mapstructure:"lag" yaml:"lag"`
	Pacing     PacingConfig     `mapstructure:"pacing" yaml:"pacing"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails" yaml:"guardrails"`
	Flags      FlagsConfig      `mapstructure:"flags" yaml:"flags"`
}

func (r rawConfig) config() *Config {
	return &Config{
		logger:     r.Logger,
		database:   r.Database,
		allocator:  r.Allocator,
		sampling:   r.Sampling,
		priors:     r.Priors,
		lag:        r.Lag,
		pacing:     r.Pacing,
		guardrails: r.Guardrails,
		flags:      r.Flags,
	}
}

func (c *Config) Logger() LoggerConfig         { return c.logger }
func (c *Config) Database() DatabaseConfig     { return c.database }
func (c *Config) Allocator() AllocatorConfig   { return c.allocator }
func (c *Config) Sampling() SamplingConfig     { return c.sampling }
func (c *Config) Priors() PriorsConfig         { return c.priors }
func (c *Config) Lag() LagConfig               { return c.lag }
func (c *Config) Pacing() PacingConfig         { return c.pacing }
func (c *Config) Guardrails() GuardrailsConfig { return c.guardrails }
func (c *Config) Flags() FlagsConfig           { return c.flags }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// AllocatorConfig tunes the constrained budget allocator.
type AllocatorConfig struct {
	// CurrencyMinorUnits is the number of decimal places a budget amount is
	// rounded to; 2 for cent-denominated currencies.
	CurrencyMinorUnits int `mapstructure:"currency_minor_units" yaml:"currency_minor_units"`

	// SumTolerance is the acceptable absolute deviation between the summed
	// allocations and the requested total after rounding reconciliation.
	SumTolerance float64 `mapstructure:"sum_tolerance" yaml:"sum_tolerance"`

	// DiversificationFloor is the minimum share of the distributable budget
	// each eligible arm receives when the diversification flag is on.
	DiversificationFloor float64 `mapstructure:"diversification_floor" yaml:"diversification_floor"`
}

// SamplingConfig tunes the Thompson Sampling optimizer.
type SamplingConfig struct {
	// Seed fixes the sampler's random source when non-zero; zero means a
	// time-derived seed. Fixed seeds are for tests and replay.
	Seed uint64 `mapstructure:"seed" yaml:"seed"`

	// CredibleLevel is the two-sided credible interval mass reported per
	// arm, e.g. 0.90 for a [5%, 95%] interval.
	CredibleLevel float64 `mapstructure:"credible_level" yaml:"credible_level"`
}

// PriorsConfig tunes the hierarchical priors engine.
type PriorsConfig struct {
	// MinTrials is the effective-trial count below which an arm borrows the
	// campaign-or-global prior instead of its own sparse posterior.
	MinTrials float64 `mapstructure:"min_trials" yaml:"min_trials"`

	// ShrinkageStrength is the pseudo-count k in the weight n/(n+k); larger
	// values pull campaign priors harder toward the global prior.
	ShrinkageStrength float64 `mapstructure:"shrinkage_strength" yaml:"shrinkage_strength"`

	// SmoothingFloor keeps prior parameters strictly above 1.0.
	SmoothingFloor float64 `mapstructure:"smoothing_floor" yaml:"smoothing_floor"`
}

// LagConfig tunes the lag-aware adjustment layer.
type LagConfig struct {
	// MaxCorrectionFactor caps the inverse-CDF multiplier so very young data
	// cannot explode the variance of the corrected counts.
	MaxCorrectionFactor float64 `mapstructure:"max_correction_factor" yaml:"max_correction_factor"`

	// RecencyHalfLife is the age at which a measurement's weight halves.
	RecencyHalfLife time.Duration `mapstructure:"recency_half_life" yaml:"recency_half_life"`
}

// PacingConfig tunes the intraday pacing controller.
type PacingConfig struct {
	MinBidMultiplier  float64       `mapstructure:"min_bid_multiplier" yaml:"min_bid_multiplier"`
	MaxBidMultiplier  float64       `mapstructure:"max_bid_multiplier" yaml:"max_bid_multiplier"`
	DecisionFrequency time.Duration `mapstructure:"decision_frequency" yaml:"decision_frequency"`

	// Gain is the proportional correction coefficient applied to the pace
	// error when adjusting the bid multiplier.
	Gain float64 `mapstructure:"gain" yaml:"gain"`

	// MaintainBand is the pace-ratio band around 1.0 inside which the
	// controller holds the current multiplier.
	MaintainBand float64 `mapstructure:"maintain_band" yaml:"maintain_band"`
}

// EnforcementMode selects how error-severity guardrail violations are
// treated. Hard mode blocks on errors; soft mode only blocks on critical.
type EnforcementMode string

const (
	EnforcementSoft EnforcementMode = "soft"
	EnforcementHard EnforcementMode = "hard"
)

// GuardrailsConfig tunes the mutation validation layer.
type GuardrailsConfig struct {
	Enforcement EnforcementMode `mapstructure:"enforcement" yaml:"enforcement"`

	MaxDailyBudget float64 `mapstructure:"max_daily_budget" yaml:"max_daily_budget"`
	MaxBid         float64 `mapstructure:"max_bid" yaml:"max_bid"`

	ProhibitedTerms []string `mapstructure:"prohibited_terms" yaml:"prohibited_terms"`
	AllowedDevices  []string `mapstructure:"allowed_devices" yaml:"allowed_devices"`

	LandingPage LandingPageConfig `mapstructure:"landing_page" yaml:"landing_page"`
}

// LandingPageConfig tunes the landing-page health probe and its breaker.
type LandingPageConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxLatency      time.Duration `mapstructure:"max_latency" yaml:"max_latency"`
	RequireHTTPS    bool          `mapstructure:"require_https" yaml:"require_https"`
	RequireMobile   bool          `mapstructure:"require_mobile" yaml:"require_mobile"`
	ProbesPerSecond float64       `mapstructure:"probes_per_second" yaml:"probes_per_second"`

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit; BreakerCooldown is how long it stays open before a retry.
	BreakerThreshold int           `mapstructure:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown" yaml:"breaker_cooldown"`
}

// FlagsConfig seeds the feature flag manager before any store-backed state
// is loaded.
type FlagsConfig struct {
	// Defaults maps flag key to initial rollout percentage.
	Defaults map[string]float64 `mapstructure:"defaults" yaml:"defaults"`
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return raw.config()
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "adsage-cli")
	v.SetDefault("logger.log_file", "adsage.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Allocator --
	v.SetDefault("allocator.currency_minor_units", 2)
	v.SetDefault("allocator.sum_tolerance", 0.001)
	v.SetDefault("allocator.diversification_floor", 0.02)

	// -- Sampling --
	v.SetDefault("sampling.seed", 0)
	v.SetDefault("sampling.credible_level", 0.90)

	// -- Priors --
	v.SetDefault("priors.min_trials", 30)
	v.SetDefault("priors.shrinkage_strength", 50)
	v.SetDefault("priors.smoothing_floor", 1.01)

	// -- Lag --
	v.SetDefault("lag.max_correction_factor", 3.0)
	v.SetDefault("lag.recency_half_life", 14*24*time.Hour)

	// -- Pacing --
	v.SetDefault("pacing.min_bid_multiplier", 0.5)
	v.SetDefault("pacing.max_bid_multiplier", 1.5)
	v.SetDefault("pacing.decision_frequency", time.Hour)
	v.SetDefault("pacing.gain", 0.3)
	v.SetDefault("pacing.maintain_band", 0.1)

	// -- Guardrails --
	v.SetDefault("guardrails.enforcement", "hard")
	v.SetDefault("guardrails.max_daily_budget", 10000.0)
	v.SetDefault("guardrails.max_bid", 50.0)
	v.SetDefault("guardrails.allowed_devices", []string{"mobile", "desktop", "tablet"})
	v.SetDefault("guardrails.landing_page.enabled", true)
	v.SetDefault("guardrails.landing_page.timeout", "10s")
	v.SetDefault("guardrails.landing_page.max_latency", "3s")
	v.SetDefault("guardrails.landing_page.require_https", true)
	v.SetDefault("guardrails.landing_page.require_mobile", false)
	v.SetDefault("guardrails.landing_page.probes_per_second", 2.0)
	v.SetDefault("guardrails.landing_page.breaker_threshold", 3)
	v.SetDefault("guardrails.landing_page.breaker_cooldown", "60s")
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg := raw.config()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for required fields and sane values.
// Configuration errors are the fail-fast class: nothing runs on a bad range.
func (c *Config) Validate() error {
	if c.allocator.CurrencyMinorUnits < 0 || c.allocator.CurrencyMinorUnits > 6 {
		return fmt.Errorf("allocator.currency_minor_units must be in [0,6]")
	}
	if c.allocator.SumTolerance <= 0 {
		return fmt.Errorf("allocator.sum_tolerance must be positive")
	}
	if c.allocator.DiversificationFloor < 0 || c.allocator.DiversificationFloor >= 1 {
		return fmt.Errorf("allocator.diversification_floor must be in [0,1)")
	}
	if c.sampling.CredibleLevel <= 0 || c.sampling.CredibleLevel >= 1 {
		return fmt.Errorf("sampling.credible_level must be in (0,1)")
	}
	if c.priors.MinTrials < 0 {
		return fmt.Errorf("priors.min_trials must be non-negative")
	}
	if c.priors.ShrinkageStrength <= 0 {
		return fmt.Errorf("priors.shrinkage_strength must be positive")
	}
	if c.priors.SmoothingFloor <= 1.0 {
		return fmt.Errorf("priors.smoothing_floor must exceed 1.0")
	}
	if c.lag.MaxCorrectionFactor < 1.0 {
		return fmt.Errorf("lag.max_correction_factor must be at least 1.0")
	}
	if c.lag.RecencyHalfLife <= 0 {
		return fmt.Errorf("lag.recency_half_life must be a positive duration")
	}
	if err := c.pacing.Validate(); err != nil {
		return fmt.Errorf("pacing configuration invalid: %w", err)
	}
	if err := c.guardrails.Validate(); err != nil {
		return fmt.Errorf("guardrails configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the pacing controller settings.
func (p *PacingConfig) Validate() error {
	if p.MinBidMultiplier <= 0 {
		return fmt.Errorf("min_bid_multiplier must be positive")
	}
	if p.MaxBidMultiplier < p.MinBidMultiplier {
		return fmt.Errorf("max_bid_multiplier must be at least min_bid_multiplier")
	}
	if p.DecisionFrequency <= 0 {
		return fmt.Errorf("decision_frequency must be a positive duration")
	}
	if p.Gain <= 0 || p.Gain > 1 {
		return fmt.Errorf("gain must be in (0,1]")
	}
	if p.MaintainBand < 0 || p.MaintainBand >= 1 {
		return fmt.Errorf("maintain_band must be in [0,1)")
	}
	return nil
}

// Validate checks the guardrail settings.
func (g *GuardrailsConfig) Validate() error {
	switch g.Enforcement {
	case EnforcementSoft, EnforcementHard:
	default:
		return fmt.Errorf("enforcement must be %q or %q", EnforcementSoft, EnforcementHard)
	}
	if g.MaxDailyBudget <= 0 {
		return fmt.Errorf("max_daily_budget must be positive")
	}
	if g.MaxBid <= 0 {
		return fmt.Errorf("max_bid must be positive")
	}
	if g.LandingPage.Enabled {
		if g.LandingPage.Timeout <= 0 {
			return fmt.Errorf("landing_page.timeout must be a positive duration")
		}
		if g.LandingPage.BreakerThreshold <= 0 {
			return fmt.Errorf("landing_page.breaker_threshold must be positive")
		}
		if g.LandingPage.BreakerCooldown <= 0 {
			return fmt.Errorf("landing_page.breaker_cooldown must be a positive duration")
		}
	}
	return nil
}
