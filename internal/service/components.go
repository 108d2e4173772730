package service

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/adsage/adsage-cli/api/schemas"
	"github.com/adsage/adsage-cli/internal/allocator"
	"github.com/adsage/adsage-cli/internal/config"
	"github.com/adsage/adsage-cli/internal/enforcer"
	"github.com/adsage/adsage-cli/internal/flags"
	"github.com/adsage/adsage-cli/internal/guardrails"
	"github.com/adsage/adsage-cli/internal/lag"
	"github.com/adsage/adsage-cli/internal/observability"
	"github.com/adsage/adsage-cli/internal/pacing"
	"github.com/adsage/adsage-cli/internal/priors"
	"github.com/adsage/adsage-cli/internal/sampling"
	"github.com/adsage/adsage-cli/internal/store"
)

// Components holds the initialized services behind every command. It
// centralizes wiring and lifecycle so commands never construct their own
// dependencies.
type Components struct {
	Store      *store.Store
	Flags      *flags.Manager
	Allocator  *allocator.Allocator
	Priors     *priors.Engine
	Pacing     *pacing.Controller
	Guardrails *guardrails.Validator
	Enforcer   *enforcer.Enforcer

	cfg    config.Interface
	logger *zap.Logger
	dbPool *pgxpool.Pool

	// Enhancement layers for the sampler pipeline, keyed by the feature
	// flag that turns each on. Order matters: lag correction rewrites the
	// effective counts that the priors layer inspects.
	enhancerTable []flaggedEnhancer
}

type flaggedEnhancer struct {
	flag     string
	enhancer sampling.Enhancer
}

// NewComponents wires the full dependency graph from configuration. A
// failure partway through releases whatever was already created.
func NewComponents(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	c := &Components{cfg: cfg, logger: logger}

	var initErr error
	defer func() {
		if initErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components", zap.Error(initErr))
			c.Shutdown()
		}
	}()

	if cfg.Database().URL == "" {
		initErr = fmt.Errorf("database URL is not configured (hint: check ADSAGE_DATABASE_URL)")
		return nil, initErr
	}
	dbPool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		initErr = fmt.Errorf("failed to create database connection pool: %w", err)
		return nil, initErr
	}
	c.dbPool = dbPool

	dbStore, err := store.New(ctx, dbPool, logger)
	if err != nil {
		initErr = fmt.Errorf("failed to initialize store: %w", err)
		return nil, initErr
	}
	c.Store = dbStore
	if err := dbStore.EnsureSchema(ctx); err != nil {
		initErr = err
		return nil, initErr
	}
	logger.Debug("Store initialized")

	c.Flags = flags.NewManager(cfg.Flags(), logger)
	stored, err := dbStore.ListFlags(ctx)
	if err != nil {
		initErr = fmt.Errorf("failed to load feature flags: %w", err)
		return nil, initErr
	}
	c.Flags.Load(stored)
	logger.Debug("Feature flags loaded", zap.Int("stored", len(stored)))

	priorsEngine, err := priors.NewEngine(cfg.Priors(), dbStore, dbStore, logger)
	if err != nil {
		initErr = fmt.Errorf("failed to initialize priors engine: %w", err)
		return nil, initErr
	}
	c.Priors = priorsEngine

	priorsEnhancer, err := priors.NewEnhancer(cfg.Priors(), dbStore, logger)
	if err != nil {
		initErr = fmt.Errorf("failed to initialize priors enhancer: %w", err)
		return nil, initErr
	}
	lagAdjuster, err := lag.NewAdjuster(cfg.Lag(), dbStore, dbStore, logger)
	if err != nil {
		initErr = fmt.Errorf("failed to initialize lag adjuster: %w", err)
		return nil, initErr
	}
	c.enhancerTable = []flaggedEnhancer{
		{flag: schemas.FlagLagCorrection, enhancer: lagAdjuster},
		{flag: schemas.FlagHierarchicalPriors, enhancer: priorsEnhancer},
	}

	alloc, err := allocator.NewAllocator(cfg.Allocator(), c.Flags, logger)
	if err != nil {
		initErr = fmt.Errorf("failed to initialize allocator: %w", err)
		return nil, initErr
	}
	c.Allocator = alloc

	pacer, err := pacing.NewController(cfg.Pacing(), dbStore, logger)
	if err != nil {
		initErr = fmt.Errorf("failed to initialize pacing controller: %w", err)
		return nil, initErr
	}
	c.Pacing = pacer

	validator, err := guardrails.NewValidator(cfg.Guardrails(), logger)
	if err != nil {
		initErr = fmt.Errorf("failed to initialize guardrail validator: %w", err)
		return nil, initErr
	}
	c.Guardrails = validator

	enf, err := enforcer.NewEnforcer(cfg.Guardrails().Enforcement, dbStore, logger)
	if err != nil {
		initErr = fmt.Errorf("failed to initialize spend enforcer: %w", err)
		return nil, initErr
	}
	c.Enforcer = enf

	logger.Info("All components initialized")
	return c, nil
}

// SamplerFor builds the Thompson sampler for one account, stacking the
// enhancement layers whose feature flags are on for that account. The base
// sampler with no layers is always a valid configuration.
func (c *Components) SamplerFor(accountID string) (sampling.Sampler, error) {
	var enabled []sampling.Enhancer
	for _, fe := range c.enhancerTable {
		if c.Flags.IsEnabled(fe.flag, accountID) {
			enabled = append(enabled, fe.enhancer)
		}
	}
	c.logger.Debug("Sampler pipeline assembled",
		zap.String("account_id", accountID), zap.Int("enhancers", len(enabled)))
	optimizer, err := sampling.NewOptimizer(c.cfg.Sampling(), c.logger,
		sampling.WithEnhancers(enabled...), sampling.WithEfficiencyScoring())
	if err != nil {
		return nil, err
	}
	return optimizer, nil
}

// Shutdown releases resources in dependency order.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	if c.dbPool != nil {
		c.dbPool.Close()
		logger.Debug("Database connection pool closed")
	}
	logger.Info("Components shut down")
}
