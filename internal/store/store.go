package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/adsage/adsage-cli/api/schemas"
)

var (
	// ErrProposalNotFound is returned when a proposal id does not exist.
	ErrProposalNotFound = errors.New("proposal not found")
	// ErrProposalApplied is returned when an already-applied proposal is
	// applied again; apply is idempotent-by-rejection.
	ErrProposalApplied = errors.New("proposal already applied")
)

// DBPool abstracts pgxpool.Pool so the store can be tested against pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL persistence layer: measurement history, lag
// profiles, priors, pacing state, feature flags, daily spend, and proposal
// artifacts.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS measurements (
    arm_id              TEXT NOT NULL,
    campaign_id         TEXT NOT NULL,
    period_start        TIMESTAMPTZ NOT NULL,
    trials              BIGINT NOT NULL,
    successes           BIGINT NOT NULL,
    revenue_total       DOUBLE PRECISION NOT NULL DEFAULT 0,
    recency_weight      DOUBLE PRECISION NOT NULL DEFAULT 1,
    effective_trials    DOUBLE PRECISION NOT NULL DEFAULT 0,
    effective_successes DOUBLE PRECISION NOT NULL DEFAULT 0,
    posterior_alpha     DOUBLE PRECISION NOT NULL DEFAULT 0,
    posterior_beta      DOUBLE PRECISION NOT NULL DEFAULT 0,
    PRIMARY KEY (arm_id, period_start)
);

CREATE TABLE IF NOT EXISTS lag_profiles (
    scope_type TEXT NOT NULL,
    scope_id   TEXT NOT NULL,
    points     JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (scope_type, scope_id)
);

CREATE TABLE IF NOT EXISTS priors (
    level       TEXT NOT NULL,
    scope_id    TEXT NOT NULL,
    metric      TEXT NOT NULL,
    alpha       DOUBLE PRECISION NOT NULL,
    beta        DOUBLE PRECISION NOT NULL,
    sample_size DOUBLE PRECISION NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (level, scope_id, metric)
);

CREATE TABLE IF NOT EXISTS pacing_states (
    campaign_id            TEXT NOT NULL,
    budget_day             TIMESTAMPTZ NOT NULL,
    daily_budget_micros    BIGINT NOT NULL,
    current_spend_micros   BIGINT NOT NULL DEFAULT 0,
    pace_target            DOUBLE PRECISION NOT NULL DEFAULT 0,
    current_bid_multiplier DOUBLE PRECISION NOT NULL,
    min_bid_multiplier     DOUBLE PRECISION NOT NULL,
    max_bid_multiplier     DOUBLE PRECISION NOT NULL,
    decision_frequency_s   BIGINT NOT NULL,
    last_decision_at       TIMESTAMPTZ,
    PRIMARY KEY (campaign_id, budget_day)
);

CREATE TABLE IF NOT EXISTS feature_flags (
    key             TEXT PRIMARY KEY,
    enabled_percent DOUBLE PRECISION NOT NULL,
    target_ids      JSONB NOT NULL DEFAULT '[]',
    updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_spend (
    campaign_id  TEXT NOT NULL,
    account_id   TEXT NOT NULL DEFAULT '',
    budget_day   TIMESTAMPTZ NOT NULL,
    total_micros BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (campaign_id, budget_day)
);

CREATE INDEX IF NOT EXISTS daily_spend_account_day_idx
    ON daily_spend (account_id, budget_day);

CREATE TABLE IF NOT EXISTS proposals (
    id           TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL,
    result       JSONB NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    applied_at   TIMESTAMPTZ,
    applied_by   TEXT
);

CREATE TABLE IF NOT EXISTS proposal_audit (
    id          TEXT PRIMARY KEY,
    proposal_id TEXT NOT NULL REFERENCES proposals (id),
    action      TEXT NOT NULL,
    actor       TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates every table if missing. Safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	s.log.Debug("Schema ensured")
	return nil
}

// -- Measurements --

// SaveMeasurements upserts a batch of per-period measurement rows. Raw
// counters overwrite on conflict; re-importing a period is idempotent.
func (s *Store) SaveMeasurements(ctx context.Context, measurements []schemas.ExperimentMeasurement) error {
	if len(measurements) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	sql := `
        INSERT INTO measurements (arm_id, campaign_id, period_start, trials, successes, revenue_total,
            recency_weight, effective_trials, effective_successes, posterior_alpha, posterior_beta)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (arm_id, period_start) DO UPDATE SET
            campaign_id = EXCLUDED.campaign_id,
            trials = EXCLUDED.trials,
            successes = EXCLUDED.successes,
            revenue_total = EXCLUDED.revenue_total,
            recency_weight = EXCLUDED.recency_weight,
            effective_trials = EXCLUDED.effective_trials,
            effective_successes = EXCLUDED.effective_successes,
            posterior_alpha = EXCLUDED.posterior_alpha,
            posterior_beta = EXCLUDED.posterior_beta;
    `
	batch := &pgx.Batch{}
	for _, m := range measurements {
		batch.Queue(sql, m.ArmID, m.CampaignID, m.PeriodStart.UTC(), m.Trials, m.Successes,
			m.RevenueTotal, m.RecencyWeight, m.EffectiveTrials, m.EffectiveSuccesses,
			m.PosteriorAlpha, m.PosteriorBeta)
	}
	if err := s.sendBatch(ctx, tx, batch, len(measurements)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListMeasurements returns the full measurement log, oldest first.
func (s *Store) ListMeasurements(ctx context.Context) ([]schemas.ExperimentMeasurement, error) {
	query := `
        SELECT arm_id, campaign_id, period_start, trials, successes, revenue_total,
               recency_weight, effective_trials, effective_successes, posterior_alpha, posterior_beta
        FROM measurements
        ORDER BY period_start ASC, arm_id ASC;
    `
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	var out []schemas.ExperimentMeasurement
	for rows.Next() {
		var m schemas.ExperimentMeasurement
		if err := rows.Scan(&m.ArmID, &m.CampaignID, &m.PeriodStart, &m.Trials, &m.Successes,
			&m.RevenueTotal, &m.RecencyWeight, &m.EffectiveTrials, &m.EffectiveSuccesses,
			&m.PosteriorAlpha, &m.PosteriorBeta); err != nil {
			return nil, fmt.Errorf("failed to scan measurement row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// -- Lag profiles --

// SaveLagProfile upserts one scope's completion curve.
func (s *Store) SaveLagProfile(ctx context.Context, profile schemas.LagProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	points, err := json.Marshal(profile.Points)
	if err != nil {
		return fmt.Errorf("failed to marshal lag profile points: %w", err)
	}

	sql := `
        INSERT INTO lag_profiles (scope_type, scope_id, points, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (scope_type, scope_id) DO UPDATE SET
            points = EXCLUDED.points,
            updated_at = EXCLUDED.updated_at;
    `
	if _, err := s.pool.Exec(ctx, sql, string(profile.ScopeType), profile.ScopeID, points, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save lag profile: %w", err)
	}
	return nil
}

// ListLagProfiles returns every stored completion curve.
func (s *Store) ListLagProfiles(ctx context.Context) ([]schemas.LagProfile, error) {
	rows, err := s.pool.Query(ctx, `SELECT scope_type, scope_id, points, updated_at FROM lag_profiles;`)
	if err != nil {
		return nil, fmt.Errorf("failed to query lag profiles: %w", err)
	}
	defer rows.Close()

	var out []schemas.LagProfile
	for rows.Next() {
		var p schemas.LagProfile
		var scopeType string
		var points []byte
		if err := rows.Scan(&scopeType, &p.ScopeID, &points, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lag profile row: %w", err)
		}
		p.ScopeType = schemas.LagScopeType(scopeType)
		if err := json.Unmarshal(points, &p.Points); err != nil {
			return nil, fmt.Errorf("failed to decode lag profile points: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// -- Priors --

// ReplacePriors swaps the full prior set in one transaction, so concurrent
// readers see either the old set or the new one, never a mix.
func (s *Store) ReplacePriors(ctx context.Context, priors []schemas.HierarchicalPrior) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	if _, err := tx.Exec(ctx, `DELETE FROM priors;`); err != nil {
		return fmt.Errorf("failed to clear priors: %w", err)
	}

	sql := `
        INSERT INTO priors (level, scope_id, metric, alpha, beta, sample_size, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7);
    `
	batch := &pgx.Batch{}
	for _, p := range priors {
		batch.Queue(sql, string(p.Level), p.ScopeID, string(p.Metric),
			p.Alpha, p.Beta, p.SampleSize, p.UpdatedAt.UTC())
	}
	if err := s.sendBatch(ctx, tx, batch, len(priors)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListPriors returns the current prior set.
func (s *Store) ListPriors(ctx context.Context) ([]schemas.HierarchicalPrior, error) {
	query := `
        SELECT level, scope_id, metric, alpha, beta, sample_size, updated_at
        FROM priors
        ORDER BY level, scope_id, metric;
    `
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query priors: %w", err)
	}
	defer rows.Close()

	var out []schemas.HierarchicalPrior
	for rows.Next() {
		var p schemas.HierarchicalPrior
		var level, metric string
		if err := rows.Scan(&level, &p.ScopeID, &metric, &p.Alpha, &p.Beta, &p.SampleSize, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan prior row: %w", err)
		}
		p.Level = schemas.PriorLevel(level)
		p.Metric = schemas.PriorMetric(metric)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// -- Pacing state --

// GetPacingState loads one campaign-day row, or nil when absent.
func (s *Store) GetPacingState(ctx context.Context, campaignID string, budgetDay time.Time) (*schemas.PacingState, error) {
	query := `
        SELECT campaign_id, budget_day, daily_budget_micros, current_spend_micros, pace_target,
               current_bid_multiplier, min_bid_multiplier, max_bid_multiplier,
               decision_frequency_s, last_decision_at
        FROM pacing_states
        WHERE campaign_id = $1 AND budget_day = $2;
    `
	var state schemas.PacingState
	var freqSeconds int64
	var lastDecision *time.Time
	err := s.pool.QueryRow(ctx, query, campaignID, budgetDay.UTC()).Scan(
		&state.CampaignID, &state.BudgetDay, &state.DailyBudgetMicros, &state.CurrentSpendMicros,
		&state.PaceTarget, &state.CurrentBidMultiplier, &state.MinBidMultiplier,
		&state.MaxBidMultiplier, &freqSeconds, &lastDecision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pacing state: %w", err)
	}
	state.DecisionFrequency = time.Duration(freqSeconds) * time.Second
	if lastDecision != nil {
		state.LastDecisionAt = *lastDecision
	}
	return &state, nil
}

// SavePacingState upserts one campaign-day row.
func (s *Store) SavePacingState(ctx context.Context, state schemas.PacingState) error {
	if err := state.Validate(); err != nil {
		return err
	}

	var lastDecision *time.Time
	if !state.LastDecisionAt.IsZero() {
		t := state.LastDecisionAt.UTC()
		lastDecision = &t
	}
	sql := `
        INSERT INTO pacing_states (campaign_id, budget_day, daily_budget_micros, current_spend_micros,
            pace_target, current_bid_multiplier, min_bid_multiplier, max_bid_multiplier,
            decision_frequency_s, last_decision_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (campaign_id, budget_day) DO UPDATE SET
            daily_budget_micros = EXCLUDED.daily_budget_micros,
            current_spend_micros = EXCLUDED.current_spend_micros,
            pace_target = EXCLUDED.pace_target,
            current_bid_multiplier = EXCLUDED.current_bid_multiplier,
            min_bid_multiplier = EXCLUDED.min_bid_multiplier,
            max_bid_multiplier = EXCLUDED.max_bid_multiplier,
            decision_frequency_s = EXCLUDED.decision_frequency_s,
            last_decision_at = EXCLUDED.last_decision_at;
    `
	_, err := s.pool.Exec(ctx, sql, state.CampaignID, state.BudgetDay.UTC(),
		state.DailyBudgetMicros, state.CurrentSpendMicros, state.PaceTarget,
		state.CurrentBidMultiplier, state.MinBidMultiplier, state.MaxBidMultiplier,
		int64(state.DecisionFrequency/time.Second), lastDecision)
	if err != nil {
		return fmt.Errorf("failed to save pacing state: %w", err)
	}
	return nil
}

// -- Feature flags --

// ListFlags returns all persisted flag overrides.
func (s *Store) ListFlags(ctx context.Context) ([]schemas.FeatureFlag, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, enabled_percent, target_ids, updated_at FROM feature_flags;`)
	if err != nil {
		return nil, fmt.Errorf("failed to query feature flags: %w", err)
	}
	defer rows.Close()

	var out []schemas.FeatureFlag
	for rows.Next() {
		var f schemas.FeatureFlag
		var targets []byte
		if err := rows.Scan(&f.Key, &f.EnabledPercent, &targets, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan flag row: %w", err)
		}
		if err := json.Unmarshal(targets, &f.TargetIDs); err != nil {
			return nil, fmt.Errorf("failed to decode flag targets: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// SaveFlag upserts one flag override.
func (s *Store) SaveFlag(ctx context.Context, flag schemas.FeatureFlag) error {
	if err := flag.Validate(); err != nil {
		return err
	}
	targets, err := json.Marshal(flag.TargetIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal flag targets: %w", err)
	}
	if targets == nil || string(targets) == "null" {
		targets = []byte("[]")
	}

	sql := `
        INSERT INTO feature_flags (key, enabled_percent, target_ids, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (key) DO UPDATE SET
            enabled_percent = EXCLUDED.enabled_percent,
            target_ids = EXCLUDED.target_ids,
            updated_at = EXCLUDED.updated_at;
    `
	if _, err := s.pool.Exec(ctx, sql, flag.Key, flag.EnabledPercent, targets, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save feature flag: %w", err)
	}
	return nil
}

// -- Daily spend --

// GetDailySpend returns the recorded total for one campaign-day, zero when
// no row exists.
func (s *Store) GetDailySpend(ctx context.Context, campaignID string, day time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT total_micros FROM daily_spend WHERE campaign_id = $1 AND budget_day = $2;`,
		campaignID, day.UTC()).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query daily spend: %w", err)
	}
	return total, nil
}

// AddDailySpend atomically accumulates spend for a campaign-day, tags the
// row with its owning account, and returns the new campaign total.
func (s *Store) AddDailySpend(ctx context.Context, accountID, campaignID string, day time.Time, deltaMicros int64) (int64, error) {
	sql := `
        INSERT INTO daily_spend (campaign_id, account_id, budget_day, total_micros)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (campaign_id, budget_day) DO UPDATE SET
            total_micros = daily_spend.total_micros + EXCLUDED.total_micros,
            account_id = EXCLUDED.account_id
        RETURNING total_micros;
    `
	var total int64
	if err := s.pool.QueryRow(ctx, sql, campaignID, accountID, day.UTC(), deltaMicros).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to add daily spend: %w", err)
	}
	return total, nil
}

// GetAccountDailySpend aggregates one account's spend across its campaigns
// for one day.
func (s *Store) GetAccountDailySpend(ctx context.Context, accountID string, day time.Time) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_micros), 0) FROM daily_spend WHERE account_id = $1 AND budget_day = $2;`,
		accountID, day.UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to query account daily spend: %w", err)
	}
	return total, nil
}

// -- Proposals --

// SaveProposal persists an allocation result as an immutable proposal plus
// its audit row in one transaction. The content hash is computed over the
// canonical JSON encoding, so identical results hash identically.
func (s *Store) SaveProposal(ctx context.Context, result schemas.OptimizationResult, actor string) (*schemas.Proposal, error) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal optimization result: %w", err)
	}
	digest := sha256.Sum256(encoded)

	proposal := &schemas.Proposal{
		ID:          uuid.NewString(),
		ContentHash: hex.EncodeToString(digest[:]),
		Result:      result,
		CreatedAt:   time.Now().UTC(),
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO proposals (id, content_hash, result, created_at) VALUES ($1, $2, $3, $4);`,
		proposal.ID, proposal.ContentHash, encoded, proposal.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert proposal: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO proposal_audit (id, proposal_id, action, actor, created_at) VALUES ($1, $2, $3, $4, $5);`,
		uuid.NewString(), proposal.ID, "created", actor, proposal.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert proposal audit row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Info("Proposal saved",
		zap.String("proposal_id", proposal.ID),
		zap.String("content_hash", proposal.ContentHash[:12]))
	return proposal, nil
}

// GetProposal loads one proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (*schemas.Proposal, error) {
	query := `
        SELECT id, content_hash, result, created_at, applied_at, applied_by
        FROM proposals
        WHERE id = $1;
    `
	var p schemas.Proposal
	var encoded []byte
	var appliedAt *time.Time
	var appliedBy *string
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.ContentHash, &encoded, &p.CreatedAt, &appliedAt, &appliedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query proposal: %w", err)
	}
	if err := json.Unmarshal(encoded, &p.Result); err != nil {
		return nil, fmt.Errorf("failed to decode proposal result: %w", err)
	}
	p.AppliedAt = appliedAt
	if appliedBy != nil {
		p.AppliedBy = *appliedBy
	}
	return &p, nil
}

// MarkProposalApplied consumes an unapplied proposal. Applying twice fails
// with ErrProposalApplied, which makes apply safe to retry.
func (s *Store) MarkProposalApplied(ctx context.Context, id, actor string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer s.rollback(ctx, tx)

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE proposals SET applied_at = $1, applied_by = $2 WHERE id = $3 AND applied_at IS NULL;`,
		now, actor, id)
	if err != nil {
		return fmt.Errorf("failed to mark proposal applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM proposals WHERE id = $1);`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check proposal existence: %w", err)
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrProposalApplied, id)
		}
		return fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO proposal_audit (id, proposal_id, action, actor, created_at) VALUES ($1, $2, $3, $4, $5);`,
		uuid.NewString(), id, "applied", actor, now); err != nil {
		return fmt.Errorf("failed to insert proposal audit row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// -- Helpers --

// rollback is the deferred safety net for every transaction; rollback after
// commit reports pgx.ErrTxClosed, which is the normal path and not logged.
func (s *Store) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.log.Error("Failed to rollback transaction", zap.Error(err))
	}
}

func (s *Store) sendBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch, expected int) error {
	if batch.Len() == 0 {
		return nil
	}
	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return errors.New("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for i := 0; i < expected; i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to execute batch statement %d: %w", i, err)
		}
	}
	return nil
}
