package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/adsage/adsage-cli/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for
// more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return s, mockPool
}

func TestNewStorePingFailure(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	pingErr := errors.New("database unavailable")
	mockPool.ExpectPing().WillReturnError(pingErr)

	_, err = New(context.Background(), mockPool, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	s, mockPool := newMockStore(t)

	// Both runs execute the same IF NOT EXISTS DDL.
	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS measurements").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS measurements").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func testPrior(scopeID string) schemas.HierarchicalPrior {
	return schemas.HierarchicalPrior{
		Level:      schemas.PriorLevelCampaign,
		ScopeID:    scopeID,
		Metric:     schemas.MetricConversionRate,
		Alpha:      2.5,
		Beta:       47.5,
		SampleSize: 1000,
		UpdatedAt:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestReplacePriorsCommitsAtomically(t *testing.T) {
	s, mockPool := newMockStore(t)

	observedCore, observedLogs := observer.New(zapcore.ErrorLevel)
	s.log = zap.New(observedCore)

	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(`DELETE FROM priors;`)).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	batch := mockPool.ExpectBatch()
	batch.ExpectExec(flexibleSQLMatcher(`INSERT INTO priors`)).
		WithArgs("campaign", "c1", "conversion_rate", 2.5, 47.5, 1000.0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	batch.ExpectExec(flexibleSQLMatcher(`INSERT INTO priors`)).
		WithArgs("campaign", "c2", "conversion_rate", 2.5, 47.5, 1000.0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback()

	err := s.ReplacePriors(context.Background(), []schemas.HierarchicalPrior{testPrior("c1"), testPrior("c2")})
	require.NoError(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
	assert.Zero(t, observedLogs.Len(), "rollback after commit must not log an error")
}

func TestReplacePriorsRollsBackOnFailure(t *testing.T) {
	// A failure mid-transaction must leave no partial write behind: the
	// delete is rolled back and no insert or commit ever runs.
	s, mockPool := newMockStore(t)

	boom := errors.New("connection reset")
	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(`DELETE FROM priors;`)).WillReturnError(boom)
	mockPool.ExpectRollback()

	err := s.ReplacePriors(context.Background(), []schemas.HierarchicalPrior{testPrior("c1")})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mockPool.ExpectationsWereMet(), "no insert or commit may run after the failure")
}

func TestSaveMeasurementsBatchUpsert(t *testing.T) {
	s, mockPool := newMockStore(t)

	m := schemas.ExperimentMeasurement{
		ArmID: "a1", CampaignID: "c1",
		PeriodStart: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Trials:      100, Successes: 5, RevenueTotal: 250,
		RecencyWeight: 1, EffectiveTrials: 100, EffectiveSuccesses: 5,
	}

	mockPool.ExpectBegin()
	batch := mockPool.ExpectBatch()
	batch.ExpectExec(flexibleSQLMatcher(`INSERT INTO measurements`)).
		WithArgs("a1", "c1", m.PeriodStart, int64(100), int64(5), 250.0, 1.0, 100.0, 5.0, 0.0, 0.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback()

	require.NoError(t, s.SaveMeasurements(context.Background(), []schemas.ExperimentMeasurement{m}))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestListMeasurements(t *testing.T) {
	s, mockPool := newMockStore(t)

	period := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{
		"arm_id", "campaign_id", "period_start", "trials", "successes", "revenue_total",
		"recency_weight", "effective_trials", "effective_successes", "posterior_alpha", "posterior_beta",
	}).AddRow("a1", "c1", period, int64(100), int64(5), 250.0, 1.0, 100.0, 5.0, 6.0, 96.0)

	mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT arm_id, campaign_id, period_start`)).
		WillReturnRows(rows)

	out, err := s.ListMeasurements(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a1", out[0].ArmID)
	assert.Equal(t, int64(100), out[0].Trials)
	assert.InDelta(t, 0.05, out[0].EffectiveRate(), 1e-9)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestLagProfileRoundTrip(t *testing.T) {
	s, mockPool := newMockStore(t)

	profile := schemas.LagProfile{
		ScopeType: schemas.LagScopeCampaign,
		ScopeID:   "c1",
		Points: []schemas.LagProfilePoint{
			{DaysSince: 0, CompletionCDF: 0.3, SampleSize: 400},
			{DaysSince: 7, CompletionCDF: 0.8, SampleSize: 400},
		},
	}

	mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO lag_profiles`)).
		WithArgs("campaign", "c1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.SaveLagProfile(context.Background(), profile))

	points := []byte(`[{"days_since":0,"completion_cdf":0.3,"sample_size":400,"confidence_score":0},` +
		`{"days_since":7,"completion_cdf":0.8,"sample_size":400,"confidence_score":0}]`)
	mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT scope_type, scope_id, points, updated_at FROM lag_profiles;`)).
		WillReturnRows(pgxmock.NewRows([]string{"scope_type", "scope_id", "points", "updated_at"}).
			AddRow("campaign", "c1", points, time.Now().UTC()))

	out, err := s.ListLagProfiles(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, schemas.LagScopeCampaign, out[0].ScopeType)
	assert.InDelta(t, 0.8, out[0].CompletionAt(10), 1e-9)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveLagProfileRejectsBadCDF(t *testing.T) {
	s, _ := newMockStore(t)

	profile := schemas.LagProfile{
		ScopeType: schemas.LagScopeGlobal,
		Points: []schemas.LagProfilePoint{
			{DaysSince: 0, CompletionCDF: 0.8},
			{DaysSince: 7, CompletionCDF: 0.3}, // decreasing
		},
	}
	assert.Error(t, s.SaveLagProfile(context.Background(), profile))
}

func TestPacingStateMissingRowIsNil(t *testing.T) {
	s, mockPool := newMockStore(t)

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT campaign_id, budget_day`)).
		WithArgs("ghost", day).
		WillReturnError(pgx.ErrNoRows)

	state, err := s.GetPacingState(context.Background(), "ghost", day)
	require.NoError(t, err, "a missing row is an initialization signal, not an error")
	assert.Nil(t, state)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestDailySpendAccumulates(t *testing.T) {
	s, mockPool := newMockStore(t)
	day := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)

	mockPool.ExpectQuery(flexibleSQLMatcher(`INSERT INTO daily_spend`)).
		WithArgs("camp", "acct", day, int64(3_000_000)).
		WillReturnRows(pgxmock.NewRows([]string{"total_micros"}).AddRow(int64(7_000_000)))

	total, err := s.AddDailySpend(context.Background(), "acct", "camp", day, 3_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(7_000_000), total)

	mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT total_micros FROM daily_spend`)).
		WithArgs("missing", day).
		WillReturnError(pgx.ErrNoRows)
	zero, err := s.GetDailySpend(context.Background(), "missing", day)
	require.NoError(t, err)
	assert.Zero(t, zero)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestAccountDailySpendAggregates(t *testing.T) {
	s, mockPool := newMockStore(t)
	day := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)

	mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT COALESCE(SUM(total_micros), 0) FROM daily_spend`)).
		WithArgs("acct", day).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(11_000_000)))

	total, err := s.GetAccountDailySpend(context.Background(), "acct", day)
	require.NoError(t, err)
	assert.Equal(t, int64(11_000_000), total)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func sampleResult() schemas.OptimizationResult {
	return schemas.OptimizationResult{
		Objective:   schemas.ObjectiveMaximizeRevenue,
		TotalBudget: 100,
		Allocations: []schemas.AllocationResult{
			{ArmID: "a", ProposedDailyBudget: 60},
			{ArmID: "b", ProposedDailyBudget: 40},
		},
		Feasible:    true,
		GeneratedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func expectProposalInsert(mockPool pgxmock.PgxPoolIface) {
	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO proposals`)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO proposal_audit`)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "created", "allocator", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback()
}

func TestSaveProposalHashIsContentDeterministic(t *testing.T) {
	s, mockPool := newMockStore(t)

	expectProposalInsert(mockPool)
	first, err := s.SaveProposal(context.Background(), sampleResult(), "allocator")
	require.NoError(t, err)

	expectProposalInsert(mockPool)
	second, err := s.SaveProposal(context.Background(), sampleResult(), "allocator")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.ContentHash, second.ContentHash,
		"identical results must hash identically regardless of proposal id")
	assert.Len(t, first.ContentHash, 64)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveProposalAuditFailureRollsBack(t *testing.T) {
	s, mockPool := newMockStore(t)

	boom := errors.New("audit insert failed")
	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO proposals`)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO proposal_audit`)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "created", "allocator", pgxmock.AnyArg()).
		WillReturnError(boom)
	mockPool.ExpectRollback()

	_, err := s.SaveProposal(context.Background(), sampleResult(), "allocator")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mockPool.ExpectationsWereMet(),
		"the proposal row must not survive a failed audit insert")
}

func TestMarkProposalApplied(t *testing.T) {
	t.Run("first apply succeeds", func(t *testing.T) {
		s, mockPool := newMockStore(t)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(`UPDATE proposals SET applied_at`)).
			WithArgs(pgxmock.AnyArg(), "operator", "p1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(`INSERT INTO proposal_audit`)).
			WithArgs(pgxmock.AnyArg(), "p1", "applied", "operator", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback()

		require.NoError(t, s.MarkProposalApplied(context.Background(), "p1", "operator"))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("second apply is rejected", func(t *testing.T) {
		s, mockPool := newMockStore(t)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(`UPDATE proposals SET applied_at`)).
			WithArgs(pgxmock.AnyArg(), "operator", "p1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT EXISTS`)).
			WithArgs("p1").
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
		mockPool.ExpectRollback()

		err := s.MarkProposalApplied(context.Background(), "p1", "operator")
		assert.ErrorIs(t, err, ErrProposalApplied)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("unknown proposal", func(t *testing.T) {
		s, mockPool := newMockStore(t)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(`UPDATE proposals SET applied_at`)).
			WithArgs(pgxmock.AnyArg(), "operator", "ghost").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mockPool.ExpectQuery(flexibleSQLMatcher(`SELECT EXISTS`)).
			WithArgs("ghost").
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
		mockPool.ExpectRollback()

		err := s.MarkProposalApplied(context.Background(), "ghost", "operator")
		assert.ErrorIs(t, err, ErrProposalNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
