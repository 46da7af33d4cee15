package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/source"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func sampleRecord(at time.Time) *model.ConsensusRecord {
	r := &model.ConsensusRecord{
		EntityID:        "ACME",
		Period:          "TTM",
		ConfidenceScore: 90,
		SourcesUsed:     []string{"fmp", "alphavantage"},
		FieldSources:    map[string]string{model.MetricRevenue: "fmp"},
		VarianceFlags:   []string{},
		Valid:           true,
		FetchedAt:       at,
		ExpiresAt:       at.Add(24 * time.Hour),
	}
	_ = r.Metrics.Set(model.MetricRevenue, 100)
	return r
}

func TestPostgresStore_UpsertConsensus(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO consensus_records .* ON CONFLICT \(entity_id, period\) DO UPDATE`).
		WithArgs("ACME", "TTM", pgxmock.AnyArg(), 90.0, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), true, at, at.Add(24*time.Hour)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO consensus_history`).
		WithArgs("ACME", "TTM", pgxmock.AnyArg(), 90.0, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.UpsertConsensus(context.Background(), sampleRecord(at)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertConsensus_HistoryFails(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO consensus_records`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO consensus_history`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.UpsertConsensus(context.Background(), sampleRecord(at))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: insert history ACME")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetConsensus(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT entity_id, period, metrics, .* FROM consensus_records WHERE entity_id = \$1 AND period = \$2`).
		WithArgs("ACME", "TTM").
		WillReturnRows(pgxmock.NewRows([]string{"entity_id", "period", "metrics", "confidence_score", "sources_used", "field_sources", "variance_flags", "valid", "fetched_at", "expires_at"}).
			AddRow("ACME", "TTM", []byte(`{"revenue":100}`), 90.0, []byte(`["fmp"]`), []byte(`{"revenue":"fmp"}`), []byte(`[]`), true, at, at.Add(time.Hour)))

	rec, err := s.GetConsensus(context.Background(), "ACME", "")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.InDelta(t, 100.0, *rec.Metrics.Revenue, 1e-9)
	assert.Equal(t, []string{"fmp"}, rec.SourcesUsed)
	assert.Equal(t, "fmp", rec.FieldSources[model.MetricRevenue])
	assert.Equal(t, at.Add(time.Hour), rec.ExpiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetConsensus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM consensus_records`).
		WithArgs("UNKNOWN", "TTM").
		WillReturnError(pgx.ErrNoRows)

	rec, err := s.GetConsensus(context.Background(), "UNKNOWN", "TTM")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteExpiredConsensus(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	before := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM consensus_records WHERE expires_at <= \$1`).
		WithArgs(before).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	n, err := s.DeleteExpiredConsensus(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ConsensusHistory_OldestFirst(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT metrics FROM consensus_history`).
		WithArgs("ACME", "TTM", DefaultHistoryLimit).
		WillReturnRows(pgxmock.NewRows([]string{"metrics"}).
			AddRow([]byte(`{"revenue":102}`)).
			AddRow([]byte(`{"revenue":101}`)).
			AddRow([]byte(`{"revenue":100}`)))

	hist, err := s.ConsensusHistory(context.Background(), "ACME", "TTM", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.InDelta(t, 100.0, *hist[0].Revenue, 1e-9)
	assert.InDelta(t, 102.0, *hist[2].Revenue, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PurgeConsensusHistory(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	before := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM consensus_history WHERE fetched_at < \$1`).
		WithArgs(before).
		WillReturnResult(pgxmock.NewResult("DELETE", 12))

	n, err := s.PurgeConsensusHistory(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendFetchAttempts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"fetch_log"}, fetchLogColumns).WillReturnResult(2)

	err := s.AppendFetchAttempts(context.Background(), []model.FetchAttempt{
		{ID: "a1", Source: "fmp", Success: true, Duration: 120 * time.Millisecond},
		{ID: "a2", Source: "newsapi", Error: "timeout", Transient: true},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendFetchAttempts_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	require.NoError(t, s.AppendFetchAttempts(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListFetchAttempts(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	since := time.Date(2026, 2, 23, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM fetch_log WHERE at >= \$1 ORDER BY at`).
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows(fetchLogColumns).
			AddRow("a1", since.Add(time.Hour), "fmp", "fundamentals", "ACME", false, "502", true, int64(250)))

	out, err := s.ListFetchAttempts(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "fmp", out[0].Source)
	assert.False(t, out[0].Success)
	assert.Equal(t, 250*time.Millisecond, out[0].Duration)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PurgeFetchAttempts(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	before := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM fetch_log WHERE at < \$1`).
		WithArgs(before).
		WillReturnResult(pgxmock.NewResult("DELETE", 12))

	n, err := s.PurgeFetchAttempts(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendDeltas(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"delta_log"}, deltaLogColumns).WillReturnError(errors.New("copy failed"))

	err := s.AppendDeltas(context.Background(), []model.DeltaRecord{{ID: "d1", EntityID: "ACME", Metric: model.MetricRevenue, Current: 111}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: append deltas")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListDeltas(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	prev := 100.0

	mock.ExpectQuery(`FROM delta_log WHERE entity_id = \$1 ORDER BY detected_at DESC LIMIT \$2`).
		WithArgs("ACME", 5).
		WillReturnRows(pgxmock.NewRows(deltaLogColumns).
			AddRow("d1", "ACME", model.MetricRevenue, &prev, 111.0, 11.0, true, at, "fmp"))

	out, err := s.ListDeltas(context.Background(), "ACME", 5)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Previous)
	assert.InDelta(t, 100.0, *out[0].Previous, 1e-9)
	assert.True(t, out[0].Significant)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveSourceStates(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_source_state"}, []string{"name", "enabled", "auto_disabled", "reset_at", "updated_at"}).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "source_state" .* IS DISTINCT FROM`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	err := s.SaveSourceStates(context.Background(), []source.State{
		{Name: "fmp", Enabled: true, ResetAt: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)},
		{Name: "newsapi", Enabled: true, AutoDisabled: true},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadSourceStates(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	reset := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT name, enabled, auto_disabled, reset_at FROM source_state`).
		WillReturnRows(pgxmock.NewRows([]string{"name", "enabled", "auto_disabled", "reset_at"}).
			AddRow("fmp", true, false, &reset).
			AddRow("newsapi", true, true, nil))

	out, err := s.LoadSourceStates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []source.State{
		{Name: "fmp", Enabled: true, ResetAt: reset},
		{Name: "newsapi", Enabled: true, AutoDisabled: true},
	}, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS consensus_records`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEncodeConsensus_NilSlices(t *testing.T) {
	enc, err := encodeConsensus(&model.ConsensusRecord{EntityID: "ACME"})
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(enc.sources))
	assert.JSONEq(t, `{}`, string(enc.fields))
	assert.JSONEq(t, `[]`, string(enc.flags))

	var m map[string]any
	require.NoError(t, json.Unmarshal(enc.metrics, &m))
	assert.Empty(t, m)
}
