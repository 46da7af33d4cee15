package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/consensus-cli/internal/db"
	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/source"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	upsertConsensusSQL = `INSERT INTO consensus_records (entity_id, period, metrics, confidence_score, sources_used, field_sources, variance_flags, valid, fetched_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (entity_id, period) DO UPDATE SET
	metrics = EXCLUDED.metrics,
	confidence_score = EXCLUDED.confidence_score,
	sources_used = EXCLUDED.sources_used,
	field_sources = EXCLUDED.field_sources,
	variance_flags = EXCLUDED.variance_flags,
	valid = EXCLUDED.valid,
	fetched_at = EXCLUDED.fetched_at,
	expires_at = EXCLUDED.expires_at`
	insertHistorySQL = `INSERT INTO consensus_history (entity_id, period, metrics, confidence_score, fetched_at) VALUES ($1, $2, $3, $4, $5)`
	getConsensusSQL  = `SELECT entity_id, period, metrics, confidence_score, sources_used, field_sources, variance_flags, valid, fetched_at, expires_at FROM consensus_records WHERE entity_id = $1 AND period = $2`
	historySQL       = `SELECT metrics FROM consensus_history WHERE entity_id = $1 AND period = $2 ORDER BY fetched_at DESC LIMIT $3`
	listAttemptsSQL  = `SELECT id, at, source, category, entity_id, success, error, transient, duration_ms FROM fetch_log WHERE at >= $1 ORDER BY at`
	listDeltasSQL    = `SELECT id, entity_id, metric, previous, current, change_percent, significant, detected_at, source FROM delta_log WHERE entity_id = $1 ORDER BY detected_at DESC LIMIT $2`
)

// preparedStatements lists queries to prepare on each new connection for
// the hot path of an acquisition cycle.
var preparedStatements = map[string]string{
	"upsert_consensus":  upsertConsensusSQL,
	"insert_history":    insertHistorySQL,
	"get_consensus":     getConsensusSQL,
	"consensus_history": historySQL,
}

var (
	fetchLogColumns = []string{"id", "at", "source", "category", "entity_id", "success", "error", "transient", "duration_ms"}
	deltaLogColumns = []string{"id", "entity_id", "metric", "previous", "current", "change_percent", "significant", "detected_at", "source"}
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS consensus_records (
	entity_id        TEXT NOT NULL,
	period           TEXT NOT NULL,
	metrics          JSONB NOT NULL,
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	sources_used     JSONB NOT NULL DEFAULT '[]',
	field_sources    JSONB NOT NULL DEFAULT '{}',
	variance_flags   JSONB NOT NULL DEFAULT '[]',
	valid            BOOLEAN NOT NULL DEFAULT false,
	fetched_at       TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (entity_id, period)
);

CREATE INDEX IF NOT EXISTS idx_consensus_records_expires_at ON consensus_records(expires_at);

CREATE TABLE IF NOT EXISTS consensus_history (
	id               BIGSERIAL PRIMARY KEY,
	entity_id        TEXT NOT NULL,
	period           TEXT NOT NULL,
	metrics          JSONB NOT NULL,
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	fetched_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_consensus_history_entity ON consensus_history(entity_id, period, fetched_at DESC);

CREATE TABLE IF NOT EXISTS fetch_log (
	id          TEXT PRIMARY KEY,
	at          TIMESTAMPTZ NOT NULL,
	source      TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	entity_id   TEXT NOT NULL DEFAULT '',
	success     BOOLEAN NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	transient   BOOLEAN NOT NULL DEFAULT false,
	duration_ms BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_fetch_log_at ON fetch_log(at);
CREATE INDEX IF NOT EXISTS idx_fetch_log_source_at ON fetch_log(source, at);

CREATE TABLE IF NOT EXISTS delta_log (
	id             TEXT PRIMARY KEY,
	entity_id      TEXT NOT NULL,
	metric         TEXT NOT NULL,
	previous       DOUBLE PRECISION,
	current        DOUBLE PRECISION NOT NULL,
	change_percent DOUBLE PRECISION NOT NULL,
	significant    BOOLEAN NOT NULL DEFAULT false,
	detected_at    TIMESTAMPTZ NOT NULL,
	source         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_delta_log_entity ON delta_log(entity_id, detected_at DESC);
CREATE INDEX IF NOT EXISTS idx_delta_log_detected_at ON delta_log(detected_at);

CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);

CREATE TABLE IF NOT EXISTS source_state (
	name          TEXT PRIMARY KEY,
	enabled       BOOLEAN NOT NULL,
	auto_disabled BOOLEAN NOT NULL DEFAULT false,
	reset_at      TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

ALTER TABLE source_state ADD COLUMN IF NOT EXISTS reset_at TIMESTAMPTZ;
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// consensusJSON holds the JSON-encoded columns of a consensus record.
type consensusJSON struct {
	metrics, sources, fields, flags []byte
}

func encodeConsensus(rec *model.ConsensusRecord) (consensusJSON, error) {
	var out consensusJSON
	var err error
	if out.metrics, err = json.Marshal(rec.Metrics); err != nil {
		return out, eris.Wrap(err, "marshal metrics")
	}
	sources := rec.SourcesUsed
	if sources == nil {
		sources = []string{}
	}
	if out.sources, err = json.Marshal(sources); err != nil {
		return out, eris.Wrap(err, "marshal sources")
	}
	fields := rec.FieldSources
	if fields == nil {
		fields = map[string]string{}
	}
	if out.fields, err = json.Marshal(fields); err != nil {
		return out, eris.Wrap(err, "marshal field sources")
	}
	flags := rec.VarianceFlags
	if flags == nil {
		flags = []string{}
	}
	if out.flags, err = json.Marshal(flags); err != nil {
		return out, eris.Wrap(err, "marshal variance flags")
	}
	return out, nil
}

func (c consensusJSON) decode(rec *model.ConsensusRecord) error {
	if err := json.Unmarshal(c.metrics, &rec.Metrics); err != nil {
		return eris.Wrap(err, "unmarshal metrics")
	}
	if err := json.Unmarshal(c.sources, &rec.SourcesUsed); err != nil {
		return eris.Wrap(err, "unmarshal sources")
	}
	if err := json.Unmarshal(c.fields, &rec.FieldSources); err != nil {
		return eris.Wrap(err, "unmarshal field sources")
	}
	if err := json.Unmarshal(c.flags, &rec.VarianceFlags); err != nil {
		return eris.Wrap(err, "unmarshal variance flags")
	}
	return nil
}

func (s *PostgresStore) UpsertConsensus(ctx context.Context, rec *model.ConsensusRecord) error {
	enc, err := encodeConsensus(rec)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert consensus")
	}
	p := period(rec.Period)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert consensus: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, upsertConsensusSQL,
		rec.EntityID, p, enc.metrics, rec.ConfidenceScore, enc.sources, enc.fields, enc.flags,
		rec.Valid, rec.FetchedAt.UTC(), rec.ExpiresAt.UTC(),
	); err != nil {
		return eris.Wrapf(err, "postgres: upsert consensus %s", rec.EntityID)
	}
	if _, err := tx.Exec(ctx, insertHistorySQL,
		rec.EntityID, p, enc.metrics, rec.ConfidenceScore, rec.FetchedAt.UTC(),
	); err != nil {
		return eris.Wrapf(err, "postgres: insert history %s", rec.EntityID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: upsert consensus: commit tx")
}

func (s *PostgresStore) GetConsensus(ctx context.Context, entityID, p string) (*model.ConsensusRecord, error) {
	var rec model.ConsensusRecord
	var enc consensusJSON
	err := s.pool.QueryRow(ctx, getConsensusSQL, entityID, period(p)).Scan(
		&rec.EntityID, &rec.Period, &enc.metrics, &rec.ConfidenceScore, &enc.sources, &enc.fields, &enc.flags,
		&rec.Valid, &rec.FetchedAt, &rec.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get consensus %s", entityID)
	}
	if err := enc.decode(&rec); err != nil {
		return nil, eris.Wrap(err, "postgres: get consensus")
	}
	return &rec, nil
}

func (s *PostgresStore) DeleteConsensus(ctx context.Context, entityID, p string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM consensus_records WHERE entity_id = $1 AND period = $2`, entityID, period(p))
	return eris.Wrapf(err, "postgres: delete consensus %s", entityID)
}

func (s *PostgresStore) DeleteExpiredConsensus(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM consensus_records WHERE expires_at <= $1`, before.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired consensus")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ConsensusHistory(ctx context.Context, entityID, p string, limit int) ([]model.Metrics, error) {
	rows, err := s.pool.Query(ctx, historySQL, entityID, period(p), historyLimit(limit))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: consensus history %s", entityID)
	}
	defer rows.Close()

	var out []model.Metrics
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan history")
		}
		var m model.Metrics
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal history")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: consensus history iterate")
	}
	return reverse(out), nil
}

func (s *PostgresStore) AppendFetchAttempts(ctx context.Context, attempts []model.FetchAttempt) error {
	rows := make([][]any, len(attempts))
	for i, a := range attempts {
		rows[i] = []any{a.ID, a.At.UTC(), a.Source, a.Category, a.EntityID, a.Success, a.Error, a.Transient, a.Duration.Milliseconds()}
	}
	_, err := db.CopyFrom(ctx, s.pool, "fetch_log", fetchLogColumns, rows)
	return eris.Wrap(err, "postgres: append fetch attempts")
}

func (s *PostgresStore) ListFetchAttempts(ctx context.Context, since time.Time) ([]model.FetchAttempt, error) {
	rows, err := s.pool.Query(ctx, listAttemptsSQL, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list fetch attempts")
	}
	defer rows.Close()

	var out []model.FetchAttempt
	for rows.Next() {
		var a model.FetchAttempt
		var ms int64
		if err := rows.Scan(&a.ID, &a.At, &a.Source, &a.Category, &a.EntityID, &a.Success, &a.Error, &a.Transient, &ms); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fetch attempt")
		}
		a.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list fetch attempts iterate")
}

func (s *PostgresStore) PurgeFetchAttempts(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM fetch_log WHERE at < $1`, before.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge fetch attempts")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) AppendDeltas(ctx context.Context, deltas []model.DeltaRecord) error {
	rows := make([][]any, len(deltas))
	for i, d := range deltas {
		rows[i] = []any{d.ID, d.EntityID, d.Metric, d.Previous, d.Current, d.ChangePercent, d.Significant, d.DetectedAt.UTC(), d.Source}
	}
	_, err := db.CopyFrom(ctx, s.pool, "delta_log", deltaLogColumns, rows)
	return eris.Wrap(err, "postgres: append deltas")
}

func (s *PostgresStore) ListDeltas(ctx context.Context, entityID string, limit int) ([]model.DeltaRecord, error) {
	rows, err := s.pool.Query(ctx, listDeltasSQL, entityID, historyLimit(limit))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list deltas %s", entityID)
	}
	defer rows.Close()

	var out []model.DeltaRecord
	for rows.Next() {
		var d model.DeltaRecord
		if err := rows.Scan(&d.ID, &d.EntityID, &d.Metric, &d.Previous, &d.Current, &d.ChangePercent, &d.Significant, &d.DetectedAt, &d.Source); err != nil {
			return nil, eris.Wrap(err, "postgres: scan delta")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list deltas iterate")
}

func (s *PostgresStore) PurgeConsensusHistory(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM consensus_history WHERE fetched_at < $1`, before.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge consensus history")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) PurgeDeltas(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM delta_log WHERE detected_at < $1`, before.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge deltas")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) SaveSourceStates(ctx context.Context, states []source.State) error {
	now := time.Now().UTC()
	rows := make([][]any, len(states))
	for i, st := range states {
		rows[i] = []any{st.Name, st.Enabled, st.AutoDisabled, nullTime(st.ResetAt), now}
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "source_state",
		Columns:      []string{"name", "enabled", "auto_disabled", "reset_at", "updated_at"},
		ConflictKeys: []string{"name"},
		ChangedCols:  []string{"enabled", "auto_disabled", "reset_at"},
	}, rows)
	return eris.Wrap(err, "postgres: save source states")
}

func (s *PostgresStore) LoadSourceStates(ctx context.Context) ([]source.State, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, enabled, auto_disabled, reset_at FROM source_state ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load source states")
	}
	defer rows.Close()

	var out []source.State
	for rows.Next() {
		var st source.State
		var resetAt *time.Time
		if err := rows.Scan(&st.Name, &st.Enabled, &st.AutoDisabled, &resetAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source state")
		}
		if resetAt != nil {
			st.ResetAt = resetAt.UTC()
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load source states iterate")
}
