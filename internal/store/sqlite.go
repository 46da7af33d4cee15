package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/source"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS consensus_records (
	entity_id        TEXT NOT NULL,
	period           TEXT NOT NULL,
	metrics          TEXT NOT NULL,
	confidence_score REAL NOT NULL DEFAULT 0,
	sources_used     TEXT NOT NULL DEFAULT '[]',
	field_sources    TEXT NOT NULL DEFAULT '{}',
	variance_flags   TEXT NOT NULL DEFAULT '[]',
	valid            INTEGER NOT NULL DEFAULT 0,
	fetched_at       DATETIME NOT NULL,
	expires_at       DATETIME NOT NULL,
	UNIQUE (entity_id, period)
);

CREATE INDEX IF NOT EXISTS idx_consensus_records_expires_at ON consensus_records(expires_at);

CREATE TABLE IF NOT EXISTS consensus_history (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id        TEXT NOT NULL,
	period           TEXT NOT NULL,
	metrics          TEXT NOT NULL,
	confidence_score REAL NOT NULL DEFAULT 0,
	fetched_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_consensus_history_entity ON consensus_history(entity_id, period, fetched_at);

CREATE TABLE IF NOT EXISTS fetch_log (
	id          TEXT PRIMARY KEY,
	at          DATETIME NOT NULL,
	source      TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	entity_id   TEXT NOT NULL DEFAULT '',
	success     INTEGER NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	transient   INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_fetch_log_at ON fetch_log(at);

CREATE TABLE IF NOT EXISTS delta_log (
	id             TEXT PRIMARY KEY,
	entity_id      TEXT NOT NULL,
	metric         TEXT NOT NULL,
	previous       REAL,
	current        REAL NOT NULL,
	change_percent REAL NOT NULL,
	significant    INTEGER NOT NULL DEFAULT 0,
	detected_at    DATETIME NOT NULL,
	source         TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_delta_log_entity ON delta_log(entity_id, detected_at);

CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);

CREATE TABLE IF NOT EXISTS source_state (
	name          TEXT PRIMARY KEY,
	enabled       INTEGER NOT NULL,
	auto_disabled INTEGER NOT NULL DEFAULT 0,
	reset_at      DATETIME,
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertConsensus(ctx context.Context, rec *model.ConsensusRecord) error {
	enc, err := encodeConsensus(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert consensus")
	}
	p := period(rec.Period)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert consensus: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO consensus_records (entity_id, period, metrics, confidence_score, sources_used, field_sources, variance_flags, valid, fetched_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entity_id, period) DO UPDATE SET
			metrics = excluded.metrics,
			confidence_score = excluded.confidence_score,
			sources_used = excluded.sources_used,
			field_sources = excluded.field_sources,
			variance_flags = excluded.variance_flags,
			valid = excluded.valid,
			fetched_at = excluded.fetched_at,
			expires_at = excluded.expires_at`,
		rec.EntityID, p, string(enc.metrics), rec.ConfidenceScore, string(enc.sources), string(enc.fields), string(enc.flags),
		rec.Valid, rec.FetchedAt.UTC(), rec.ExpiresAt.UTC(),
	); err != nil {
		return eris.Wrapf(err, "sqlite: upsert consensus %s", rec.EntityID)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO consensus_history (entity_id, period, metrics, confidence_score, fetched_at) VALUES (?, ?, ?, ?, ?)`,
		rec.EntityID, p, string(enc.metrics), rec.ConfidenceScore, rec.FetchedAt.UTC(),
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert history %s", rec.EntityID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: upsert consensus: commit tx")
}

func (s *SQLiteStore) GetConsensus(ctx context.Context, entityID, p string) (*model.ConsensusRecord, error) {
	var rec model.ConsensusRecord
	var metrics, sources, fields, flags string
	err := s.db.QueryRowContext(ctx,
		`SELECT entity_id, period, metrics, confidence_score, sources_used, field_sources, variance_flags, valid, fetched_at, expires_at
		 FROM consensus_records WHERE entity_id = ? AND period = ?`,
		entityID, period(p),
	).Scan(&rec.EntityID, &rec.Period, &metrics, &rec.ConfidenceScore, &sources, &fields, &flags,
		&rec.Valid, &rec.FetchedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get consensus %s", entityID)
	}
	enc := consensusJSON{metrics: []byte(metrics), sources: []byte(sources), fields: []byte(fields), flags: []byte(flags)}
	if err := enc.decode(&rec); err != nil {
		return nil, eris.Wrap(err, "sqlite: get consensus")
	}
	return &rec, nil
}

func (s *SQLiteStore) DeleteConsensus(ctx context.Context, entityID, p string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM consensus_records WHERE entity_id = ? AND period = ?`, entityID, period(p))
	return eris.Wrapf(err, "sqlite: delete consensus %s", entityID)
}

func (s *SQLiteStore) DeleteExpiredConsensus(ctx context.Context, before time.Time) (int64, error) {
	return s.execCount(ctx, "delete expired consensus", `DELETE FROM consensus_records WHERE expires_at <= ?`, before.UTC())
}

func (s *SQLiteStore) ConsensusHistory(ctx context.Context, entityID, p string, limit int) ([]model.Metrics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT metrics FROM consensus_history WHERE entity_id = ? AND period = ? ORDER BY fetched_at DESC, id DESC LIMIT ?`,
		entityID, period(p), historyLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: consensus history %s", entityID)
	}
	defer rows.Close()

	var out []model.Metrics
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan history")
		}
		var m model.Metrics
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal history")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: consensus history iterate")
	}
	return reverse(out), nil
}

func (s *SQLiteStore) AppendFetchAttempts(ctx context.Context, attempts []model.FetchAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: append fetch attempts: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fetch_log (id, at, source, category, entity_id, success, error, transient, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare fetch attempt insert")
	}
	defer stmt.Close()

	for _, a := range attempts {
		if _, err := stmt.ExecContext(ctx, a.ID, a.At.UTC(), a.Source, a.Category, a.EntityID, a.Success, a.Error, a.Transient, a.Duration.Milliseconds()); err != nil {
			return eris.Wrapf(err, "sqlite: insert fetch attempt %s", a.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: append fetch attempts: commit tx")
}

func (s *SQLiteStore) ListFetchAttempts(ctx context.Context, since time.Time) ([]model.FetchAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, source, category, entity_id, success, error, transient, duration_ms FROM fetch_log WHERE at >= ? ORDER BY at`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list fetch attempts")
	}
	defer rows.Close()

	var out []model.FetchAttempt
	for rows.Next() {
		var a model.FetchAttempt
		var ms int64
		if err := rows.Scan(&a.ID, &a.At, &a.Source, &a.Category, &a.EntityID, &a.Success, &a.Error, &a.Transient, &ms); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fetch attempt")
		}
		a.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list fetch attempts iterate")
}

func (s *SQLiteStore) PurgeFetchAttempts(ctx context.Context, before time.Time) (int64, error) {
	return s.execCount(ctx, "purge fetch attempts", `DELETE FROM fetch_log WHERE at < ?`, before.UTC())
}

func (s *SQLiteStore) AppendDeltas(ctx context.Context, deltas []model.DeltaRecord) error {
	if len(deltas) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: append deltas: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, d := range deltas {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO delta_log (id, entity_id, metric, previous, current, change_percent, significant, detected_at, source) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.EntityID, d.Metric, nullFloat(d.Previous), d.Current, d.ChangePercent, d.Significant, d.DetectedAt.UTC(), d.Source,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert delta %s", d.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: append deltas: commit tx")
}

func (s *SQLiteStore) ListDeltas(ctx context.Context, entityID string, limit int) ([]model.DeltaRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, metric, previous, current, change_percent, significant, detected_at, source
		 FROM delta_log WHERE entity_id = ? ORDER BY detected_at DESC LIMIT ?`,
		entityID, historyLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list deltas %s", entityID)
	}
	defer rows.Close()

	var out []model.DeltaRecord
	for rows.Next() {
		var d model.DeltaRecord
		var prev sql.NullFloat64
		if err := rows.Scan(&d.ID, &d.EntityID, &d.Metric, &prev, &d.Current, &d.ChangePercent, &d.Significant, &d.DetectedAt, &d.Source); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan delta")
		}
		if prev.Valid {
			d.Previous = model.Float(prev.Float64)
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list deltas iterate")
}

func (s *SQLiteStore) PurgeConsensusHistory(ctx context.Context, before time.Time) (int64, error) {
	return s.execCount(ctx, "purge consensus history", `DELETE FROM consensus_history WHERE fetched_at < ?`, before.UTC())
}

func (s *SQLiteStore) PurgeDeltas(ctx context.Context, before time.Time) (int64, error) {
	return s.execCount(ctx, "purge deltas", `DELETE FROM delta_log WHERE detected_at < ?`, before.UTC())
}

func (s *SQLiteStore) SaveSourceStates(ctx context.Context, states []source.State) error {
	if len(states) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: save source states: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, st := range states {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO source_state (name, enabled, auto_disabled, reset_at, updated_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (name) DO UPDATE SET enabled = excluded.enabled, auto_disabled = excluded.auto_disabled,
				reset_at = excluded.reset_at, updated_at = excluded.updated_at`,
			st.Name, st.Enabled, st.AutoDisabled, nullTime(st.ResetAt), now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: save source state %s", st.Name)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: save source states: commit tx")
}

func (s *SQLiteStore) LoadSourceStates(ctx context.Context) ([]source.State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, enabled, auto_disabled, reset_at FROM source_state ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load source states")
	}
	defer rows.Close()

	var out []source.State
	for rows.Next() {
		var st source.State
		var resetAt sql.NullTime
		if err := rows.Scan(&st.Name, &st.Enabled, &st.AutoDisabled, &resetAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source state")
		}
		if resetAt.Valid {
			st.ResetAt = resetAt.Time.UTC()
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load source states iterate")
}

func (s *SQLiteStore) execCount(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: %s", op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "rows affected")
	}
	return n, nil
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}
