// Package store persists consensus records, the fetch log, the delta log and
// source toggle state.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/sells-group/consensus-cli/internal/config"
	"github.com/sells-group/consensus-cli/internal/model"
	"github.com/sells-group/consensus-cli/internal/resilience"
	"github.com/sells-group/consensus-cli/internal/source"
)

// DefaultHistoryLimit bounds ConsensusHistory when no limit is given.
const DefaultHistoryLimit = 30

// Store defines the persistence interface for the consensus pipeline.
type Store interface {
	// Consensus records, one row per (entity, period), plus an append-only
	// snapshot history.
	UpsertConsensus(ctx context.Context, rec *model.ConsensusRecord) error
	GetConsensus(ctx context.Context, entityID, period string) (*model.ConsensusRecord, error)
	DeleteConsensus(ctx context.Context, entityID, period string) error
	DeleteExpiredConsensus(ctx context.Context, before time.Time) (int64, error)
	ConsensusHistory(ctx context.Context, entityID, period string, limit int) ([]model.Metrics, error)
	PurgeConsensusHistory(ctx context.Context, before time.Time) (int64, error)

	// Fetch log
	AppendFetchAttempts(ctx context.Context, attempts []model.FetchAttempt) error
	ListFetchAttempts(ctx context.Context, since time.Time) ([]model.FetchAttempt, error)
	PurgeFetchAttempts(ctx context.Context, before time.Time) (int64, error)

	// Delta log
	AppendDeltas(ctx context.Context, deltas []model.DeltaRecord) error
	ListDeltas(ctx context.Context, entityID string, limit int) ([]model.DeltaRecord, error)
	PurgeDeltas(ctx context.Context, before time.Time) (int64, error)

	// Source toggles
	SaveSourceStates(ctx context.Context, states []source.State) error
	LoadSourceStates(ctx context.Context) ([]source.State, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open creates the store named by cfg.Driver. The "memory" driver (or an
// empty one) returns a nil Store; callers then run without persistence.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return nil, nil
	case "postgres", "postgresql":
		if cfg.DatabaseURL == "" {
			return nil, resilience.Configf("store: postgres driver needs database_url")
		}
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	case "sqlite":
		if cfg.DatabaseURL == "" {
			return nil, resilience.Configf("store: sqlite driver needs database_url")
		}
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, resilience.Configf("store: unknown driver %q", cfg.Driver)
	}
}

func historyLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func period(p string) string {
	if p == "" {
		return model.DefaultPeriod
	}
	return p
}

// reverse turns newest-first query results into oldest-first history.
func reverse(ms []model.Metrics) []model.Metrics {
	for i, j := 0, len(ms)-1; i < j; i, j = i+1, j-1 {
		ms[i], ms[j] = ms[j], ms[i]
	}
	return ms
}
