// Package cache stores consensus records by (entity, period) and reports
// staleness at read time.
package cache

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/consensus-cli/internal/metrics"
	"github.com/sells-group/consensus-cli/internal/model"
)

// DefaultTTL applies when Put is called without a TTL and none was configured.
const DefaultTTL = 24 * time.Hour

// DefaultGrace is how long an expired record is kept as a stale fallback and
// delta baseline before Sweep removes it.
const DefaultGrace = 7 * 24 * time.Hour

// Backend persists consensus records. Get returns (nil, nil) on a miss and
// must return expired records unchanged.
type Backend interface {
	Get(ctx context.Context, entityID, period string) (*model.ConsensusRecord, error)
	Put(ctx context.Context, rec *model.ConsensusRecord) error
	Delete(ctx context.Context, entityID, period string) error
	SweepExpired(ctx context.Context, before time.Time) (int, error)
}

// Lookup is the result of a cache read.
type Lookup struct {
	Record *model.ConsensusRecord
	Hit    bool
	Stale  bool
}

// Manager wraps a Backend with TTL and staleness handling.
type Manager struct {
	backend Backend
	ttl     time.Duration
	grace   time.Duration
	nowFunc func() time.Time
	log     *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithNow sets the clock (for tests).
func WithNow(fn func() time.Time) Option {
	return func(m *Manager) { m.nowFunc = fn }
}

// WithGrace sets how long expired records survive Sweep.
func WithGrace(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// New creates a Manager. A nil backend uses a fresh MemoryBackend.
func New(backend Backend, ttl time.Duration, opts ...Option) *Manager {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		backend: backend,
		ttl:     ttl,
		grace:   DefaultGrace,
		nowFunc: time.Now,
		log:     zap.L().With(zap.String("component", "cache")),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// TTL returns the default time-to-live.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Get looks up the record for entityID and period. Expired records are
// returned with Stale set.
func (m *Manager) Get(ctx context.Context, entityID, period string) (Lookup, error) {
	if period == "" {
		period = model.DefaultPeriod
	}
	rec, err := m.backend.Get(ctx, entityID, period)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return Lookup{}, eris.Wrapf(err, "cache: get %s", model.CacheKey(entityID, period))
	}
	if rec == nil {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return Lookup{}, nil
	}
	stale := rec.IsStale(m.nowFunc())
	if stale {
		metrics.CacheLookups.WithLabelValues("stale").Inc()
	} else {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
	}
	return Lookup{Record: rec.Clone(), Hit: true, Stale: stale}, nil
}

// Put stores a copy of rec with ExpiresAt = FetchedAt + ttl and returns the
// stored copy. ttl <= 0 uses the manager default.
func (m *Manager) Put(ctx context.Context, rec *model.ConsensusRecord, ttl time.Duration) (*model.ConsensusRecord, error) {
	if rec == nil {
		return nil, eris.New("cache: put nil record")
	}
	if ttl <= 0 {
		ttl = m.ttl
	}
	c := rec.Clone()
	if c.Period == "" {
		c.Period = model.DefaultPeriod
	}
	if c.FetchedAt.IsZero() {
		c.FetchedAt = m.nowFunc()
	}
	c.ExpiresAt = c.FetchedAt.Add(ttl)
	if err := m.backend.Put(ctx, c); err != nil {
		return nil, eris.Wrapf(err, "cache: put %s", c.CacheKey())
	}
	return c.Clone(), nil
}

// Invalidate removes the record for entityID and period.
func (m *Manager) Invalidate(ctx context.Context, entityID, period string) error {
	if period == "" {
		period = model.DefaultPeriod
	}
	if err := m.backend.Delete(ctx, entityID, period); err != nil {
		return eris.Wrapf(err, "cache: invalidate %s", model.CacheKey(entityID, period))
	}
	return nil
}

// Sweep removes records that expired more than the grace period ago.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	n, err := m.backend.SweepExpired(ctx, m.nowFunc().Add(-m.grace))
	if err != nil {
		return 0, eris.Wrap(err, "cache: sweep")
	}
	if n > 0 {
		metrics.SweepDeleted.WithLabelValues("cache").Add(float64(n))
		m.log.Info("swept expired consensus records", zap.Int("deleted", n))
	}
	return n, nil
}
