// Package delta detects metric changes between successive consensus records.
package delta

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/consensus-cli/internal/cache"
	"github.com/sells-group/consensus-cli/internal/config"
	"github.com/sells-group/consensus-cli/internal/metrics"
	"github.com/sells-group/consensus-cli/internal/model"
)

// NewMetricChange is the change percent reported when a metric had no
// prior value, or the prior value was zero.
const NewMetricChange = 100.0

// Config controls the tracker.
type Config struct {
	SignificantPct float64
	MaxRecords     int
}

// DefaultConfig returns a 10% threshold and a 10,000 record log.
func DefaultConfig() Config {
	return Config{SignificantPct: 10, MaxRecords: 10000}
}

// ConfigFrom converts the file configuration.
func ConfigFrom(c config.DeltaConfig) Config {
	d := DefaultConfig()
	if c.SignificantPct > 0 {
		d.SignificantPct = c.SignificantPct
	}
	if c.MaxRecords > 0 {
		d.MaxRecords = c.MaxRecords
	}
	return d
}

// Baseline supplies the previous record for an entity.
type Baseline interface {
	Get(ctx context.Context, entityID, period string) (cache.Lookup, error)
}

// Sink persists detected deltas.
type Sink interface {
	AppendDeltas(ctx context.Context, ds []model.DeltaRecord) error
}

// Tracker diffs new consensus records against the cached baseline and keeps
// a bounded in-memory log of the changes.
type Tracker struct {
	cfg      Config
	baseline Baseline
	sink     Sink
	nowFunc  func() time.Time
	log      *zap.Logger

	mu      sync.RWMutex
	records []model.DeltaRecord
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithSink persists deltas as they are detected.
func WithSink(s Sink) Option {
	return func(t *Tracker) { t.sink = s }
}

// WithNow sets the clock (for tests).
func WithNow(fn func() time.Time) Option {
	return func(t *Tracker) { t.nowFunc = fn }
}

// New creates a Tracker reading baselines from b.
func New(cfg Config, b Baseline, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:      cfg,
		baseline: b,
		nowFunc:  time.Now,
		log:      zap.L().With(zap.String("component", "delta")),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Diff compares rec against the current baseline for entityID. Stale
// baselines are used as is. No baseline yields no deltas and no error.
func (t *Tracker) Diff(ctx context.Context, entityID string, rec *model.ConsensusRecord) ([]model.DeltaRecord, error) {
	if rec == nil {
		return nil, nil
	}
	lookup, err := t.baseline.Get(ctx, entityID, rec.Period)
	if err != nil {
		return nil, eris.Wrapf(err, "delta: baseline for %s", entityID)
	}
	if !lookup.Hit {
		return nil, nil
	}
	deltas := Compare(lookup.Record, rec, t.cfg.SignificantPct, t.nowFunc())
	for i := range deltas {
		deltas[i].EntityID = entityID
	}
	if len(deltas) == 0 {
		return nil, nil
	}

	t.append(deltas)
	significant := 0
	for _, d := range deltas {
		metrics.DeltasTotal.WithLabelValues(metrics.BoolLabel(d.Significant)).Inc()
		if d.Significant {
			significant++
		}
	}
	t.log.Info("deltas detected",
		zap.String("entity", entityID),
		zap.Int("count", len(deltas)),
		zap.Int("significant", significant),
	)

	if t.sink != nil {
		if err := t.sink.AppendDeltas(context.WithoutCancel(ctx), deltas); err != nil {
			return deltas, eris.Wrap(err, "delta: persist")
		}
	}
	return deltas, nil
}

// Compare returns one delta per metric of next whose value differs from
// prev. Metrics missing from prev are reported with a nil Previous.
func Compare(prev, next *model.ConsensusRecord, threshold float64, at time.Time) []model.DeltaRecord {
	var out []model.DeltaRecord
	next.Metrics.Each(func(name string, cur float64) {
		old, had := prev.Metrics.Get(name)
		if had && old == cur {
			return
		}
		d := model.DeltaRecord{
			ID:         uuid.New().String(),
			EntityID:   next.EntityID,
			Metric:     name,
			Current:    cur,
			DetectedAt: at,
			Source:     next.FieldSources[name],
		}
		if had {
			d.Previous = model.Float(old)
		}
		d.ChangePercent = ChangePercent(d.Previous, cur)
		d.Significant = math.Abs(d.ChangePercent) >= threshold
		out = append(out, d)
	})
	return out
}

// ChangePercent returns (cur-old)*100/|old|, or NewMetricChange when there
// is no usable prior value.
func ChangePercent(old *float64, cur float64) float64 {
	if old == nil || *old == 0 {
		return NewMetricChange
	}
	return (cur - *old) * 100 / math.Abs(*old)
}

func (t *Tracker) append(ds []model.DeltaRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, ds...)
	if over := len(t.records) - t.cfg.MaxRecords; t.cfg.MaxRecords > 0 && over > 0 {
		t.records = append([]model.DeltaRecord(nil), t.records[over:]...)
	}
}

// Recent returns up to n deltas for entityID, newest first. n <= 0 returns all.
func (t *Tracker) Recent(entityID string, n int) []model.DeltaRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []model.DeltaRecord
	for i := len(t.records) - 1; i >= 0; i-- {
		if t.records[i].EntityID != entityID {
			continue
		}
		out = append(out, t.records[i])
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

// Len returns the number of retained deltas.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
