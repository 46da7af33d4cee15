package cache

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/consensus-cli/internal/model"
)

// Tiered reads through L1 to L2 and writes to both. L2 is authoritative:
// an L1 failure is logged, an L2 failure is returned. An L1 record that has
// gone stale is re-read from L2, so a Put or Delete made by another instance
// sharing L2 is picked up once the local copy expires.
type Tiered struct {
	L1      Backend
	L2      Backend
	nowFunc func() time.Time
	log     *zap.Logger
}

// TieredOption configures a Tiered backend.
type TieredOption func(*Tiered)

// WithTierClock sets the clock used to judge L1 staleness (for tests).
func WithTierClock(fn func() time.Time) TieredOption {
	return func(t *Tiered) { t.nowFunc = fn }
}

// NewTiered composes two backends.
func NewTiered(l1, l2 Backend, opts ...TieredOption) *Tiered {
	t := &Tiered{L1: l1, L2: l2, nowFunc: time.Now, log: zap.L().With(zap.String("component", "cache.tiered"))}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Get implements Backend.
func (t *Tiered) Get(ctx context.Context, entityID, period string) (*model.ConsensusRecord, error) {
	local, err := t.L1.Get(ctx, entityID, period)
	if err != nil {
		t.log.Warn("l1 get failed", zap.String("entity", entityID), zap.Error(err))
	}
	if local != nil && !local.IsStale(t.nowFunc()) {
		return local, nil
	}

	rec, err := t.L2.Get(ctx, entityID, period)
	if err != nil {
		if local != nil {
			t.log.Warn("l2 get failed, serving stale l1 copy", zap.String("entity", entityID), zap.Error(err))
			return local, nil
		}
		return nil, err
	}
	if rec == nil {
		if local != nil {
			if err := t.L1.Delete(ctx, entityID, period); err != nil {
				t.log.Warn("l1 evict failed", zap.String("entity", entityID), zap.Error(err))
			}
		}
		return nil, nil
	}
	if err := t.L1.Put(ctx, rec); err != nil {
		t.log.Warn("l1 backfill failed", zap.String("entity", entityID), zap.Error(err))
	}
	return rec, nil
}

// Put implements Backend.
func (t *Tiered) Put(ctx context.Context, rec *model.ConsensusRecord) error {
	if err := t.L2.Put(ctx, rec); err != nil {
		return err
	}
	if err := t.L1.Put(ctx, rec); err != nil {
		t.log.Warn("l1 put failed", zap.String("entity", rec.EntityID), zap.Error(err))
	}
	return nil
}

// Delete implements Backend.
func (t *Tiered) Delete(ctx context.Context, entityID, period string) error {
	if err := t.L1.Delete(ctx, entityID, period); err != nil {
		t.log.Warn("l1 delete failed", zap.String("entity", entityID), zap.Error(err))
	}
	return t.L2.Delete(ctx, entityID, period)
}

// SweepExpired implements Backend. The count is the larger of the two tiers.
func (t *Tiered) SweepExpired(ctx context.Context, before time.Time) (int, error) {
	n1, err := t.L1.SweepExpired(ctx, before)
	if err != nil {
		return 0, eris.Wrap(err, "tiered: sweep l1")
	}
	n2, err := t.L2.SweepExpired(ctx, before)
	if err != nil {
		return 0, eris.Wrap(err, "tiered: sweep l2")
	}
	return max(n1, n2), nil
}
