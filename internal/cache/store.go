package cache

import (
	"context"
	"time"

	"github.com/sells-group/consensus-cli/internal/model"
)

// RecordStore is the subset of the persistence layer the cache needs.
type RecordStore interface {
	GetConsensus(ctx context.Context, entityID, period string) (*model.ConsensusRecord, error)
	UpsertConsensus(ctx context.Context, rec *model.ConsensusRecord) error
	DeleteConsensus(ctx context.Context, entityID, period string) error
	DeleteExpiredConsensus(ctx context.Context, before time.Time) (int64, error)
}

// StoreBackend keeps records in the consensus_records table.
type StoreBackend struct {
	store RecordStore
}

// NewStoreBackend creates a StoreBackend.
func NewStoreBackend(s RecordStore) *StoreBackend {
	return &StoreBackend{store: s}
}

// Get implements Backend.
func (b *StoreBackend) Get(ctx context.Context, entityID, period string) (*model.ConsensusRecord, error) {
	return b.store.GetConsensus(ctx, entityID, period)
}

// Put implements Backend.
func (b *StoreBackend) Put(ctx context.Context, rec *model.ConsensusRecord) error {
	return b.store.UpsertConsensus(ctx, rec)
}

// Delete implements Backend.
func (b *StoreBackend) Delete(ctx context.Context, entityID, period string) error {
	return b.store.DeleteConsensus(ctx, entityID, period)
}

// SweepExpired implements Backend.
func (b *StoreBackend) SweepExpired(ctx context.Context, before time.Time) (int, error) {
	n, err := b.store.DeleteExpiredConsensus(ctx, before)
	return int(n), err
}
