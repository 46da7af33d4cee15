package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/consensus-cli/internal/model"
)

// MemoryBackend keeps records in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*model.ConsensusRecord
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]*model.ConsensusRecord)}
}

// Get implements Backend.
func (b *MemoryBackend) Get(_ context.Context, entityID, period string) (*model.ConsensusRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.records[model.CacheKey(entityID, period)].Clone(), nil
}

// Put implements Backend.
func (b *MemoryBackend) Put(_ context.Context, rec *model.ConsensusRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[rec.CacheKey()] = rec.Clone()
	return nil
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(_ context.Context, entityID, period string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, model.CacheKey(entityID, period))
	return nil
}

// SweepExpired implements Backend.
func (b *MemoryBackend) SweepExpired(_ context.Context, before time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k, r := range b.records {
		if !r.ExpiresAt.After(before) {
			delete(b.records, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored records.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}
