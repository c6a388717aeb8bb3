package memory

import (
	"context"
	"sync"

	"peercast/internal/core/domain"
	"peercast/internal/core/ports"
)

type MemoryStreamIDRepository struct {
	active map[domain.StreamID]struct{}
	mu     sync.RWMutex
}

func NewMemoryStreamIDRepository() ports.StreamIDRepository {
	return &MemoryStreamIDRepository{
		active: make(map[domain.StreamID]struct{}),
	}
}

func (r *MemoryStreamIDRepository) Reserve(ctx context.Context, id domain.StreamID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[id]; exists {
		return false, nil
	}
	r.active[id] = struct{}{}
	return true, nil
}

func (r *MemoryStreamIDRepository) Release(ctx context.Context, id domain.StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.active, id)
	return nil
}

func (r *MemoryStreamIDRepository) IsActive(ctx context.Context, id domain.StreamID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.active[id]
	return exists, nil
}
