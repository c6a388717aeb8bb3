package ports

import (
	"context"

	"peercast/internal/core/domain"
)

// StreamIDRepository tracks stream ids currently in use.
type StreamIDRepository interface {
	// Reserve returns false when id is already taken.
	Reserve(ctx context.Context, id domain.StreamID) (bool, error)
	Release(ctx context.Context, id domain.StreamID) error
	IsActive(ctx context.Context, id domain.StreamID) (bool, error)
}
