package services

import (
	"context"
	"fmt"

	"peercast/internal/core/domain"
	"peercast/internal/core/ports"
	"peercast/pkg/utils"

	"go.uber.org/zap"
)

// IdentityService hands out stream ids that no other live broadcast holds.
type IdentityService struct {
	repo     ports.StreamIDRepository
	attempts int
	newToken func() string
	logger   *zap.SugaredLogger
}

func NewIdentityService(repo ports.StreamIDRepository, attempts int, logger *zap.SugaredLogger) *IdentityService {
	if attempts <= 0 {
		attempts = 1
	}
	return &IdentityService{
		repo:     repo,
		attempts: attempts,
		newToken: utils.NewStreamToken,
		logger:   logger,
	}
}

// Generate draws tokens until one can be reserved.
func (s *IdentityService) Generate(ctx context.Context) (domain.StreamID, error) {
	for i := 0; i < s.attempts; i++ {
		id := domain.StreamID(s.newToken())
		ok, err := s.repo.Reserve(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to reserve stream id: %w", err)
		}
		if ok {
			return id, nil
		}
		s.logger.Warnw("Stream id collision, drawing again", "stream_id", id, "attempt", i+1)
	}
	return "", domain.ErrStreamIDExhausted
}

func (s *IdentityService) Release(ctx context.Context, id domain.StreamID) error {
	if err := s.repo.Release(ctx, id); err != nil {
		return fmt.Errorf("failed to release stream id %s: %w", id, err)
	}
	return nil
}
