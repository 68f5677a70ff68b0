// Package usecase implements the business logic for the candle stream registry.
package usecase

import (
	"context"

	"candle_sync/internal/feature/streams/domain/entity"
)

// StreamRepository abstracts the persistence layer for the stream registry.
// Following Go convention: interfaces are defined by the consumer (usecase), not the provider (adapters).
type StreamRepository interface {
	ReplaceActive(ctx context.Context, streams []entity.Stream) error
	ListActive(ctx context.Context) ([]entity.Stream, error)
}

// StreamUsecase provides business logic for stream registry operations.
type StreamUsecase struct {
	repo StreamRepository
}

// NewStreamUsecase creates a new StreamUsecase with the given repository.
func NewStreamUsecase(r StreamRepository) *StreamUsecase {
	return &StreamUsecase{repo: r}
}

// Register records the currently configured streams; previously registered streams
// that are not in the list are marked inactive.
func (u *StreamUsecase) Register(ctx context.Context, streams []entity.Stream) error {
	return u.repo.ReplaceActive(ctx, streams)
}

// ListActiveStreams returns all active streams from the repository.
func (u *StreamUsecase) ListActiveStreams(ctx context.Context) ([]entity.Stream, error) {
	return u.repo.ListActive(ctx)
}
