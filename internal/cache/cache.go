package cache

import (
	"context"
	"time"

	"ordersync/backend/internal/domain"
)

// ReplayCache keeps committed idempotent responses close to the API so a
// replay does not need a database round trip.
type ReplayCache interface {
	Get(ctx context.Context, key string) (*domain.CachedResponse, bool, error)
	Set(ctx context.Context, key string, value *domain.CachedResponse, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopReplayCache struct{}

func (NoopReplayCache) Get(_ context.Context, _ string) (*domain.CachedResponse, bool, error) {
	return nil, false, nil
}

func (NoopReplayCache) Set(_ context.Context, _ string, _ *domain.CachedResponse, _ time.Duration) error {
	return nil
}

func (NoopReplayCache) Delete(_ context.Context, _ string) error {
	return nil
}
