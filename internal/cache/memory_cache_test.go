package cache

import (
	"context"
	"testing"
	"time"

	"ordersync/backend/internal/domain"
)

func TestMemoryReplayCacheRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 11, 27, 10, 0, 0, 0, time.UTC)
	c := NewMemoryReplayCache()
	c.now = func() time.Time { return now }

	if err := c.Set(ctx, "k1", &domain.CachedResponse{Status: 207, Body: []byte(`{"status":"partial"}`)}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := c.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got.Status != 207 || string(got.Body) != `{"status":"partial"}` {
		t.Fatalf("unexpected cached value %+v", got)
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "k1"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestNoopReplayCacheAlwaysMisses(t *testing.T) {
	var c ReplayCache = NoopReplayCache{}
	if err := c.Set(context.Background(), "k", &domain.CachedResponse{Status: 200}, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := c.Get(context.Background(), "k"); ok {
		t.Fatalf("noop cache must miss")
	}
}
