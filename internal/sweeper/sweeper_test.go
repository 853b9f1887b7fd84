package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersync/backend/internal/cache"
	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/idempotency"
	"ordersync/backend/internal/session"
	"ordersync/backend/internal/store/memory"
)

func TestOnceRunsEveryStep(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewSeeded()
	now := time.Now().UTC()

	_, owned, err := repo.ClaimIdempotency(ctx, "abandoned", "fp", now.Add(-time.Hour), now.Add(-2*time.Hour))
	require.NoError(t, err)
	require.True(t, owned)

	_, err = repo.CreateWebhookLog(ctx, domain.WebhookLog{ReceivedAt: now.AddDate(0, 0, -100), Route: "/old"})
	require.NoError(t, err)
	_, err = repo.CreateWebhookLog(ctx, domain.WebhookLog{ReceivedAt: now, Route: "/new"})
	require.NoError(t, err)

	sessions := session.NewManager(repo, repo, time.Minute, time.Second)
	current, err := sessions.Acquire(ctx, "main")
	require.NoError(t, err)
	repo.SetFailure(memory.OpSettleSession, errors.New("ledger offline"))
	require.Error(t, sessions.CloseAndSettle(ctx, current.ID))
	repo.SetFailure(memory.OpSettleSession, nil)

	idem := idempotency.NewStore(repo, cache.NoopReplayCache{}, 5*time.Minute, 30*24*time.Hour)
	s := New(idem, repo, sessions, 90*24*time.Hour, 0)
	s.now = func() time.Time { return now.Add(time.Minute) }

	report, err := s.Once(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.ExpiredIdempotency)
	assert.Equal(t, int64(0), report.PurgedIdempotency)
	assert.Equal(t, int64(1), report.PurgedWebhookLogs)
	assert.Equal(t, 1, report.ClosedSessions)

	record, err := repo.GetIdempotency(ctx, "abandoned")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyExpired, record.State)

	logs, err := repo.ListWebhookLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "/new", logs[0].Route)

	closed, err := repo.GetSession(ctx, current.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionClosed, closed.State)
}

type failingIdempotency struct{}

func (failingIdempotency) Sweep(context.Context) (int64, int64, error) {
	return 0, 0, errors.New("database unavailable")
}

type countingSessions struct{ calls atomic.Int32 }

func (c *countingSessions) Sweep(context.Context, time.Time) (int, error) {
	c.calls.Add(1)
	return 2, nil
}

func TestOnceContinuesAfterFailure(t *testing.T) {
	repo := memory.New()
	sessions := &countingSessions{}
	s := New(failingIdempotency{}, repo, sessions, 0, time.Minute)

	report, err := s.Once(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unavailable")
	assert.Equal(t, int32(1), sessions.calls.Load())
	assert.Equal(t, 2, report.ClosedSessions)
}

func TestRunStopsOnCancel(t *testing.T) {
	repo := memory.New()
	sessions := &countingSessions{}
	s := New(idempotency.NewStore(repo, nil, time.Minute, 0), repo, sessions, 0, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return sessions.calls.Load() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
