package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/store"
)

func openTestStore(t *testing.T) *AuditStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWebhookLogLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	received := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	id, err := s.CreateWebhookLog(ctx, domain.WebhookLog{
		ReceivedAt: received,
		Route:      "/api/v1/webhook/pos-order/bulk",
		Method:     "POST",
		IPAddress:  "10.0.0.7",
		UserAgent:  "pos-terminal/2.4",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       `{"orders":[]}`,
	})
	if err != nil {
		t.Fatalf("create webhook log: %v", err)
	}

	completed := received.Add(1500 * time.Millisecond)
	err = s.CompleteWebhookLog(ctx, id, domain.WebhookOutcome{
		StatusCode:      207,
		ResponseMessage: "1 of 3 orders failed",
		OrderIDs:        []string{"A-1", "A-2", "A-3"},
		IdempotencyKey:  "batch-1",
		ProcessingMS:    1500,
		Success:         true,
		CompletedAt:     completed,
	})
	if err != nil {
		t.Fatalf("complete webhook log: %v", err)
	}

	logs, err := s.ListWebhookLogs(ctx, 10)
	if err != nil {
		t.Fatalf("list webhook logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}
	entry := logs[0]
	if entry.ID != id || entry.StatusCode != 207 || !entry.Success || entry.IdempotencyKey != "batch-1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if !entry.ReceivedAt.Equal(received) {
		t.Fatalf("received_at = %v, want %v", entry.ReceivedAt, received)
	}
	if entry.CompletedAt == nil || !entry.CompletedAt.Equal(completed) {
		t.Fatalf("completed_at = %v, want %v", entry.CompletedAt, completed)
	}
	if len(entry.OrderIDs) != 3 || entry.OrderIDs[2] != "A-3" {
		t.Fatalf("unexpected order ids: %v", entry.OrderIDs)
	}
	if entry.Headers["Content-Type"] != "application/json" {
		t.Fatalf("unexpected headers: %v", entry.Headers)
	}
}

func TestCompleteUnknownWebhookLog(t *testing.T) {
	s := openTestStore(t)
	err := s.CompleteWebhookLog(context.Background(), "whk-missing", domain.WebhookOutcome{CompletedAt: time.Now()})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListNewestFirstAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, route := range []string{"/first", "/second", "/third"} {
		if _, err := s.CreateWebhookLog(ctx, domain.WebhookLog{ReceivedAt: base.AddDate(0, 0, i*30), Route: route}); err != nil {
			t.Fatalf("create %s: %v", route, err)
		}
	}

	logs, err := s.ListWebhookLogs(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 2 || logs[0].Route != "/third" || logs[1].Route != "/second" {
		t.Fatalf("unexpected order: %+v", logs)
	}

	pruned, err := s.PruneWebhookLogs(ctx, base.AddDate(0, 0, 45))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("expected 2 pruned, got %d", pruned)
	}
	all, err := s.ListWebhookLogs(ctx, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 || all[0].Route != "/third" {
		t.Fatalf("unexpected remaining logs: %+v", all)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	for i := 0; i < 2; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		s.Close()
	}
}
