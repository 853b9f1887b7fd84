package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/store"
)

func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("ORDERSYNC_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set ORDERSYNC_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return s
}

func seedRegister(t *testing.T, s *Store, stamp int64) (string, int64) {
	t.Helper()
	ctx := context.Background()
	registerID := fmt.Sprintf("reg-it-%d", stamp)
	productID := stamp % 1_000_000_000

	if err := s.UpsertRegister(ctx, domain.Register{
		ID:               registerID,
		Name:             "IT Register",
		CompanyID:        1,
		Active:           true,
		StockPickingType: "pos_out",
		InvoiceEnabled:   true,
		PaymentMethods: []domain.PaymentMethod{
			{ID: productID, Name: "Cash", JournalName: "Cash", IsCashCount: true},
		},
	}); err != nil {
		t.Fatalf("upsert register: %v", err)
	}
	if err := s.UpsertProduct(ctx, domain.Product{
		ID: productID, Name: fmt.Sprintf("IT Platter %d", stamp), Active: true, SaleOK: true,
		AvailableInPOS: true, CompanyID: 1, ListPrice: decimal.RequireFromString("70.00"), TrackStock: true,
	}); err != nil {
		t.Fatalf("upsert product: %v", err)
	}
	if err := s.SetStock(ctx, productID, decimal.NewFromInt(10)); err != nil {
		t.Fatalf("set stock: %v", err)
	}
	return registerID, productID
}

func TestSessionsAllowOneLiveSessionPerRegister(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	registerID, _ := seedRegister(t, s, time.Now().UnixNano())

	created, err := s.CreateSession(ctx, domain.RegisterSession{RegisterID: registerID, CompanyID: 1})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := s.CreateSession(ctx, domain.RegisterSession{RegisterID: registerID, CompanyID: 1}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for second live session, got %v", err)
	}
	if _, err := s.TransitionSession(ctx, created.ID, domain.SessionOpened, domain.SessionClosing, time.Now().UTC()); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict for wrong from-state, got %v", err)
	}
	for _, step := range []struct{ from, to domain.SessionState }{
		{domain.SessionOpening, domain.SessionOpened},
		{domain.SessionOpened, domain.SessionClosing},
		{domain.SessionClosing, domain.SessionClosed},
	} {
		if _, err := s.TransitionSession(ctx, created.ID, step.from, step.to, time.Now().UTC()); err != nil {
			t.Fatalf("transition %s -> %s: %v", step.from, step.to, err)
		}
	}
	if _, err := s.CreateSession(ctx, domain.RegisterSession{RegisterID: registerID, CompanyID: 1}); err != nil {
		t.Fatalf("expected a new session after close, got %v", err)
	}
}

func TestOrderScopeDuplicateAndFinalize(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()
	registerID, productID := seedRegister(t, s, stamp)

	session, err := s.CreateSession(ctx, domain.RegisterSession{RegisterID: registerID, CompanyID: 1})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := s.TransitionSession(ctx, session.ID, domain.SessionOpening, domain.SessionOpened, time.Now().UTC()); err != nil {
		t.Fatalf("open session: %v", err)
	}

	externalID := fmt.Sprintf("IT-%d", stamp)
	newOrder := func() *domain.Order {
		return &domain.Order{
			ExternalOrderID: externalID,
			RegisterID:      registerID,
			SessionID:       session.ID,
			StatusCode:      domain.OrderStatusCompleted,
			DateOrder:       time.Now().UTC(),
			AmountTotal:     decimal.RequireFromString("70.00"),
			AmountTax:       decimal.RequireFromString("10.50"),
			AmountPaid:      decimal.RequireFromString("80.50"),
			Lines: []domain.OrderLineRecord{{
				ProductID: productID, ProductName: "IT Platter", Qty: decimal.NewFromInt(1),
				PriceUnit: decimal.RequireFromString("70.00"), Subtotal: decimal.RequireFromString("70.00"),
				Tax: decimal.RequireFromString("10.50"),
			}},
		}
	}
	insert := func(order *domain.Order) error {
		return s.WithinOrderScope(ctx, func(tx store.OrderTx) error {
			if err := tx.EnsureSessionOpen(ctx, session.ID); err != nil {
				return err
			}
			return tx.InsertOrder(ctx, order)
		})
	}

	first := newOrder()
	if err := insert(first); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	if err := insert(newOrder()); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	payments := []domain.PaymentRecord{{MethodID: productID, MethodName: "Cash", Amount: decimal.RequireFromString("80.50")}}
	if err := s.ConfirmPayment(ctx, first.ID, payments); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	picking, err := s.ConsumeStock(ctx, first.ID, first.Lines)
	if err != nil {
		t.Fatalf("consume stock: %v", err)
	}
	again, err := s.ConsumeStock(ctx, first.ID, first.Lines)
	if err != nil || again != picking {
		t.Fatalf("expected idempotent stock consumption, got %q, %v", again, err)
	}
	invoice, err := s.CreateInvoice(ctx, first.ID)
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	stored, err := s.FindOrderByExternalID(ctx, externalID)
	if err != nil {
		t.Fatalf("find order: %v", err)
	}
	if stored.State != domain.OrderStateInvoiced || stored.InvoiceID != invoice || stored.PickingID != picking {
		t.Fatalf("unexpected stored order: %+v", stored)
	}
	if len(stored.Lines) != 1 || len(stored.Payments) != 1 {
		t.Fatalf("expected 1 line and 1 payment, got %d and %d", len(stored.Lines), len(stored.Payments))
	}

	var qty decimal.Decimal
	if err := s.db.QueryRowContext(ctx, `SELECT qty FROM stock_levels WHERE product_id = $1`, productID).Scan(&qty); err != nil {
		t.Fatalf("query stock: %v", err)
	}
	if !qty.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("expected stock 9, got %s", qty)
	}
}

func TestIdempotencyClaimCommitAndExpire(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	key := fmt.Sprintf("it-key-%d", time.Now().UnixNano())
	now := time.Now().UTC()

	if _, owned, err := s.ClaimIdempotency(ctx, key, "fp", now, now.Add(-5*time.Minute)); err != nil || !owned {
		t.Fatalf("first claim: owned=%v err=%v", owned, err)
	}
	if _, owned, err := s.ClaimIdempotency(ctx, key, "fp", now, now.Add(-5*time.Minute)); err != nil || owned {
		t.Fatalf("second claim should not own: owned=%v err=%v", owned, err)
	}
	if err := s.CommitIdempotency(ctx, key, 200, []byte(`{"status":"success"}`), now); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.CommitIdempotency(ctx, key, 200, nil, now); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on second commit, got %v", err)
	}
	record, err := s.GetIdempotency(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.State != domain.IdempotencyCommitted || string(record.ResponseBody) != `{"status":"success"}` {
		t.Fatalf("unexpected record: %+v", record)
	}
}
