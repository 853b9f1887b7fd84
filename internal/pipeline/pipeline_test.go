package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/resolve"
	"ordersync/backend/internal/session"
	"ordersync/backend/internal/store/memory"
)

const scenario2001 = `{
	"OrderID": 2001,
	"OrderItems": [{"OdooItemID": 5, "Price": 70.00, "Quantity": 1}],
	"CheckoutDetails": [{"PaymentMode": 1, "CardType": "Cash", "AmountPaid": 80.50}],
	"AmountTotal": 70.00, "Tax": 10.50, "GrandTotal": 80.50
}`

type harness struct {
	pipeline *Pipeline
	repo     *memory.Store
	sessions *session.Manager
}

func newHarness(t *testing.T, defaultPartnerID int64) *harness {
	t.Helper()
	repo := memory.NewSeeded()
	repo.PutProduct(domain.Product{ID: 5, Name: "Mixed Grill Platter", Active: true, SaleOK: true, AvailableInPOS: true, CompanyID: 1, TrackStock: true})
	repo.SetStock(5, decimal.NewFromInt(10))

	sessions := session.NewManager(repo, repo, time.Minute, time.Second)
	p := New(Deps{
		Orders:    repo,
		Ledger:    repo,
		Inventory: repo,
		Sessions:  sessions,
		Partners:  resolve.NewPartnerResolver(repo, defaultPartnerID),
		Products:  resolve.NewProductResolver(repo, resolve.AllProductChecks(), 0.85),
		Payments:  resolve.NewPaymentResolver(map[int]string{1: "cash", 2: "card"}, 0),
	}, Config{
		AllowedStatuses:     []int{domain.OrderStatusCompleted, domain.OrderStatusRefund},
		TotalTolerance:      totalTol,
		PaymentTolerance:    paymentTol,
		AutoInvoice:         true,
		CollaboratorTimeout: time.Second,
	})
	return &harness{pipeline: p, repo: repo, sessions: sessions}
}

func (h *harness) process(t *testing.T, raw string) Outcome {
	t.Helper()
	return h.pipeline.Process(context.Background(), decodeOrder(t, raw), BatchDefaults{RegisterID: "main"})
}

func TestProcessScenario2001(t *testing.T) {
	h := newHarness(t, 1)

	outcome := h.process(t, scenario2001)
	result := outcome.Result
	require.True(t, result.Success, spew.Sdump(result))
	assert.Equal(t, domain.StageFinalized, result.Stage)
	assert.Equal(t, "2001", result.ExternalOrderID)

	order := result.Order
	require.NotNil(t, order)
	assert.Equal(t, "70.00", order.AmountTotal.StringFixed(2))
	assert.Equal(t, "80.50", order.AmountPaid.StringFixed(2))
	assert.Equal(t, "10.50", order.AmountTax.StringFixed(2))
	assert.Equal(t, "0.00", order.AmountReturn.StringFixed(2))
	assert.Equal(t, "2001", order.PosReference)
	assert.Equal(t, outcome.SessionID, order.SessionID)
	assert.Equal(t, int64(1), order.PartnerID)
	assert.Equal(t, domain.OrderStateInvoiced, order.State)
	assert.NotEmpty(t, order.InvoiceID)
	assert.NotEmpty(t, order.PickingID)
	assert.True(t, h.repo.Stock(5).Equal(decimal.NewFromInt(9)))

	stored := h.repo.ListOrders()
	require.Len(t, stored, 1)
	require.Len(t, stored[0].Payments, 1)
	assert.Equal(t, int64(1), stored[0].Payments[0].MethodID)
	assert.Equal(t, domain.OrderStatusCompleted, stored[0].StatusCode)
}

func TestProcessResubmissionIsDuplicate(t *testing.T) {
	h := newHarness(t, 1)

	first := h.process(t, scenario2001).Result
	require.True(t, first.Success)

	second := h.process(t, scenario2001).Result
	assert.False(t, second.Success)
	assert.Equal(t, domain.KindDuplicateOrder, second.ErrorKind)
	assert.Equal(t, domain.StageFailed, second.Stage)
	assert.Equal(t, domain.StageReceived, second.LastStage)
	assert.Contains(t, second.Error, first.Order.Name)
	assert.Contains(t, second.Error, first.Order.ID)
	assert.Len(t, h.repo.ListOrders(), 1)
}

func TestProcessCommitsOneOrderUnderConcurrentSubmission(t *testing.T) {
	h := newHarness(t, 1)

	const workers = 12
	order := decodeOrder(t, scenario2001)
	results := make([]domain.OrderResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.pipeline.Process(context.Background(), order, BatchDefaults{RegisterID: "main"}).Result
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, result := range results {
		if result.Success {
			succeeded++
			continue
		}
		assert.Equal(t, domain.KindDuplicateOrder, result.ErrorKind, spew.Sdump(result))
	}
	assert.Equal(t, 1, succeeded)

	live := 0
	for _, order := range h.repo.ListOrders() {
		if order.ExternalOrderID == "2001" && order.State != domain.OrderStateCancelled {
			live++
		}
	}
	assert.Equal(t, 1, live)
	assert.True(t, h.repo.Stock(5).Equal(decimal.NewFromInt(9)))
}

func TestProcessFailureKindsAndStages(t *testing.T) {
	cases := []struct {
		name      string
		raw       string
		kind      domain.ErrorKind
		lastStage domain.Stage
	}{
		{
			name:      "validation",
			raw:       `{"OrderID": 1, "OrderItems": [], "CheckoutDetails": [{"PaymentMode": 1, "AmountPaid": 1}]}`,
			kind:      domain.KindValidation,
			lastStage: domain.StageReceived,
		},
		{
			name:      "status not allowed",
			raw:       `{"OrderID": 2, "OrderStatus": 104, "OrderItems": [{"OdooItemID": 5, "Price": 1, "Quantity": 1}], "CheckoutDetails": [{"PaymentMode": 1, "AmountPaid": 1}]}`,
			kind:      domain.KindInvalidStatus,
			lastStage: domain.StageReceived,
		},
		{
			name:      "unknown product",
			raw:       `{"OrderID": 3, "OrderItems": [{"OdooItemID": 999, "Price": 1, "Quantity": 1}], "CheckoutDetails": [{"PaymentMode": 1, "AmountPaid": 1}]}`,
			kind:      domain.KindProductNotFound,
			lastStage: domain.StageValidated,
		},
		{
			name:      "unknown payment method",
			raw:       `{"OrderID": 4, "OrderItems": [{"OdooItemID": 5, "Price": 1, "Quantity": 1}], "CheckoutDetails": [{"PaymentMode": 9, "CardType": "Voucher", "AmountPaid": 1}]}`,
			kind:      domain.KindPaymentMethodNotFound,
			lastStage: domain.StageValidated,
		},
		{
			name:      "totals disagree",
			raw:       `{"OrderID": 5, "OrderItems": [{"OdooItemID": 5, "Price": 70, "Quantity": 1}], "CheckoutDetails": [{"PaymentMode": 1, "AmountPaid": 80.50}], "Tax": 10.50, "GrandTotal": 90}`,
			kind:      domain.KindDataInconsistency,
			lastStage: domain.StageResolved,
		},
		{
			name:      "unknown register",
			raw:       `{"OrderID": 6, "RegisterID": "ghost", "OrderItems": [{"OdooItemID": 5, "Price": 1, "Quantity": 1}], "CheckoutDetails": [{"PaymentMode": 1, "AmountPaid": 1}]}`,
			kind:      domain.KindNoSession,
			lastStage: domain.StageValidated,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 1)
			result := h.process(t, tc.raw).Result
			require.False(t, result.Success, spew.Sdump(result))
			assert.Equal(t, tc.kind, result.ErrorKind)
			assert.Equal(t, domain.StageFailed, result.Stage)
			assert.Equal(t, tc.lastStage, result.LastStage)
			assert.NotEmpty(t, result.Error)
			assert.Empty(t, h.repo.ListOrders())
		})
	}
}

func TestProcessRefund(t *testing.T) {
	h := newHarness(t, 1)

	result := h.process(t, `{
		"OrderID": "R-2001", "OrderStatus": 106,
		"OrderItems": [{"OdooItemID": 5, "Price": 70.00, "Quantity": -1}],
		"CheckoutDetails": [{"PaymentMode": 1, "CardType": "Cash", "AmountPaid": -80.50}],
		"Tax": -10.50, "GrandTotal": -80.50
	}`).Result
	require.True(t, result.Success, spew.Sdump(result))
	assert.Equal(t, "-70.00", result.Order.AmountTotal.StringFixed(2))
	assert.Equal(t, "-80.50", result.Order.AmountPaid.StringFixed(2))
	assert.True(t, h.repo.Stock(5).Equal(decimal.NewFromInt(11)), "refund puts stock back")
}

func TestProcessPaymentFailureCancelsAndFreesExternalID(t *testing.T) {
	h := newHarness(t, 1)
	h.repo.SetFailure(memory.OpConfirmPayment, errors.New("journal locked"))

	result := h.process(t, scenario2001).Result
	require.False(t, result.Success)
	assert.Equal(t, domain.KindPaymentFailed, result.ErrorKind)
	assert.Equal(t, domain.StageCommitted, result.LastStage)

	orders := h.repo.ListOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderStateCancelled, orders[0].State)
	assert.Contains(t, orders[0].CancelReason, "journal locked")

	h.repo.SetFailure(memory.OpConfirmPayment, nil)
	retry := h.process(t, scenario2001).Result
	require.True(t, retry.Success, spew.Sdump(retry))
}

func TestProcessNonCriticalFailuresBecomeWarnings(t *testing.T) {
	h := newHarness(t, 1)
	h.repo.SetFailure(memory.OpCreateInvoice, errors.New("fiscal period closed"))
	h.repo.SetFailure(memory.OpConsumeStock, errors.New("warehouse offline"))

	result := h.process(t, scenario2001).Result
	require.True(t, result.Success, spew.Sdump(result))
	assert.Equal(t, domain.OrderStatePaid, result.Order.State)
	assert.Empty(t, result.Order.InvoiceID)
	require.Len(t, result.Warnings, 2)
	assert.Contains(t, result.Warnings[0], "warehouse offline")
	assert.Contains(t, result.Warnings[1], "fiscal period closed")
}

func TestProcessWithoutPartnerSkipsInvoice(t *testing.T) {
	h := newHarness(t, 0)

	result := h.process(t, scenario2001).Result
	require.True(t, result.Success)
	assert.Zero(t, result.Order.PartnerID)
	assert.Equal(t, domain.OrderStatePaid, result.Order.State)
	assert.Empty(t, result.Order.InvoiceID)
}

func TestProcessFuzzyNameMatchAddsWarning(t *testing.T) {
	h := newHarness(t, 1)

	result := h.process(t, `{
		"OrderID": 77,
		"OrderItems": [{"ItemName": "Mixed Grill Plater", "Price": 70, "Quantity": 1}],
		"CheckoutDetails": [{"PaymentMode": 1, "AmountPaid": 70}]
	}`).Result
	require.True(t, result.Success, spew.Sdump(result))
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], "fuzzy matched")
}

type staleFirstSessions struct {
	stale *domain.RegisterSession
	next  SessionSource
	calls int
}

func (s *staleFirstSessions) Acquire(ctx context.Context, registerID string) (*domain.RegisterSession, error) {
	s.calls++
	if s.calls == 1 {
		return s.stale, nil
	}
	return s.next.Acquire(ctx, registerID)
}

func TestProcessReacquiresWhenSessionClosedBeforeCommit(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	stale, err := h.sessions.Acquire(ctx, "main")
	require.NoError(t, err)
	require.NoError(t, h.sessions.CloseAndSettle(ctx, stale.ID))

	source := &staleFirstSessions{stale: stale, next: h.sessions}
	h.pipeline.deps.Sessions = source

	outcome := h.process(t, scenario2001)
	require.True(t, outcome.Result.Success, spew.Sdump(outcome.Result))
	assert.Equal(t, 2, source.calls)
	assert.NotEqual(t, stale.ID, outcome.Result.Order.SessionID)
	assert.Equal(t, outcome.Result.Order.SessionID, outcome.SessionID)
}
