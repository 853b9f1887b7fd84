package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/resolve"
	"ordersync/backend/internal/store"
)

// SessionSource hands out the open session of a register.
type SessionSource interface {
	Acquire(ctx context.Context, registerID string) (*domain.RegisterSession, error)
}

type Config struct {
	AllowedStatuses     []int
	TotalTolerance      decimal.Decimal
	PaymentTolerance    decimal.Decimal
	AutoInvoice         bool
	CollaboratorTimeout time.Duration
}

type Deps struct {
	Orders    store.Orders
	Ledger    store.Ledger
	Inventory store.Inventory
	Sessions  SessionSource
	Partners  *resolve.PartnerResolver
	Products  *resolve.ProductResolver
	Payments  *resolve.PaymentResolver
}

// BatchDefaults carries the batch-level overrides an order falls back to.
type BatchDefaults struct {
	RegisterID  string
	PartnerID   int64
	CustomerRef string
}

// Outcome is the result of one order plus the session it touched, which the
// caller closes once the batch is done.
type Outcome struct {
	Result    domain.OrderResult
	SessionID string
}

type Pipeline struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

func New(deps Deps, cfg Config) *Pipeline {
	if cfg.CollaboratorTimeout <= 0 {
		cfg.CollaboratorTimeout = 10 * time.Second
	}
	return &Pipeline{deps: deps, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

type run struct {
	order    domain.ExternalOrder
	defaults BatchDefaults
	stage    domain.Stage
	warnings []string
	session  *domain.RegisterSession
	partner  *domain.Partner
	lines    []domain.OrderLineRecord
	payments []domain.PaymentRecord
	totals   Totals
}

func (r *run) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.warnings = append(r.warnings, msg)
	log.Printf("[pipeline] WARN: order %s: %s", r.order.OrderID, msg)
}

// Process takes one external order through validation, resolution, commit and
// finalization. It never returns an error: every failure is reported in the
// result with the stage the order had reached.
func (p *Pipeline) Process(ctx context.Context, order domain.ExternalOrder, defaults BatchDefaults) Outcome {
	r := &run{order: order, defaults: defaults, stage: domain.StageReceived}

	committed, err := p.process(ctx, r)
	outcome := Outcome{Result: domain.OrderResult{
		ExternalOrderID: string(order.OrderID),
		Warnings:        r.warnings,
	}}
	if r.session != nil {
		outcome.SessionID = r.session.ID
	}
	if err != nil {
		tagged := domain.AsError(err)
		if tagged.Kind == domain.KindInternal {
			log.Printf("[pipeline] order %s failed at %s: %v", order.OrderID, r.stage, err)
		}
		outcome.Result.Stage = domain.StageFailed
		outcome.Result.LastStage = r.stage
		outcome.Result.ErrorKind = tagged.Kind
		outcome.Result.Error = tagged.Message
		return outcome
	}

	outcome.Result.Success = true
	outcome.Result.Stage = r.stage
	outcome.Result.Order = domain.SummarizeOrder(*committed)
	return outcome
}

func (p *Pipeline) process(ctx context.Context, r *run) (*domain.Order, error) {
	if err := Validate(r.order); err != nil {
		return nil, err
	}
	externalID := string(r.order.OrderID)

	existing, err := p.deps.Orders.FindOrderByExternalID(ctx, externalID)
	switch {
	case err == nil:
		return nil, duplicateError(externalID, existing)
	case !errors.Is(err, store.ErrNotFound):
		return nil, domain.Wrap(domain.KindInternal, err, "duplicate check for order %s", externalID)
	}

	if status := orderStatus(r.order); !slices.Contains(p.cfg.AllowedStatuses, status) {
		return nil, domain.Errorf(domain.KindInvalidStatus, "OrderStatus %d is not accepted (allowed %v)", status, p.cfg.AllowedStatuses)
	}
	r.stage = domain.StageValidated

	registerID := strings.TrimSpace(r.order.RegisterID)
	if registerID == "" {
		registerID = r.defaults.RegisterID
	}
	session, err := p.deps.Sessions.Acquire(ctx, registerID)
	if err != nil {
		return nil, asKind(domain.KindNoSession, err)
	}
	r.session = session

	if err := p.resolve(ctx, r); err != nil {
		return nil, err
	}
	r.stage = domain.StageResolved

	totals, err := ComputeTotals(r.order, p.cfg.TotalTolerance, p.cfg.PaymentTolerance)
	if err != nil {
		return nil, err
	}
	r.totals = totals
	for i := range r.lines {
		line := totals.Lines[i]
		r.lines[i].Qty = line.Qty
		r.lines[i].PriceUnit = line.PriceUnit
		r.lines[i].DiscountPct = line.DiscountPct
		r.lines[i].Subtotal = line.Subtotal
		r.lines[i].Tax = line.Tax
	}
	r.stage = domain.StageBuilt

	order, err := p.commit(ctx, r)
	if err != nil {
		return nil, err
	}
	r.stage = domain.StageCommitted

	if err := p.finalize(ctx, r, order); err != nil {
		return nil, err
	}
	r.stage = domain.StageFinalized

	final, err := p.deps.Orders.GetOrder(ctx, order.ID)
	if err != nil {
		// The order is committed and finalized; report what we know.
		log.Printf("[pipeline] WARN: reload order %s: %v", order.ID, err)
		return order, nil
	}
	return final, nil
}

func (p *Pipeline) resolve(ctx context.Context, r *run) error {
	companyID := r.session.Register.CompanyID
	if companyID == 0 {
		companyID = r.session.CompanyID
	}

	r.lines = make([]domain.OrderLineRecord, 0, len(r.order.OrderItems))
	for _, line := range r.order.OrderItems {
		resolution, err := p.deps.Products.Resolve(ctx, line)
		if err != nil {
			return err
		}
		if resolution.Warning != "" {
			r.warnings = append(r.warnings, resolution.Warning)
		}
		if err := p.deps.Products.Check(resolution.Product, companyID); err != nil {
			return err
		}
		r.lines = append(r.lines, domain.OrderLineRecord{
			ProductID:   resolution.Product.ID,
			ProductName: resolution.Product.Name,
		})
	}

	methods := r.session.Register.PaymentMethods
	r.payments = make([]domain.PaymentRecord, 0, len(r.order.CheckoutDetails))
	for _, line := range paymentLines(r.order) {
		method, _, err := p.deps.Payments.Resolve(methods, line)
		if err != nil {
			return err
		}
		r.payments = append(r.payments, domain.PaymentRecord{
			MethodID:   method.ID,
			MethodName: method.Name,
			Amount:     domain.Round2(line.AmountPaid.Decimal),
			CardType:   line.CardType,
			Reference:  line.ReferenceID,
		})
	}

	partner, err := p.deps.Partners.Resolve(ctx, resolve.PartnerRefs{
		OrderID:  r.order.CustomerID,
		OrderRef: r.order.CustomerRef,
		BatchID:  r.defaults.PartnerID,
		BatchRef: r.defaults.CustomerRef,
	})
	if err != nil {
		return domain.Wrap(domain.KindInternal, err, "resolve partner for order %s", r.order.OrderID)
	}
	r.partner = partner.Partner
	return nil
}

func (p *Pipeline) buildOrder(r *run) *domain.Order {
	dateOrder := p.now()
	if raw := strings.TrimSpace(r.order.OrderDate); raw != "" {
		if parsed, err := domain.ParseOrderDate(raw); err == nil {
			dateOrder = parsed
		}
	}
	order := &domain.Order{
		ExternalOrderID: string(r.order.OrderID),
		RegisterID:      r.session.RegisterID,
		SessionID:       r.session.ID,
		StatusCode:      orderStatus(r.order),
		State:           domain.OrderStateDraft,
		DateOrder:       dateOrder,
		AmountTotal:     r.totals.Subtotal,
		AmountTax:       r.totals.Tax,
		AmountPaid:      r.totals.PaymentsSum,
		AmountReturn:    r.totals.Return,
		ToInvoice:       p.cfg.AutoInvoice && r.partner != nil && r.session.Register.InvoiceEnabled,
		Lines:           slices.Clone(r.lines),
		Payments:        slices.Clone(r.payments),
	}
	if r.partner != nil {
		order.PartnerID = r.partner.ID
	}
	return order
}

// commit inserts the order in its own transactional scope. When the session
// was closed underneath us the session is re-acquired once and the insert is
// retried against the new one.
func (p *Pipeline) commit(ctx context.Context, r *run) (*domain.Order, error) {
	for attempt := 0; attempt < 2; attempt++ {
		order := p.buildOrder(r)
		err := p.deps.Orders.WithinOrderScope(ctx, func(tx store.OrderTx) error {
			if err := tx.EnsureSessionOpen(ctx, order.SessionID); err != nil {
				return err
			}
			return tx.InsertOrder(ctx, order)
		})
		switch {
		case err == nil:
			log.Printf("[pipeline] order %s committed as %s in session %s", order.ExternalOrderID, order.ID, order.SessionID)
			return order, nil
		case errors.Is(err, store.ErrDuplicate):
			existing, findErr := p.deps.Orders.FindOrderByExternalID(ctx, order.ExternalOrderID)
			if findErr != nil {
				existing = nil
			}
			return nil, duplicateError(order.ExternalOrderID, existing)
		case errors.Is(err, store.ErrSessionNotOpen) && attempt == 0:
			log.Printf("[pipeline] WARN: session %s closed before order %s committed, re-acquiring", order.SessionID, order.ExternalOrderID)
			session, acquireErr := p.deps.Sessions.Acquire(ctx, r.session.RegisterID)
			if acquireErr != nil {
				return nil, asKind(domain.KindNoSession, acquireErr)
			}
			r.session = session
		default:
			return nil, domain.Wrap(domain.KindCommitFailed, err, "commit order %s: %v", order.ExternalOrderID, err)
		}
	}
	return nil, domain.Errorf(domain.KindCommitFailed, "commit order %s: session closed twice", r.order.OrderID)
}

// finalize runs the post-commit side effects. Only payment confirmation is
// critical; stock and invoice failures become warnings on a successful order.
func (p *Pipeline) finalize(ctx context.Context, r *run, order *domain.Order) error {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CollaboratorTimeout)
	err := p.deps.Ledger.ConfirmPayment(callCtx, order.ID, order.Payments)
	cancel()
	if err != nil {
		reason := fmt.Sprintf("payment confirmation failed: %v", err)
		cancelCtx, cancelCancel := context.WithTimeout(ctx, p.cfg.CollaboratorTimeout)
		if cancelErr := p.deps.Orders.CancelOrder(cancelCtx, order.ID, reason); cancelErr != nil {
			log.Printf("[pipeline] order %s: cancel after payment failure: %v", order.ID, cancelErr)
		}
		cancelCancel()
		return domain.Wrap(domain.KindPaymentFailed, err, "confirm payment for order %s: %v", order.ExternalOrderID, err)
	}

	if r.session.Register.StockPickingType != "" {
		if err := p.consumeStock(ctx, order); err != nil {
			r.warn("stock movement not recorded: %v", err)
		}
	}

	if order.ToInvoice && order.PartnerID != 0 {
		if err := p.invoice(ctx, order); err != nil {
			r.warn("invoice not created: %v", err)
		}
	}
	return nil
}

func (p *Pipeline) consumeStock(ctx context.Context, order *domain.Order) error {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CollaboratorTimeout)
	defer cancel()

	moved, err := p.deps.Inventory.HasStockMovement(callCtx, order.ID)
	if err != nil {
		return err
	}
	if moved {
		return nil
	}
	_, err = p.deps.Inventory.ConsumeStock(callCtx, order.ID, order.Lines)
	return err
}

func (p *Pipeline) invoice(ctx context.Context, order *domain.Order) error {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CollaboratorTimeout)
	defer cancel()

	current, err := p.deps.Orders.GetOrder(callCtx, order.ID)
	if err != nil {
		return err
	}
	if current.InvoiceID != "" || current.State != domain.OrderStatePaid {
		return nil
	}
	_, err = p.deps.Ledger.CreateInvoice(callCtx, order.ID)
	return err
}

// orderStatus treats a missing status as a completed sale.
func orderStatus(order domain.ExternalOrder) int {
	if order.OrderStatus == 0 {
		return domain.OrderStatusCompleted
	}
	return order.OrderStatus
}

func duplicateError(externalID string, existing *domain.Order) *domain.Error {
	if existing == nil {
		return domain.Errorf(domain.KindDuplicateOrder, "order %s already exists", externalID)
	}
	return domain.Errorf(domain.KindDuplicateOrder, "order %s already exists as %s (id %s, session %s)",
		externalID, existing.Name, existing.ID, existing.SessionID)
}

// asKind keeps an already tagged error and tags anything else with kind.
func asKind(kind domain.ErrorKind, err error) error {
	var tagged *domain.Error
	if errors.As(err, &tagged) {
		return tagged
	}
	return domain.Wrap(kind, err, "%v", err)
}
