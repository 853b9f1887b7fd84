package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Actor is the authenticated integrator behind a request.
type Actor struct {
	Subject string `json:"subject"`
	Method  string `json:"method"`
}

const (
	AuthMethodAPIKey   = "api_key"
	AuthMethodToken    = "token"
	AuthMethodPullSync = "pull_sync"
)

// POS status codes carried in ExternalOrder.OrderStatus.
const (
	OrderStatusCompleted = 103
	OrderStatusRefund    = 106
)

type SessionState string

const (
	SessionOpening SessionState = "opening"
	SessionOpened  SessionState = "opened"
	SessionClosing SessionState = "closing"
	SessionClosed  SessionState = "closed"
)

// Live reports whether the state counts against the one-session-per-register rule.
func (s SessionState) Live() bool {
	return s == SessionOpening || s == SessionOpened
}

type OrderState string

const (
	OrderStateDraft     OrderState = "draft"
	OrderStatePaid      OrderState = "paid"
	OrderStateInvoiced  OrderState = "invoiced"
	OrderStateCancelled OrderState = "cancelled"
)

type IdempotencyState string

const (
	IdempotencyProcessing IdempotencyState = "processing"
	IdempotencyCommitted  IdempotencyState = "committed"
	IdempotencyExpired    IdempotencyState = "expired"
)

type Product struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name"`
	Active         bool            `json:"active"`
	SaleOK         bool            `json:"sale_ok"`
	AvailableInPOS bool            `json:"available_in_pos"`
	CompanyID      int64           `json:"company_id"`
	ListPrice      decimal.Decimal `json:"list_price"`
	TrackStock     bool            `json:"track_stock"`
}

type Partner struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Ref    string `json:"ref,omitempty"`
	Active bool   `json:"active"`
}

type PaymentMethod struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	JournalName string `json:"journal_name"`
	IsCashCount bool   `json:"is_cash_count"`
}

// Register is a POS till configuration. PaymentMethods keeps the configured
// order, which is the tie-break order for payment resolution.
type Register struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	CompanyID        int64           `json:"company_id"`
	Active           bool            `json:"active"`
	StockPickingType string          `json:"stock_picking_type,omitempty"`
	InvoiceEnabled   bool            `json:"invoice_enabled"`
	PaymentMethods   []PaymentMethod `json:"payment_methods"`
}

type RegisterSession struct {
	ID         string       `json:"id"`
	RegisterID string       `json:"register_id"`
	CompanyID  int64        `json:"company_id"`
	State      SessionState `json:"state"`
	OpenedAt   *time.Time   `json:"opened_at,omitempty"`
	ClosingAt  *time.Time   `json:"closing_at,omitempty"`
	ClosedAt   *time.Time   `json:"closed_at,omitempty"`
	SettledAt  *time.Time   `json:"settled_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`

	// Register is the configuration the session was acquired for. It is filled
	// by the session manager, not persisted with the session.
	Register Register `json:"-"`
}

type OrderLineRecord struct {
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Qty         decimal.Decimal `json:"qty"`
	PriceUnit   decimal.Decimal `json:"price_unit"`
	DiscountPct decimal.Decimal `json:"discount"`
	Subtotal    decimal.Decimal `json:"price_subtotal"`
	Tax         decimal.Decimal `json:"tax"`
}

type PaymentRecord struct {
	MethodID   int64           `json:"payment_method_id"`
	MethodName string          `json:"payment_method"`
	Amount     decimal.Decimal `json:"amount"`
	CardType   string          `json:"card_type,omitempty"`
	Reference  string          `json:"reference,omitempty"`
}

// Order is the ledger record created for one external order.
type Order struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	ExternalOrderID string            `json:"external_order_id"`
	RegisterID      string            `json:"register_id"`
	SessionID       string            `json:"session_id"`
	PartnerID       int64             `json:"partner_id,omitempty"`
	StatusCode      int               `json:"status_code"`
	State           OrderState        `json:"state"`
	DateOrder       time.Time         `json:"date_order"`
	AmountTotal     decimal.Decimal   `json:"amount_total"`
	AmountTax       decimal.Decimal   `json:"amount_tax"`
	AmountPaid      decimal.Decimal   `json:"amount_paid"`
	AmountReturn    decimal.Decimal   `json:"amount_return"`
	ToInvoice       bool              `json:"to_invoice"`
	InvoiceID       string            `json:"invoice_id,omitempty"`
	PickingID       string            `json:"picking_id,omitempty"`
	CancelReason    string            `json:"cancel_reason,omitempty"`
	Lines           []OrderLineRecord `json:"lines"`
	Payments        []PaymentRecord   `json:"payments"`
	CreatedAt       time.Time         `json:"created_at"`
}

type IdempotencyRecord struct {
	Key            string           `json:"key"`
	Fingerprint    string           `json:"fingerprint"`
	State          IdempotencyState `json:"state"`
	ResponseStatus int              `json:"response_status,omitempty"`
	ResponseBody   []byte           `json:"-"`
	Attempts       int              `json:"attempts"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// CachedResponse is what a replayed idempotent request writes back verbatim.
type CachedResponse struct {
	Status      int    `json:"status"`
	Body        []byte `json:"body"`
	Fingerprint string `json:"fingerprint"`
}

// WebhookLog is the audit entry for one inbound call.
type WebhookLog struct {
	ID              string            `json:"id"`
	ReceivedAt      time.Time         `json:"received_at"`
	Route           string            `json:"route"`
	Method          string            `json:"http_method"`
	IPAddress       string            `json:"ip_address"`
	UserAgent       string            `json:"user_agent"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            string            `json:"body"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	OrderIDs        []string          `json:"order_ids,omitempty"`
	StatusCode      int               `json:"status_code"`
	ResponseMessage string            `json:"response_message"`
	ProcessingMS    int64             `json:"processing_ms"`
	Success         bool              `json:"success"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// WebhookOutcome completes a WebhookLog once the response is known.
type WebhookOutcome struct {
	StatusCode      int
	ResponseMessage string
	OrderIDs        []string
	IdempotencyKey  string
	ProcessingMS    int64
	Success         bool
	CompletedAt     time.Time
}

type SweepReport struct {
	ExpiredIdempotency int64 `json:"expired_idempotency"`
	PurgedIdempotency  int64 `json:"purged_idempotency"`
	PurgedWebhookLogs  int64 `json:"purged_webhook_logs"`
	ClosedSessions     int   `json:"closed_sessions"`
}
