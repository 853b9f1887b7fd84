package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExternalID is the order identifier assigned by the POS device. Devices send
// it as a number or a string; it is always handled as a string.
type ExternalID string

func (id *ExternalID) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	if bytes.Equal(raw, []byte("null")) {
		*id = ""
		return nil
	}
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*id = ExternalID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("invalid order id %s", string(raw))
	}
	*id = ExternalID(n.String())
	return nil
}

type ExternalOrder struct {
	OrderID         ExternalID     `json:"OrderID"`
	OrderDate       string         `json:"OrderDate,omitempty"`
	OrderStatus     int            `json:"OrderStatus"`
	AmountTotal     *Amount        `json:"AmountTotal,omitempty"`
	AmountPaid      *Amount        `json:"AmountPaid,omitempty"`
	GrandTotal      *Amount        `json:"GrandTotal,omitempty"`
	AmountDiscount  Amount         `json:"AmountDiscount"`
	BalanceAmount   Amount         `json:"BalanceAmount"`
	Tax             Amount         `json:"Tax"`
	TaxPercent      Amount         `json:"TaxPercent"`
	PaymentMode     int            `json:"PaymentMode,omitempty"`
	CustomerID      int64          `json:"CustomerID,omitempty"`
	CustomerRef     string         `json:"CustomerRef,omitempty"`
	RegisterID      string         `json:"RegisterID,omitempty"`
	OrderItems      []OrderLine    `json:"OrderItems"`
	CheckoutDetails []CheckoutLine `json:"CheckoutDetails"`
}

type OrderLine struct {
	ProductID          int64   `json:"OdooItemID,omitempty"`
	LegacyID           int64   `json:"ItemID,omitempty"`
	Name               string  `json:"ItemName,omitempty"`
	Price              *Amount `json:"Price,omitempty"`
	PriceWithoutTax    *Amount `json:"PriceWithoutTax,omitempty"`
	Quantity           Amount  `json:"Quantity"`
	DiscountAmount     Amount  `json:"DiscountAmount"`
	DiscountPercentage Amount  `json:"DiscountPercentage"`
}

// UnitPrice returns the tax-exclusive unit price, preferring Price.
func (l OrderLine) UnitPrice() (Amount, bool) {
	if l.Price != nil {
		return *l.Price, true
	}
	if l.PriceWithoutTax != nil {
		return *l.PriceWithoutTax, true
	}
	return Amount{}, false
}

type CheckoutLine struct {
	PaymentMode int    `json:"PaymentMode"`
	CardType    string `json:"CardType,omitempty"`
	AmountPaid  Amount `json:"AmountPaid"`
	ReferenceID string `json:"ReferenceID,omitempty"`
}

// BatchRequest is the bulk webhook body. A bare JSON array of orders is
// accepted as a batch without overrides.
//
// Orders are decoded one by one. An order that is not well-typed keeps its
// position in Orders with only a best-effort OrderID, and the decoding error
// is kept in DecodeErrors at the same index.
type BatchRequest struct {
	RegisterID     string          `json:"register_id,omitempty"`
	PartnerID      int64           `json:"partner_id,omitempty"`
	CustomerRef    string          `json:"customer_ref,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	APIKey         string          `json:"api_key,omitempty"`
	Orders         []ExternalOrder `json:"orders"`
	DecodeErrors   []error         `json:"-"`
}

type batchEnvelope struct {
	RegisterID     string            `json:"register_id,omitempty"`
	PartnerID      int64             `json:"partner_id,omitempty"`
	CustomerRef    string            `json:"customer_ref,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	APIKey         string            `json:"api_key,omitempty"`
	Orders         []json.RawMessage `json:"orders"`
}

func (b *BatchRequest) UnmarshalJSON(data []byte) error {
	raw := bytes.TrimSpace(data)
	var envelope batchEnvelope
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &envelope.Orders); err != nil {
			return err
		}
	} else if err := json.Unmarshal(raw, &envelope); err != nil {
		return err
	}

	*b = BatchRequest{
		RegisterID:     envelope.RegisterID,
		PartnerID:      envelope.PartnerID,
		CustomerRef:    envelope.CustomerRef,
		IdempotencyKey: envelope.IdempotencyKey,
		APIKey:         envelope.APIKey,
	}
	for _, item := range envelope.Orders {
		order, err := DecodeExternalOrder(item)
		b.AddOrder(order, err)
	}
	return nil
}

// AddOrder appends an order and its decoding error, which may be nil.
func (b *BatchRequest) AddOrder(order ExternalOrder, err error) {
	if err != nil && b.DecodeErrors == nil {
		b.DecodeErrors = make([]error, len(b.Orders), cap(b.Orders))
	}
	b.Orders = append(b.Orders, order)
	if b.DecodeErrors != nil {
		b.DecodeErrors = append(b.DecodeErrors, err)
	}
}

// DecodeError returns why the i-th order could not be decoded, or nil.
func (b BatchRequest) DecodeError(i int) error {
	if i < 0 || i >= len(b.DecodeErrors) {
		return nil
	}
	return b.DecodeErrors[i]
}

// DecodeExternalOrder decodes one order. When a field is not well-typed the
// error is returned together with an order that carries only the OrderID,
// recovered leniently so the failure can still be reported against it.
func DecodeExternalOrder(raw []byte) (ExternalOrder, error) {
	var order ExternalOrder
	err := json.Unmarshal(raw, &order)
	if err == nil {
		return order, nil
	}
	return ExternalOrder{OrderID: recoverOrderID(raw)}, err
}

func recoverOrderID(raw []byte) ExternalID {
	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) != nil {
		return ""
	}
	value, ok := fields["OrderID"]
	if !ok {
		return ""
	}
	var id ExternalID
	if id.UnmarshalJSON(value) == nil {
		return id
	}
	var compact bytes.Buffer
	if json.Compact(&compact, value) != nil {
		return ""
	}
	return ExternalID(compact.String())
}

type BatchStatus string

const (
	BatchSuccess BatchStatus = "success"
	BatchPartial BatchStatus = "partial"
	BatchError   BatchStatus = "error"
)

type BatchResponse struct {
	Status    BatchStatus `json:"status"`
	Data      *BatchData  `json:"data"`
	Error     *string     `json:"error"`
	ErrorKind ErrorKind   `json:"error_kind,omitempty"`
}

type BatchData struct {
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Results    []OrderResult `json:"results"`
}

// Stage is the pipeline position of an order.
type Stage string

const (
	StageReceived  Stage = "received"
	StageValidated Stage = "validated"
	StageResolved  Stage = "resolved"
	StageBuilt     Stage = "built"
	StageCommitted Stage = "committed"
	StageFinalized Stage = "finalized"
	StageFailed    Stage = "failed"
)

type OrderResult struct {
	ExternalOrderID string        `json:"external_order_id"`
	Success         bool          `json:"success"`
	Stage           Stage         `json:"stage"`
	LastStage       Stage         `json:"last_stage,omitempty"`
	Order           *OrderSummary `json:"order,omitempty"`
	ErrorKind       ErrorKind     `json:"error_kind,omitempty"`
	Error           string        `json:"error,omitempty"`
	Warnings        []string      `json:"warnings,omitempty"`
}

type OrderSummary struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	PosReference string     `json:"pos_reference"`
	SessionID    string     `json:"session_id"`
	PartnerID    int64      `json:"partner_id,omitempty"`
	AmountTotal  Amount     `json:"amount_total"`
	AmountPaid   Amount     `json:"amount_paid"`
	AmountTax    Amount     `json:"amount_tax"`
	AmountReturn Amount     `json:"amount_return"`
	State        OrderState `json:"state"`
	DateOrder    time.Time  `json:"date_order"`
	InvoiceID    string     `json:"invoice_id,omitempty"`
	PickingID    string     `json:"picking_id,omitempty"`
}

func SummarizeOrder(order Order) *OrderSummary {
	return &OrderSummary{
		ID:           order.ID,
		Name:         order.Name,
		PosReference: order.ExternalOrderID,
		SessionID:    order.SessionID,
		PartnerID:    order.PartnerID,
		AmountTotal:  NewAmount(order.AmountTotal),
		AmountPaid:   NewAmount(order.AmountPaid),
		AmountTax:    NewAmount(order.AmountTax),
		AmountReturn: NewAmount(order.AmountReturn),
		State:        order.State,
		DateOrder:    order.DateOrder,
		InvoiceID:    order.InvoiceID,
		PickingID:    order.PickingID,
	}
}

// ParseOrderDate accepts the timestamp layouts POS devices are known to send.
// Naive timestamps are taken as UTC.
func ParseOrderDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date format %q", value)
}
