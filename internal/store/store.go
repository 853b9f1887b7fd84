package store

import (
	"context"
	"errors"
	"time"

	"ordersync/backend/internal/domain"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrDuplicate      = errors.New("duplicate external order")
	ErrSessionNotOpen = errors.New("session is not open")
)

type NameMatch int

const (
	NameExact NameMatch = iota
	NameFold
	NameContains
)

// ProductCriteria selects products. FindProduct uses ID when set, otherwise
// Name with NameExact. SearchProducts uses Name with NameFold or NameContains
// and returns matches ordered by id.
type ProductCriteria struct {
	ID    int64
	Name  string
	Match NameMatch
	Limit int
}

type PartnerCriteria struct {
	ID  int64
	Ref string
}

// Catalog is the product lookup collaborator.
type Catalog interface {
	FindProduct(ctx context.Context, criteria ProductCriteria) (*domain.Product, error)
	SearchProducts(ctx context.Context, criteria ProductCriteria) ([]domain.Product, error)
}

// Directory is the partner lookup collaborator.
type Directory interface {
	FindPartner(ctx context.Context, criteria PartnerCriteria) (*domain.Partner, error)
}

// Ledger is the accounting collaborator.
type Ledger interface {
	ConfirmPayment(ctx context.Context, orderID string, payments []domain.PaymentRecord) error
	CreateInvoice(ctx context.Context, orderID string) (string, error)
	SettleSession(ctx context.Context, sessionID string) error
}

// Inventory is the stock movement collaborator. ConsumeStock must be a no-op
// for an order that already has a movement.
type Inventory interface {
	HasStockMovement(ctx context.Context, orderID string) (bool, error)
	ConsumeStock(ctx context.Context, orderID string, lines []domain.OrderLineRecord) (string, error)
}

// Sessions persists registers and register sessions. CreateSession returns
// ErrConflict when the register already has a live session; TransitionSession
// returns ErrConflict when the session is not in the expected state.
type Sessions interface {
	GetRegister(ctx context.Context, registerID string) (*domain.Register, error)
	GetSession(ctx context.Context, sessionID string) (*domain.RegisterSession, error)
	ListUnclosedSessions(ctx context.Context, registerID string) ([]domain.RegisterSession, error)
	ListSessionsInState(ctx context.Context, state domain.SessionState, updatedBefore time.Time) ([]domain.RegisterSession, error)
	CreateSession(ctx context.Context, session domain.RegisterSession) (*domain.RegisterSession, error)
	TransitionSession(ctx context.Context, sessionID string, from domain.SessionState, to domain.SessionState, at time.Time) (*domain.RegisterSession, error)
}

// OrderTx is the write side of one order's transactional scope.
type OrderTx interface {
	EnsureSessionOpen(ctx context.Context, sessionID string) error
	InsertOrder(ctx context.Context, order *domain.Order) error
}

// Orders owns the ledger's order records. WithinOrderScope runs fn inside an
// isolated scope: fn's writes become visible only when it returns nil, and a
// failure leaves no trace of the order. InsertOrder reports ErrDuplicate when a
// live order with the same external id exists.
type Orders interface {
	WithinOrderScope(ctx context.Context, fn func(tx OrderTx) error) error
	FindOrderByExternalID(ctx context.Context, externalID string) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	CancelOrder(ctx context.Context, orderID string, reason string) error
}

// Idempotency persists idempotency records. ClaimIdempotency inserts a
// processing record for a new key, or takes over an existing one that is
// expired or has been processing since before staleBefore. It returns the
// current record and whether the caller now owns it.
type Idempotency interface {
	ClaimIdempotency(ctx context.Context, key string, fingerprint string, now time.Time, staleBefore time.Time) (*domain.IdempotencyRecord, bool, error)
	CommitIdempotency(ctx context.Context, key string, status int, body []byte, now time.Time) error
	ReleaseIdempotency(ctx context.Context, key string) error
	GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	ExpireIdempotency(ctx context.Context, staleBefore time.Time, now time.Time) (int64, error)
	PurgeIdempotency(ctx context.Context, before time.Time) (int64, error)
}

// AuditLog is the append-only webhook log.
type AuditLog interface {
	CreateWebhookLog(ctx context.Context, entry domain.WebhookLog) (string, error)
	CompleteWebhookLog(ctx context.Context, id string, outcome domain.WebhookOutcome) error
	ListWebhookLogs(ctx context.Context, limit int) ([]domain.WebhookLog, error)
	PruneWebhookLogs(ctx context.Context, before time.Time) (int64, error)
}

// Repository is everything a single backing store provides.
type Repository interface {
	Catalog
	Directory
	Ledger
	Inventory
	Sessions
	Orders
	Idempotency
	AuditLog
	Close() error
}
