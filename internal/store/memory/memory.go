package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/store"
	"ordersync/backend/internal/textmatch"
	"ordersync/backend/internal/xid"
)

// Operation names a collaborator call that tests can make fail.
type Operation string

const (
	OpInsertOrder    Operation = "insert_order"
	OpConfirmPayment Operation = "confirm_payment"
	OpCreateInvoice  Operation = "create_invoice"
	OpConsumeStock   Operation = "consume_stock"
	OpSettleSession  Operation = "settle_session"
)

type Store struct {
	mu               sync.RWMutex
	products         map[int64]domain.Product
	stock            map[int64]decimal.Decimal
	partners         map[int64]domain.Partner
	registers        map[string]domain.Register
	sessionsByID     map[string]domain.RegisterSession
	ordersByID       map[string]*domain.Order
	liveByExternalID map[string]string
	orderSeq         map[string]int
	invoiceSeq       int
	pickingSeq       int
	pickingsByOrder  map[string]string
	idempotency      map[string]domain.IdempotencyRecord
	webhookLogs      []domain.WebhookLog
	failures         map[Operation]error
}

func New() *Store {
	return &Store{
		products:         make(map[int64]domain.Product),
		stock:            make(map[int64]decimal.Decimal),
		partners:         make(map[int64]domain.Partner),
		registers:        make(map[string]domain.Register),
		sessionsByID:     make(map[string]domain.RegisterSession),
		ordersByID:       make(map[string]*domain.Order),
		liveByExternalID: make(map[string]string),
		orderSeq:         make(map[string]int),
		pickingsByOrder:  make(map[string]string),
		idempotency:      make(map[string]domain.IdempotencyRecord),
		webhookLogs:      make([]domain.WebhookLog, 0, 128),
		failures:         make(map[Operation]error),
	}
}

// NewSeeded returns a store with one demo register, a small catalog and a
// walk-in customer, for running the server without a database.
func NewSeeded() *Store {
	s := New()
	s.PutRegister(domain.Register{
		ID:               "main",
		Name:             "Main Register",
		CompanyID:        1,
		Active:           true,
		StockPickingType: "pos_out",
		InvoiceEnabled:   true,
		PaymentMethods: []domain.PaymentMethod{
			{ID: 1, Name: "Cash", JournalName: "Cash", IsCashCount: true},
			{ID: 2, Name: "Card", JournalName: "Bank Card"},
			{ID: 3, Name: "Mada", JournalName: "Mada Card"},
			{ID: 4, Name: "Tabby", JournalName: "Tabby"},
			{ID: 5, Name: "Tamara", JournalName: "Tamara"},
			{ID: 6, Name: "STC Pay", JournalName: "STCPay Wallet"},
		},
	})
	for _, p := range []domain.Product{
		{ID: 101, Name: "Chicken Burger", ListPrice: decimal.RequireFromString("25.00"), TrackStock: true},
		{ID: 102, Name: "Beef Burger", ListPrice: decimal.RequireFromString("29.00"), TrackStock: true},
		{ID: 103, Name: "French Fries", ListPrice: decimal.RequireFromString("9.50"), TrackStock: true},
		{ID: 104, Name: "Iced Latte", ListPrice: decimal.RequireFromString("16.00")},
		{ID: 105, Name: "Mineral Water", ListPrice: decimal.RequireFromString("3.00"), TrackStock: true},
	} {
		p.Active, p.SaleOK, p.AvailableInPOS, p.CompanyID = true, true, true, 1
		s.PutProduct(p)
		s.SetStock(p.ID, decimal.NewFromInt(500))
	}
	s.PutPartner(domain.Partner{ID: 1, Name: "Walk-in Customer", Ref: "WALKIN", Active: true})
	return s
}

func (s *Store) Close() error { return nil }

func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
}

func (s *Store) PutPartner(partner domain.Partner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partners[partner.ID] = partner
}

func (s *Store) PutRegister(register domain.Register) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers[register.ID] = cloneRegister(register)
}

func (s *Store) SetStock(productID int64, qty decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[productID] = qty
}

func (s *Store) Stock(productID int64) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stock[productID]
}

// SetFailure makes op return err until it is cleared with a nil err.
func (s *Store) SetFailure(op Operation, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// ListOrders returns every order, cancelled ones included, oldest first.
func (s *Store) ListOrders() []domain.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Order, 0, len(s.ordersByID))
	for _, order := range s.ordersByID {
		out = append(out, *cloneOrder(order))
	}
	slices.SortFunc(out, func(a, b domain.Order) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

func (s *Store) FindProduct(_ context.Context, criteria store.ProductCriteria) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if criteria.ID > 0 {
		product, ok := s.products[criteria.ID]
		if !ok {
			return nil, store.ErrNotFound
		}
		return &product, nil
	}
	if criteria.Name == "" {
		return nil, store.ErrNotFound
	}
	for _, product := range s.sortedProducts() {
		if product.Name == criteria.Name {
			found := product
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) SearchProducts(_ context.Context, criteria store.ProductCriteria) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := textmatch.Fold(criteria.Name)
	result := make([]domain.Product, 0, 8)
	if needle == "" {
		return result, nil
	}
	for _, product := range s.sortedProducts() {
		name := textmatch.Fold(product.Name)
		var matched bool
		switch criteria.Match {
		case store.NameFold:
			matched = name == needle
		case store.NameContains:
			matched = strings.Contains(name, needle)
		default:
			matched = product.Name == criteria.Name
		}
		if !matched {
			continue
		}
		result = append(result, product)
		if criteria.Limit > 0 && len(result) == criteria.Limit {
			break
		}
	}
	return result, nil
}

func (s *Store) sortedProducts() []domain.Product {
	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int { return cmpInt64(a.ID, b.ID) })
	return products
}

func (s *Store) FindPartner(_ context.Context, criteria store.PartnerCriteria) (*domain.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if criteria.ID > 0 {
		partner, ok := s.partners[criteria.ID]
		if !ok {
			return nil, store.ErrNotFound
		}
		return &partner, nil
	}
	if criteria.Ref == "" {
		return nil, store.ErrNotFound
	}
	var found *domain.Partner
	for _, partner := range s.partners {
		if partner.Ref != criteria.Ref {
			continue
		}
		if found == nil || partner.ID < found.ID {
			p := partner
			found = &p
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (s *Store) GetRegister(_ context.Context, registerID string) (*domain.Register, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	register, ok := s.registers[registerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneRegister(register)
	return &dup, nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*domain.RegisterSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &session, nil
}

func (s *Store) ListUnclosedSessions(_ context.Context, registerID string) ([]domain.RegisterSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.RegisterSession, 0, 2)
	for _, session := range s.sessionsByID {
		if session.RegisterID == registerID && session.State != domain.SessionClosed {
			result = append(result, session)
		}
	}
	sortSessions(result)
	return result, nil
}

func (s *Store) ListSessionsInState(_ context.Context, state domain.SessionState, updatedBefore time.Time) ([]domain.RegisterSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.RegisterSession, 0, 4)
	for _, session := range s.sessionsByID {
		if session.State != state {
			continue
		}
		if !updatedBefore.IsZero() && !session.UpdatedAt.Before(updatedBefore) {
			continue
		}
		result = append(result, session)
	}
	sortSessions(result)
	return result, nil
}

func (s *Store) CreateSession(_ context.Context, session domain.RegisterSession) (*domain.RegisterSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.registers[session.RegisterID]; !ok {
		return nil, store.ErrNotFound
	}
	for _, existing := range s.sessionsByID {
		if existing.RegisterID == session.RegisterID && existing.State.Live() {
			return nil, store.ErrConflict
		}
	}
	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if session.State == "" {
		session.State = domain.SessionOpening
	}
	session.UpdatedAt = session.CreatedAt
	session.Register = domain.Register{}
	s.sessionsByID[session.ID] = session
	return &session, nil
}

func (s *Store) TransitionSession(_ context.Context, sessionID string, from domain.SessionState, to domain.SessionState, at time.Time) (*domain.RegisterSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.State != from {
		return nil, store.ErrConflict
	}
	stamp := at
	switch to {
	case domain.SessionOpened:
		session.OpenedAt = &stamp
	case domain.SessionClosing:
		session.ClosingAt = &stamp
	case domain.SessionClosed:
		session.ClosedAt = &stamp
	}
	session.State = to
	session.UpdatedAt = at
	s.sessionsByID[sessionID] = session
	return &session, nil
}

type orderTx struct {
	store    *Store
	sessions []string
	pending  []*domain.Order
}

func (t *orderTx) EnsureSessionOpen(_ context.Context, sessionID string) error {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	session, ok := t.store.sessionsByID[sessionID]
	if !ok || session.State != domain.SessionOpened {
		return store.ErrSessionNotOpen
	}
	t.sessions = append(t.sessions, sessionID)
	return nil
}

func (t *orderTx) InsertOrder(_ context.Context, order *domain.Order) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if err := t.store.failures[OpInsertOrder]; err != nil {
		return err
	}
	if order.ExternalOrderID == "" || order.SessionID == "" {
		return fmt.Errorf("order requires an external id and a session")
	}
	if _, exists := t.store.liveByExternalID[order.ExternalOrderID]; exists {
		return store.ErrDuplicate
	}
	for _, staged := range t.pending {
		if staged.ExternalOrderID == order.ExternalOrderID {
			return store.ErrDuplicate
		}
	}

	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.State == "" {
		order.State = domain.OrderStateDraft
	}
	t.pending = append(t.pending, cloneOrder(order))
	return nil
}

// WithinOrderScope stages fn's writes and applies them only if fn succeeds and
// the staged orders are still consistent with the committed state.
func (s *Store) WithinOrderScope(ctx context.Context, fn func(tx store.OrderTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &orderTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sessionID := range tx.sessions {
		if session, ok := s.sessionsByID[sessionID]; !ok || session.State != domain.SessionOpened {
			return store.ErrSessionNotOpen
		}
	}
	for _, order := range tx.pending {
		if _, exists := s.liveByExternalID[order.ExternalOrderID]; exists {
			return store.ErrDuplicate
		}
	}
	for _, order := range tx.pending {
		s.orderSeq[order.RegisterID]++
		if order.Name == "" {
			prefix := order.RegisterID
			if register, ok := s.registers[order.RegisterID]; ok && register.Name != "" {
				prefix = register.Name
			}
			order.Name = fmt.Sprintf("%s/%05d", prefix, s.orderSeq[order.RegisterID])
		}
		s.ordersByID[order.ID] = order
		s.liveByExternalID[order.ExternalOrderID] = order.ID
	}
	return nil
}

func (s *Store) FindOrderByExternalID(_ context.Context, externalID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.liveByExternalID[externalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(s.ordersByID[id]), nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) CancelOrder(_ context.Context, orderID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return store.ErrNotFound
	}
	if order.State == domain.OrderStateCancelled {
		return nil
	}
	order.State = domain.OrderStateCancelled
	order.CancelReason = reason
	if s.liveByExternalID[order.ExternalOrderID] == order.ID {
		delete(s.liveByExternalID, order.ExternalOrderID)
	}
	return nil
}

func (s *Store) ConfirmPayment(_ context.Context, orderID string, payments []domain.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures[OpConfirmPayment]; err != nil {
		return err
	}
	order, ok := s.ordersByID[orderID]
	if !ok {
		return store.ErrNotFound
	}
	switch order.State {
	case domain.OrderStatePaid, domain.OrderStateInvoiced:
		return nil
	case domain.OrderStateCancelled:
		return store.ErrConflict
	}
	order.Payments = slices.Clone(payments)
	order.State = domain.OrderStatePaid
	return nil
}

func (s *Store) CreateInvoice(_ context.Context, orderID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures[OpCreateInvoice]; err != nil {
		return "", err
	}
	order, ok := s.ordersByID[orderID]
	if !ok {
		return "", store.ErrNotFound
	}
	if order.InvoiceID != "" {
		return order.InvoiceID, nil
	}
	if order.State != domain.OrderStatePaid {
		return "", store.ErrConflict
	}
	s.invoiceSeq++
	order.InvoiceID = fmt.Sprintf("INV/%05d", s.invoiceSeq)
	order.State = domain.OrderStateInvoiced
	return order.InvoiceID, nil
}

func (s *Store) SettleSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures[OpSettleSession]; err != nil {
		return err
	}
	session, ok := s.sessionsByID[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	if session.SettledAt != nil {
		return nil
	}
	now := time.Now().UTC()
	session.SettledAt = &now
	s.sessionsByID[sessionID] = session
	return nil
}

func (s *Store) HasStockMovement(_ context.Context, orderID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.pickingsByOrder[orderID]
	return ok, nil
}

// ConsumeStock records one movement per order. Refund lines carry negative
// quantities and so put stock back.
func (s *Store) ConsumeStock(_ context.Context, orderID string, lines []domain.OrderLineRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures[OpConsumeStock]; err != nil {
		return "", err
	}
	order, ok := s.ordersByID[orderID]
	if !ok {
		return "", store.ErrNotFound
	}
	if picking, ok := s.pickingsByOrder[orderID]; ok {
		return picking, nil
	}
	for _, line := range lines {
		if product, ok := s.products[line.ProductID]; ok && product.TrackStock {
			s.stock[line.ProductID] = s.stock[line.ProductID].Sub(line.Qty)
		}
	}
	s.pickingSeq++
	picking := fmt.Sprintf("PICK/%05d", s.pickingSeq)
	s.pickingsByOrder[orderID] = picking
	order.PickingID = picking
	return picking, nil
}

func (s *Store) ClaimIdempotency(_ context.Context, key string, fingerprint string, now time.Time, staleBefore time.Time) (*domain.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.idempotency[key]
	if !exists {
		record = domain.IdempotencyRecord{
			Key:         key,
			Fingerprint: fingerprint,
			State:       domain.IdempotencyProcessing,
			Attempts:    1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		s.idempotency[key] = record
		return cloneIdempotency(record), true, nil
	}

	stale := record.State == domain.IdempotencyProcessing && record.UpdatedAt.Before(staleBefore)
	if record.State == domain.IdempotencyExpired || stale {
		record.Fingerprint = fingerprint
		record.State = domain.IdempotencyProcessing
		record.ResponseStatus = 0
		record.ResponseBody = nil
		record.Attempts++
		record.UpdatedAt = now
		s.idempotency[key] = record
		return cloneIdempotency(record), true, nil
	}
	return cloneIdempotency(record), false, nil
}

func (s *Store) CommitIdempotency(_ context.Context, key string, status int, body []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.idempotency[key]
	if !ok {
		return store.ErrNotFound
	}
	if record.State != domain.IdempotencyProcessing {
		return store.ErrConflict
	}
	record.State = domain.IdempotencyCommitted
	record.ResponseStatus = status
	record.ResponseBody = slices.Clone(body)
	record.UpdatedAt = now
	s.idempotency[key] = record
	return nil
}

func (s *Store) ReleaseIdempotency(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.idempotency[key]; ok && record.State == domain.IdempotencyProcessing {
		delete(s.idempotency, key)
	}
	return nil
}

func (s *Store) GetIdempotency(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.idempotency[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneIdempotency(record), nil
}

func (s *Store) ExpireIdempotency(_ context.Context, staleBefore time.Time, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired int64
	for key, record := range s.idempotency {
		if record.State != domain.IdempotencyProcessing || !record.UpdatedAt.Before(staleBefore) {
			continue
		}
		record.State = domain.IdempotencyExpired
		record.UpdatedAt = now
		s.idempotency[key] = record
		expired++
	}
	return expired, nil
}

func (s *Store) PurgeIdempotency(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for key, record := range s.idempotency {
		if record.State == domain.IdempotencyProcessing || !record.UpdatedAt.Before(before) {
			continue
		}
		delete(s.idempotency, key)
		purged++
	}
	return purged, nil
}

func (s *Store) CreateWebhookLog(_ context.Context, entry domain.WebhookLog) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("whk")
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}
	s.webhookLogs = append(s.webhookLogs, cloneWebhookLog(entry))
	return entry.ID, nil
}

func (s *Store) CompleteWebhookLog(_ context.Context, id string, outcome domain.WebhookOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.webhookLogs {
		entry := &s.webhookLogs[i]
		if entry.ID != id {
			continue
		}
		completedAt := outcome.CompletedAt
		entry.StatusCode = outcome.StatusCode
		entry.ResponseMessage = outcome.ResponseMessage
		entry.OrderIDs = slices.Clone(outcome.OrderIDs)
		if outcome.IdempotencyKey != "" {
			entry.IdempotencyKey = outcome.IdempotencyKey
		}
		entry.ProcessingMS = outcome.ProcessingMS
		entry.Success = outcome.Success
		entry.CompletedAt = &completedAt
		return nil
	}
	return store.ErrNotFound
}

func (s *Store) ListWebhookLogs(_ context.Context, limit int) ([]domain.WebhookLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.WebhookLog, 0, len(s.webhookLogs))
	for _, entry := range s.webhookLogs {
		result = append(result, cloneWebhookLog(entry))
	}
	slices.SortFunc(result, func(a, b domain.WebhookLog) int {
		if a.ReceivedAt.Equal(b.ReceivedAt) {
			return cmpString(b.ID, a.ID)
		}
		return b.ReceivedAt.Compare(a.ReceivedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) PruneWebhookLogs(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.webhookLogs[:0]
	var pruned int64
	for _, entry := range s.webhookLogs {
		if entry.ReceivedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, entry)
	}
	s.webhookLogs = kept
	return pruned, nil
}

func sortSessions(sessions []domain.RegisterSession) {
	slices.SortFunc(sessions, func(a, b domain.RegisterSession) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cmpInt64(a int64, b int64) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneRegister(src domain.Register) domain.Register {
	dup := src
	dup.PaymentMethods = slices.Clone(src.PaymentMethods)
	return dup
}

func cloneOrder(src *domain.Order) *domain.Order {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Lines = slices.Clone(src.Lines)
	dup.Payments = slices.Clone(src.Payments)
	return &dup
}

func cloneIdempotency(src domain.IdempotencyRecord) *domain.IdempotencyRecord {
	dup := src
	dup.ResponseBody = slices.Clone(src.ResponseBody)
	return &dup
}

func cloneWebhookLog(src domain.WebhookLog) domain.WebhookLog {
	dup := src
	dup.OrderIDs = slices.Clone(src.OrderIDs)
	if src.Headers != nil {
		dup.Headers = make(map[string]string, len(src.Headers))
		for k, v := range src.Headers {
			dup.Headers[k] = v
		}
	}
	return dup
}

var _ store.Repository = (*Store)(nil)
