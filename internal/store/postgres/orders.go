package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/store"
	"ordersync/backend/internal/xid"
)

type orderTx struct {
	tx *sql.Tx
}

// EnsureSessionOpen takes a share lock on the session row, so a concurrent
// close waits for this scope to finish.
func (t *orderTx) EnsureSessionOpen(ctx context.Context, sessionID string) error {
	var state domain.SessionState
	err := t.tx.QueryRowContext(ctx, `
		SELECT state FROM register_sessions WHERE id = $1 FOR SHARE
	`, sessionID).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrSessionNotOpen
		}
		return err
	}
	if state != domain.SessionOpened {
		return store.ErrSessionNotOpen
	}
	return nil
}

func (t *orderTx) InsertOrder(ctx context.Context, order *domain.Order) error {
	if order.ExternalOrderID == "" || order.SessionID == "" {
		return fmt.Errorf("order requires an external id and a session")
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

	var registerName string
	var seq int64
	err := t.tx.QueryRowContext(ctx, `
		UPDATE registers SET order_seq = order_seq + 1
		WHERE id = $1
		RETURNING name, order_seq
	`, order.RegisterID).Scan(&registerName, &seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if order.Name == "" {
		order.Name = fmt.Sprintf("%s/%05d", registerName, seq)
	}

	var partnerID any
	if order.PartnerID > 0 {
		partnerID = order.PartnerID
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO pos_orders (
			id, name, external_order_id, register_id, session_id, partner_id, status_code, state,
			date_order, amount_total, amount_tax, amount_paid, amount_return, to_invoice, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, order.ID, order.Name, order.ExternalOrderID, order.RegisterID, order.SessionID, partnerID, order.StatusCode, order.State,
		order.DateOrder, order.AmountTotal, order.AmountTax, order.AmountPaid, order.AmountReturn, order.ToInvoice, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}

	for i, line := range order.Lines {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO pos_order_lines (order_id, line_no, product_id, product_name, qty, price_unit, discount, price_subtotal, tax)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, order.ID, i+1, line.ProductID, line.ProductName, line.Qty, line.PriceUnit, line.DiscountPct, line.Subtotal, line.Tax); err != nil {
			return err
		}
	}
	return insertPayments(ctx, t.tx, order.ID, order.Payments)
}

func insertPayments(ctx context.Context, tx *sql.Tx, orderID string, payments []domain.PaymentRecord) error {
	for i, payment := range payments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pos_payments (order_id, line_no, payment_method_id, payment_method, amount, card_type, reference)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, orderID, i+1, payment.MethodID, payment.MethodName, payment.Amount, nullIfEmpty(payment.CardType), nullIfEmpty(payment.Reference)); err != nil {
			return err
		}
	}
	return nil
}

// WithinOrderScope runs fn in one database transaction. The live external id
// index and the session row lock re-check what the pipeline pre-checked.
func (s *Store) WithinOrderScope(ctx context.Context, fn func(tx store.OrderTx) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(&orderTx{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

const orderColumns = `id, name, external_order_id, register_id, session_id, partner_id, status_code, state,
	date_order, amount_total, amount_tax, amount_paid, amount_return, to_invoice,
	invoice_id, picking_id, cancel_reason, created_at`

func (s *Store) FindOrderByExternalID(ctx context.Context, externalID string) (*domain.Order, error) {
	return s.loadOrder(ctx, `SELECT `+orderColumns+` FROM pos_orders WHERE external_order_id = $1 AND state <> 'cancelled'`, externalID)
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.loadOrder(ctx, `SELECT `+orderColumns+` FROM pos_orders WHERE id = $1`, orderID)
}

func (s *Store) loadOrder(ctx context.Context, query string, arg string) (*domain.Order, error) {
	var (
		order                              domain.Order
		partnerID                          sql.NullInt64
		invoiceID, pickingID, cancelReason sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&order.ID, &order.Name, &order.ExternalOrderID, &order.RegisterID, &order.SessionID, &partnerID,
		&order.StatusCode, &order.State, &order.DateOrder, &order.AmountTotal, &order.AmountTax,
		&order.AmountPaid, &order.AmountReturn, &order.ToInvoice, &invoiceID, &pickingID, &cancelReason, &order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	order.PartnerID = partnerID.Int64
	order.InvoiceID = invoiceID.String
	order.PickingID = pickingID.String
	order.CancelReason = cancelReason.String
	order.DateOrder = order.DateOrder.UTC()
	order.CreatedAt = order.CreatedAt.UTC()

	lineRows, err := s.db.QueryContext(ctx, `
		SELECT product_id, product_name, qty, price_unit, discount, price_subtotal, tax
		FROM pos_order_lines
		WHERE order_id = $1
		ORDER BY line_no
	`, order.ID)
	if err != nil {
		return nil, err
	}
	for lineRows.Next() {
		var line domain.OrderLineRecord
		if err := lineRows.Scan(&line.ProductID, &line.ProductName, &line.Qty, &line.PriceUnit, &line.DiscountPct, &line.Subtotal, &line.Tax); err != nil {
			_ = lineRows.Close()
			return nil, err
		}
		order.Lines = append(order.Lines, line)
	}
	if err := lineRows.Err(); err != nil {
		_ = lineRows.Close()
		return nil, err
	}
	_ = lineRows.Close()

	paymentRows, err := s.db.QueryContext(ctx, `
		SELECT payment_method_id, payment_method, amount, COALESCE(card_type, ''), COALESCE(reference, '')
		FROM pos_payments
		WHERE order_id = $1
		ORDER BY line_no
	`, order.ID)
	if err != nil {
		return nil, err
	}
	defer paymentRows.Close()
	for paymentRows.Next() {
		var payment domain.PaymentRecord
		if err := paymentRows.Scan(&payment.MethodID, &payment.MethodName, &payment.Amount, &payment.CardType, &payment.Reference); err != nil {
			return nil, err
		}
		order.Payments = append(order.Payments, payment)
	}
	if err := paymentRows.Err(); err != nil {
		return nil, err
	}
	return &order, nil
}

// CancelOrder moves the order out of the live external id index, freeing the
// id for a retry.
func (s *Store) CancelOrder(ctx context.Context, orderID string, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pos_orders SET state = 'cancelled', cancel_reason = $2
		WHERE id = $1 AND state <> 'cancelled'
	`, orderID, reason)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetOrder(ctx, orderID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) lockOrderState(ctx context.Context, tx *sql.Tx, orderID string) (domain.OrderState, sql.NullString, sql.NullString, error) {
	var state domain.OrderState
	var invoiceID, pickingID sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT state, invoice_id, picking_id FROM pos_orders WHERE id = $1 FOR UPDATE
	`, orderID).Scan(&state, &invoiceID, &pickingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", invoiceID, pickingID, store.ErrNotFound
		}
		return "", invoiceID, pickingID, err
	}
	return state, invoiceID, pickingID, nil
}

func (s *Store) ConfirmPayment(ctx context.Context, orderID string, payments []domain.PaymentRecord) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	state, _, _, err := s.lockOrderState(ctx, tx, orderID)
	if err != nil {
		return err
	}
	switch state {
	case domain.OrderStatePaid, domain.OrderStateInvoiced:
		return nil
	case domain.OrderStateCancelled:
		return store.ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pos_payments WHERE order_id = $1`, orderID); err != nil {
		return err
	}
	if err := insertPayments(ctx, tx, orderID, payments); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE pos_orders SET state = 'paid' WHERE id = $1`, orderID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateInvoice(ctx context.Context, orderID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	state, invoiceID, _, err := s.lockOrderState(ctx, tx, orderID)
	if err != nil {
		return "", err
	}
	if invoiceID.Valid {
		return invoiceID.String, nil
	}
	if state != domain.OrderStatePaid {
		return "", store.ErrConflict
	}

	var id string
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO invoices (id, order_id, created_at)
		VALUES ('INV/' || lpad(nextval('invoice_seq')::text, 5, '0'), $1, now())
		RETURNING id
	`, orderID).Scan(&id); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE pos_orders SET invoice_id = $2, state = 'invoiced' WHERE id = $1`, orderID, id); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) SettleSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE register_sessions SET settled_at = COALESCE(settled_at, now())
		WHERE id = $1
	`, sessionID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) HasStockMovement(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM stock_pickings WHERE order_id = $1)`, orderID).Scan(&exists)
	return exists, err
}

// ConsumeStock records one picking per order. Refund lines carry negative
// quantities and so put stock back.
func (s *Store) ConsumeStock(ctx context.Context, orderID string, lines []domain.OrderLineRecord) (string, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	_, _, pickingID, err := s.lockOrderState(ctx, tx, orderID)
	if err != nil {
		return "", err
	}
	if pickingID.Valid {
		return pickingID.String, nil
	}

	var pickingType string
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(r.stock_picking_type, '')
		FROM pos_orders o JOIN registers r ON r.id = o.register_id
		WHERE o.id = $1
	`, orderID).Scan(&pickingType); err != nil {
		return "", err
	}

	var id string
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO stock_pickings (id, order_id, picking_type, created_at)
		VALUES ('PICK/' || lpad(nextval('picking_seq')::text, 5, '0'), $1, $2, now())
		RETURNING id
	`, orderID, pickingType).Scan(&id); err != nil {
		return "", err
	}

	for _, qty := range trackedQuantities(ctx, tx, lines) {
		if qty.err != nil {
			return "", qty.err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stock_moves (picking_id, product_id, qty) VALUES ($1,$2,$3)
		`, id, qty.productID, qty.qty); err != nil {
			return "", err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stock_levels (product_id, qty, updated_at)
			VALUES ($1, -$2::numeric, now())
			ON CONFLICT (product_id) DO UPDATE SET qty = stock_levels.qty - $2::numeric, updated_at = now()
		`, qty.productID, qty.qty); err != nil {
			return "", err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE pos_orders SET picking_id = $2 WHERE id = $1`, orderID, id); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

type stockQty struct {
	productID int64
	qty       decimal.Decimal
	err       error
}

// trackedQuantities keeps the lines whose product tracks stock, summed per
// product in first-seen order.
func trackedQuantities(ctx context.Context, tx *sql.Tx, lines []domain.OrderLineRecord) []stockQty {
	totals := make([]stockQty, 0, len(lines))
	index := make(map[int64]int, len(lines))
	for _, line := range lines {
		if i, ok := index[line.ProductID]; ok {
			totals[i].qty = totals[i].qty.Add(line.Qty)
			continue
		}
		var tracked bool
		err := tx.QueryRowContext(ctx, `SELECT track_stock FROM products WHERE id = $1`, line.ProductID).Scan(&tracked)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return []stockQty{{err: err}}
		}
		if !tracked {
			continue
		}
		index[line.ProductID] = len(totals)
		totals = append(totals, stockQty{productID: line.ProductID, qty: line.Qty})
	}
	return totals
}
