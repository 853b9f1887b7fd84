package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/store"
	"ordersync/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables and indexes. It never alters existing
// ones.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) UpsertProduct(ctx context.Context, product domain.Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, active, sale_ok, available_in_pos, company_id, list_price, track_stock, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, active = EXCLUDED.active, sale_ok = EXCLUDED.sale_ok,
			available_in_pos = EXCLUDED.available_in_pos, company_id = EXCLUDED.company_id,
			list_price = EXCLUDED.list_price, track_stock = EXCLUDED.track_stock, updated_at = now()
	`, product.ID, product.Name, product.Active, product.SaleOK, product.AvailableInPOS, product.CompanyID,
		product.ListPrice, product.TrackStock)
	return err
}

func (s *Store) UpsertPartner(ctx context.Context, partner domain.Partner) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO partners (id, name, ref, active)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, ref = EXCLUDED.ref, active = EXCLUDED.active
	`, partner.ID, partner.Name, nullIfEmpty(partner.Ref), partner.Active)
	return err
}

// UpsertRegister stores a register with its payment methods in configured
// order.
func (s *Store) UpsertRegister(ctx context.Context, register domain.Register) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO registers (id, name, company_id, active, stock_picking_type, invoice_enabled)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, company_id = EXCLUDED.company_id, active = EXCLUDED.active,
			stock_picking_type = EXCLUDED.stock_picking_type, invoice_enabled = EXCLUDED.invoice_enabled
	`, register.ID, register.Name, register.CompanyID, register.Active, nullIfEmpty(register.StockPickingType), register.InvoiceEnabled); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM register_payment_methods WHERE register_id = $1`, register.ID); err != nil {
		return err
	}
	for i, method := range register.PaymentMethods {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payment_methods (id, name, journal_name, is_cash_count)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, journal_name = EXCLUDED.journal_name, is_cash_count = EXCLUDED.is_cash_count
		`, method.ID, method.Name, method.JournalName, method.IsCashCount); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO register_payment_methods (register_id, payment_method_id, position)
			VALUES ($1,$2,$3)
		`, register.ID, method.ID, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) SetStock(ctx context.Context, productID int64, qty decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_levels (product_id, qty, updated_at)
		VALUES ($1,$2,now())
		ON CONFLICT (product_id) DO UPDATE SET qty = EXCLUDED.qty, updated_at = now()
	`, productID, qty)
	return err
}

const productColumns = `id, name, active, sale_ok, available_in_pos, company_id, list_price, track_stock`

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Active, &p.SaleOK, &p.AvailableInPOS, &p.CompanyID, &p.ListPrice, &p.TrackStock)
	return p, err
}

func (s *Store) FindProduct(ctx context.Context, criteria store.ProductCriteria) (*domain.Product, error) {
	var row *sql.Row
	switch {
	case criteria.ID > 0:
		row = s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, criteria.ID)
	case criteria.Name != "":
		row = s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE name = $1 ORDER BY id LIMIT 1`, criteria.Name)
	default:
		return nil, store.ErrNotFound
	}
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) SearchProducts(ctx context.Context, criteria store.ProductCriteria) ([]domain.Product, error) {
	name := strings.TrimSpace(criteria.Name)
	result := make([]domain.Product, 0, 8)
	if name == "" {
		return result, nil
	}
	limit := criteria.Limit
	if limit < 1 {
		limit = 50
	}

	var query string
	var arg any
	switch criteria.Match {
	case store.NameFold:
		query = `SELECT ` + productColumns + ` FROM products WHERE lower(name) = lower($1) ORDER BY id LIMIT $2`
		arg = name
	case store.NameContains:
		query = `SELECT ` + productColumns + ` FROM products WHERE name ILIKE $1 ESCAPE '\' ORDER BY id LIMIT $2`
		arg = "%" + escapeLike(name) + "%"
	default:
		query = `SELECT ` + productColumns + ` FROM products WHERE name = $1 ORDER BY id LIMIT $2`
		arg = name
	}

	rows, err := s.db.QueryContext(ctx, query, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, product)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) FindPartner(ctx context.Context, criteria store.PartnerCriteria) (*domain.Partner, error) {
	var row *sql.Row
	switch {
	case criteria.ID > 0:
		row = s.db.QueryRowContext(ctx, `SELECT id, name, COALESCE(ref, ''), active FROM partners WHERE id = $1`, criteria.ID)
	case criteria.Ref != "":
		row = s.db.QueryRowContext(ctx, `SELECT id, name, COALESCE(ref, ''), active FROM partners WHERE ref = $1 ORDER BY id LIMIT 1`, criteria.Ref)
	default:
		return nil, store.ErrNotFound
	}
	var partner domain.Partner
	if err := row.Scan(&partner.ID, &partner.Name, &partner.Ref, &partner.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &partner, nil
}

func (s *Store) GetRegister(ctx context.Context, registerID string) (*domain.Register, error) {
	var register domain.Register
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, company_id, active, COALESCE(stock_picking_type, ''), invoice_enabled
		FROM registers
		WHERE id = $1
	`, registerID).Scan(&register.ID, &register.Name, &register.CompanyID, &register.Active, &register.StockPickingType, &register.InvoiceEnabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT pm.id, pm.name, pm.journal_name, pm.is_cash_count
		FROM register_payment_methods rpm
		JOIN payment_methods pm ON pm.id = rpm.payment_method_id
		WHERE rpm.register_id = $1
		ORDER BY rpm.position
	`, registerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var method domain.PaymentMethod
		if err := rows.Scan(&method.ID, &method.Name, &method.JournalName, &method.IsCashCount); err != nil {
			return nil, err
		}
		register.PaymentMethods = append(register.PaymentMethods, method)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &register, nil
}

const sessionColumns = `id, register_id, company_id, state, opened_at, closing_at, closed_at, settled_at, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (domain.RegisterSession, error) {
	var (
		session                                  domain.RegisterSession
		openedAt, closingAt, closedAt, settledAt sql.NullTime
	)
	err := row.Scan(&session.ID, &session.RegisterID, &session.CompanyID, &session.State,
		&openedAt, &closingAt, &closedAt, &settledAt, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return session, err
	}
	session.OpenedAt = timePtr(openedAt)
	session.ClosingAt = timePtr(closingAt)
	session.ClosedAt = timePtr(closedAt)
	session.SettledAt = timePtr(settledAt)
	session.CreatedAt = session.CreatedAt.UTC()
	session.UpdatedAt = session.UpdatedAt.UTC()
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.RegisterSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM register_sessions WHERE id = $1`, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *Store) ListUnclosedSessions(ctx context.Context, registerID string) ([]domain.RegisterSession, error) {
	return s.listSessions(ctx, `
		SELECT `+sessionColumns+`
		FROM register_sessions
		WHERE register_id = $1 AND state <> 'closed'
		ORDER BY created_at, id
	`, registerID)
}

func (s *Store) ListSessionsInState(ctx context.Context, state domain.SessionState, updatedBefore time.Time) ([]domain.RegisterSession, error) {
	if updatedBefore.IsZero() {
		return s.listSessions(ctx, `
			SELECT `+sessionColumns+`
			FROM register_sessions
			WHERE state = $1
			ORDER BY created_at, id
		`, state)
	}
	return s.listSessions(ctx, `
		SELECT `+sessionColumns+`
		FROM register_sessions
		WHERE state = $1 AND updated_at < $2
		ORDER BY created_at, id
	`, state, updatedBefore)
}

func (s *Store) listSessions(ctx context.Context, query string, args ...any) ([]domain.RegisterSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.RegisterSession, 0, 4)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CreateSession relies on uq_register_sessions_live to keep one live session
// per register across processes.
func (s *Store) CreateSession(ctx context.Context, session domain.RegisterSession) (*domain.RegisterSession, error) {
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

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO register_sessions (id, register_id, company_id, state, opened_at, created_at, updated_at)
		SELECT $1::text, r.id, $3::bigint, $4::text, $5::timestamptz, $6::timestamptz, $6::timestamptz
		FROM registers r
		WHERE r.id = $2::text
	`, session.ID, session.RegisterID, session.CompanyID, session.State, nullTime(session.OpenedAt), session.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	session.Register = domain.Register{}
	return &session, nil
}

func (s *Store) TransitionSession(ctx context.Context, sessionID string, from domain.SessionState, to domain.SessionState, at time.Time) (*domain.RegisterSession, error) {
	stamp := ""
	switch to {
	case domain.SessionOpened:
		stamp = ", opened_at = $4"
	case domain.SessionClosing:
		stamp = ", closing_at = $4"
	case domain.SessionClosed:
		stamp = ", closed_at = $4"
	}

	session, err := scanSession(s.db.QueryRowContext(ctx, `
		UPDATE register_sessions
		SET state = $3, updated_at = $4`+stamp+`
		WHERE id = $1 AND state = $2
		RETURNING `+sessionColumns, sessionID, from, to, at))
	if err == nil {
		return &session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	if _, getErr := s.GetSession(ctx, sessionID); getErr != nil {
		return nil, getErr
	}
	return nil, store.ErrConflict
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func escapeLike(val string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(val)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	at := val.Time.UTC()
	return &at
}

var _ store.Repository = (*Store)(nil)
