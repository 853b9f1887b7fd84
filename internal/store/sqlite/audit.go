package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/store"
	"ordersync/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions:
// 1 - webhook_logs
const currentSchemaVersion = 1

// AuditStore keeps the webhook log in a local SQLite file so a single node can
// audit requests without the main database.
type AuditStore struct {
	db *sql.DB
}

func Open(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect audit database: %w", err)
	}

	// One writer at a time avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &AuditStore{db: db}, nil
}

func (s *AuditStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply audit schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (s *AuditStore) CreateWebhookLog(ctx context.Context, entry domain.WebhookLog) (string, error) {
	if entry.ID == "" {
		entry.ID = xid.New("whk")
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}
	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		return "", fmt.Errorf("encode headers: %w", err)
	}
	orderIDs, err := json.Marshal(entry.OrderIDs)
	if err != nil {
		return "", fmt.Errorf("encode order ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_logs (id, received_at, route, http_method, ip_address, user_agent, headers, body, idempotency_key, order_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.ReceivedAt.UnixNano(), entry.Route, entry.Method, entry.IPAddress, entry.UserAgent,
		string(headers), entry.Body, entry.IdempotencyKey, string(orderIDs))
	if err != nil {
		return "", fmt.Errorf("insert webhook log: %w", err)
	}
	return entry.ID, nil
}

func (s *AuditStore) CompleteWebhookLog(ctx context.Context, id string, outcome domain.WebhookOutcome) error {
	orderIDs, err := json.Marshal(outcome.OrderIDs)
	if err != nil {
		return fmt.Errorf("encode order ids: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_logs
		SET status_code = ?, response_message = ?, order_ids = ?,
			idempotency_key = CASE WHEN ? <> '' THEN ? ELSE idempotency_key END,
			processing_ms = ?, success = ?, completed_at = ?
		WHERE id = ?
	`, outcome.StatusCode, outcome.ResponseMessage, string(orderIDs),
		outcome.IdempotencyKey, outcome.IdempotencyKey,
		outcome.ProcessingMS, outcome.Success, outcome.CompletedAt.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("complete webhook log: %w", err)
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

func (s *AuditStore) ListWebhookLogs(ctx context.Context, limit int) ([]domain.WebhookLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, received_at, route, http_method, ip_address, user_agent, headers, body,
			idempotency_key, order_ids, status_code, response_message, processing_ms, success, completed_at
		FROM webhook_logs
		ORDER BY received_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook logs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.WebhookLog, 0, 16)
	for rows.Next() {
		entry, err := scanWebhookLog(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func (s *AuditStore) PruneWebhookLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_logs WHERE received_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune webhook logs: %w", err)
	}
	return res.RowsAffected()
}

func scanWebhookLog(rows *sql.Rows) (domain.WebhookLog, error) {
	var (
		entry       domain.WebhookLog
		receivedAt  int64
		headers     string
		orderIDs    string
		completedAt sql.NullInt64
	)
	if err := rows.Scan(&entry.ID, &receivedAt, &entry.Route, &entry.Method, &entry.IPAddress, &entry.UserAgent,
		&headers, &entry.Body, &entry.IdempotencyKey, &orderIDs, &entry.StatusCode, &entry.ResponseMessage,
		&entry.ProcessingMS, &entry.Success, &completedAt); err != nil {
		return domain.WebhookLog{}, fmt.Errorf("scan webhook log: %w", err)
	}
	entry.ReceivedAt = time.Unix(0, receivedAt).UTC()
	if completedAt.Valid {
		ts := time.Unix(0, completedAt.Int64).UTC()
		entry.CompletedAt = &ts
	}
	if err := json.Unmarshal([]byte(headers), &entry.Headers); err != nil {
		return domain.WebhookLog{}, fmt.Errorf("decode headers: %w", err)
	}
	if err := json.Unmarshal([]byte(orderIDs), &entry.OrderIDs); err != nil {
		return domain.WebhookLog{}, fmt.Errorf("decode order ids: %w", err)
	}
	return entry, nil
}

var _ store.AuditLog = (*AuditStore)(nil)
