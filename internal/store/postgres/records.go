package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/store"
	"ordersync/backend/internal/xid"
)

const idempotencyColumns = `key, fingerprint, state, response_status, response_body, attempts, created_at, updated_at`

func scanIdempotency(row interface{ Scan(...any) error }) (domain.IdempotencyRecord, error) {
	var record domain.IdempotencyRecord
	err := row.Scan(&record.Key, &record.Fingerprint, &record.State, &record.ResponseStatus, &record.ResponseBody,
		&record.Attempts, &record.CreatedAt, &record.UpdatedAt)
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, err
}

func (s *Store) ClaimIdempotency(ctx context.Context, key string, fingerprint string, now time.Time, staleBefore time.Time) (*domain.IdempotencyRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	record, err := scanIdempotency(tx.QueryRowContext(ctx, `
		INSERT INTO idempotency_records (key, fingerprint, state, attempts, created_at, updated_at)
		VALUES ($1, $2, 'processing', 1, $3, $3)
		ON CONFLICT (key) DO NOTHING
		RETURNING `+idempotencyColumns, key, fingerprint, now))
	if err == nil {
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return &record, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	record, err = scanIdempotency(tx.QueryRowContext(ctx, `
		SELECT `+idempotencyColumns+` FROM idempotency_records WHERE key = $1 FOR UPDATE
	`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Released between the insert and the lock; the caller may retry.
			return nil, false, store.ErrConflict
		}
		return nil, false, err
	}

	stale := record.State == domain.IdempotencyProcessing && record.UpdatedAt.Before(staleBefore)
	if record.State != domain.IdempotencyExpired && !stale {
		return &record, false, nil
	}

	record, err = scanIdempotency(tx.QueryRowContext(ctx, `
		UPDATE idempotency_records
		SET fingerprint = $2, state = 'processing', response_status = 0, response_body = NULL,
			attempts = attempts + 1, updated_at = $3
		WHERE key = $1
		RETURNING `+idempotencyColumns, key, fingerprint, now))
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &record, true, nil
}

func (s *Store) CommitIdempotency(ctx context.Context, key string, status int, body []byte, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET state = 'committed', response_status = $2, response_body = $3, updated_at = $4
		WHERE key = $1 AND state = 'processing'
	`, key, status, body, now)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetIdempotency(ctx, key); err != nil {
			return err
		}
		return store.ErrConflict
	}
	return nil
}

func (s *Store) ReleaseIdempotency(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE key = $1 AND state = 'processing'`, key)
	return err
}

func (s *Store) GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	record, err := scanIdempotency(s.db.QueryRowContext(ctx, `SELECT `+idempotencyColumns+` FROM idempotency_records WHERE key = $1`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (s *Store) ExpireIdempotency(ctx context.Context, staleBefore time.Time, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records SET state = 'expired', updated_at = $2
		WHERE state = 'processing' AND updated_at < $1
	`, staleBefore, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) PurgeIdempotency(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records WHERE state <> 'processing' AND updated_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CreateWebhookLog(ctx context.Context, entry domain.WebhookLog) (string, error) {
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
		VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9,$10::jsonb)
	`, entry.ID, entry.ReceivedAt, entry.Route, entry.Method, entry.IPAddress, entry.UserAgent,
		string(headers), entry.Body, entry.IdempotencyKey, string(orderIDs))
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

func (s *Store) CompleteWebhookLog(ctx context.Context, id string, outcome domain.WebhookOutcome) error {
	orderIDs, err := json.Marshal(outcome.OrderIDs)
	if err != nil {
		return fmt.Errorf("encode order ids: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_logs
		SET status_code = $2, response_message = $3, order_ids = $4::jsonb,
			idempotency_key = COALESCE(NULLIF($5::text, ''), idempotency_key),
			processing_ms = $6, success = $7, completed_at = $8
		WHERE id = $1
	`, id, outcome.StatusCode, outcome.ResponseMessage, string(orderIDs), outcome.IdempotencyKey,
		outcome.ProcessingMS, outcome.Success, outcome.CompletedAt)
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

func (s *Store) ListWebhookLogs(ctx context.Context, limit int) ([]domain.WebhookLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, received_at, route, http_method, ip_address, user_agent, headers, body,
			idempotency_key, order_ids, status_code, response_message, processing_ms, success, completed_at
		FROM webhook_logs
		ORDER BY received_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.WebhookLog, 0, limit)
	for rows.Next() {
		var (
			entry             domain.WebhookLog
			headers, orderIDs []byte
			completedAt       sql.NullTime
		)
		if err := rows.Scan(&entry.ID, &entry.ReceivedAt, &entry.Route, &entry.Method, &entry.IPAddress, &entry.UserAgent,
			&headers, &entry.Body, &entry.IdempotencyKey, &orderIDs, &entry.StatusCode, &entry.ResponseMessage,
			&entry.ProcessingMS, &entry.Success, &completedAt); err != nil {
			return nil, err
		}
		entry.ReceivedAt = entry.ReceivedAt.UTC()
		entry.CompletedAt = timePtr(completedAt)
		if err := json.Unmarshal(headers, &entry.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
		if err := json.Unmarshal(orderIDs, &entry.OrderIDs); err != nil {
			return nil, fmt.Errorf("decode order ids: %w", err)
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) PruneWebhookLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_logs WHERE received_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
