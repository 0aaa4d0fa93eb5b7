package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/settld/pkg/contracts"
)

const outboxColumns = `seq, id, tenant_id, topic, payload_json, created_at, processed_at, attempts, last_error,
	next_attempt_at, failed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOutbox(row scanner) (contracts.OutboxMessage, error) {
	var m contracts.OutboxMessage
	var payload, created string
	var processed, next, failed sql.NullString
	if err := row.Scan(&m.Seq, &m.ID, &m.TenantID, &m.Topic, &payload, &created, &processed, &m.Attempts,
		&m.LastError, &next, &failed); err != nil {
		return m, err
	}
	m.PayloadJSON = []byte(payload)
	var err error
	if m.CreatedAt, err = parseTime(created); err != nil {
		return m, err
	}
	if m.ProcessedAt, err = parseNullTime(processed); err != nil {
		return m, err
	}
	if m.NextAttemptAt, err = parseNullTime(next); err != nil {
		return m, err
	}
	if m.FailedAt, err = parseNullTime(failed); err != nil {
		return m, err
	}
	return m, nil
}

func (t *tx) queryOutbox(ctx context.Context, query string, args ...any) ([]contracts.OutboxMessage, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []contracts.OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *tx) EnqueueOutbox(ctx context.Context, m contracts.OutboxMessage) (bool, error) {
	n, err := t.exec(ctx,
		`INSERT INTO outbox (id, tenant_id, topic, payload_json, created_at, attempts, last_error)
		 VALUES ($1, $2, $3, $4, $5, 0, '')
		 ON CONFLICT DO NOTHING`,
		m.ID, m.TenantID, m.Topic, string(m.PayloadJSON), formatTime(m.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("enqueue outbox %s: %w", m.ID, err)
	}
	return n > 0, nil
}

func (t *tx) DueOutbox(ctx context.Context, now time.Time, limit int) ([]contracts.OutboxMessage, error) {
	return t.queryOutbox(ctx,
		`SELECT `+outboxColumns+` FROM outbox
		 WHERE processed_at IS NULL AND failed_at IS NULL AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		 ORDER BY seq LIMIT $2`,
		formatTime(now), limit)
}

// ClaimOutbox locks the row under Postgres; a row held by another dispatcher
// is skipped rather than waited on.
func (t *tx) ClaimOutbox(ctx context.Context, id string) (contracts.OutboxMessage, bool, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox WHERE id = $1`
	if t.dialect == Postgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	m, err := scanOutbox(t.tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return m, false, nil
	}
	if err != nil {
		return m, false, fmt.Errorf("claim outbox %s: %w", id, err)
	}
	return m, m.State() == contracts.OutboxPending, nil
}

func (t *tx) MarkOutboxProcessed(ctx context.Context, id string, at time.Time) error {
	_, err := t.exec(ctx,
		`UPDATE outbox SET processed_at = $1, next_attempt_at = NULL WHERE id = $2`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark outbox processed %s: %w", id, err)
	}
	return nil
}

func (t *tx) RecordOutboxFailure(ctx context.Context, id string, attempts int, lastErr string, next, failedAt *time.Time) error {
	_, err := t.exec(ctx,
		`UPDATE outbox SET attempts = $1, last_error = $2, next_attempt_at = $3, failed_at = $4 WHERE id = $5`,
		attempts, lastErr, nullTime(next), nullTime(failedAt), id)
	if err != nil {
		return fmt.Errorf("record outbox failure %s: %w", id, err)
	}
	return nil
}

func (t *tx) OutboxMessage(ctx context.Context, id string) (contracts.OutboxMessage, error) {
	m, err := scanOutbox(t.tx.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = $1`, id))
	return m, notFound(err)
}

func (t *tx) ListOutbox(ctx context.Context, tenantID, state string, limit int) ([]contracts.OutboxMessage, error) {
	var where []string
	var args []any
	if tenantID != "" {
		args = append(args, tenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	switch state {
	case contracts.OutboxPending:
		where = append(where, "processed_at IS NULL AND failed_at IS NULL")
	case contracts.OutboxProcessed:
		where = append(where, "processed_at IS NOT NULL")
	case contracts.OutboxFailed:
		where = append(where, "failed_at IS NOT NULL AND processed_at IS NULL")
	}
	query := `SELECT ` + outboxColumns + ` FROM outbox`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return t.queryOutbox(ctx, query, args...)
}
