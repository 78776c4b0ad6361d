package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"marketsync/internal/models"
)

// CreateWebhookEvent persists the raw delivery before any processing, so
// nothing is lost even when the handler fails.
func (q *queries) CreateWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error {
	headers, err := json.Marshal(ev.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO webhook_events (id, provider, event_type, payload, headers, status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.ID, ev.Provider, ev.EventType, ev.Payload, headers, ev.Status, ev.RetryCount, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

// GetWebhookEvent fetches one event. Returns (nil, nil) when absent.
func (q *queries) GetWebhookEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, provider, event_type, payload, headers, order_id, status, error_message, retry_count, created_at, processed_at
		FROM webhook_events WHERE id = $1
	`, id)

	ev, err := scanWebhookEvent(row)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query webhook event %s: %w", id, err)
	}
	return ev, nil
}

// ListWebhookEvents returns events newest first, optionally filtered by
// provider and status.
func (q *queries) ListWebhookEvents(ctx context.Context, provider string, status models.EventStatus, limit, offset int) ([]models.WebhookEvent, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, provider, event_type, payload, headers, order_id, status, error_message, retry_count, created_at, processed_at
		FROM webhook_events
		WHERE ($1 = '' OR provider = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, provider, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	var out []models.WebhookEvent
	for rows.Next() {
		ev, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// LinkEvent marks the event processed and ties it to the order it
// produced, if any. This is the last write of every handler transaction.
func (q *queries) LinkEvent(ctx context.Context, eventID string, orderID *string, status models.EventStatus) error {
	_, err := q.db.Exec(ctx, `
		UPDATE webhook_events
		SET order_id = $2, status = $3, error_message = NULL, processed_at = NOW()
		WHERE id = $1
	`, eventID, orderID, status)
	if err != nil {
		return fmt.Errorf("link webhook event %s: %w", eventID, err)
	}
	return nil
}

// MarkEventFailed records a handler failure so the event surfaces in the
// admin listing and stays eligible for a manual retry.
func (q *queries) MarkEventFailed(ctx context.Context, eventID, message string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE webhook_events
		SET status = $2, error_message = $3
		WHERE id = $1
	`, eventID, models.EventFailed, message)
	if err != nil {
		return fmt.Errorf("mark webhook event %s failed: %w", eventID, err)
	}
	return nil
}

// MarkEventRetrying flips a failed event back to PENDING and bumps the
// retry counter. Returns false when the event is not in a retryable state.
func (q *queries) MarkEventRetrying(ctx context.Context, eventID string) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE webhook_events
		SET status = $2, retry_count = retry_count + 1, error_message = NULL
		WHERE id = $1 AND status = $3
	`, eventID, models.EventPending, models.EventFailed)
	if err != nil {
		return false, fmt.Errorf("mark webhook event %s retrying: %w", eventID, err)
	}
	return tag.RowsAffected() > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebhookEvent(row rowScanner) (*models.WebhookEvent, error) {
	var (
		ev          models.WebhookEvent
		headersJSON []byte
		orderID     pgtype.Text
		errMsg      pgtype.Text
		processedAt pgtype.Timestamptz
	)
	err := row.Scan(&ev.ID, &ev.Provider, &ev.EventType, &ev.Payload, &headersJSON,
		&orderID, &ev.Status, &errMsg, &ev.RetryCount, &ev.CreatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &ev.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	ev.OrderID = textPtr(orderID)
	ev.ErrorMessage = textPtr(errMsg)
	ev.ProcessedAt = timestampPtr(processedAt)
	return &ev, nil
}
