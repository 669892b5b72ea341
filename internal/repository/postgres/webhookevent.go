package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/LittleKai/alpha-studio-backend/internal/apperrors"
	"github.com/LittleKai/alpha-studio-backend/internal/models"
	"github.com/LittleKai/alpha-studio-backend/internal/repository"
)

type WebhookEventRepo struct {
	DB DBTX
}

const createEvent = `-- name: CreateEvent
INSERT INTO webhook_events (id, created_at, modified_at, source, payload, status, remote_addr, headers)
VALUES ($1, $2, $2, $3, $4, 'received', $5, $6)
RETURNING *
`

func (r *WebhookEventRepo) CreateEvent(ctx context.Context, arg repository.CreateWebhookEventParams) (models.WebhookEvent, error) {
	rows, _ := r.DB.Query(ctx, createEvent, uuid.New(), time.Now(), arg.Source, arg.Payload, arg.RemoteAddr, arg.Headers)
	event, err := pgx.CollectOneRow(rows, rowToWebhookEvent)
	if err != nil {
		return event, fmt.Errorf("db error: %w", err)
	}

	return event, nil
}

const getEvent = `-- name: GetEvent
SELECT * FROM webhook_events
WHERE id = $1
`

func (r *WebhookEventRepo) GetEvent(ctx context.Context, id uuid.UUID) (models.WebhookEvent, error) {
	rows, _ := r.DB.Query(ctx, getEvent, id)
	event, err := pgx.CollectOneRow(rows, rowToWebhookEvent)

	switch {
	case err == nil:
		return event, nil
	case errors.Is(err, pgx.ErrNoRows):
		return event, apperrors.ErrWebhookEventNotFound
	default:
		return event, fmt.Errorf("db error: %w", err)
	}
}

const listEvents = `-- name: ListEvents
SELECT * FROM webhook_events
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`

func (r *WebhookEventRepo) ListEvents(ctx context.Context, arg repository.ListWebhookEventsParams) ([]models.WebhookEvent, error) {
	limit := arg.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, _ := r.DB.Query(ctx, listEvents, arg.Status, limit, arg.Offset)
	list, err := pgx.CollectRows(rows, rowToWebhookEvent)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return list, nil
}

// Matched events are final. Every update below keeps its hands off them,
// reprocessing must never rewrite an event that already credited somebody.
const setParsed = `-- name: SetParsed
UPDATE webhook_events
SET parsed_code = $2,
    parsed_amount = $3,
    parsed_description = $4,
    parsed_external_id = $5,
    parsed_paid_at = $6,
    status = 'processing',
    modified_at = now()
WHERE id = $1 AND status <> 'matched'
RETURNING *
`

func (r *WebhookEventRepo) SetParsed(ctx context.Context, id uuid.UUID, parsed models.ParsedData) (models.WebhookEvent, error) {
	rows, _ := r.DB.Query(ctx, setParsed, id, parsed.Code, parsed.Amount, parsed.Description, parsed.ExternalID, parsed.PaidAt)
	event, err := pgx.CollectOneRow(rows, rowToWebhookEvent)

	switch {
	case err == nil:
		return event, nil
	case errors.Is(err, pgx.ErrNoRows):
		return event, r.matchedConflict(ctx, id)
	default:
		return event, fmt.Errorf("db error: %w", err)
	}
}

const markMatched = `-- name: MarkMatched
UPDATE webhook_events
SET status = 'matched',
    matched_transaction_id = $2,
    matched_account_id = $3,
    processing_notes = $4,
    error_message = '',
    modified_at = now()
WHERE id = $1 AND status <> 'matched'
RETURNING *
`

func (r *WebhookEventRepo) MarkMatched(ctx context.Context, arg repository.MarkMatchedParams) (models.WebhookEvent, error) {
	rows, _ := r.DB.Query(ctx, markMatched, arg.ID, arg.TransactionID, arg.AccountID, arg.Notes)
	event, err := pgx.CollectOneRow(rows, rowToWebhookEvent)

	switch {
	case err == nil:
		return event, nil
	case errors.Is(err, pgx.ErrNoRows):
		return event, r.matchedConflict(ctx, arg.ID)
	default:
		return event, fmt.Errorf("db error: %w", err)
	}
}

const markUnmatched = `-- name: MarkUnmatched
UPDATE webhook_events
SET status = 'unmatched', processing_notes = $2, modified_at = now()
WHERE id = $1 AND status <> 'matched'
RETURNING *
`

func (r *WebhookEventRepo) MarkUnmatched(ctx context.Context, id uuid.UUID, notes string) (models.WebhookEvent, error) {
	rows, _ := r.DB.Query(ctx, markUnmatched, id, notes)
	event, err := pgx.CollectOneRow(rows, rowToWebhookEvent)

	switch {
	case err == nil:
		return event, nil
	case errors.Is(err, pgx.ErrNoRows):
		return event, r.matchedConflict(ctx, id)
	default:
		return event, fmt.Errorf("db error: %w", err)
	}
}

const markError = `-- name: MarkError
UPDATE webhook_events
SET status = 'error', error_message = $2, modified_at = now()
WHERE id = $1 AND status <> 'matched'
RETURNING *
`

func (r *WebhookEventRepo) MarkError(ctx context.Context, id uuid.UUID, errorMessage string) (models.WebhookEvent, error) {
	rows, _ := r.DB.Query(ctx, markError, id, errorMessage)
	event, err := pgx.CollectOneRow(rows, rowToWebhookEvent)

	switch {
	case err == nil:
		return event, nil
	case errors.Is(err, pgx.ErrNoRows):
		return event, r.matchedConflict(ctx, id)
	default:
		return event, fmt.Errorf("db error: %w", err)
	}
}

const markIgnored = `-- name: MarkIgnored
UPDATE webhook_events
SET status = 'ignored', processing_notes = $2, modified_at = now()
WHERE id = $1 AND status = 'unmatched'
RETURNING *
`

func (r *WebhookEventRepo) MarkIgnored(ctx context.Context, id uuid.UUID, notes string) (models.WebhookEvent, error) {
	rows, _ := r.DB.Query(ctx, markIgnored, id, notes)
	event, err := pgx.CollectOneRow(rows, rowToWebhookEvent)

	switch {
	case err == nil:
		return event, nil
	case errors.Is(err, pgx.ErrNoRows):
		return event, r.ignoredConflict(ctx, id)
	default:
		return event, fmt.Errorf("db error: %w", err)
	}
}

// matchedConflict explains why a guarded update matched no rows
func (r *WebhookEventRepo) matchedConflict(ctx context.Context, id uuid.UUID) error {
	_, err := r.GetEvent(ctx, id)
	if err != nil {
		return err
	}

	return apperrors.ErrWebhookEventAlreadyMatched
}

func (r *WebhookEventRepo) ignoredConflict(ctx context.Context, id uuid.UUID) error {
	_, err := r.GetEvent(ctx, id)
	if err != nil {
		return err
	}

	return apperrors.ErrWebhookEventNotIgnorable
}

func rowToWebhookEvent(row pgx.CollectableRow) (models.WebhookEvent, error) {
	var e models.WebhookEvent
	err := row.Scan(
		&e.ID, &e.CreatedAt, &e.ModifiedAt, &e.Source, &e.Payload,
		&e.Parsed.Code, &e.Parsed.Amount, &e.Parsed.Description, &e.Parsed.ExternalID, &e.Parsed.PaidAt,
		&e.Status, &e.MatchedTransactionID, &e.MatchedAccountID,
		&e.ErrorMessage, &e.ProcessingNotes, &e.RemoteAddr, &e.Headers,
	)
	return e, err
}
