package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/LittleKai/alpha-studio-backend/internal/apperrors"
	"github.com/LittleKai/alpha-studio-backend/internal/models"
	"github.com/LittleKai/alpha-studio-backend/internal/repository"
)

type TransactionRepo struct {
	DB DBTX
}

const createTransaction = `-- name: CreateTransaction
INSERT INTO transactions (
	id, created_at, modified_at, account_id, kind, amount, credits, status,
	payment_method, description, transfer_code, expires_at, confirmed_at,
	webhook_payload, matched_event_id, processed_by, admin_note, processed_at
)
VALUES ($1, $2, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
RETURNING *
`

func (r *TransactionRepo) CreateTransaction(ctx context.Context, arg repository.CreateTransactionParams) (models.Transaction, error) {
	status := arg.Status
	if status == "" {
		status = models.TransactionPending
	}

	rows, _ := r.DB.Query(ctx, createTransaction,
		uuid.New(), time.Now(), arg.AccountID, arg.Kind, arg.Amount, arg.Credits, status,
		arg.PaymentMethod, arg.Description, arg.TransferCode, arg.ExpiresAt, arg.ConfirmedAt,
		arg.WebhookPayload, arg.MatchedEventID, arg.ProcessedBy, arg.AdminNote, arg.ProcessedAt,
	)
	t, err := pgx.CollectOneRow(rows, rowToTransaction)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return t, apperrors.ErrTransferCodeTaken
		}

		return t, fmt.Errorf("db error: %w", err)
	}

	return t, nil
}

const getTransaction = `-- name: GetTransaction
SELECT * FROM transactions
WHERE id = $1
`

func (r *TransactionRepo) GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	rows, _ := r.DB.Query(ctx, getTransaction, id)
	t, err := pgx.CollectOneRow(rows, rowToTransaction)

	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, pgx.ErrNoRows):
		return t, apperrors.ErrTransactionNotFound
	default:
		return t, fmt.Errorf("db error: %w", err)
	}
}

const getByTransferCode = `-- name: GetByTransferCode
SELECT * FROM transactions
WHERE transfer_code = $1
`

func (r *TransactionRepo) GetByTransferCode(ctx context.Context, code string) (models.Transaction, error) {
	rows, _ := r.DB.Query(ctx, getByTransferCode, code)
	t, err := pgx.CollectOneRow(rows, rowToTransaction)

	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, pgx.ErrNoRows):
		return t, apperrors.ErrTransactionNotFound
	default:
		return t, fmt.Errorf("db error: %w", err)
	}
}

const countPending = `-- name: CountPending
SELECT count(*) FROM transactions
WHERE account_id = $1 AND status = 'pending'
`

func (r *TransactionRepo) CountPending(ctx context.Context, accountID uuid.UUID) (int64, error) {
	rows, _ := r.DB.Query(ctx, countPending, accountID)
	count, err := pgx.CollectOneRow(rows, pgx.RowTo[int64])
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}

	return count, nil
}

const listTransactions = `-- name: ListTransactions
SELECT * FROM transactions
WHERE ($1::uuid IS NULL OR account_id = $1)
  AND ($2 = '' OR status = $2)
  AND ($3 = '' OR kind = $3)
ORDER BY created_at DESC
LIMIT $4 OFFSET $5
`

func (r *TransactionRepo) ListTransactions(ctx context.Context, arg repository.ListTransactionsParams) ([]models.Transaction, error) {
	limit := arg.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, _ := r.DB.Query(ctx, listTransactions, arg.AccountID, arg.Status, arg.Kind, limit, arg.Offset)
	list, err := pgx.CollectRows(rows, rowToTransaction)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return list, nil
}

// COALESCE keeps the first confirmation timestamp, clicking the button
// twice must not restart the timeout clock.
const markConfirmed = `-- name: MarkConfirmed
UPDATE transactions
SET confirmed_at = COALESCE(confirmed_at, now()), modified_at = now()
WHERE id = $1 AND account_id = $2 AND status = 'pending'
RETURNING *
`

func (r *TransactionRepo) MarkConfirmed(ctx context.Context, id uuid.UUID, accountID uuid.UUID) (models.Transaction, error) {
	rows, _ := r.DB.Query(ctx, markConfirmed, id, accountID)
	t, err := pgx.CollectOneRow(rows, rowToTransaction)

	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, pgx.ErrNoRows):
		return t, r.pendingConflict(ctx, id, &accountID)
	default:
		return t, fmt.Errorf("db error: %w", err)
	}
}

// Cancelling deletes the row so the transfer code goes back into
// circulation. The status predicate keeps the delete mutually exclusive
// with an in-flight settlement of the same row.
const deletePending = `-- name: DeletePending
DELETE FROM transactions
WHERE id = $1 AND account_id = $2 AND status = 'pending'
RETURNING *
`

func (r *TransactionRepo) DeletePending(ctx context.Context, id uuid.UUID, accountID uuid.UUID) (models.Transaction, error) {
	rows, _ := r.DB.Query(ctx, deletePending, id, accountID)
	t, err := pgx.CollectOneRow(rows, rowToTransaction)

	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, pgx.ErrNoRows):
		return t, r.pendingConflict(ctx, id, &accountID)
	default:
		return t, fmt.Errorf("db error: %w", err)
	}
}

// The WHERE status = 'pending' predicate is what makes settlement
// at-most-once. Two goroutines may both read the same pending row, only
// one of them gets it past this update.
const settlePending = `-- name: SettlePending
UPDATE transactions
SET status = 'completed',
    modified_at = now(),
    processed_at = now(),
    matched_event_id = $2,
    webhook_payload = $3,
    processed_by = $4,
    admin_note = $5
WHERE id = $1 AND status = 'pending'
RETURNING *
`

func (r *TransactionRepo) SettlePending(ctx context.Context, arg repository.SettlePendingParams) (models.Transaction, error) {
	rows, _ := r.DB.Query(ctx, settlePending, arg.ID, arg.MatchedEventID, arg.WebhookPayload, arg.ProcessedBy, arg.AdminNote)
	t, err := pgx.CollectOneRow(rows, rowToTransaction)

	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, pgx.ErrNoRows):
		return t, r.pendingConflict(ctx, arg.ID, nil)
	default:
		return t, fmt.Errorf("db error: %w", err)
	}
}

const failPending = `-- name: FailPending
UPDATE transactions
SET status = 'failed', modified_at = now(), failed_reason = $2
WHERE id = $1 AND status = 'pending'
RETURNING *
`

func (r *TransactionRepo) FailPending(ctx context.Context, id uuid.UUID, reason string) (models.Transaction, error) {
	rows, _ := r.DB.Query(ctx, failPending, id, reason)
	t, err := pgx.CollectOneRow(rows, rowToTransaction)

	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, pgx.ErrNoRows):
		return t, r.pendingConflict(ctx, id, nil)
	default:
		return t, fmt.Errorf("db error: %w", err)
	}
}

// Only confirmed rows time out. An unconfirmed request just sits until
// the payer cancels it or pays.
const sweepTimeouts = `-- name: SweepTimeouts
UPDATE transactions
SET status = 'timeout',
    modified_at = now(),
    failed_reason = 'no bank transfer received after payment confirmation'
WHERE status = 'pending' AND confirmed_at IS NOT NULL AND confirmed_at < $1
RETURNING *
`

func (r *TransactionRepo) SweepTimeouts(ctx context.Context, cutoff time.Time) ([]models.Transaction, error) {
	rows, _ := r.DB.Query(ctx, sweepTimeouts, cutoff)
	list, err := pgx.CollectRows(rows, rowToTransaction)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return list, nil
}

// pendingConflict explains why a conditional update matched no rows: the
// transaction does not exist, belongs to somebody else, or already left
// the pending status.
func (r *TransactionRepo) pendingConflict(ctx context.Context, id uuid.UUID, accountID *uuid.UUID) error {
	t, err := r.GetTransaction(ctx, id)
	if err != nil {
		return err
	}

	if accountID != nil && (t.AccountID == nil || *t.AccountID != *accountID) {
		return apperrors.ErrTransactionNotFound
	}

	return apperrors.ErrTransactionNotPending
}

func rowToTransaction(row pgx.CollectableRow) (models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(
		&t.ID, &t.CreatedAt, &t.ModifiedAt, &t.AccountID, &t.Kind, &t.Amount, &t.Credits, &t.Status,
		&t.PaymentMethod, &t.Description, &t.TransferCode, &t.ExpiresAt, &t.ConfirmedAt,
		&t.WebhookPayload, &t.MatchedEventID, &t.ProcessedBy, &t.AdminNote, &t.ProcessedAt, &t.FailedReason,
	)
	return t, err
}
