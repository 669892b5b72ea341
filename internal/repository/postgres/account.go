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

type AccountRepo struct {
	DB DBTX
}

const createAccount = `-- name: CreateAccount
INSERT INTO accounts (id, created_at, display_name, role, balance)
VALUES ($1, $2, $3, $4, 0)
RETURNING *
`

func (r *AccountRepo) CreateAccount(ctx context.Context, arg repository.CreateAccountParams) (models.Account, error) {
	role := arg.Role
	if role == "" {
		role = models.RoleUser
	}

	rows, _ := r.DB.Query(ctx, createAccount, uuid.New(), time.Now(), arg.DisplayName, role)
	account, err := pgx.CollectOneRow(rows, rowToAccount)
	if err != nil {
		return account, fmt.Errorf("db error: %w", err)
	}

	return account, nil
}

const getAccount = `-- name: GetAccount
SELECT * FROM accounts
WHERE id = $1
`

func (r *AccountRepo) GetAccount(ctx context.Context, id uuid.UUID) (models.Account, error) {
	rows, _ := r.DB.Query(ctx, getAccount, id)
	account, err := pgx.CollectOneRow(rows, rowToAccount)

	switch {
	case err == nil:
		return account, nil
	case errors.Is(err, pgx.ErrNoRows):
		return account, apperrors.ErrAccountNotFound
	default:
		return account, fmt.Errorf("db error: %w", err)
	}
}

// Balance moves with a relative delta so concurrent credits never lose
// updates. The accounts table owns the non-negativity check.
const creditAccount = `-- name: Credit
UPDATE accounts
SET balance = balance + $2
WHERE id = $1
RETURNING *
`

func (r *AccountRepo) Credit(ctx context.Context, id uuid.UUID, delta int64) (models.Account, error) {
	rows, _ := r.DB.Query(ctx, creditAccount, id, delta)
	account, err := pgx.CollectOneRow(rows, rowToAccount)

	switch {
	case err == nil:
		return account, nil
	case errors.Is(err, pgx.ErrNoRows):
		return account, apperrors.ErrAccountNotFound
	default:
		return account, fmt.Errorf("db error: %w", err)
	}
}

func rowToAccount(row pgx.CollectableRow) (models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.CreatedAt, &a.DisplayName, &a.Role, &a.Balance)
	return a, err
}
