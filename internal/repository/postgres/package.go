package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/LittleKai/alpha-studio-backend/internal/apperrors"
	"github.com/LittleKai/alpha-studio-backend/internal/models"
)

type PackageRepo struct {
	DB DBTX
}

const listActivePackages = `-- name: ListActivePackages
SELECT * FROM packages
WHERE active
ORDER BY sort_order, id
`

func (r *PackageRepo) ListActivePackages(ctx context.Context) ([]models.Package, error) {
	rows, _ := r.DB.Query(ctx, listActivePackages)
	list, err := pgx.CollectRows(rows, rowToPackage)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return list, nil
}

const getPackage = `-- name: GetPackage
SELECT * FROM packages
WHERE id = $1
`

func (r *PackageRepo) GetPackage(ctx context.Context, id string) (models.Package, error) {
	rows, _ := r.DB.Query(ctx, getPackage, id)
	pkg, err := pgx.CollectOneRow(rows, rowToPackage)

	switch {
	case err == nil:
		return pkg, nil
	case errors.Is(err, pgx.ErrNoRows):
		return pkg, apperrors.ErrPackageNotFound
	default:
		return pkg, fmt.Errorf("db error: %w", err)
	}
}

const findPackageByAmount = `-- name: FindPackageByAmount
SELECT * FROM packages
WHERE active AND amount = $1
`

func (r *PackageRepo) FindPackageByAmount(ctx context.Context, amount decimal.Decimal) (models.Package, error) {
	rows, _ := r.DB.Query(ctx, findPackageByAmount, amount)
	pkg, err := pgx.CollectOneRow(rows, rowToPackage)

	switch {
	case err == nil:
		return pkg, nil
	case errors.Is(err, pgx.ErrNoRows):
		return pkg, apperrors.ErrPackageNotFound
	default:
		return pkg, fmt.Errorf("db error: %w", err)
	}
}

func rowToPackage(row pgx.CollectableRow) (models.Package, error) {
	var p models.Package
	err := row.Scan(&p.ID, &p.Name, &p.Amount, &p.Credits, &p.SortOrder, &p.Active)
	return p, err
}
