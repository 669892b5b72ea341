package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LittleKai/alpha-studio-backend/internal/models"
)

type CreateAccountParams struct {
	DisplayName string
	Role        string
}

// Account repository interface
type AccountRepo interface {
	CreateAccount(ctx context.Context, arg CreateAccountParams) (models.Account, error)

	// If account not found must return apperrors.ErrAccountNotFound
	GetAccount(ctx context.Context, id uuid.UUID) (models.Account, error)

	// Credit adjusts the balance by delta as a single database operation.
	// Never read the balance first and write it back, concurrent settlements
	// would lose updates.
	Credit(ctx context.Context, id uuid.UUID, delta int64) (models.Account, error)
}

type CreateTransactionParams struct {
	AccountID      *uuid.UUID
	Kind           string
	Amount         decimal.Decimal
	Credits        int64
	Status         string
	PaymentMethod  string
	Description    string
	TransferCode   string
	ExpiresAt      *time.Time
	ConfirmedAt    *time.Time
	WebhookPayload []byte
	MatchedEventID *uuid.UUID
	ProcessedBy    *uuid.UUID
	AdminNote      string
	ProcessedAt    *time.Time
}

type SettlePendingParams struct {
	ID             uuid.UUID
	MatchedEventID *uuid.UUID
	WebhookPayload []byte
	ProcessedBy    *uuid.UUID
	AdminNote      string
}

type ListTransactionsParams struct {
	AccountID *uuid.UUID
	Status    string
	Kind      string
	Limit     int32
	Offset    int32
}

// Transaction repository interface
//
// Every transition out of 'pending' is a conditional update predicated on
// the current status. If the row exists but is not pending anymore the
// method returns apperrors.ErrTransactionNotPending, so a transaction can
// be settled, cancelled or timed out exactly once no matter how many
// goroutines race for it.
type TransactionRepo interface {
	// If transfer code is taken must return apperrors.ErrTransferCodeTaken
	CreateTransaction(ctx context.Context, arg CreateTransactionParams) (models.Transaction, error)

	// If transaction not found must return apperrors.ErrTransactionNotFound
	GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error)
	GetByTransferCode(ctx context.Context, code string) (models.Transaction, error)

	CountPending(ctx context.Context, accountID uuid.UUID) (int64, error)
	ListTransactions(ctx context.Context, arg ListTransactionsParams) ([]models.Transaction, error)

	// MarkConfirmed records that the payer reported the bank transfer as
	// sent. Status stays pending, only confirmed_at is set. Repeated calls
	// keep the first timestamp.
	MarkConfirmed(ctx context.Context, id uuid.UUID, accountID uuid.UUID) (models.Transaction, error)

	// DeletePending removes a pending transaction outright. Cancelling
	// frees the transfer code for reuse, which is why this is a delete and
	// not a status flip.
	DeletePending(ctx context.Context, id uuid.UUID, accountID uuid.UUID) (models.Transaction, error)

	SettlePending(ctx context.Context, arg SettlePendingParams) (models.Transaction, error)

	// FailPending moves a pending transaction to failed and records why
	FailPending(ctx context.Context, id uuid.UUID, reason string) (models.Transaction, error)

	// SweepTimeouts times out every pending transaction confirmed before
	// cutoff and returns the affected rows. Unconfirmed rows are left
	// alone, the payer never claimed to have paid.
	SweepTimeouts(ctx context.Context, cutoff time.Time) ([]models.Transaction, error)
}

type CreateWebhookEventParams struct {
	Source     string
	Payload    []byte
	RemoteAddr string
	Headers    []byte
}

type MarkMatchedParams struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	AccountID     uuid.UUID
	Notes         string
}

type ListWebhookEventsParams struct {
	Status string
	Limit  int32
	Offset int32
}

// WebhookEvent repository interface
//
// Events are the intake log of bank notifications. A matched event is
// final: MarkUnmatched and MarkError refuse to touch it and return
// apperrors.ErrWebhookEventAlreadyMatched.
type WebhookEventRepo interface {
	CreateEvent(ctx context.Context, arg CreateWebhookEventParams) (models.WebhookEvent, error)

	// If event not found must return apperrors.ErrWebhookEventNotFound
	GetEvent(ctx context.Context, id uuid.UUID) (models.WebhookEvent, error)
	ListEvents(ctx context.Context, arg ListWebhookEventsParams) ([]models.WebhookEvent, error)

	// SetParsed stores extraction results and moves the event to processing
	SetParsed(ctx context.Context, id uuid.UUID, parsed models.ParsedData) (models.WebhookEvent, error)

	MarkMatched(ctx context.Context, arg MarkMatchedParams) (models.WebhookEvent, error)
	MarkUnmatched(ctx context.Context, id uuid.UUID, notes string) (models.WebhookEvent, error)
	MarkError(ctx context.Context, id uuid.UUID, errorMessage string) (models.WebhookEvent, error)

	// Only unmatched events may be ignored, anything else returns
	// apperrors.ErrWebhookEventNotIgnorable
	MarkIgnored(ctx context.Context, id uuid.UUID, notes string) (models.WebhookEvent, error)
}

// Package repository interface
type PackageRepo interface {
	ListActivePackages(ctx context.Context) ([]models.Package, error)

	// If package not found must return apperrors.ErrPackageNotFound
	GetPackage(ctx context.Context, id string) (models.Package, error)

	// FindPackageByAmount resolves an active package by its exact price.
	// If no package costs that much must return apperrors.ErrPackageNotFound
	FindPackageByAmount(ctx context.Context, amount decimal.Decimal) (models.Package, error)
}

// Storage aggregates the repositories over a shared database handle
type Storage interface {
	Account() AccountRepo
	Transaction() TransactionRepo
	WebhookEvent() WebhookEventRepo
	Package() PackageRepo

	// InTx runs fn with a Storage whose repositories share one database
	// transaction. Returning an error rolls the whole transaction back.
	InTx(ctx context.Context, fn func(Storage) error) error
}
