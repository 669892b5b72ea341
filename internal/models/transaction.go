package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	TransactionPending   = "pending"
	TransactionCompleted = "completed"
	TransactionFailed    = "failed"
	TransactionCancelled = "cancelled"
	TransactionTimeout   = "timeout"
)

// Transaction kinds. Only topup and manual_topup are created by this
// service; spend, refund and bonus rows are written by other platform
// services into the same ledger.
const (
	KindTopup       = "topup"
	KindSpend       = "spend"
	KindRefund      = "refund"
	KindManualTopup = "manual_topup"
	KindBonus       = "bonus"
)

const (
	PaymentMethodBankTransfer = "bank_transfer"
	PaymentMethodManual       = "manual"
)

type Transaction struct {
	ID         uuid.UUID
	CreatedAt  time.Time
	ModifiedAt time.Time

	// Owning account. Nil for orphan rows recovered from webhooks that
	// never matched a user-initiated request.
	AccountID *uuid.UUID

	Kind          string
	Amount        decimal.Decimal
	Credits       int64
	Status        string
	PaymentMethod string
	Description   string

	// TransferCode is the out-of-band correlation key the user puts in
	// the bank transfer memo. Unique among rows that carry one, manual
	// and retroactive rows leave it empty.
	TransferCode string

	ExpiresAt   *time.Time
	ConfirmedAt *time.Time

	// Raw provider payload snapshot, set on settlement.
	WebhookPayload []byte
	MatchedEventID *uuid.UUID

	ProcessedBy  *uuid.UUID
	AdminNote    string
	ProcessedAt  *time.Time
	FailedReason string
}

func (t *Transaction) IsPending() bool {
	return t.Status == TransactionPending
}

// Expired reports whether a pending transaction is past its expiry mark.
// Terminal transactions never expire.
func (t *Transaction) Expired(now time.Time) bool {
	return t.Status == TransactionPending && t.ExpiresAt != nil && t.ExpiresAt.Before(now)
}
