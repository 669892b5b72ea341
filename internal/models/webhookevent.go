package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	WebhookReceived   = "received"
	WebhookProcessing = "processing"
	WebhookMatched    = "matched"
	WebhookUnmatched  = "unmatched"
	WebhookError      = "error"
	WebhookIgnored    = "ignored"
)

// ParsedData is the narrow validated projection of a provider payload.
// Downstream logic works only with this projection, never with the raw
// payload blob, so provider payload changes stay contained here.
type ParsedData struct {
	// Code extracted from the free-text bank description, uppercase.
	// Empty if nothing recognizable was found.
	Code string

	// Amount the provider reports. Nil if the payload carried none.
	Amount *decimal.Decimal

	Description string
	ExternalID  string
	PaidAt      *time.Time
}

// WebhookEvent is one inbound provider notification. A row is written
// for every call, valid or not, before any matching logic runs, and is
// never deleted.
type WebhookEvent struct {
	ID         uuid.UUID
	CreatedAt  time.Time
	ModifiedAt time.Time

	Source  string
	Payload []byte
	Parsed  ParsedData

	Status string

	MatchedTransactionID *uuid.UUID
	MatchedAccountID     *uuid.UUID

	ErrorMessage    string
	ProcessingNotes string

	// Request forensics.
	RemoteAddr string
	Headers    []byte
}
