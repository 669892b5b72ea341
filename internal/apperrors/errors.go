package apperrors

import (
	"errors"
)

var (
	ErrAccountNotFound = errors.New("account not found")

	ErrPackageNotFound         = errors.New("package not found")
	ErrAmountOutOfRange        = errors.New("amount out of allowed range")
	ErrCreditsOutOfRange       = errors.New("credits out of allowed range")
	ErrTooManyPending          = errors.New("too many pending topup requests")
	ErrCodeGenerationExhausted = errors.New("transfer code generation attempts exhausted")
	ErrTransferCodeTaken       = errors.New("transfer code already exists")

	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrTransactionNotPending = errors.New("transaction is not pending")

	ErrWebhookEventNotFound       = errors.New("webhook event not found")
	ErrWebhookEventAlreadyMatched = errors.New("webhook event already matched")
	ErrWebhookEventNotIgnorable   = errors.New("webhook event is not in unmatched status")
	ErrNoParsedAmount             = errors.New("webhook event has no parsed amount")

	ErrTokenInvalid = errors.New("access token invalid")
)
