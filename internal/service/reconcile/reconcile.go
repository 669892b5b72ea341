package reconcile

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/LittleKai/alpha-studio-backend/internal/apperrors"
	"github.com/LittleKai/alpha-studio-backend/internal/logger"
	"github.com/LittleKai/alpha-studio-backend/internal/metrics"
	"github.com/LittleKai/alpha-studio-backend/internal/models"
	"github.com/LittleKai/alpha-studio-backend/internal/repository"
)

const (
	defaultCodePrefix = "ALPHA"

	// How long a confirmed topup may wait for its bank webhook before the
	// sweeper times it out.
	defaultSweepGrace = 5 * time.Minute
)

// Service config with sensible defaults
type Config struct {
	// Prefix transfer codes are generated with
	CodePrefix string

	// Shared secret the provider sends with every delivery. Empty
	// disables verification, meant for local development only.
	WebhookSecret string

	// Grace period between payment confirmation and timeout
	SweepGrace time.Duration
}

type Service struct {
	storage repository.Storage
	matcher *Matcher
	logger  logger.Logger

	webhookSecret string
	sweepGrace    time.Duration
}

func NewService(cfg Config, storage repository.Storage, logger logger.Logger) *Service {
	if cfg.CodePrefix == "" {
		cfg.CodePrefix = defaultCodePrefix
	}
	if cfg.SweepGrace == 0 {
		cfg.SweepGrace = defaultSweepGrace
	}

	return &Service{
		storage:       storage,
		matcher:       NewMatcher(cfg.CodePrefix),
		logger:        logger,
		webhookSecret: cfg.WebhookSecret,
		sweepGrace:    cfg.SweepGrace,
	}
}

type HandleWebhookParams struct {
	Source      string
	SecureToken string
	Payload     []byte
	RemoteAddr  string
	Headers     []byte
}

// HandleWebhook logs the delivery and runs it through the matching
// pipeline. Only the intake log write can fail, every later problem,
// forged token included, is recorded on the event and never surfaces to
// the provider.
func (s *Service) HandleWebhook(ctx context.Context, arg HandleWebhookParams) (models.WebhookEvent, error) {
	if arg.Source == "" {
		arg.Source = "casso"
	}

	event, err := s.storage.WebhookEvent().CreateEvent(ctx, repository.CreateWebhookEventParams{
		Source:     arg.Source,
		Payload:    arg.Payload,
		RemoteAddr: arg.RemoteAddr,
		Headers:    arg.Headers,
	})
	if err != nil {
		return event, fmt.Errorf("error while logging webhook event. Err: %w", err)
	}

	timer := prometheus.NewTimer(metrics.WebhookProcessingDuration)
	defer timer.ObserveDuration()

	if !s.tokenValid(arg.SecureToken) {
		s.logger.Warn("Webhook delivery with invalid secure token",
			"event_id", event.ID, "remote_addr", arg.RemoteAddr)
		return s.markError(ctx, event, "invalid secure token"), nil
	}

	return s.process(ctx, event), nil
}

// tokenValid compares in constant time so attackers cannot feel their
// way through the secret byte by byte.
func (s *Service) tokenValid(token string) bool {
	if s.webhookSecret == "" {
		return true
	}

	return subtle.ConstantTimeCompare([]byte(token), []byte(s.webhookSecret)) == 1
}

// GetEvent returns one intake log entry, raw payload included
func (s *Service) GetEvent(ctx context.Context, id uuid.UUID) (models.WebhookEvent, error) {
	return s.storage.WebhookEvent().GetEvent(ctx, id)
}

// ListEvents pages through the intake log, newest first
func (s *Service) ListEvents(ctx context.Context, arg repository.ListWebhookEventsParams) ([]models.WebhookEvent, error) {
	return s.storage.WebhookEvent().ListEvents(ctx, arg)
}

// Reprocess runs the matching again over the stored parsed data of an
// event that did not settle the first time, usually after the payer
// created the missing topup request.
func (s *Service) Reprocess(ctx context.Context, eventID uuid.UUID) (models.WebhookEvent, error) {
	event, err := s.storage.WebhookEvent().GetEvent(ctx, eventID)
	if err != nil {
		return event, err
	}

	if event.Status == models.WebhookMatched {
		return event, apperrors.ErrWebhookEventAlreadyMatched
	}

	return s.match(ctx, event), nil
}

// process parses the raw payload, stores the projection and hands over
// to matching. It never returns an error: every failure ends up recorded
// on the event.
func (s *Service) process(ctx context.Context, event models.WebhookEvent) models.WebhookEvent {
	parsed, err := ParsePayload(event.Payload)
	if err != nil {
		return s.markError(ctx, event, err.Error())
	}

	parsed.Code = s.matcher.ExtractCode(parsed.Description)

	event, err = s.storage.WebhookEvent().SetParsed(ctx, event.ID, parsed)
	if err != nil {
		s.logger.Error("Failed to store parsed webhook data", "error", err, "event_id", event.ID)
		return event
	}

	return s.match(ctx, event)
}

// match decides and acts on the event's stored parsed data. Reprocess
// enters here directly so a past event is re-matched exactly as stored.
func (s *Service) match(ctx context.Context, event models.WebhookEvent) models.WebhookEvent {
	parsed := event.Parsed

	var candidate *models.Transaction
	if parsed.Code != "" {
		t, err := s.storage.Transaction().GetByTransferCode(ctx, parsed.Code)
		switch {
		case err == nil:
			candidate = &t
		case errors.Is(err, apperrors.ErrTransactionNotFound):
			// no candidate, Decide handles it
		default:
			return s.markError(ctx, event, fmt.Sprintf("transaction lookup failed: %v", err))
		}
	}

	decision := s.matcher.Decide(parsed, candidate)
	switch decision.Outcome {
	case OutcomeMatched:
		return s.settleMatched(ctx, event, candidate, decision.Note)

	case OutcomeAmountMismatch:
		return s.failMismatch(ctx, event, candidate, decision.Note)

	default:
		s.logger.Info("Webhook event left unmatched",
			"event_id", event.ID, "outcome", decision.Outcome, "note", decision.Note)
		return s.markUnmatched(ctx, event, decision.Note)
	}
}

func (s *Service) settleMatched(ctx context.Context, event models.WebhookEvent, candidate *models.Transaction, note string) models.WebhookEvent {
	_, finalEvent, err := s.settleInTx(ctx, event, candidate.ID, nil, "", note)
	switch {
	case err == nil:
		return finalEvent
	case errors.Is(err, apperrors.ErrTransactionNotPending):
		// Lost the settlement race, the money is already credited
		return s.markUnmatched(ctx, event,
			fmt.Sprintf("transaction with code %s settled concurrently", candidate.TransferCode))
	case errors.Is(err, apperrors.ErrTransactionNotFound):
		// The payer cancelled while we were settling
		return s.markUnmatched(ctx, event,
			fmt.Sprintf("transaction with code %s cancelled concurrently", candidate.TransferCode))
	default:
		return s.markError(ctx, event, err.Error())
	}
}

// failMismatch records an amount mismatch on both sides: the transaction
// fails with the reason, the event goes to error. A deviating amount
// means tampering or a typo and must never auto-credit, a human has to
// look at it.
func (s *Service) failMismatch(ctx context.Context, event models.WebhookEvent, candidate *models.Transaction, note string) models.WebhookEvent {
	var finalEvent models.WebhookEvent

	err := s.storage.InTx(ctx, func(store repository.Storage) error {
		if _, err := store.Transaction().FailPending(ctx, candidate.ID, note); err != nil {
			return err
		}

		var err error
		finalEvent, err = store.WebhookEvent().MarkError(ctx, event.ID, note)
		return err
	})

	switch {
	case err == nil:
		metrics.WebhookEventsTotal.WithLabelValues(models.WebhookError).Inc()
		s.logger.Warn("Webhook amount mismatch",
			"event_id", event.ID, "transaction_id", candidate.ID, "note", note)
		return finalEvent
	case errors.Is(err, apperrors.ErrTransactionNotPending):
		// A correct webhook settled the transaction in between
		return s.markUnmatched(ctx, event,
			fmt.Sprintf("transaction with code %s settled concurrently", candidate.TransferCode))
	case errors.Is(err, apperrors.ErrTransactionNotFound):
		return s.markUnmatched(ctx, event,
			fmt.Sprintf("transaction with code %s cancelled concurrently", candidate.TransferCode))
	default:
		return s.markError(ctx, event, err.Error())
	}
}

// settleInTx completes the transaction, credits the account and
// finalizes the event, all three in one database transaction. The
// conditional update inside SettlePending decides which caller wins when
// several race for the same pending topup.
func (s *Service) settleInTx(
	ctx context.Context,
	event models.WebhookEvent,
	transactionID uuid.UUID,
	processedBy *uuid.UUID,
	adminNote string,
	eventNote string,
) (models.Transaction, models.WebhookEvent, error) {
	var settled models.Transaction
	var finalEvent models.WebhookEvent

	err := s.storage.InTx(ctx, func(store repository.Storage) error {
		var err error

		settled, err = store.Transaction().SettlePending(ctx, repository.SettlePendingParams{
			ID:             transactionID,
			MatchedEventID: &event.ID,
			WebhookPayload: event.Payload,
			ProcessedBy:    processedBy,
			AdminNote:      adminNote,
		})
		if err != nil {
			return err
		}

		if settled.AccountID == nil {
			return errors.New("topup transaction has no account")
		}

		if _, err = store.Account().Credit(ctx, *settled.AccountID, settled.Credits); err != nil {
			return err
		}

		finalEvent, err = store.WebhookEvent().MarkMatched(ctx, repository.MarkMatchedParams{
			ID:            event.ID,
			TransactionID: settled.ID,
			AccountID:     *settled.AccountID,
			Notes:         eventNote,
		})
		return err
	})
	if err != nil {
		return settled, finalEvent, err
	}

	metrics.WebhookEventsTotal.WithLabelValues(models.WebhookMatched).Inc()
	metrics.TopupsSettledTotal.Inc()
	metrics.CreditsGrantedTotal.Add(float64(settled.Credits))
	s.logger.Info("Topup settled",
		"transaction_id", settled.ID,
		"account_id", settled.AccountID,
		"credits", settled.Credits,
		"event_id", event.ID)

	return settled, finalEvent, nil
}

type ManualAssignParams struct {
	EventID   uuid.UUID
	AccountID uuid.UUID
	AdminID   uuid.UUID
	Note      string
}

// ManualAssign attaches an event the automatic matching could not place
// to an account, typically after the payer garbled the transfer code. A
// completed transaction is created retroactively and credited, priced by
// the package list or the fallback rate. An event without a parsed
// amount cannot be assigned, there is no way to tell what was paid.
func (s *Service) ManualAssign(ctx context.Context, arg ManualAssignParams) (models.WebhookEvent, error) {
	event, err := s.storage.WebhookEvent().GetEvent(ctx, arg.EventID)
	if err != nil {
		return event, err
	}

	if event.Status == models.WebhookMatched {
		return event, apperrors.ErrWebhookEventAlreadyMatched
	}

	if event.Parsed.Amount == nil {
		return event, apperrors.ErrNoParsedAmount
	}
	amount := *event.Parsed.Amount

	credits, err := s.creditsForAmount(ctx, amount)
	if err != nil {
		return event, err
	}

	note := arg.Note
	if note == "" {
		note = "manually assigned"
	}

	var created models.Transaction
	var finalEvent models.WebhookEvent

	err = s.storage.InTx(ctx, func(store repository.Storage) error {
		now := time.Now()
		var err error

		// No transfer code on retroactive rows. The code is the bank
		// matching key and this money already arrived.
		created, err = store.Transaction().CreateTransaction(ctx, repository.CreateTransactionParams{
			AccountID:      &arg.AccountID,
			Kind:           models.KindTopup,
			Amount:         amount,
			Credits:        credits,
			Status:         models.TransactionCompleted,
			PaymentMethod:  models.PaymentMethodBankTransfer,
			Description:    "Topup manually assigned",
			WebhookPayload: event.Payload,
			MatchedEventID: &event.ID,
			ProcessedBy:    &arg.AdminID,
			AdminNote:      note,
			ProcessedAt:    &now,
		})
		if err != nil {
			return err
		}

		if _, err = store.Account().Credit(ctx, arg.AccountID, credits); err != nil {
			return err
		}

		finalEvent, err = store.WebhookEvent().MarkMatched(ctx, repository.MarkMatchedParams{
			ID:            event.ID,
			TransactionID: created.ID,
			AccountID:     arg.AccountID,
			Notes:         note,
		})
		return err
	})
	if err != nil {
		return event, err
	}

	metrics.WebhookEventsTotal.WithLabelValues(models.WebhookMatched).Inc()
	metrics.TopupsSettledTotal.Inc()
	metrics.CreditsGrantedTotal.Add(float64(credits))
	s.logger.Info("Webhook event manually assigned",
		"event_id", event.ID,
		"transaction_id", created.ID,
		"account_id", arg.AccountID,
		"credits", credits,
		"admin_id", arg.AdminID)

	return finalEvent, nil
}

// creditsForAmount prices a bank transfer: an exact package price wins,
// anything else converts at the fallback rate.
func (s *Service) creditsForAmount(ctx context.Context, amount decimal.Decimal) (int64, error) {
	pkg, err := s.storage.Package().FindPackageByAmount(ctx, amount)
	switch {
	case err == nil:
		return pkg.Credits, nil
	case errors.Is(err, apperrors.ErrPackageNotFound):
		// fall through to the rate
	default:
		return 0, err
	}

	credits := models.CreditsForAmount(amount)
	if credits <= 0 {
		return 0, apperrors.ErrAmountOutOfRange
	}

	return credits, nil
}

// Ignore marks an unmatched event as noise, interest payments and other
// transfers that are not topups.
func (s *Service) Ignore(ctx context.Context, eventID uuid.UUID, note string) (models.WebhookEvent, error) {
	if note == "" {
		note = "ignored by admin"
	}

	event, err := s.storage.WebhookEvent().MarkIgnored(ctx, eventID, note)
	if err != nil {
		return event, err
	}

	metrics.WebhookEventsTotal.WithLabelValues(models.WebhookIgnored).Inc()
	return event, nil
}

type ManualTopupParams struct {
	AccountID uuid.UUID
	Credits   int64
	AdminID   uuid.UUID
	Note      string
}

// ManualTopup grants credits directly with no webhook behind them at
// all, compensations and off-channel payments. Succeeds whenever the
// account exists.
func (s *Service) ManualTopup(ctx context.Context, arg ManualTopupParams) (models.Transaction, error) {
	var created models.Transaction

	if arg.Credits <= 0 {
		return created, apperrors.ErrCreditsOutOfRange
	}

	err := s.storage.InTx(ctx, func(store repository.Storage) error {
		// Credit goes first so an unknown account fails with a clean
		// not found instead of a constraint violation
		if _, err := store.Account().Credit(ctx, arg.AccountID, arg.Credits); err != nil {
			return err
		}

		now := time.Now()
		var err error
		created, err = store.Transaction().CreateTransaction(ctx, repository.CreateTransactionParams{
			AccountID:     &arg.AccountID,
			Kind:          models.KindManualTopup,
			Amount:        decimal.Zero,
			Credits:       arg.Credits,
			Status:        models.TransactionCompleted,
			PaymentMethod: models.PaymentMethodManual,
			Description:   "Manual topup by admin",
			ProcessedBy:   &arg.AdminID,
			AdminNote:     arg.Note,
			ProcessedAt:   &now,
		})
		return err
	})
	if err != nil {
		return models.Transaction{}, err
	}

	metrics.CreditsGrantedTotal.Add(float64(arg.Credits))
	s.logger.Info("Manual topup",
		"transaction_id", created.ID,
		"account_id", arg.AccountID,
		"credits", arg.Credits,
		"admin_id", arg.AdminID)

	return created, nil
}

// SweepTimeouts times out pending topups the payer confirmed longer ago
// than the grace period with no bank webhook since. Returns how many
// were swept.
func (s *Service) SweepTimeouts(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.sweepGrace)

	swept, err := s.storage.Transaction().SweepTimeouts(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	for _, t := range swept {
		s.logger.Info("Topup timed out", "transaction_id", t.ID, "transfer_code", t.TransferCode)
	}

	if len(swept) > 0 {
		metrics.TransactionsSweptTotal.Add(float64(len(swept)))
	}

	return len(swept), nil
}

func (s *Service) markUnmatched(ctx context.Context, event models.WebhookEvent, note string) models.WebhookEvent {
	updated, err := s.storage.WebhookEvent().MarkUnmatched(ctx, event.ID, note)
	if err != nil {
		s.logger.Error("Failed to mark webhook event unmatched", "error", err, "event_id", event.ID)
		return event
	}

	metrics.WebhookEventsTotal.WithLabelValues(models.WebhookUnmatched).Inc()
	return updated
}

func (s *Service) markError(ctx context.Context, event models.WebhookEvent, message string) models.WebhookEvent {
	updated, err := s.storage.WebhookEvent().MarkError(ctx, event.ID, message)
	if err != nil {
		s.logger.Error("Failed to mark webhook event errored", "error", err, "event_id", event.ID)
		return event
	}

	metrics.WebhookEventsTotal.WithLabelValues(models.WebhookError).Inc()
	return updated
}
