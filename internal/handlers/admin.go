package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/LittleKai/alpha-studio-backend/internal/apperrors"
	"github.com/LittleKai/alpha-studio-backend/internal/handlers/accountctx"
	"github.com/LittleKai/alpha-studio-backend/internal/handlers/render"
	"github.com/LittleKai/alpha-studio-backend/internal/logger"
	"github.com/LittleKai/alpha-studio-backend/internal/models"
	"github.com/LittleKai/alpha-studio-backend/internal/repository"
	"github.com/LittleKai/alpha-studio-backend/internal/service/reconcile"
)

type reconcileService interface {
	GetEvent(ctx context.Context, id uuid.UUID) (models.WebhookEvent, error)
	ListEvents(ctx context.Context, arg repository.ListWebhookEventsParams) ([]models.WebhookEvent, error)
	Reprocess(ctx context.Context, eventID uuid.UUID) (models.WebhookEvent, error)
	ManualAssign(ctx context.Context, arg reconcile.ManualAssignParams) (models.WebhookEvent, error)
	Ignore(ctx context.Context, eventID uuid.UUID, note string) (models.WebhookEvent, error)
	ManualTopup(ctx context.Context, arg reconcile.ManualTopupParams) (models.Transaction, error)
	SweepTimeouts(ctx context.Context) (int, error)
}

// AdminHandler serves the recovery surface for payments that fell out
// of the automatic flow. Mount it behind the admin middleware, the
// handlers assume an admin account is already in the request context.
type AdminHandler struct {
	reconcile reconcileService
	logger    logger.Logger
}

func NewAdmin(reconcile reconcileService, logger logger.Logger) *AdminHandler {
	return &AdminHandler{reconcile: reconcile, logger: logger}
}

func (h *AdminHandler) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /webhook-logs", http.HandlerFunc(h.listEvents))
	mux.Handle("GET /webhook-logs/{id}", http.HandlerFunc(h.getEvent))
	mux.Handle("POST /webhook-logs/{id}/reprocess", http.HandlerFunc(h.reprocess))
	mux.Handle("POST /webhook-logs/{id}/assign-user", http.HandlerFunc(h.assignUser))
	mux.Handle("POST /webhook-logs/{id}/ignore", http.HandlerFunc(h.ignore))
	mux.Handle("POST /transactions/check-timeout", http.HandlerFunc(h.checkTimeout))
	mux.Handle("POST /users/{id}/topup", http.HandlerFunc(h.manualTopup))

	return mux
}

type parsedDataResponse struct {
	Code        string     `json:"code,omitempty"`
	Amount      *float64   `json:"amount,omitempty"`
	Description string     `json:"description,omitempty"`
	ExternalID  string     `json:"externalId,omitempty"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
}

// webhookEventResponse is the admin projection of an intake log entry.
// Payload is a string, not embedded JSON, malformed deliveries are kept
// verbatim and would break marshalling otherwise.
type webhookEventResponse struct {
	ID                   uuid.UUID          `json:"id"`
	CreatedAt            time.Time          `json:"createdAt"`
	Source               string             `json:"source"`
	Status               string             `json:"status"`
	Parsed               parsedDataResponse `json:"parsed"`
	MatchedTransactionID *uuid.UUID         `json:"matchedTransactionId,omitempty"`
	MatchedAccountID     *uuid.UUID         `json:"matchedAccountId,omitempty"`
	ErrorMessage         string             `json:"errorMessage,omitempty"`
	ProcessingNotes      string             `json:"processingNotes,omitempty"`
	RemoteAddr           string             `json:"remoteAddr,omitempty"`
	Payload              string             `json:"payload,omitempty"`
}

func toWebhookEventResponse(e models.WebhookEvent, withPayload bool) webhookEventResponse {
	parsed := parsedDataResponse{
		Code:        e.Parsed.Code,
		Description: e.Parsed.Description,
		ExternalID:  e.Parsed.ExternalID,
		PaidAt:      e.Parsed.PaidAt,
	}
	if e.Parsed.Amount != nil {
		amount, _ := e.Parsed.Amount.Float64()
		parsed.Amount = &amount
	}

	res := webhookEventResponse{
		ID:                   e.ID,
		CreatedAt:            e.CreatedAt,
		Source:               e.Source,
		Status:               e.Status,
		Parsed:               parsed,
		MatchedTransactionID: e.MatchedTransactionID,
		MatchedAccountID:     e.MatchedAccountID,
		ErrorMessage:         e.ErrorMessage,
		ProcessingNotes:      e.ProcessingNotes,
		RemoteAddr:           e.RemoteAddr,
	}
	if withPayload {
		res.Payload = string(e.Payload)
	}

	return res
}

func (h *AdminHandler) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	events, err := h.reconcile.ListEvents(r.Context(), repository.ListWebhookEventsParams{
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.logger.Error("Failed to list webhook events", "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	list := make([]webhookEventResponse, 0, len(events))
	for _, e := range events {
		list = append(list, toWebhookEventResponse(e, false))
	}

	render.JSON(w, list)
}

func (h *AdminHandler) getEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.eventID(w, r)
	if !ok {
		return
	}

	event, err := h.reconcile.GetEvent(r.Context(), id)
	if err != nil {
		h.renderEventError(w, err)
		return
	}

	render.JSON(w, toWebhookEventResponse(event, true))
}

func (h *AdminHandler) reprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := h.eventID(w, r)
	if !ok {
		return
	}

	event, err := h.reconcile.Reprocess(r.Context(), id)
	if err != nil {
		h.renderEventError(w, err)
		return
	}

	render.JSON(w, toWebhookEventResponse(event, false))
}

func (h *AdminHandler) assignUser(w http.ResponseWriter, r *http.Request) {
	type AssignRequest struct {
		UserID uuid.UUID `json:"userId" validate:"required"`
		Note   string    `json:"note"`
	}

	admin, ok := accountctx.FromContext(r.Context())
	if !ok {
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	id, ok := h.eventID(w, r)
	if !ok {
		return
	}

	data, err := render.BindAndValidate[AssignRequest](w, r)
	if err != nil {
		return
	}

	event, err := h.reconcile.ManualAssign(r.Context(), reconcile.ManualAssignParams{
		EventID:   id,
		AccountID: data.UserID,
		AdminID:   admin.ID,
		Note:      data.Note,
	})
	if err != nil {
		h.renderEventError(w, err)
		return
	}

	render.JSON(w, toWebhookEventResponse(event, false))
}

func (h *AdminHandler) ignore(w http.ResponseWriter, r *http.Request) {
	type IgnoreRequest struct {
		Note string `json:"note"`
	}

	id, ok := h.eventID(w, r)
	if !ok {
		return
	}

	data, err := render.BindAndValidate[IgnoreRequest](w, r)
	if err != nil {
		return
	}

	event, err := h.reconcile.Ignore(r.Context(), id, data.Note)
	if err != nil {
		h.renderEventError(w, err)
		return
	}

	render.JSON(w, toWebhookEventResponse(event, false))
}

func (h *AdminHandler) checkTimeout(w http.ResponseWriter, r *http.Request) {
	type SweepResponse struct {
		SweptCount int `json:"sweptCount"`
	}

	n, err := h.reconcile.SweepTimeouts(r.Context())
	if err != nil {
		h.logger.Error("Timeout sweep failed", "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	render.JSON(w, SweepResponse{SweptCount: n})
}

func (h *AdminHandler) manualTopup(w http.ResponseWriter, r *http.Request) {
	type ManualTopupRequest struct {
		Credits int64  `json:"credits" validate:"required,gt=0"`
		Note    string `json:"note"`
	}

	admin, ok := accountctx.FromContext(r.Context())
	if !ok {
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	accountID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		render.ServiceError(w, "Invalid account id", http.StatusBadRequest)
		return
	}

	data, err := render.BindAndValidate[ManualTopupRequest](w, r)
	if err != nil {
		return
	}

	tr, err := h.reconcile.ManualTopup(r.Context(), reconcile.ManualTopupParams{
		AccountID: accountID,
		Credits:   data.Credits,
		AdminID:   admin.ID,
		Note:      data.Note,
	})
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrAccountNotFound):
			render.ServiceError(w, "Account not found", http.StatusNotFound)
		case errors.Is(err, apperrors.ErrCreditsOutOfRange):
			render.ServiceError(w, "Credits must be positive", http.StatusBadRequest)
		default:
			h.logger.Error("Manual topup failed", "error", err, "account_id", accountID)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	render.JSONWithStatus(w, toTransactionResponse(tr), http.StatusCreated)
}

func (h *AdminHandler) eventID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		render.ServiceError(w, "Invalid event id", http.StatusBadRequest)
		return uuid.Nil, false
	}

	return id, true
}

func (h *AdminHandler) renderEventError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrWebhookEventNotFound):
		render.ServiceError(w, "Webhook event not found", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrWebhookEventAlreadyMatched):
		render.ServiceError(w, "Webhook event already matched", http.StatusConflict)
	case errors.Is(err, apperrors.ErrWebhookEventNotIgnorable):
		render.ServiceError(w, "Webhook event cannot be ignored", http.StatusConflict)
	case errors.Is(err, apperrors.ErrNoParsedAmount):
		render.ServiceError(w, "Webhook event has no parsed amount", http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrAmountOutOfRange):
		render.ServiceError(w, "Parsed amount maps to no credits", http.StatusBadRequest)
	case errors.Is(err, apperrors.ErrAccountNotFound):
		render.ServiceError(w, "Account not found", http.StatusNotFound)
	default:
		h.logger.Error("Webhook event operation failed", "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
}
