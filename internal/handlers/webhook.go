package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/LittleKai/alpha-studio-backend/internal/handlers/render"
	"github.com/LittleKai/alpha-studio-backend/internal/logger"
	"github.com/LittleKai/alpha-studio-backend/internal/models"
	"github.com/LittleKai/alpha-studio-backend/internal/service/reconcile"
)

// maxWebhookBody caps how much of a webhook request we read. Providers
// send small JSON envelopes, a megabyte is already generous.
const maxWebhookBody = 1 << 20

type webhookService interface {
	HandleWebhook(ctx context.Context, arg reconcile.HandleWebhookParams) (models.WebhookEvent, error)
}

type WebhookHandler struct {
	reconcile webhookService
	logger    logger.Logger
}

func NewWebhook(reconcile webhookService, logger logger.Logger) *WebhookHandler {
	return &WebhookHandler{reconcile: reconcile, logger: logger}
}

func (h *WebhookHandler) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /webhook", http.HandlerFunc(h.receive))

	return mux
}

// receive logs the delivery and acknowledges it. The provider retries on
// non-2xx, and a retry of a delivery we already recorded would only
// produce duplicate intake rows, so anything past the intake write
// answers 200 no matter how the payload processed.
func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	type WebhookResponse struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}

	body, readErr := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if readErr != nil {
		// Keep whatever arrived. A truncated delivery still gets an
		// intake row so an operator can see it came in.
		h.logger.Info("Webhook body read failed", "error", readErr, "remote_addr", r.RemoteAddr)
	}

	headers, err := json.Marshal(r.Header)
	if err != nil {
		headers = nil
	}

	_, err = h.reconcile.HandleWebhook(r.Context(), reconcile.HandleWebhookParams{
		Source:      "casso",
		SecureToken: r.Header.Get("Secure-Token"),
		Payload:     body,
		RemoteAddr:  r.RemoteAddr,
		Headers:     headers,
	})
	if err != nil {
		h.logger.Error("Failed to record webhook delivery", "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	render.JSON(w, WebhookResponse{Success: true, Message: "webhook received"})
}
