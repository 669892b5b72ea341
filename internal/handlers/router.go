package handlers

import (
	"context"
	"net/http"

	"github.com/LittleKai/alpha-studio-backend/internal/handlers/middleware"
	"github.com/LittleKai/alpha-studio-backend/internal/handlers/render"
	"github.com/LittleKai/alpha-studio-backend/internal/logger"
	"github.com/LittleKai/alpha-studio-backend/internal/metrics"
	"github.com/LittleKai/alpha-studio-backend/internal/models"
)

// chain applies middlewares in the given order: m1(m2(...(h)))
func chain(h http.Handler, mds ...func(next http.Handler) http.Handler) http.Handler {
	for i := len(mds) - 1; i >= 0; i-- {
		h = mds[i](h)
	}
	return h
}

type identityService interface {
	// Authenticate resolves a bearer access token to the account it
	// was issued for
	Authenticate(ctx context.Context, access string) (models.Account, error)
}

// reconcileAPI is everything the webhook intake and the admin recovery
// surface need from the reconciliation service.
type reconcileAPI interface {
	webhookService
	reconcileService
}

type RouterConfig struct {
	RateLimitRPS   int
	RateLimitBurst int
}

func NewRouter(
	cfg RouterConfig,
	identity identityService,
	topupSvc topupService,
	reconcileSvc reconcileAPI,
	logger logger.Logger,
) http.Handler {
	auth := middleware.NewAuth(identity)

	payment := NewPayment(topupSvc, logger).Handler(
		auth.Auth,
		middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	)
	webhook := NewWebhook(reconcileSvc, logger).Handler()
	admin := NewAdmin(reconcileSvc, logger).Handler()

	root := http.NewServeMux()

	// The intake endpoint is called by the provider, not by users. The
	// more specific pattern keeps it ahead of the payment subtree and
	// outside its auth.
	root.Handle("POST /payment/webhook", http.StripPrefix("/payment",
		chain(webhook, middleware.MetricsMiddleware("/payment/webhook"))))
	root.Handle("/payment/", http.StripPrefix("/payment",
		chain(payment, middleware.MetricsMiddleware("/payment"))))
	root.Handle("/admin/", http.StripPrefix("/admin",
		chain(admin,
			middleware.MetricsMiddleware("/admin"),
			auth.Auth,
			auth.RequireAdmin,
		)))

	root.Handle("GET /metrics", metrics.Handler())
	root.Handle("GET /health", handleHealth())

	return chain(root,
		middleware.LoggerMiddleware(logger),
	)
}

func handleHealth() http.Handler {
	type HealthResponse struct {
		Status string `json:"status"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, HealthResponse{Status: "ok"})
	})
}
