package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LittleKai/alpha-studio-backend/internal/apperrors"
	"github.com/LittleKai/alpha-studio-backend/internal/handlers/accountctx"
	"github.com/LittleKai/alpha-studio-backend/internal/handlers/render"
	"github.com/LittleKai/alpha-studio-backend/internal/logger"
	"github.com/LittleKai/alpha-studio-backend/internal/models"
	"github.com/LittleKai/alpha-studio-backend/internal/service/topup"
)

type topupService interface {
	CreateTopup(ctx context.Context, account *models.Account, arg topup.CreateTopupParams) (models.Transaction, error)
	ConfirmTopup(ctx context.Context, account *models.Account, id uuid.UUID) (models.Transaction, error)
	CancelTopup(ctx context.Context, account *models.Account, id uuid.UUID) (models.Transaction, error)
	GetTransaction(ctx context.Context, account *models.Account, id uuid.UUID) (models.Transaction, error)
	ListPending(ctx context.Context, account *models.Account) ([]models.Transaction, error)
	History(ctx context.Context, account *models.Account, arg topup.HistoryParams) ([]models.Transaction, error)
	Pricing(ctx context.Context) ([]models.Package, error)
	Bank() topup.BankInfo
	QRCodeURL(t models.Transaction) string
}

type PaymentHandler struct {
	topup  topupService
	logger logger.Logger
}

func NewPayment(topup topupService, logger logger.Logger) *PaymentHandler {
	return &PaymentHandler{topup: topup, logger: logger}
}

// Handler mounts the payment routes. Pricing and bank info are public
// reference data, everything else runs behind the auth middleware the
// caller provides. Create additionally goes through the rate limiter,
// it is the only route that allocates anything.
func (h *PaymentHandler) Handler(withAuth, limitCreate func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /pricing", http.HandlerFunc(h.pricing))
	mux.Handle("GET /bank-info", http.HandlerFunc(h.bankInfo))

	mux.Handle("POST /create", limitCreate(withAuth(http.HandlerFunc(h.create))))
	mux.Handle("POST /confirm/{id}", withAuth(http.HandlerFunc(h.confirm)))
	mux.Handle("DELETE /cancel/{id}", withAuth(http.HandlerFunc(h.cancel)))
	mux.Handle("GET /history", withAuth(http.HandlerFunc(h.history)))
	mux.Handle("GET /pending", withAuth(http.HandlerFunc(h.pending)))
	mux.Handle("GET /status/{id}", withAuth(http.HandlerFunc(h.status)))

	return mux
}

// transactionResponse is the API projection of a transaction. The raw
// webhook payload stays out of it on purpose, users never see provider
// internals.
type transactionResponse struct {
	ID            uuid.UUID  `json:"id"`
	CreatedAt     time.Time  `json:"createdAt"`
	Kind          string     `json:"kind"`
	Amount        float64    `json:"amount"`
	Credits       int64      `json:"credits"`
	Status        string     `json:"status"`
	PaymentMethod string     `json:"paymentMethod"`
	Description   string     `json:"description"`
	TransferCode  string     `json:"transferCode,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	ConfirmedAt   *time.Time `json:"confirmedAt,omitempty"`
	ProcessedAt   *time.Time `json:"processedAt,omitempty"`
	FailedReason  string     `json:"failedReason,omitempty"`
}

func toTransactionResponse(t models.Transaction) transactionResponse {
	amount, _ := t.Amount.Float64()

	return transactionResponse{
		ID:            t.ID,
		CreatedAt:     t.CreatedAt,
		Kind:          t.Kind,
		Amount:        amount,
		Credits:       t.Credits,
		Status:        t.Status,
		PaymentMethod: t.PaymentMethod,
		Description:   t.Description,
		TransferCode:  t.TransferCode,
		ExpiresAt:     t.ExpiresAt,
		ConfirmedAt:   t.ConfirmedAt,
		ProcessedAt:   t.ProcessedAt,
		FailedReason:  t.FailedReason,
	}
}

type bankInfoResponse struct {
	BankName      string `json:"bankName"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
}

func (h *PaymentHandler) create(w http.ResponseWriter, r *http.Request) {
	type CreateRequest struct {
		PackageID string           `json:"packageId"`
		Amount    *decimal.Decimal `json:"amount" validate:"omitempty,gt=0"`
	}
	type CreateResponse struct {
		transactionResponse
		BankInfo  bankInfoResponse `json:"bankInfo"`
		QRCodeURL string           `json:"qrCodeUrl"`
	}

	account, ok := accountctx.FromContext(r.Context())
	if !ok {
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	data, err := render.BindAndValidate[CreateRequest](w, r)
	if err != nil {
		return
	}

	tr, err := h.topup.CreateTopup(r.Context(), &account, topup.CreateTopupParams{
		PackageID: data.PackageID,
		Amount:    data.Amount,
	})
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrPackageNotFound):
			render.ServiceError(w, "Unknown package", http.StatusBadRequest)
		case errors.Is(err, apperrors.ErrAmountOutOfRange):
			render.ServiceError(w, "Amount out of allowed range", http.StatusBadRequest)
		case errors.Is(err, apperrors.ErrTooManyPending):
			render.ServiceError(w, "Too many pending topup requests", http.StatusConflict)
		case errors.Is(err, apperrors.ErrCodeGenerationExhausted):
			render.ServiceError(w, "Could not allocate a transfer code, please retry", http.StatusServiceUnavailable)
		default:
			h.logger.Error("Failed to create topup", "error", err, "account_id", account.ID)
			render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	bank := h.topup.Bank()
	render.JSONWithStatus(w, CreateResponse{
		transactionResponse: toTransactionResponse(tr),
		BankInfo: bankInfoResponse{
			BankName:      bank.BankName,
			AccountNumber: bank.AccountNumber,
			AccountName:   bank.AccountName,
		},
		QRCodeURL: h.topup.QRCodeURL(tr),
	}, http.StatusCreated)
}

func (h *PaymentHandler) confirm(w http.ResponseWriter, r *http.Request) {
	account, id, ok := h.accountAndID(w, r)
	if !ok {
		return
	}

	tr, err := h.topup.ConfirmTopup(r.Context(), &account, id)
	h.renderTransaction(w, tr, err, account.ID)
}

func (h *PaymentHandler) cancel(w http.ResponseWriter, r *http.Request) {
	type CancelResponse struct {
		Message string `json:"message"`
	}

	account, id, ok := h.accountAndID(w, r)
	if !ok {
		return
	}

	_, err := h.topup.CancelTopup(r.Context(), &account, id)
	if err != nil {
		h.renderTransactionError(w, err, account.ID)
		return
	}

	render.JSON(w, CancelResponse{Message: "Topup request cancelled"})
}

func (h *PaymentHandler) status(w http.ResponseWriter, r *http.Request) {
	account, id, ok := h.accountAndID(w, r)
	if !ok {
		return
	}

	tr, err := h.topup.GetTransaction(r.Context(), &account, id)
	h.renderTransaction(w, tr, err, account.ID)
}

func (h *PaymentHandler) pending(w http.ResponseWriter, r *http.Request) {
	account, ok := accountctx.FromContext(r.Context())
	if !ok {
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	list, err := h.topup.ListPending(r.Context(), &account)
	if err != nil {
		h.logger.Error("Failed to list pending topups", "error", err, "account_id", account.ID)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	render.JSON(w, toTransactionResponses(list))
}

func (h *PaymentHandler) history(w http.ResponseWriter, r *http.Request) {
	account, ok := accountctx.FromContext(r.Context())
	if !ok {
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	limit, offset := pagination(r)
	list, err := h.topup.History(r.Context(), &account, topup.HistoryParams{Limit: limit, Offset: offset})
	if err != nil {
		h.logger.Error("Failed to list topup history", "error", err, "account_id", account.ID)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	render.JSON(w, toTransactionResponses(list))
}

func (h *PaymentHandler) pricing(w http.ResponseWriter, r *http.Request) {
	type PackageResponse struct {
		ID        string  `json:"id"`
		Name      string  `json:"name"`
		Amount    float64 `json:"amount"`
		Credits   int64   `json:"credits"`
		SortOrder int     `json:"sortOrder"`
	}

	packages, err := h.topup.Pricing(r.Context())
	if err != nil {
		h.logger.Error("Failed to list packages", "error", err)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	list := make([]PackageResponse, 0, len(packages))
	for _, p := range packages {
		amount, _ := p.Amount.Float64()
		list = append(list, PackageResponse{
			ID:        p.ID,
			Name:      p.Name,
			Amount:    amount,
			Credits:   p.Credits,
			SortOrder: p.SortOrder,
		})
	}

	render.JSON(w, list)
}

func (h *PaymentHandler) bankInfo(w http.ResponseWriter, r *http.Request) {
	bank := h.topup.Bank()

	render.JSON(w, bankInfoResponse{
		BankName:      bank.BankName,
		AccountNumber: bank.AccountNumber,
		AccountName:   bank.AccountName,
	})
}

// accountAndID pulls the authenticated account and the {id} path value.
// Writes the error response itself, callers just return on !ok.
func (h *PaymentHandler) accountAndID(w http.ResponseWriter, r *http.Request) (models.Account, uuid.UUID, bool) {
	account, ok := accountctx.FromContext(r.Context())
	if !ok {
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
		return models.Account{}, uuid.Nil, false
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		render.ServiceError(w, "Invalid transaction id", http.StatusBadRequest)
		return models.Account{}, uuid.Nil, false
	}

	return account, id, true
}

func (h *PaymentHandler) renderTransaction(w http.ResponseWriter, tr models.Transaction, err error, accountID uuid.UUID) {
	if err != nil {
		h.renderTransactionError(w, err, accountID)
		return
	}

	render.JSON(w, toTransactionResponse(tr))
}

func (h *PaymentHandler) renderTransactionError(w http.ResponseWriter, err error, accountID uuid.UUID) {
	switch {
	case errors.Is(err, apperrors.ErrTransactionNotFound):
		render.ServiceError(w, "Transaction not found", http.StatusNotFound)
	case errors.Is(err, apperrors.ErrTransactionNotPending):
		render.ServiceError(w, "Transaction is not pending", http.StatusConflict)
	default:
		h.logger.Error("Transaction operation failed", "error", err, "account_id", accountID)
		render.ServiceError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func toTransactionResponses(list []models.Transaction) []transactionResponse {
	res := make([]transactionResponse, 0, len(list))
	for _, t := range list {
		res = append(res, toTransactionResponse(t))
	}
	return res
}

// pagination reads ?page=&limit= with sane bounds. Page starts at 1.
func pagination(r *http.Request) (limit int32, offset int32) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}

	l, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if l < 1 {
		l = 20
	}
	if l > 100 {
		l = 100
	}

	return int32(l), int32((page - 1) * l)
}
