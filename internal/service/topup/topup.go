package topup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/LittleKai/alpha-studio-backend/internal/apperrors"
	"github.com/LittleKai/alpha-studio-backend/internal/models"
	"github.com/LittleKai/alpha-studio-backend/internal/repository"
)

const (
	defaultCodePrefix   = "ALPHA"
	defaultPendingLimit = 3
	defaultExpiry       = 30 * time.Minute

	// How many fresh codes to try before giving up on a create
	createAttempts = 5
)

// Custom topup bounds in VND
var (
	minCustomAmount = decimal.NewFromInt(10000)
	maxCustomAmount = decimal.NewFromInt(50000000)
)

// BankInfo is the receiving side of every bank transfer, shown to payers
// together with the transfer code.
type BankInfo struct {
	BankName      string
	AccountNumber string
	AccountName   string
}

// Service config with sensible defaults
type Config struct {
	// Prefix of generated transfer codes
	CodePrefix string

	// How many unfinished topups one account may hold at a time
	PendingLimit int

	// How long a topup waits for its bank transfer before timing out
	Expiry time.Duration

	// Receiving bank account shown to payers
	Bank BankInfo
}

type Service struct {
	storage repository.Storage

	codePrefix   string
	pendingLimit int
	expiry       time.Duration
	bank         BankInfo
}

func NewService(cfg Config, storage repository.Storage) *Service {
	if cfg.CodePrefix == "" {
		cfg.CodePrefix = defaultCodePrefix
	}
	if cfg.PendingLimit == 0 {
		cfg.PendingLimit = defaultPendingLimit
	}
	if cfg.Expiry == 0 {
		cfg.Expiry = defaultExpiry
	}

	return &Service{
		storage:      storage,
		codePrefix:   cfg.CodePrefix,
		pendingLimit: cfg.PendingLimit,
		expiry:       cfg.Expiry,
		bank:         cfg.Bank,
	}
}

type CreateTopupParams struct {
	// Either a package from the price list or a custom amount
	PackageID string
	Amount    *decimal.Decimal
}

// CreateTopup opens a pending topup with a fresh unique transfer code.
// The caller transfers the money afterwards, webhook reconciliation
// settles the transaction.
func (s *Service) CreateTopup(ctx context.Context, account *models.Account, arg CreateTopupParams) (models.Transaction, error) {
	var t models.Transaction

	amount, credits, description, err := s.resolvePricing(ctx, arg)
	if err != nil {
		return t, err
	}

	count, err := s.storage.Transaction().CountPending(ctx, account.ID)
	if err != nil {
		return t, err
	}
	if count >= int64(s.pendingLimit) {
		return t, apperrors.ErrTooManyPending
	}

	expiresAt := time.Now().Add(s.expiry)

	// Codes collide rarely, retry a few times before giving up
	for attempt := 0; attempt < createAttempts; attempt++ {
		code, err := generateCode(s.codePrefix)
		if err != nil {
			return t, err
		}

		t, err = s.storage.Transaction().CreateTransaction(ctx, repository.CreateTransactionParams{
			AccountID:     &account.ID,
			Kind:          models.KindTopup,
			Amount:        amount,
			Credits:       credits,
			PaymentMethod: models.PaymentMethodBankTransfer,
			Description:   description,
			TransferCode:  code,
			ExpiresAt:     &expiresAt,
		})

		switch {
		case err == nil:
			return t, nil
		case errors.Is(err, apperrors.ErrTransferCodeTaken):
			continue
		default:
			return t, err
		}
	}

	return t, apperrors.ErrCodeGenerationExhausted
}

func (s *Service) resolvePricing(ctx context.Context, arg CreateTopupParams) (decimal.Decimal, int64, string, error) {
	if arg.PackageID != "" {
		pkg, err := s.storage.Package().GetPackage(ctx, arg.PackageID)
		if err != nil {
			return decimal.Zero, 0, "", err
		}
		if !pkg.Active {
			return decimal.Zero, 0, "", apperrors.ErrPackageNotFound
		}

		return pkg.Amount, pkg.Credits, "Topup " + pkg.Name, nil
	}

	if arg.Amount == nil || arg.Amount.LessThan(minCustomAmount) || arg.Amount.GreaterThan(maxCustomAmount) {
		return decimal.Zero, 0, "", apperrors.ErrAmountOutOfRange
	}

	return *arg.Amount, models.CreditsForAmount(*arg.Amount), "Topup custom amount", nil
}

// ConfirmTopup records that the payer reported the transfer as sent
func (s *Service) ConfirmTopup(ctx context.Context, account *models.Account, id uuid.UUID) (models.Transaction, error) {
	return s.storage.Transaction().MarkConfirmed(ctx, id, account.ID)
}

// CancelTopup deletes a pending topup request outright, freeing its
// transfer code. Settled or foreign transactions are untouchable here.
func (s *Service) CancelTopup(ctx context.Context, account *models.Account, id uuid.UUID) (models.Transaction, error) {
	return s.storage.Transaction().DeletePending(ctx, id, account.ID)
}

// GetTransaction returns the transaction if the caller owns it or is an
// admin. Foreign transactions look nonexistent on purpose.
func (s *Service) GetTransaction(ctx context.Context, account *models.Account, id uuid.UUID) (models.Transaction, error) {
	t, err := s.storage.Transaction().GetTransaction(ctx, id)
	if err != nil {
		return t, err
	}

	if !account.IsAdmin() && (t.AccountID == nil || *t.AccountID != account.ID) {
		return models.Transaction{}, apperrors.ErrTransactionNotFound
	}

	return t, nil
}

func (s *Service) ListPending(ctx context.Context, account *models.Account) ([]models.Transaction, error) {
	return s.storage.Transaction().ListTransactions(ctx, repository.ListTransactionsParams{
		AccountID: &account.ID,
		Status:    models.TransactionPending,
	})
}

type HistoryParams struct {
	Limit  int32
	Offset int32
}

func (s *Service) History(ctx context.Context, account *models.Account, arg HistoryParams) ([]models.Transaction, error) {
	return s.storage.Transaction().ListTransactions(ctx, repository.ListTransactionsParams{
		AccountID: &account.ID,
		Limit:     arg.Limit,
		Offset:    arg.Offset,
	})
}

func (s *Service) Pricing(ctx context.Context) ([]models.Package, error) {
	return s.storage.Package().ListActivePackages(ctx)
}

func (s *Service) Bank() BankInfo {
	return s.bank
}

// QRCodeURL builds the VietQR image link for a topup. Scanning it
// prefills the receiving account, the amount and the transfer code, so
// the payer cannot mistype the one string the matching depends on.
func (s *Service) QRCodeURL(t models.Transaction) string {
	if s.bank.AccountNumber == "" {
		return ""
	}

	q := url.Values{}
	q.Set("amount", t.Amount.String())
	q.Set("addInfo", t.TransferCode)
	q.Set("accountName", s.bank.AccountName)

	return fmt.Sprintf("https://img.vietqr.io/image/%s-%s-compact2.png?%s",
		s.bank.BankName, s.bank.AccountNumber, q.Encode())
}
