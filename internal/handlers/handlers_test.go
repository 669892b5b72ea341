package handlers

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/LittleKai/alpha-studio-backend/internal/logger"
	"github.com/LittleKai/alpha-studio-backend/internal/models"
	"github.com/LittleKai/alpha-studio-backend/internal/repository"
	"github.com/LittleKai/alpha-studio-backend/internal/repository/postgres"
	"github.com/LittleKai/alpha-studio-backend/internal/service/identity"
	"github.com/LittleKai/alpha-studio-backend/internal/service/reconcile"
	"github.com/LittleKai/alpha-studio-backend/internal/service/topup"
	"github.com/LittleKai/alpha-studio-backend/internal/testutil"
)

// Receiving bank account used by every handler test
var testBank = topup.BankInfo{
	BankName:      "VCB",
	AccountNumber: "0123456789",
	AccountName:   "ALPHA STUDIO",
}

type routerOpts struct {
	router    RouterConfig
	topup     topup.Config
	reconcile reconcile.Config
}

type routerEnv struct {
	storage   repository.Storage
	identity  *identity.Service
	topup     *topup.Service
	reconcile *reconcile.Service
}

// withRouter serves the full production router over a rolled-back tx, so
// the handler tests run against the same wiring main assembles.
func withRouter(t *testing.T, dbpool *pgxpool.Pool, opts routerOpts, fn func(url string, env routerEnv)) {
	t.Helper()

	if opts.topup.Bank == (topup.BankInfo{}) {
		opts.topup.Bank = testBank
	}

	testutil.InTx(dbpool, t, func(tx pgx.Tx) {
		storage := postgres.NewStorage(tx)

		identitySvc, err := identity.New(identity.Config{SecretKey: "test-secret"}, storage)
		require.NoError(t, err, "identity service should be created without errors")

		topupSvc := topup.NewService(opts.topup, storage)
		reconcileSvc := reconcile.NewService(opts.reconcile, storage, logger.NewNoOpLogger())

		srv := httptest.NewServer(NewRouter(opts.router, identitySvc, topupSvc, reconcileSvc, logger.NewNoOpLogger()))
		defer srv.Close()

		fn(srv.URL, routerEnv{
			storage:   storage,
			identity:  identitySvc,
			topup:     topupSvc,
			reconcile: reconcileSvc,
		})
	})
}

func createTestAccount(t *testing.T, env routerEnv, name string, role string) models.Account {
	t.Helper()

	account, err := env.storage.Account().CreateAccount(t.Context(), repository.CreateAccountParams{
		DisplayName: name,
		Role:        role,
	})
	require.NoError(t, err)

	return account
}

func bearerFor(t *testing.T, env routerEnv, account models.Account) string {
	t.Helper()

	token, err := env.identity.IssueToken(account)
	require.NoError(t, err)

	return "Bearer " + token.Value
}

// doJSON fires one request and returns the response with its body read.
// Empty bearer means anonymous.
func doJSON(t *testing.T, method string, url string, bearer string, body string) (*http.Response, string) {
	t.Helper()
	return doJSONWithHeaders(t, method, url, bearer, body, nil)
}

func doJSONWithHeaders(t *testing.T, method string, url string, bearer string, body string, headers map[string]string) (*http.Response, string) {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, string(raw)
}

// cassoBody builds the provider envelope the webhook endpoint receives
func cassoBody(description string, amount int64) string {
	return fmt.Sprintf(`{
		"error": 0,
		"data": {
			"reference": "FT2509381234",
			"description": %q,
			"amount": %d,
			"transactionDateTime": "2025-08-14 10:30:00"
		}
	}`, description, amount)
}

// webhookParams wraps a payload for calls straight into the service,
// for fixtures that do not go through the HTTP endpoint
func webhookParams(payload string) reconcile.HandleWebhookParams {
	return reconcile.HandleWebhookParams{
		Source:     "casso",
		Payload:    []byte(payload),
		RemoteAddr: "203.0.113.9:4040",
	}
}
