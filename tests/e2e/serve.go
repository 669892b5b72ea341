package e2e

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stretchr/testify/require"

	"github.com/LittleKai/alpha-studio-backend/internal/handlers"
	"github.com/LittleKai/alpha-studio-backend/internal/logger"
	"github.com/LittleKai/alpha-studio-backend/internal/models"
	"github.com/LittleKai/alpha-studio-backend/internal/repository"
	"github.com/LittleKai/alpha-studio-backend/internal/repository/postgres"
	"github.com/LittleKai/alpha-studio-backend/internal/service/identity"
	"github.com/LittleKai/alpha-studio-backend/internal/service/reconcile"
	"github.com/LittleKai/alpha-studio-backend/internal/service/topup"
	"github.com/LittleKai/alpha-studio-backend/internal/testutil"
)

type Services struct {
	Storage   repository.Storage
	Identity  *identity.Service
	Topup     *topup.Service
	Reconcile *reconcile.Service
}

// Create db transaction and run server with that connection (one connection cause one transaction)
// The created transaction passed to inner function: so, you can safely use testutil.InTx with it
func ServeInTx(dbpool *pgxpool.Pool, t *testing.T, fn func(tx pgx.Tx, srvURL string, s Services)) {
	testutil.InTx(dbpool, t, func(tx pgx.Tx) {
		storage := postgres.NewStorage(tx)

		// Initialize services
		identitySvc, err := identity.New(identity.Config{SecretKey: "test-secret"}, storage)
		require.NoError(t, err, "identity service should be created without errors")

		topupSvc := topup.NewService(topup.Config{
			Bank: topup.BankInfo{
				BankName:      "VCB",
				AccountNumber: "0123456789",
				AccountName:   "ALPHA STUDIO",
			},
		}, storage)

		reconcileSvc := reconcile.NewService(reconcile.Config{}, storage, logger.NewNoOpLogger())

		// Complete all together as router
		router := handlers.NewRouter(handlers.RouterConfig{}, identitySvc, topupSvc, reconcileSvc, logger.NewNoOpLogger())

		// Run http server with the router in transaction
		srv := httptest.NewServer(router)
		defer srv.Close()

		fn(tx, srv.URL, Services{
			Storage:   storage,
			Identity:  identitySvc,
			Topup:     topupSvc,
			Reconcile: reconcileSvc,
		})
	})
}

// CreateAccount seeds an account the way the platform sync job would and
// returns it with a ready to use Authorization header value
func (s Services) CreateAccount(t *testing.T, name string, role string) (models.Account, string) {
	t.Helper()

	account, err := s.Storage.Account().CreateAccount(t.Context(), repository.CreateAccountParams{
		DisplayName: name,
		Role:        role,
	})
	require.NoError(t, err, "failed to create account")

	token, err := s.Identity.IssueToken(account)
	require.NoError(t, err, "failed to issue token for account")

	return account, "Bearer " + token.Value
}

// DoRequest fires one JSON request and returns the response with the body
// already read. Empty bearer means anonymous request.
func DoRequest(t *testing.T, method string, url string, bearer string, body string) (*http.Response, string) {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err, "failed to create request")
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err, "failed to send request")
	defer resp.Body.Close() // nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "failed to read response body")

	return resp, string(raw)
}
