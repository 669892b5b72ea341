package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/LittleKai/alpha-studio-backend/internal/handlers/accountctx"
	"github.com/LittleKai/alpha-studio-backend/internal/handlers/render"
	"github.com/LittleKai/alpha-studio-backend/internal/models"
)

type authenticator interface {
	// Authenticate the access token and return the account it belongs to
	Authenticate(ctx context.Context, access string) (models.Account, error)
}

type Auth struct {
	identity authenticator
}

func NewAuth(identity authenticator) *Auth {
	return &Auth{identity: identity}
}

// Auth requires a valid bearer token and puts the account into the
// request context.
func (m *Auth) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		access, ok := bearerToken(r)
		if !ok {
			render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		account, err := m.identity.Authenticate(r.Context(), access)
		if err != nil {
			render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := accountctx.New(r.Context(), account)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin allows only admin accounts through. Must run after Auth,
// a request without an account in context is rejected too.
func (m *Auth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, ok := accountctx.FromContext(r.Context())
		if !ok || !account.IsAdmin() {
			render.ServiceError(w, "Admin access required", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")

	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}

	return token, true
}
