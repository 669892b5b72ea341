package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/LittleKai/alpha-studio-backend/internal/apperrors"
	"github.com/LittleKai/alpha-studio-backend/internal/models"
	"github.com/LittleKai/alpha-studio-backend/internal/repository"
)

const (
	defaultAccessTokenTTL = 24 * time.Hour
	defaultSigningMethod  = "HS256"
)

// AccessTokenClaims carried by tokens the main platform backend mints.
// The role is looked up from the accounts table on every request, claims
// only identify the account.
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	AccountID uuid.UUID `json:"uid"`
}

// Service config with sensible defaults
type Config struct {
	// Secret key shared with the platform backend that signs tokens
	// Required to be set
	SecretKey string

	// JWT MAC (Message Authentication Code) algorithm
	// If not set than default is used
	Alg string

	// Access token lifetime for tokens issued here
	// If not set than default is used
	AccessTTL time.Duration
}

type Service struct {
	key       string
	alg       jwt.SigningMethod
	accessTTL time.Duration

	storage repository.Storage
}

func New(cfg Config, storage repository.Storage) (*Service, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("secret key must not be empty")
	}

	if cfg.Alg == "" {
		cfg.Alg = defaultSigningMethod
	}

	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = defaultAccessTokenTTL
	}

	return &Service{
		key:       cfg.SecretKey,
		alg:       jwt.GetSigningMethod(cfg.Alg),
		accessTTL: cfg.AccessTTL,
		storage:   storage,
	}, nil
}

// IssueToken signs an access token for the account. The platform backend
// is the usual issuer, this one exists for admin tooling and tests.
func (s *Service) IssueToken(account models.Account) (models.IssuedToken, error) {
	now := time.Now().Truncate(time.Second)
	expiresAt := now.Add(s.accessTTL)

	token := jwt.NewWithClaims(
		s.alg,
		AccessTokenClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        uuid.NewString(),
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(expiresAt),
			},
			AccountID: account.ID,
		},
	)

	signed, err := token.SignedString([]byte(s.key))
	if err != nil {
		return models.IssuedToken{}, fmt.Errorf("error while signing access token. Err: %w", err)
	}

	return models.IssuedToken{Value: signed, ExpiresAt: expiresAt}, nil
}

// Authenticate parses and validates the access token, then loads the
// account it identifies.
func (s *Service) Authenticate(ctx context.Context, access string) (models.Account, error) {
	claims := &AccessTokenClaims{}

	_, err := jwt.ParseWithClaims(
		access,
		claims,
		func(t *jwt.Token) (any, error) {
			return []byte(s.key), nil
		},
		jwt.WithValidMethods([]string{s.alg.Alg()}),
	)
	if err != nil {
		return models.Account{}, fmt.Errorf("%w: %v", apperrors.ErrTokenInvalid, err)
	}

	return s.storage.Account().GetAccount(ctx, claims.AccountID)
}
