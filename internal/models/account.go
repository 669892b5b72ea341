package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Account is the platform user as this service sees it: an identity plus
// the credit balance counter. Everything else about users lives in the
// main platform backend.
type Account struct {
	ID          uuid.UUID
	CreatedAt   time.Time
	DisplayName string
	Role        string
	Balance     int64
}

func (a *Account) IsAdmin() bool {
	return a.Role == RoleAdmin
}
