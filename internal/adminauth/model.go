// Package adminauth authenticates operators of the admin API: the
// handful of people allowed to inspect dispatcher state or submit
// debug requests through internal/adminapi. It follows the same
// repository/service/token-manager split common to end-user auth
// packages, narrowed to a single operator role instead of a full
// registration system.
package adminauth

import (
	"context"
	"errors"
)

// Operator is an admin API principal.
type Operator struct {
	Username     string `bson:"username" json:"username"`
	PasswordHash string `bson:"password_hash" json:"-"`
}

var (
	ErrOperatorAlreadyExists = errors.New("adminauth: operator already exists")
	ErrOperatorNotFound      = errors.New("adminauth: operator not found")
	ErrInvalidCredentials    = errors.New("adminauth: invalid credentials")
)

// Repository persists operator records.
type Repository interface {
	CreateOperator(ctx context.Context, op *Operator) error
	GetByUsername(ctx context.Context, username string) (*Operator, error)
}

// Service is the business logic exposed to the HTTP handler.
type Service interface {
	Bootstrap(ctx context.Context, username, password string) (token string, err error)
	Login(ctx context.Context, username, password string) (token string, err error)
}

// TokenManager abstracts issuing and validating bearer tokens.
type TokenManager interface {
	GenerateToken(username string) (string, error)
	ValidateToken(token string) (username string, err error)
}
