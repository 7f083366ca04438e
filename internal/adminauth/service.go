package adminauth

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type service struct {
	repo   Repository
	tokens TokenManager
	now    func() time.Time
}

// NewService builds the operator authentication service.
func NewService(repo Repository, tokens TokenManager) Service {
	return &service{repo: repo, tokens: tokens, now: func() time.Time { return time.Now().UTC() }}
}

func (s *service) Bootstrap(ctx context.Context, username, password string) (string, error) {
	if _, err := s.repo.GetByUsername(ctx, username); err == nil {
		return "", ErrOperatorAlreadyExists
	} else if err != ErrOperatorNotFound {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	op := &Operator{Username: username, PasswordHash: string(hash)}
	if err := s.repo.CreateOperator(ctx, op); err != nil {
		return "", err
	}
	return s.tokens.GenerateToken(op.Username)
}

func (s *service) Login(ctx context.Context, username, password string) (string, error) {
	op, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		if err == ErrOperatorNotFound {
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.tokens.GenerateToken(op.Username)
}
