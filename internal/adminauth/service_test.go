package adminauth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() Service {
	repo := NewInMemoryRepository()
	tokens := NewJWTTokenManager("test-secret", time.Hour)
	return NewService(repo, tokens)
}

func TestBootstrapThenLogin(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	token, err := svc.Bootstrap(ctx, "Alice", "hunter22!!")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	loginToken, err := svc.Login(ctx, "alice", "hunter22!!")
	require.NoError(t, err)
	assert.NotEmpty(t, loginToken)
}

func TestBootstrapTwiceFails(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Bootstrap(ctx, "alice", "hunter22!!")
	require.NoError(t, err)

	_, err = svc.Bootstrap(ctx, "alice", "hunter22!!")
	assert.ErrorIs(t, err, ErrOperatorAlreadyExists)
}

func TestLoginWithWrongPasswordFails(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Bootstrap(ctx, "alice", "hunter22!!")
	require.NoError(t, err)

	_, err = svc.Login(ctx, "alice", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUnknownUserFails(t *testing.T) {
	svc := newTestService()
	_, err := svc.Login(context.Background(), "nobody", "whatever1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestTokenManagerRoundTrip(t *testing.T) {
	tm := NewJWTTokenManager("s3cret", time.Minute)
	token, err := tm.GenerateToken("alice")
	require.NoError(t, err)

	sub, err := tm.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)

	_, err = tm.ValidateToken("garbage")
	assert.Error(t, err)
}
