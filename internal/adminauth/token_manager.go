package adminauth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwtTokenManager struct {
	secret []byte
	ttl    time.Duration
}

// NewJWTTokenManager creates a TokenManager signing HS256 tokens with
// secret, valid for ttl.
func NewJWTTokenManager(secret string, ttl time.Duration) TokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &jwtTokenManager{secret: []byte(secret), ttl: ttl}
}

func (j *jwtTokenManager) GenerateToken(username string) (string, error) {
	claims := jwt.MapClaims{
		"sub": username,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(j.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

func (j *jwtTokenManager) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("adminauth: unexpected signing method")
		}
		return j.secret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("adminauth: invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("adminauth: invalid claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("adminauth: missing subject")
	}
	return sub, nil
}
