package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	userIdClaim  = "user-id"
	subjectClaim = "sub"
	expClaim     = "exp"

	DefaultExpiration = 24 * time.Hour
)

var ErrInvalidToken = errors.New("invalid token")

// TokenManager signs and verifies HS256 tokens issued by the user service.
type TokenManager struct {
	signingKey []byte
}

func NewTokenManager(signingKey []byte) *TokenManager {
	return &TokenManager{signingKey: signingKey}
}

func (m *TokenManager) IssueToken(userId string, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(m.signingKey)
}

// VerifyToken returns the user id carried by a valid token, read from the
// "user-id" claim or, failing that, "sub".
func (m *TokenManager) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: unexpected claims", ErrInvalidToken)
	}

	for _, name := range []string{userIdClaim, subjectClaim} {
		if userId, ok := claims[name].(string); ok && userId != "" {
			return userId, nil
		}
	}

	return "", fmt.Errorf("%w: missing user id claim", ErrInvalidToken)
}
