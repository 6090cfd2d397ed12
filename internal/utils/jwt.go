package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

// SessionClaims is the payload of session tokens issued after a verified launch or admin login.
type SessionClaims struct {
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed customer session token for the provided user ID.
func GenerateToken(secret string, userID uuid.UUID, ttl time.Duration) (string, error) {
	return sign(secret, &SessionClaims{
		UserID: userID.String(),
		Role:   RoleCustomer,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
}

// GenerateAdminToken creates a signed admin session token.
func GenerateAdminToken(secret, username string, ttl time.Duration) (string, error) {
	return sign(secret, &SessionClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
}

func sign(secret string, claims *SessionClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken validates the token and returns its claims.
func ParseToken(secret, tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Role != RoleCustomer && claims.Role != RoleAdmin {
		return nil, errors.New("unknown token role")
	}

	return claims, nil
}

// CustomerID returns the user ID of a customer token.
func (c *SessionClaims) CustomerID() (uuid.UUID, error) {
	if c.Role != RoleCustomer {
		return uuid.Nil, jwt.ErrTokenInvalidClaims
	}
	return uuid.Parse(c.UserID)
}
