package api

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errNoSubject = errors.New("token has no subject")

// NewToken signs an HS256 bearer token for an issuer. A zero ttl gives a
// token without expiry.
func NewToken(secret, issuerID string, ttl time.Duration) (string, error) {
	if issuerID == "" {
		return "", errNoSubject
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  issuerID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates an HS256 bearer token and returns its subject
func ParseToken(tokenString, secret string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errNoSubject
	}
	return claims.Subject, nil
}
