package server

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

var ErrInvalidToken = errors.New("auth: invalid token")

// Authenticator validates a session token and yields the account id it
// was issued for. Issuing tokens is the auth service's job, not ours.
type Authenticator interface {
	Validate(token string) (int64, error)
}

// jwtAuthenticator checks HMAC-signed session tokens against
// AUTH_SECRET. The oid claim must match what the client announced.
type jwtAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret string) Authenticator {
	return &jwtAuthenticator{secret: []byte(secret)}
}

type sessionClaims struct {
	OIDUser int64 `json:"oidUser"`
	jwt.RegisteredClaims
}

func (a *jwtAuthenticator) Validate(token string) (int64, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return 0, ErrInvalidToken
	}
	if claims.OIDUser == 0 {
		return 0, ErrInvalidToken
	}
	return claims.OIDUser, nil
}
