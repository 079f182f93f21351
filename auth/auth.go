// Package auth issues and verifies the JWTs presented at the websocket
// handshake.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"diceserver/models"

	jwt "github.com/dgrijalva/jwt-go"
)

var ErrInvalidToken = errors.New("invalid token")

type Authenticator struct {
	key []byte
	ttl time.Duration
}

func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	return &Authenticator{key: []byte(secret), ttl: ttl}
}

func (a *Authenticator) GenerateToken(userID uint) (string, error) {
	// JWTトークン生成時に内包するデータ
	claims := &models.MyClaims{
		UserID: userID,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(a.ttl).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.key)
}

// ParseToken returns the user id carried by a valid token.
func (a *Authenticator) ParseToken(tokenString string) (uint, error) {
	claims := &models.MyClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.key, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == 0 {
		return 0, ErrInvalidToken
	}
	return claims.UserID, nil
}

// TokenFromRequest reads a bearer token from the Authorization header, falling
// back to the token query parameter since browsers cannot set headers on a
// websocket upgrade.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
