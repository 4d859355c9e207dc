package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the company a dashboard token speaks for.
type Identity struct {
	CompanyID   string
	CompanyName string
	FirstQuote  bool
}

type Claims struct {
	CompanyID   string `json:"company_id"`
	CompanyName string `json:"company_name,omitempty"`
	FirstQuote  bool   `json:"first_quote,omitempty"`
	jwt.RegisteredClaims
}

func SignJWT(id Identity, secret string, ttl time.Duration) (string, error) {
	if id.CompanyID == "" {
		return "", errors.New("company id required")
	}
	now := time.Now()
	claims := Claims{
		CompanyID:   id.CompanyID,
		CompanyName: id.CompanyName,
		FirstQuote:  id.FirstQuote,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.CompanyID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseJWT(tokenStr, secret string) (Identity, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.CompanyID == "" {
		return Identity{}, errors.New("token has no company_id")
	}
	return Identity{
		CompanyID:   claims.CompanyID,
		CompanyName: claims.CompanyName,
		FirstQuote:  claims.FirstQuote,
	}, nil
}
