package security

import (
	"time"

	"github.com/AfshinJalili/authcore/libs/auth"
	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenParams describes the token minted after a login.
type AccessTokenParams struct {
	UserID string
	Roles  []string
	Scopes []string
	// AMR lists the methods the user proved, e.g. pwd then mfa.
	AMR    []string
	Issuer string
	TTL    time.Duration
}

func NewAccessToken(p AccessTokenParams, secret []byte, now time.Time) (string, error) {
	claims := auth.Claims{
		Roles:  p.Roles,
		Scopes: p.Scopes,
		AMR:    p.AMR,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.Issuer,
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.TTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
