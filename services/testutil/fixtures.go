package testutil

import (
	"time"

	"github.com/AfshinJalili/authcore/libs/auth"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// GenerateJWT signs an access token for userID. amr lists the
// authentication methods the token claims; pass auth.AMRPassword to reach
// routes that require an interactive login.
func GenerateJWT(userID uuid.UUID, secret []byte, ttl time.Duration, now time.Time, amr ...string) (string, error) {
	claims := auth.Claims{
		Roles:  []string{"user"},
		Scopes: []string{"read"},
		AMR:    amr,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "authcore",
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
