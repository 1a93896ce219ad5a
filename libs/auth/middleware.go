package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	ContextUserIDKey = "user_id"
	ContextClaimsKey = "auth_claims"
)

func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}

		c.Set(ContextUserIDKey, claims.Subject)
		c.Set(ContextClaimsKey, claims)
		c.Next()
	}
}

// RequireAMR rejects tokens that were not issued after method. It must run
// after Middleware.
func RequireAMR(method string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFromContext(c)
		if !ok || !claims.HasAMR(method) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "MFA_REQUIRED", "message": "step-up authentication required"})
			return
		}
		c.Next()
	}
}

func ClaimsFromContext(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(ContextClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}
