package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/AfshinJalili/authcore/libs/auth"
	"github.com/AfshinJalili/authcore/services/auth/internal/rate"
	"github.com/AfshinJalili/authcore/services/auth/internal/security"
	"github.com/gin-gonic/gin"
)

// KeyFunc picks the identifier a request is limited by.
type KeyFunc func(c *gin.Context) string

func ClientIPKey(c *gin.Context) string {
	return c.ClientIP()
}

// SubjectKey limits by authenticated user and must run after auth.Middleware.
func SubjectKey(c *gin.Context) string {
	return c.GetString(auth.ContextUserIDKey)
}

// RateLimit gates every request through op. Allowed requests carry the
// informational X-RateLimit headers.
func RateLimit(f *security.Facade, op rate.Operation, key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := f.Gate(c.Request.Context(), key(c), op)
		if err != nil {
			abortGateError(c, d, err)
			return
		}
		setRateLimitHeaders(c, d)
		if !d.Allowed {
			abortRateLimited(c, d)
			return
		}
		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, d rate.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetTime.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetTime.Unix(), 10))
	}
}

func abortRateLimited(c *gin.Context, d rate.Decision) {
	setRateLimitHeaders(c, d)
	c.Header("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Code: "RATE_LIMITED", Message: "too many requests"})
}

func abortGateError(c *gin.Context, d rate.Decision, err error) {
	if errors.Is(err, rate.ErrStoreUnavailable) {
		retry := d.RetryAfterSeconds()
		if retry < 1 {
			retry = 1
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{Code: "SERVICE_UNAVAILABLE", Message: "try again later"})
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
}
