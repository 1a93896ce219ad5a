package httpmiddleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/AfshinJalili/authcore/libs/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	requestIDHeader   = "X-Request-ID"
	traceParentHeader = "traceparent"
)

type requestIDKey struct{}

// WithRequestID returns a copy of ctx carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id set by RequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		c.Set(requestIDHeader, reqID)
		c.Header(requestIDHeader, reqID)
		c.Request = c.Request.WithContext(WithRequestID(c.Request.Context(), reqID))
		c.Next()
	}
}

// Logger logs one line per request and records the HTTP metrics. Unmatched
// paths are labelled "unmatched".
func Logger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		metrics.InFlight.Inc()
		c.Next()
		metrics.InFlight.Dec()
		latency := time.Since(start)

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		reqID, _ := c.Get(requestIDHeader)
		traceParent := c.GetHeader(traceParentHeader)

		logger.Info("request",
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("latency", latency),
			slog.String("client_ip", c.ClientIP()),
			slog.String("user_agent", c.Request.UserAgent()),
			slog.Any("request_id", reqID),
			slog.String("traceparent", traceParent),
		)

		code := strconv.Itoa(status)
		metrics.RequestCount.WithLabelValues(c.Request.Method, route, code).Inc()
		metrics.RequestDuration.WithLabelValues(c.Request.Method, route, code).Observe(latency.Seconds())
	}
}

func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				reqID, _ := c.Get(requestIDHeader)
				logger.Error("panic",
					slog.Any("error", err),
					slog.String("path", c.Request.URL.Path),
					slog.Any("request_id", reqID),
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}
