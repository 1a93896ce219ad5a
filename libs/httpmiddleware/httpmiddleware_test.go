package httpmiddleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AfshinJalili/authcore/libs/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newEngine(buf *bytes.Buffer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewJSONHandler(buf, nil))
	r := gin.New()
	r.Use(RequestID(), Logger(logger), Recovery(logger))
	r.GET("/echo", func(c *gin.Context) {
		c.String(http.StatusOK, RequestIDFromContext(c.Request.Context()))
	})
	r.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	return r
}

func TestRequestIDPropagates(t *testing.T) {
	r := newEngine(&bytes.Buffer{})

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set(requestIDHeader, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Body.String() != "req-123" {
		t.Fatalf("expected request id in context, got %q", w.Body.String())
	}
	if w.Header().Get(requestIDHeader) != "req-123" {
		t.Fatalf("expected request id echoed, got %q", w.Header().Get(requestIDHeader))
	}
}

func TestRequestIDReplacesOversizedValue(t *testing.T) {
	r := newEngine(&bytes.Buffer{})

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set(requestIDHeader, strings.Repeat("a", 200))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	got := w.Body.String()
	if got == "" || len(got) > 128 {
		t.Fatalf("expected generated request id, got %q", got)
	}
}

func TestLoggerLabelsUnmatchedRoutes(t *testing.T) {
	var buf bytes.Buffer
	r := newEngine(&buf)
	before := testutil.ToFloat64(metrics.RequestCount.WithLabelValues(http.MethodGet, "unmatched", "404"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wp-admin/setup.php", nil))

	after := testutil.ToFloat64(metrics.RequestCount.WithLabelValues(http.MethodGet, "unmatched", "404"))
	if after != before+1 {
		t.Fatalf("expected unmatched counter to increase, got %v -> %v", before, after)
	}
	if !strings.Contains(buf.String(), `"route":"unmatched"`) {
		t.Fatalf("expected route in log line, got %s", buf.String())
	}
}

func TestRecoveryReturns500(t *testing.T) {
	var buf bytes.Buffer
	r := newEngine(&buf)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if !strings.Contains(buf.String(), `"msg":"panic"`) {
		t.Fatalf("expected panic to be logged, got %s", buf.String())
	}
}
