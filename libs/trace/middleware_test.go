package trace

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestMiddlewareContinuesRemoteTrace(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevProvider, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevProp)
	}()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware("auth"))
	r.POST("/auth/login", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/auth/refresh", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	r.ServeHTTP(httptest.NewRecorder(), req)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/auth/refresh", nil))

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "POST /auth/login" {
		t.Fatalf("unexpected span name %q", spans[0].Name())
	}
	if spans[0].SpanContext().TraceID().String() != traceID {
		t.Fatalf("expected remote trace to continue, got %s", spans[0].SpanContext().TraceID())
	}
	if spans[1].Status().Code != codes.Error {
		t.Fatalf("expected 503 to mark the span as failed")
	}
}

func TestSampleRatio(t *testing.T) {
	cases := map[string]float64{"": 1, "0.25": 0.25, "2": 1, "-1": 1, "x": 1}
	for in, want := range cases {
		t.Setenv("AUTHCORE_TRACE_SAMPLE_RATIO", in)
		if got := sampleRatio(); got != want {
			t.Fatalf("sampleRatio(%q) = %v, want %v", in, got, want)
		}
	}
}
