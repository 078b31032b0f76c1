package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"kioskrtc/internal/core/domain"
	apperrors "kioskrtc/pkg/errors"
	"kioskrtc/pkg/logger"
	"kioskrtc/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"app error", apperrors.NewInvalidInputError("bad action"), http.StatusBadRequest, "INVALID_INPUT"},
		{"wrapped app error", fmt.Errorf("control: %w", apperrors.NewChannelNotOpenError()), http.StatusServiceUnavailable, "CHANNEL_NOT_OPEN"},
		{"unknown source", fmt.Errorf("lookup: %w", domain.ErrSourceNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"wrong role", domain.ErrWrongRole, http.StatusBadRequest, "INVALID_INPUT"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(ErrorHandlerMiddleware(logger.Nop()))
			router.GET("/fail", func(c *gin.Context) { _ = c.Error(tt.err) })

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))

			assert.Equal(t, tt.status, w.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body["error"])
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(logger.Nop()))
	router.GET("/panic", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

type httpObservation struct {
	method, path string
	status       int
}

type fakeHTTPRecorder struct{ seen []httpObservation }

func (f *fakeHTTPRecorder) RecordHTTPRequest(method, path string, status int, _ float64) {
	f.seen = append(f.seen, httpObservation{method, path, status})
}

func TestMetricsAndTracingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := &fakeHTTPRecorder{}
	router := gin.New()
	router.Use(TracingMiddleware(), MetricsMiddleware(rec))
	router.GET("/api/v1/sources/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/sources/sender-a", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	require.Len(t, rec.seen, 2)
	assert.Equal(t, httpObservation{http.MethodGet, "/api/v1/sources/:id", http.StatusNoContent}, rec.seen[0])
	assert.Equal(t, httpObservation{http.MethodGet, "unmatched", http.StatusNotFound}, rec.seen[1])
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracingMiddleware_SpansCarryRouteAndSource(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TracingMiddleware())
	router.POST("/api/v1/sources/:id/control", func(c *gin.Context) {
		_ = c.Error(errors.New("channel down"))
		c.Status(http.StatusServiceUnavailable)
	})
	router.GET("/api/v1/status", func(c *gin.Context) { c.Status(http.StatusOK) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/sources/sender-a/control", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 3)

	control := spans[0]
	assert.Equal(t, "POST /api/v1/sources/:id/control", control.Name())
	assert.Equal(t, trace.SpanKindServer, control.SpanKind())
	source, ok := spanAttr(control, tracing.SourceKey)
	require.True(t, ok)
	assert.Equal(t, "sender-a", source.AsString())
	status, _ := spanAttr(control, "http.status_code")
	assert.Equal(t, int64(http.StatusServiceUnavailable), status.AsInt64())
	assert.Equal(t, codes.Error, control.Status().Code)
	require.Len(t, control.Events(), 1)

	assert.Equal(t, "GET /api/v1/status", spans[1].Name())
	_, ok = spanAttr(spans[1], tracing.SourceKey)
	assert.False(t, ok)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)

	assert.Equal(t, "GET unmatched", spans[2].Name())
}
