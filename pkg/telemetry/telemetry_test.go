package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_NilConfig(t *testing.T) {
	tel, err := Init(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, tel.Tracer())
	assert.NoError(t, Shutdown(context.Background()))
}

func TestInit_Disabled(t *testing.T) {
	tel, err := Init(context.Background(), &Config{ServiceName: "booking-core-test"})
	require.NoError(t, err)
	assert.NotNil(t, tel.Tracer())

	ctx, span := StartSpan(context.Background(), "noop")
	defer span.End()
	assert.Empty(t, GetTraceID(ctx))
	RecordError(span, errors.New("ignored by noop span"))
	RecordError(span, nil)
}

func TestTracingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var sawSpan bool
	r := gin.New()
	r.Use(TracingMiddleware("booking-core-test"))
	r.GET("/ping", func(c *gin.Context) {
		sawSpan = trace.SpanFromContext(c.Request.Context()) != nil
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, sawSpan)
}
