package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/copay-engine/payments"
)

func TestNewLogger_Levels(t *testing.T) {
	logger, err := NewLogger("WARN", "production")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = NewLogger("loud", "production")
	assert.Error(t, err)
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.PaymentSubmitted(payments.PaymentPending)
	m.PaymentSubmitted(payments.PaymentPending)
	m.PaymentReplayed()
	m.PaymentSettled(payments.PaymentFailed)
	m.WebhookIgnored("already_settled")
	m.WebhookAmountMismatch()
	m.CreditRecorded(payments.CreditOverpayment, decimal.RequireFromString("5.50"))
	m.CreditRecorded(payments.CreditReversal, decimal.RequireFromString("-5.50"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.submitted.WithLabelValues("PENDING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replayed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settled.WithLabelValues("FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ignored.WithLabelValues("already_settled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.amountMismatch))
	assert.Equal(t, 5.5, testutil.ToFloat64(m.creditAmount.WithLabelValues("OVERPAYMENT_CREDIT")))
	assert.Equal(t, 5.5, testutil.ToFloat64(m.creditAmount.WithLabelValues("OVERPAYMENT_REVERSAL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.creditEntries.WithLabelValues("OVERPAYMENT_REVERSAL")))
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := NewMetrics(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(Middleware(zap.New(core), m))
	r.Get("/api/v1/payments/{paymentId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/payments/pay-123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/v1/payments/{paymentId}", "404")))

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "/api/v1/payments/pay-123", entries[0].ContextMap()["path"])
	assert.NotEmpty(t, entries[0].ContextMap()["request_id"])
}

func TestInitTracing_EmptyEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "", "copay-engine", "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
