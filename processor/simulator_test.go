package processor_test

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/copay-engine/payments"
	"github.com/warp/copay-engine/processor"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []payments.WebhookEvent
	errs   []error // returned in order, then nil
	calls  int
}

func (h *recordingHandler) HandleOutcome(_ context.Context, ev payments.WebhookEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if len(h.errs) > 0 {
		err := h.errs[0]
		h.errs = h.errs[1:]
		return err
	}
	h.events = append(h.events, ev)
	return nil
}

func instant() processor.Config {
	return processor.Config{MaxElapsed: 5 * time.Second}
}

func charge(amount string) payments.Charge {
	return payments.Charge{PaymentID: "pay-1", PatientID: "pat-1", Amount: decimal.RequireFromString(amount), Currency: "USD"}
}

func TestNewChargeID_Format(t *testing.T) {
	for i := 0; i < 20; i++ {
		assert.Regexp(t, `^ch_[0-9a-f]{8}$`, processor.NewChargeID())
	}
}

func TestSimulator_Dispatch_DeliversSuccess(t *testing.T) {
	handler := &recordingHandler{}
	sim := processor.NewSimulator(instant(), processor.InProcess{Handler: handler}, processor.AlwaysSucceed(), zaptest.NewLogger(t))
	t.Cleanup(sim.Close)

	chargeID, err := sim.Dispatch(context.Background(), charge("35.00"))
	require.NoError(t, err)
	sim.Wait()

	require.Len(t, handler.events, 1)
	ev := handler.events[0]
	assert.Equal(t, payments.ChargeSucceeded, ev.Type)
	assert.Equal(t, chargeID, ev.ProcessorChargeID)
	assert.True(t, ev.Amount.Equal(decimal.RequireFromString("35.00")))
	assert.Empty(t, ev.FailureCode)
}

func TestSimulator_Dispatch_DeliversFailureCode(t *testing.T) {
	handler := &recordingHandler{}
	sim := processor.NewSimulator(instant(), processor.InProcess{Handler: handler}, processor.AlwaysFail("card_expired"), nil)
	t.Cleanup(sim.Close)

	_, err := sim.Dispatch(context.Background(), charge("10.00"))
	require.NoError(t, err)
	sim.Wait()

	require.Len(t, handler.events, 1)
	assert.Equal(t, payments.ChargeFailed, handler.events[0].Type)
	assert.Equal(t, "card_expired", handler.events[0].FailureCode)
}

func TestSimulator_RetriesUntilPaymentCommitted(t *testing.T) {
	// GIVEN: The first two deliveries find no payment for the charge
	// THEN: The simulator keeps retrying and the third attempt lands

	handler := &recordingHandler{errs: []error{
		payments.NewNotFound("payment for charge", "ch_x"),
		payments.ErrConcurrentModification,
	}}
	sim := processor.NewSimulator(instant(), processor.InProcess{Handler: handler}, processor.AlwaysSucceed(), nil)
	t.Cleanup(sim.Close)

	_, err := sim.Dispatch(context.Background(), charge("10.00"))
	require.NoError(t, err)
	sim.Wait()

	assert.Equal(t, 3, handler.calls)
	assert.Len(t, handler.events, 1)
}

func TestSimulator_ClientError_NotRetried(t *testing.T) {
	handler := &recordingHandler{errs: []error{&payments.ValidationError{Code: "X", Message: "bad"}}}
	sim := processor.NewSimulator(instant(), processor.InProcess{Handler: handler}, processor.AlwaysSucceed(), nil)
	t.Cleanup(sim.Close)

	_, err := sim.Dispatch(context.Background(), charge("10.00"))
	require.NoError(t, err)
	sim.Wait()

	assert.Equal(t, 1, handler.calls)
	assert.Empty(t, handler.events)
}

func TestSimulator_Close_DropsPendingCallbacks(t *testing.T) {
	handler := &recordingHandler{}
	cfg := processor.Config{MinDelay: time.Hour, MaxDelay: time.Hour}
	sim := processor.NewSimulator(cfg, processor.InProcess{Handler: handler}, processor.AlwaysSucceed(), nil)

	_, err := sim.Dispatch(context.Background(), charge("10.00"))
	require.NoError(t, err)
	sim.Close()

	assert.Zero(t, handler.calls)
	_, err = sim.Dispatch(context.Background(), charge("10.00"))
	assert.Error(t, err)
}

func TestRandomOutcome_Extremes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	always := processor.RandomOutcome(1, rng)
	never := processor.RandomOutcome(0, rng)

	for i := 0; i < 50; i++ {
		assert.True(t, always(charge("1.00")).Succeeded)
		out := never(charge("1.00"))
		assert.False(t, out.Succeeded)
		assert.Contains(t, processor.FailureCodes, out.FailureCode)
	}
}

// =============================================================================
// HTTP DELIVERY
// =============================================================================

func TestHTTPDelivery_RetriesOn404ThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	var got processor.WebhookPayload
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if n == 1 {
			http.Error(w, `{"errorCode":"RESOURCE_NOT_FOUND"}`, http.StatusNotFound)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	sim := processor.NewSimulator(instant(), processor.NewHTTPDelivery(srv.URL), processor.AlwaysFail("card_declined"), nil)
	t.Cleanup(sim.Close)

	chargeID, err := sim.Dispatch(context.Background(), charge("42.50"))
	require.NoError(t, err)
	sim.Wait()

	assert.Equal(t, int32(2), hits.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "charge.failed", got.Type)
	assert.Equal(t, chargeID, got.ProcessorChargeID)
	assert.Equal(t, "card_declined", got.FailureCode)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("42.50")))
}

func TestHTTPDelivery_BadRequest_Permanent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	err := processor.NewHTTPDelivery(srv.URL).Deliver(context.Background(), payments.WebhookEvent{Type: payments.ChargeSucceeded})
	var statusErr *processor.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.False(t, processor.Retryable(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestRetryable(t *testing.T) {
	assert.True(t, processor.Retryable(&processor.StatusError{StatusCode: http.StatusConflict}))
	assert.True(t, processor.Retryable(&processor.StatusError{StatusCode: http.StatusServiceUnavailable}))
	assert.False(t, processor.Retryable(&processor.StatusError{StatusCode: http.StatusUnprocessableEntity}))
	assert.True(t, processor.Retryable(payments.NewNotFound("payment", "x")))
	assert.False(t, processor.Retryable(payments.ErrLedgerInconsistent))
	assert.True(t, processor.Retryable(io.ErrUnexpectedEOF))
}
