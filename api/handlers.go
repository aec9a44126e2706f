/*
handlers.go - HTTP API handlers for the copay settlement engine

PURPOSE:
  Exposes payment submission, the copay read model and the processor
  webhook over REST. Handles HTTP request/response, JSON serialization,
  and delegates to the payments package.

ENDPOINTS:
  Patients:
    POST   /api/v1/patients/{id}/payments   Submit a payment across copays
    GET    /api/v1/patients/{id}/copays     List copays (?status=)
    GET    /api/v1/patients/{id}/credit     Credit balance and history

  Payments:
    GET    /api/v1/payments/{id}            Payment with allocations

  Webhooks:
    POST   /api/v1/webhooks/processor       Charge outcome from the processor

  Scenarios (development only, see scenarios.go):
    GET    /api/v1/scenarios                List demo datasets
    POST   /api/v1/scenarios/load           Seed a demo dataset

IDEMPOTENCY:
  The Duplicate-Request-Key header makes submission idempotent. Without it
  a fresh key is generated, so each call creates a new payment.

ERROR HANDLING:
  Every error is ErrorResponse JSON:
  - 400: Malformed body, failed validation, bad query parameter
  - 404: Patient, method, copay, payment or charge not found
  - 409: Concurrent modification (retry)
  - 422: Business validation (negative amount, over-allocation, currency)
  - 500: Internal errors (retryable)

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/copay-engine/payments"
)

// RequestKeyHeader carries the client's idempotency key.
const RequestKeyHeader = "Duplicate-Request-Key"

// Error codes written in ErrorResponse.ErrorCode.
const (
	CodeResourceNotFound        = "RESOURCE_NOT_FOUND"
	CodeInputInvalid            = "INPUT_INVALID"
	CodeParameterInvalid        = "PARAMETER_INVALID"
	CodeValidationError         = "VALIDATION_ERROR"
	CodeBusinessValidationError = "BUSINESS_VALIDATION_ERROR"
	CodeConcurrentModification  = "CONCURRENT_MODIFICATION"
	CodeDuplicateRequest        = "DUPLICATE_REQUEST"
	CodeInternalServerError     = "INTERNAL_SERVER_ERROR"
)

// copayQueryParams is the whitelist for GET /copays.
var copayQueryParams = map[string]bool{"status": true}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Settlement *payments.Settlement
	Reconciler *payments.Reconciler
	Queries    *payments.Queries
	Logger     *zap.Logger

	// Seeder enables the scenario routes. Leave nil outside development.
	Seeder payments.Seeder

	validate *validator.Validate
	now      func() time.Time
}

func NewHandler(settlement *payments.Settlement, reconciler *payments.Reconciler, queries *payments.Queries, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Settlement: settlement,
		Reconciler: reconciler,
		Queries:    queries,
		Logger:     logger,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		now:        time.Now,
	}
}

// =============================================================================
// PATIENT HANDLERS
// =============================================================================

// SubmitPayment allocates one payment across the patient's copays.
// POST /api/v1/patients/{id}/payments
func (h *Handler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	patientID := payments.PatientID(chi.URLParam(r, "id"))

	var req SubmitPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	key := strings.TrimSpace(r.Header.Get(RequestKeyHeader))
	if key == "" {
		key = uuid.NewString()
	}
	currency := req.Currency
	if currency == "" {
		currency = payments.DefaultCurrency
	}

	in := payments.SubmitPaymentInput{
		PatientID:       patientID,
		PaymentMethodID: payments.PaymentMethodID(req.PaymentMethodID),
		Currency:        currency,
		RequestKey:      key,
		Allocations:     make([]payments.AllocationRequest, len(req.Allocations)),
	}
	for i, a := range req.Allocations {
		in.Allocations[i] = payments.AllocationRequest{CopayID: payments.CopayID(a.CopayID), Amount: *a.Amount}
	}

	result, err := h.Settlement.SubmitPayment(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, SubmitPaymentResponse{
		PaymentID: string(result.PaymentID),
		Status:    string(result.Status),
	})
}

// ListCopays returns the copay read model.
// GET /api/v1/patients/{id}/copays?status=payable
func (h *Handler) ListCopays(w http.ResponseWriter, r *http.Request) {
	patientID := payments.PatientID(chi.URLParam(r, "id"))
	query := r.URL.Query()

	for param := range query {
		if !copayQueryParams[param] {
			h.writeAPIError(w, r, http.StatusBadRequest, CodeParameterInvalid,
				fmt.Sprintf("Unsupported query parameter: %s", param), false)
			return
		}
	}

	var filter *payments.CopayStatus
	if raw := query.Get("status"); raw != "" {
		status, ok := payments.ParseCopayStatus(raw)
		if !ok {
			h.writeAPIError(w, r, http.StatusBadRequest, CodeInputInvalid,
				fmt.Sprintf("Invalid copay status: %s", raw), false)
			return
		}
		filter = &status
	}

	views, err := h.Queries.ListCopays(r.Context(), patientID, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListCopaysResponse(views))
}

// GetCredit returns the patient's overpayment credit.
// GET /api/v1/patients/{id}/credit
func (h *Handler) GetCredit(w http.ResponseWriter, r *http.Request) {
	patientID := payments.PatientID(chi.URLParam(r, "id"))

	statement, err := h.Queries.CreditStatement(r.Context(), patientID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCreditDTO(statement))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// GetPayment returns a payment and its allocations.
// GET /api/v1/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := payments.PaymentID(chi.URLParam(r, "id"))

	detail, err := h.Queries.GetPayment(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(detail))
}

// =============================================================================
// WEBHOOK HANDLERS
// =============================================================================

// ProcessorWebhook applies a charge outcome. Redeliveries of a settled
// charge and unknown event types answer 200 without changing anything.
// POST /api/v1/webhooks/processor
func (h *Handler) ProcessorWebhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if !h.decode(w, r, &req) {
		return
	}

	h.Logger.Info("processor webhook received",
		zap.String("type", req.Type),
		zap.String("charge_id", req.ProcessorChargeID),
	)

	err := h.Reconciler.HandleOutcome(r.Context(), payments.WebhookEvent{
		Type:              payments.WebhookEventType(req.Type),
		ProcessorChargeID: req.ProcessorChargeID,
		Amount:            *req.Amount,
		FailureCode:       req.FailureCode,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "copay-engine"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. It writes the error response
// and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeAPIError(w, r, http.StatusBadRequest, CodeInputInvalid, "Malformed or unsupported input value", false)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeAPIError(w, r, http.StatusBadRequest, CodeValidationError, validationMessage(err), false)
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		parts[i] = fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag())
	}
	return strings.Join(parts, "; ")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps a payments error onto the HTTP contract.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *payments.ValidationError
		notFound   *payments.NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		h.Logger.Warn("business validation failed", zap.String("code", validation.Code), zap.String("message", validation.Message))
		h.writeAPIError(w, r, http.StatusUnprocessableEntity, CodeBusinessValidationError, validation.Error(), false)
	case errors.As(err, &notFound):
		h.Logger.Warn("resource not found", zap.String("resource", notFound.Resource), zap.String("id", notFound.ID))
		h.writeAPIError(w, r, http.StatusNotFound, CodeResourceNotFound, notFound.Error(), false)
	case errors.Is(err, payments.ErrConcurrentModification):
		h.Logger.Info("concurrent modification", zap.Error(err))
		h.writeAPIError(w, r, http.StatusConflict, CodeConcurrentModification, "Resource is being modified concurrently, retry later", true)
	case errors.Is(err, payments.ErrDuplicateRequestKey):
		h.writeAPIError(w, r, http.StatusConflict, CodeDuplicateRequest, "Duplicate request", false)
	default:
		h.Logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		h.writeAPIError(w, r, http.StatusInternalServerError, CodeInternalServerError, "An unexpected error occurred", true)
	}
}

func (h *Handler) writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string, retryable bool) {
	writeJSON(w, status, ErrorResponse{
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		Path:      r.URL.Path,
		ErrorCode: code,
		Message:   message,
		Retryable: retryable,
	})
}
