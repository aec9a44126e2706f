/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the payments domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are decimal.Decimal. Requests accept JSON numbers or strings;
  responses always write a JSON number with two decimals.

VALIDATION:
  Request structs carry validator/v10 tags for presence checks only.
  Business rules (negative amounts, over-allocation, currency, empty
  allocation lists) are left to the payments package so they surface as
  422 with a business code.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/copay-engine/payments"
)

// Money marshals as a JSON number with exactly two decimals.
type Money decimal.Decimal

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(m).StringFixed(2)), nil
}

func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*m = Money(d)
	return nil
}

func (m Money) Decimal() decimal.Decimal { return decimal.Decimal(m) }

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SubmitPaymentRequest is the body of POST /patients/{id}/payments.
type SubmitPaymentRequest struct {
	PaymentMethodID string              `json:"paymentMethodId" validate:"required"`
	Currency        string              `json:"currency"`
	Allocations     []AllocationRequest `json:"allocations" validate:"dive"`
}

type AllocationRequest struct {
	CopayID string           `json:"copayId" validate:"required"`
	Amount  *decimal.Decimal `json:"amount" validate:"required"`
}

// WebhookRequest is the processor callback body.
type WebhookRequest struct {
	Type              string           `json:"type" validate:"required"`
	ProcessorChargeID string           `json:"processorChargeId" validate:"required"`
	Amount            *decimal.Decimal `json:"amount" validate:"required"`
	FailureCode       string           `json:"failureCode"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type SubmitPaymentResponse struct {
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
}

// CopayDTO is one copay with its visit details.
type CopayDTO struct {
	ID               string `json:"id"`
	VisitID          string `json:"visitId"`
	PatientID        string `json:"patientId"`
	Amount           Money  `json:"amount"`
	RemainingBalance Money  `json:"remainingBalance"`
	PaidAmount       Money  `json:"paidAmount"`
	Status           string `json:"status"`
	VisitDate        string `json:"visitDate"`
	DoctorName       string `json:"doctorName"`
	Department       string `json:"department"`
	VisitType        string `json:"visitType"`
	CreatedAt        string `json:"createdAt"`
}

type CopaySummaryDTO struct {
	FullyPaidCount     int `json:"fullyPaidCount"`
	PartiallyPaidCount int `json:"partiallyPaidCount"`
	UnpaidCount        int `json:"unpaidCount"`
	WriteOffCount      int `json:"writeOffCount"`
}

// ListCopaysResponse is the copay read model with totals.
type ListCopaysResponse struct {
	Copays                []CopayDTO      `json:"copays"`
	TotalAmount           Money           `json:"totalAmount"`
	TotalRemainingBalance Money           `json:"totalRemainingBalance"`
	TotalPaidAmount       Money           `json:"totalPaidAmount"`
	Count                 int             `json:"count"`
	Summary               CopaySummaryDTO `json:"summary"`
}

type AllocationDTO struct {
	ID      string `json:"id"`
	CopayID string `json:"copayId"`
	Amount  Money  `json:"amount"`
}

type PaymentDTO struct {
	ID                string          `json:"id"`
	PatientID         string          `json:"patientId"`
	PaymentMethodID   string          `json:"paymentMethodId"`
	Amount            Money           `json:"amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
	ProcessorChargeID string          `json:"processorChargeId,omitempty"`
	FailureCode       string          `json:"failureCode,omitempty"`
	CreatedAt         string          `json:"createdAt"`
	UpdatedAt         string          `json:"updatedAt"`
	Allocations       []AllocationDTO `json:"allocations"`
}

type CreditTransactionDTO struct {
	ID          string `json:"id"`
	PaymentID   string `json:"paymentId,omitempty"`
	Amount      Money  `json:"amount"`
	Type        string `json:"type"`
	Description string `json:"description"`
	CreatedAt   string `json:"createdAt"`
}

type CreditDTO struct {
	PatientID    string                 `json:"patientId"`
	Balance      Money                  `json:"balance"`
	Transactions []CreditTransactionDTO `json:"transactions"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Timestamp string `json:"timestamp"`
	Path      string `json:"path"`
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toCopayDTO(v payments.CopayView) CopayDTO {
	dto := CopayDTO{
		ID:               string(v.ID),
		VisitID:          string(v.VisitID),
		PatientID:        string(v.PatientID),
		Amount:           Money(v.Amount),
		RemainingBalance: Money(v.RemainingBalance),
		PaidAmount:       Money(v.PaidAmount()),
		Status:           string(v.Status),
		DoctorName:       v.Visit.DoctorName,
		Department:       v.Visit.Department,
		VisitType:        string(v.Visit.VisitType),
		CreatedAt:        formatTime(v.CreatedAt),
	}
	if !v.Visit.VisitDate.IsZero() {
		dto.VisitDate = v.Visit.VisitDate.Format("2006-01-02")
	}
	return dto
}

func toListCopaysResponse(views []payments.CopayView) ListCopaysResponse {
	s := payments.Summarize(views)
	resp := ListCopaysResponse{
		Copays:                make([]CopayDTO, len(views)),
		TotalAmount:           Money(s.TotalAmount),
		TotalRemainingBalance: Money(s.TotalRemainingBalance),
		TotalPaidAmount:       Money(s.TotalPaidAmount),
		Count:                 s.Count,
		Summary: CopaySummaryDTO{
			FullyPaidCount:     s.FullyPaid,
			PartiallyPaidCount: s.PartiallyPaid,
			UnpaidCount:        s.Unpaid,
			WriteOffCount:      s.WrittenOff,
		},
	}
	for i, v := range views {
		resp.Copays[i] = toCopayDTO(v)
	}
	return resp
}

func toPaymentDTO(d payments.PaymentDetail) PaymentDTO {
	p := d.Payment
	dto := PaymentDTO{
		ID:                string(p.ID),
		PatientID:         string(p.PatientID),
		PaymentMethodID:   string(p.PaymentMethodID),
		Amount:            Money(p.Amount),
		Currency:          p.Currency,
		Status:            string(p.Status),
		ProcessorChargeID: p.ProcessorChargeID,
		FailureCode:       p.FailureCode,
		CreatedAt:         formatTime(p.CreatedAt),
		UpdatedAt:         formatTime(p.UpdatedAt),
		Allocations:       make([]AllocationDTO, len(d.Allocations)),
	}
	for i, a := range d.Allocations {
		dto.Allocations[i] = AllocationDTO{ID: string(a.ID), CopayID: string(a.CopayID), Amount: Money(a.Amount)}
	}
	return dto
}

func toCreditDTO(s payments.CreditStatement) CreditDTO {
	dto := CreditDTO{
		PatientID:    string(s.PatientID),
		Balance:      Money(s.Balance),
		Transactions: make([]CreditTransactionDTO, len(s.Transactions)),
	}
	for i, tx := range s.Transactions {
		dto.Transactions[i] = CreditTransactionDTO{
			ID:          string(tx.ID),
			PaymentID:   string(tx.PaymentID),
			Amount:      Money(tx.Amount),
			Type:        string(tx.Type),
			Description: tx.Description,
			CreatedAt:   formatTime(tx.CreatedAt),
		}
	}
	return dto
}
