package payments

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Queries serves the read side: copay listings for reporting, payment
// detail and credit statements.
type Queries struct {
	store   Reader
	credits *CreditLedger
}

func NewQueries(store Reader, credits *CreditLedger) *Queries {
	if credits == nil {
		credits = NewCreditLedger(store, nil, nil)
	}
	return &Queries{store: store, credits: credits}
}

// CopaySummary counts copays by settlement state and totals their money.
type CopaySummary struct {
	Count                 int
	TotalAmount           decimal.Decimal
	TotalRemainingBalance decimal.Decimal
	TotalPaidAmount       decimal.Decimal
	FullyPaid             int
	PartiallyPaid         int
	Unpaid                int
	WrittenOff            int
}

// Summarize totals views. Counts follow the balances, except WrittenOff
// which follows the status.
func Summarize(views []CopayView) CopaySummary {
	s := CopaySummary{
		Count:                 len(views),
		TotalAmount:           decimal.Zero,
		TotalRemainingBalance: decimal.Zero,
	}
	for _, v := range views {
		s.TotalAmount = s.TotalAmount.Add(v.Amount)
		s.TotalRemainingBalance = s.TotalRemainingBalance.Add(v.RemainingBalance)

		switch {
		case v.RemainingBalance.IsZero():
			s.FullyPaid++
		case v.RemainingBalance.LessThan(v.Amount):
			s.PartiallyPaid++
		default:
			s.Unpaid++
		}
		if v.Status == CopayWriteOff {
			s.WrittenOff++
		}
	}
	s.TotalPaidAmount = s.TotalAmount.Sub(s.TotalRemainingBalance)
	return s
}

// ListCopays returns the patient's copays, optionally filtered by status.
func (q *Queries) ListCopays(ctx context.Context, patientID PatientID, status *CopayStatus) ([]CopayView, error) {
	if err := q.requirePatient(ctx, patientID); err != nil {
		return nil, err
	}
	views, err := q.store.ListCopays(ctx, patientID, status)
	if err != nil {
		return nil, fmt.Errorf("list copays for patient %s: %w", patientID, err)
	}
	return views, nil
}

// PaymentDetail is a payment and where its money went.
type PaymentDetail struct {
	Payment     Payment
	Allocations []PaymentAllocation
}

func (q *Queries) GetPayment(ctx context.Context, id PaymentID) (PaymentDetail, error) {
	p, err := q.store.GetPayment(ctx, id)
	if err != nil {
		return PaymentDetail{}, fmt.Errorf("load payment %s: %w", id, err)
	}
	if p == nil {
		return PaymentDetail{}, NewNotFound("payment", id)
	}
	allocations, err := q.store.ListAllocations(ctx, id)
	if err != nil {
		return PaymentDetail{}, fmt.Errorf("list allocations for payment %s: %w", id, err)
	}
	return PaymentDetail{Payment: *p, Allocations: allocations}, nil
}

// CreditStatement returns the patient's credit balance and history.
func (q *Queries) CreditStatement(ctx context.Context, patientID PatientID) (CreditStatement, error) {
	if err := q.requirePatient(ctx, patientID); err != nil {
		return CreditStatement{}, err
	}
	return q.credits.Balance(ctx, patientID)
}

func (q *Queries) requirePatient(ctx context.Context, id PatientID) error {
	patient, err := q.store.GetPatient(ctx, id)
	if err != nil {
		return fmt.Errorf("load patient %s: %w", id, err)
	}
	if patient == nil {
		return NewNotFound("patient", id)
	}
	return nil
}
