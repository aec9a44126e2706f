/*
Package payments provides the copay allocation and settlement engine.

PURPOSE:
  This package owns the money-moving rules of the system: how a patient
  payment is split across outstanding copays, how overpayment becomes a
  patient credit, and how asynchronous processor outcomes are applied to
  copay and credit state exactly once.

KEY CONCEPTS IN THIS FILE (types.go):
  - Copay: A fixed obligation created by a visit, paid down over time
  - Payment: One client-submitted payment intent (PENDING until a webhook)
  - PaymentAllocation: The portion of a payment actually applied to a copay
  - PatientCredit / CreditTransaction: Overpayment balance and its audit log

DESIGN PRINCIPLES:
  1. Precision: All money is decimal.Decimal, never float64
  2. Type Safety: Strong typing for IDs prevents mixing patient/copay IDs
  3. Immutability: Allocations and credit transactions are never edited
  4. Single Writers: Copay balances change only in the Reconciler,
     credit balances only in the CreditLedger

SEE ALSO:
  - allocation.go: Pure allocation math
  - settlement.go: Payment submission unit of work
  - reconciler.go: Webhook outcome handling
  - credit.go: Patient credit ledger
  - store.go: Persistence interfaces
*/
package payments

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PatientID string
type PaymentMethodID string
type VisitID string
type CopayID string
type PaymentID string
type AllocationID string
type CreditTransactionID string

// NewID returns a random UUIDv4 typed as T.
func NewID[T ~string]() T {
	return T(uuid.NewString())
}

// DefaultCurrency is the only currency accepted by the engine.
const DefaultCurrency = "USD"

// DefaultOverpaymentMultiplier bounds a single allocation to this multiple
// of the copay's original amount.
const DefaultOverpaymentMultiplier = 5

// =============================================================================
// SUPPORTING ENTITIES
// =============================================================================

type Patient struct {
	ID        PatientID
	FirstName string
	LastName  string
	Email     string
	CreatedAt time.Time
}

// FullName returns "First Last".
func (p Patient) FullName() string {
	return p.FirstName + " " + p.LastName
}

type PaymentMethodType string

const (
	MethodCard          PaymentMethodType = "CARD"
	MethodBankAccount   PaymentMethodType = "BANK_ACCOUNT"
	MethodDigitalWallet PaymentMethodType = "DIGITAL_WALLET"
)

type PaymentMethod struct {
	ID        PaymentMethodID
	PatientID PatientID
	Type      PaymentMethodType
	Provider  string
	LastFour  string
	Active    bool
	CreatedAt time.Time
}

type VisitType string

const (
	VisitOffice     VisitType = "OFFICE_VISIT"
	VisitSpecialist VisitType = "SPECIALIST_VISIT"
	VisitEmergency  VisitType = "EMERGENCY_VISIT"
	VisitTelehealth VisitType = "TELEHEALTH"
)

type Visit struct {
	ID         VisitID
	PatientID  PatientID
	VisitDate  time.Time
	DoctorName string
	Department string
	VisitType  VisitType
	CreatedAt  time.Time
}

// =============================================================================
// COPAY
// =============================================================================

type CopayStatus string

const (
	CopayPayable       CopayStatus = "PAYABLE"
	CopayPartiallyPaid CopayStatus = "PARTIALLY_PAID"
	CopayPaid          CopayStatus = "PAID"
	CopayWriteOff      CopayStatus = "WRITE_OFF"
)

// ParseCopayStatus accepts any letter case ("payable", "PAID").
func ParseCopayStatus(s string) (CopayStatus, bool) {
	switch st := CopayStatus(strings.ToUpper(s)); st {
	case CopayPayable, CopayPartiallyPaid, CopayPaid, CopayWriteOff:
		return st, true
	}
	return "", false
}

// IsPayable reports whether the copay can still receive allocations.
func (s CopayStatus) IsPayable() bool {
	return s == CopayPayable || s == CopayPartiallyPaid
}

// Copay is a fixed obligation generated by a visit.
//
// INVARIANT: 0 <= RemainingBalance <= Amount.
// Version increments on every balance update and guards conditional writes.
type Copay struct {
	ID               CopayID
	VisitID          VisitID
	PatientID        PatientID
	Amount           decimal.Decimal
	RemainingBalance decimal.Decimal
	Status           CopayStatus
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewCopay returns an unpaid copay with remaining balance equal to amount.
func NewCopay(id CopayID, visit Visit, amount decimal.Decimal) Copay {
	return Copay{
		ID:               id,
		VisitID:          visit.ID,
		PatientID:        visit.PatientID,
		Amount:           amount,
		RemainingBalance: amount,
		Status:           CopayPayable,
	}
}

// PaidAmount is Amount - RemainingBalance.
func (c Copay) PaidAmount() decimal.Decimal {
	return c.Amount.Sub(c.RemainingBalance)
}

// CopayView is the read model handed to reporting: a copay plus the visit
// it came from.
type CopayView struct {
	Copay
	Visit Visit
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// IsTerminal reports whether no further transition is permitted.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentSucceeded || s == PaymentFailed
}

// Payment is one client-submitted payment intent.
//
// Amount is the sum of the requested allocation amounts, excess included.
// Only Status, ProcessorChargeID and FailureCode change after creation.
type Payment struct {
	ID                PaymentID
	PatientID         PatientID
	PaymentMethodID   PaymentMethodID
	Amount            decimal.Decimal
	Currency          string
	Status            PaymentStatus
	RequestKey        string
	ProcessorChargeID string
	FailureCode       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PaymentAllocation is the portion of a payment applied to one copay.
// Amount is capped at the copay's remaining balance at allocation time.
type PaymentAllocation struct {
	ID        AllocationID
	PaymentID PaymentID
	CopayID   CopayID
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// =============================================================================
// CREDIT
// =============================================================================

// PatientCredit is the usable credit balance of one patient.
// INVARIANT: Amount >= 0.
type PatientCredit struct {
	PatientID PatientID
	Amount    decimal.Decimal
	Version   int64
	UpdatedAt time.Time
}

type CreditTransactionType string

const (
	CreditOverpayment CreditTransactionType = "OVERPAYMENT_CREDIT"
	CreditApplied     CreditTransactionType = "CREDIT_APPLIED" // reserved, no workflow spends credit yet
	CreditReversal    CreditTransactionType = "OVERPAYMENT_REVERSAL"
)

// CreditTransaction is an append-only audit entry. Amount is signed:
// credits are positive, reversals negative, so the sum over a patient's
// transactions equals PatientCredit.Amount.
type CreditTransaction struct {
	ID          CreditTransactionID
	PatientID   PatientID
	PaymentID   PaymentID // empty when not tied to a payment
	Amount      decimal.Decimal
	Type        CreditTransactionType
	Description string
	CreatedAt   time.Time
}
