/*
store.go - Persistence interfaces for the ledger store

PURPOSE:
  Defines the boundary between the settlement rules and the database.
  Every mutation of copays, payments, allocations and credit happens
  inside one unit of work obtained from Store.WithTx.

KEY INTERFACES:
  Reader:     Lookups used by settlement, reconciliation and reporting
  Writer:     Inserts and conditional updates
  UnitOfWork: Reader + Writer bound to one transaction
  Store:      Reader outside transactions + WithTx
  Seeder:     Reference data writes (patients, methods, visits, copays)

UNIQUENESS CONTRACT:
  Implementations MUST enforce, and report with the matching sentinel:
  - payments.request_key          -> ErrDuplicateRequestKey
  - payments.processor_charge_id  -> ErrDuplicateChargeID
  - (allocation payment, copay)   -> ErrDuplicateAllocation

CONDITIONAL WRITES:
  TransitionPayment only moves a payment out of PENDING, and the copay and
  credit updates only apply at the expected version. Each reports whether
  a row changed; false means another writer got there first.

NOT FOUND:
  Get* methods return (nil, nil) when the row does not exist.

IMPLEMENTATIONS:
  - store/sqlstore: SQLite and PostgreSQL
  - payments/store: In-memory for tests and local runs

SEE ALSO:
  - settlement.go, reconciler.go, credit.go: The only callers of Writer
*/
package payments

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// READER
// =============================================================================

type Reader interface {
	GetPatient(ctx context.Context, id PatientID) (*Patient, error)
	GetPaymentMethod(ctx context.Context, id PaymentMethodID) (*PaymentMethod, error)
	GetCopay(ctx context.Context, id CopayID) (*Copay, error)

	// ListCopays returns the patient's copays joined with their visits,
	// newest visit first. A nil status returns every copay.
	ListCopays(ctx context.Context, patientID PatientID, status *CopayStatus) ([]CopayView, error)

	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	GetPaymentByRequestKey(ctx context.Context, key string) (*Payment, error)
	GetPaymentByChargeID(ctx context.Context, chargeID string) (*Payment, error)

	// ListPendingPayments returns PENDING payments created before the cutoff,
	// oldest first.
	ListPendingPayments(ctx context.Context, createdBefore time.Time) ([]Payment, error)

	ListAllocations(ctx context.Context, paymentID PaymentID) ([]PaymentAllocation, error)

	GetCredit(ctx context.Context, patientID PatientID) (*PatientCredit, error)
	ListCreditTransactions(ctx context.Context, patientID PatientID) ([]CreditTransaction, error)
	ListPaymentCreditTransactions(ctx context.Context, paymentID PaymentID, typ CreditTransactionType) ([]CreditTransaction, error)
}

// =============================================================================
// WRITER
// =============================================================================

type Writer interface {
	InsertPayment(ctx context.Context, p Payment) error
	InsertAllocation(ctx context.Context, a PaymentAllocation) error
	SetChargeID(ctx context.Context, id PaymentID, chargeID string) error

	// TransitionPayment moves a PENDING payment to status. It reports false
	// when the payment was no longer PENDING.
	TransitionPayment(ctx context.Context, id PaymentID, status PaymentStatus, failureCode string) (bool, error)

	// UpdateCopayBalance writes the new balance and status and bumps the
	// version, only if the stored version equals expectedVersion.
	UpdateCopayBalance(ctx context.Context, id CopayID, remaining decimal.Decimal, status CopayStatus, expectedVersion int64) (bool, error)

	// EnsureCredit returns the patient's credit row, creating a zero balance
	// when none exists.
	EnsureCredit(ctx context.Context, patientID PatientID) (PatientCredit, error)

	// UpdateCreditBalance writes amount and bumps the version, only if the
	// stored version equals expectedVersion.
	UpdateCreditBalance(ctx context.Context, patientID PatientID, amount decimal.Decimal, expectedVersion int64) (bool, error)

	InsertCreditTransaction(ctx context.Context, tx CreditTransaction) error
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// UnitOfWork sees its own writes. Nothing is visible to other units of
// work until the WithTx callback returns nil.
type UnitOfWork interface {
	Reader
	Writer
}

// Store is the ledger store.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, every write is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(UnitOfWork) error) error
}

// Seeder loads reference data. Copays are created by visits, which are
// outside this engine, so only seeding and tests write them directly.
type Seeder interface {
	SavePatient(ctx context.Context, p Patient) error
	SavePaymentMethod(ctx context.Context, m PaymentMethod) error
	SaveVisit(ctx context.Context, v Visit) error
	SaveCopay(ctx context.Context, c Copay) error
}
