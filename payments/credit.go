/*
credit.go - Patient credit ledger

PURPOSE:
  Owns the patient credit balance and its append-only transaction log.
  Overpayment excess is credited when a payment is submitted and
  reversed if the processor later reports the charge as failed.

INVARIANTS:
  - Balance never goes negative
  - Every balance change appends exactly one CreditTransaction
  - Sum of a patient's transaction amounts equals the balance
    (credits positive, reversals negative)

CONCURRENCY:
  Balance updates are conditional on the row version. A lost race
  re-reads the row and tries again, up to maxVersionRetries times.
*/
package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxVersionRetries = 5

// CreditLedger is the only writer of PatientCredit.
type CreditLedger struct {
	store   Reader
	logger  *zap.Logger
	metrics Metrics
	now     func() time.Time
}

func NewCreditLedger(store Reader, logger *zap.Logger, metrics Metrics) *CreditLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &CreditLedger{store: store, logger: logger, metrics: metrics, now: time.Now}
}

// CreditStatement is a patient's balance with its history, newest first.
type CreditStatement struct {
	PatientID    PatientID
	Balance      decimal.Decimal
	Transactions []CreditTransaction
}

// Credit adds amount to the patient's balance inside uow and records an
// OVERPAYMENT_CREDIT linked to paymentID.
func (l *CreditLedger) Credit(ctx context.Context, uow UnitOfWork, patientID PatientID, amount decimal.Decimal, paymentID PaymentID) (CreditTransaction, error) {
	if !amount.IsPositive() {
		return CreditTransaction{}, newValidationError(CodeAmountNegative, "credit amount must be positive, got %s", amount)
	}

	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		credit, err := uow.EnsureCredit(ctx, patientID)
		if err != nil {
			return CreditTransaction{}, fmt.Errorf("load credit for patient %s: %w", patientID, err)
		}
		ok, err := uow.UpdateCreditBalance(ctx, patientID, credit.Amount.Add(amount), credit.Version)
		if err != nil {
			return CreditTransaction{}, fmt.Errorf("update credit for patient %s: %w", patientID, err)
		}
		if !ok {
			continue
		}

		entry := CreditTransaction{
			ID:          NewID[CreditTransactionID](),
			PatientID:   patientID,
			PaymentID:   paymentID,
			Amount:      amount,
			Type:        CreditOverpayment,
			Description: fmt.Sprintf("Overpayment credit from payment %s", paymentID),
			CreatedAt:   l.now().UTC(),
		}
		if err := uow.InsertCreditTransaction(ctx, entry); err != nil {
			return CreditTransaction{}, fmt.Errorf("record credit transaction: %w", err)
		}
		l.metrics.CreditRecorded(CreditOverpayment, amount)
		l.logger.Info("patient credit added",
			zap.String("patient_id", string(patientID)),
			zap.String("payment_id", string(paymentID)),
			zap.String("amount", amount.StringFixed(2)),
		)
		return entry, nil
	}
	return CreditTransaction{}, fmt.Errorf("credit for patient %s: %w", patientID, ErrConcurrentModification)
}

// ReverseForPayment undoes every overpayment credit recorded for paymentID
// and returns the total reversed. A payment that was already reversed is
// left alone.
func (l *CreditLedger) ReverseForPayment(ctx context.Context, uow UnitOfWork, paymentID PaymentID) (decimal.Decimal, error) {
	credits, err := uow.ListPaymentCreditTransactions(ctx, paymentID, CreditOverpayment)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list credits for payment %s: %w", paymentID, err)
	}
	if len(credits) == 0 {
		return decimal.Zero, nil
	}
	reversals, err := uow.ListPaymentCreditTransactions(ctx, paymentID, CreditReversal)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list reversals for payment %s: %w", paymentID, err)
	}
	if len(reversals) > 0 {
		return decimal.Zero, nil
	}

	total := decimal.Zero
	for _, entry := range credits {
		if err := l.reverse(ctx, uow, entry); err != nil {
			l.logger.Error("credit reversal failed",
				zap.String("patient_id", string(entry.PatientID)),
				zap.String("payment_id", string(paymentID)),
				zap.String("amount", entry.Amount.StringFixed(2)),
				zap.Error(err),
			)
			return decimal.Zero, err
		}
		total = total.Add(entry.Amount)
	}
	return total, nil
}

func (l *CreditLedger) reverse(ctx context.Context, uow UnitOfWork, entry CreditTransaction) error {
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		credit, err := uow.GetCredit(ctx, entry.PatientID)
		if err != nil {
			return fmt.Errorf("load credit for patient %s: %w", entry.PatientID, err)
		}
		if credit == nil {
			return fmt.Errorf("%w: no credit balance for patient %s", ErrLedgerInconsistent, entry.PatientID)
		}
		next := credit.Amount.Sub(entry.Amount)
		if next.IsNegative() {
			return fmt.Errorf("%w: reversing %s leaves patient %s at %s",
				ErrLedgerInconsistent, entry.Amount, entry.PatientID, next)
		}
		ok, err := uow.UpdateCreditBalance(ctx, entry.PatientID, next, credit.Version)
		if err != nil {
			return fmt.Errorf("update credit for patient %s: %w", entry.PatientID, err)
		}
		if !ok {
			continue
		}

		reversal := CreditTransaction{
			ID:          NewID[CreditTransactionID](),
			PatientID:   entry.PatientID,
			PaymentID:   entry.PaymentID,
			Amount:      entry.Amount.Neg(),
			Type:        CreditReversal,
			Description: fmt.Sprintf("Reversal of overpayment credit from failed payment %s", entry.PaymentID),
			CreatedAt:   l.now().UTC(),
		}
		if err := uow.InsertCreditTransaction(ctx, reversal); err != nil {
			return fmt.Errorf("record credit reversal: %w", err)
		}
		l.metrics.CreditRecorded(CreditReversal, entry.Amount)
		l.logger.Info("patient credit reversed",
			zap.String("patient_id", string(entry.PatientID)),
			zap.String("payment_id", string(entry.PaymentID)),
			zap.String("amount", entry.Amount.StringFixed(2)),
		)
		return nil
	}
	return fmt.Errorf("reverse credit for patient %s: %w", entry.PatientID, ErrConcurrentModification)
}

// Balance returns the patient's current credit and history. A patient
// who never overpaid has a zero balance.
func (l *CreditLedger) Balance(ctx context.Context, patientID PatientID) (CreditStatement, error) {
	statement := CreditStatement{PatientID: patientID, Balance: decimal.Zero}
	credit, err := l.store.GetCredit(ctx, patientID)
	if err != nil {
		return statement, fmt.Errorf("load credit for patient %s: %w", patientID, err)
	}
	if credit != nil {
		statement.Balance = credit.Amount
	}
	statement.Transactions, err = l.store.ListCreditTransactions(ctx, patientID)
	if err != nil {
		return statement, fmt.Errorf("list credit transactions for patient %s: %w", patientID, err)
	}
	return statement, nil
}
