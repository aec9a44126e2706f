/*
reconciler.go - Applying processor outcomes

PURPOSE:
  Consumes charge.succeeded / charge.failed webhooks and moves the payment
  out of PENDING exactly once, updating copays or reversing credit.

EXACTLY-ONCE:
  The processor may deliver the same event many times, concurrently.
  TransitionPayment only changes a PENDING payment, so of any number of
  deliveries exactly one sees a changed row and applies side effects.
  The rest report success without doing anything.

SUCCESS:
  Each allocation is applied to its copay as min(allocation, remaining).
  If another payment drained the copay first the shortfall is credited to
  the patient, linked to this payment.

FAILURE:
  Copays are untouched. Overpayment credit recorded at submission is
  reversed.

SEE ALSO:
  - status.go: DeriveStatus
  - credit.go: Credit and ReverseForPayment
*/
package payments

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Reasons passed to Metrics.WebhookIgnored.
const (
	IgnoredAlreadySettled = "already_settled"
	IgnoredLostRace       = "lost_race"
	IgnoredUnknownType    = "unknown_type"
)

// UnknownFailureCode is stored when a failure webhook carries no code.
const UnknownFailureCode = "unknown"

// Reconciler is the only writer of copay balances.
type Reconciler struct {
	store   Store
	credits *CreditLedger
	tracer  trace.Tracer
	options
}

func NewReconciler(store Store, credits *CreditLedger, opts ...Option) *Reconciler {
	return &Reconciler{
		store:   store,
		credits: credits,
		tracer:  otel.Tracer(tracerName),
		options: buildOptions(opts),
	}
}

// HandleOutcome applies one webhook delivery.
//
// It returns a NotFoundError when no payment carries the charge id, and
// ErrConcurrentModification when another delivery for the same charge
// holds the lock. Deliveries for settled payments return nil.
func (r *Reconciler) HandleOutcome(ctx context.Context, ev WebhookEvent) error {
	ctx, span := r.tracer.Start(ctx, "reconciler.HandleOutcome", trace.WithAttributes(
		attribute.String("webhook.type", string(ev.Type)),
		attribute.String("charge.id", ev.ProcessorChargeID),
	))
	defer span.End()

	if err := r.handle(ctx, ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (r *Reconciler) handle(ctx context.Context, ev WebhookEvent) error {
	log := r.logger.With(
		zap.String("event", string(ev.Type)),
		zap.String("charge_id", ev.ProcessorChargeID),
	)
	if ev.ProcessorChargeID == "" {
		return NewNotFound("charge", ev.ProcessorChargeID)
	}
	if !WholeCents(ev.Amount) {
		return newValidationError(CodeAmountPrecision, "webhook amount has more than two decimal places: %s", ev.Amount)
	}

	if r.locker != nil {
		unlock, acquired, err := r.locker.TryLock(ctx, "webhook:charge:"+ev.ProcessorChargeID)
		if err != nil {
			return fmt.Errorf("lock charge %s: %w", ev.ProcessorChargeID, err)
		}
		if !acquired {
			log.Info("webhook delivery already in progress")
			return fmt.Errorf("charge %s: %w", ev.ProcessorChargeID, ErrConcurrentModification)
		}
		defer unlock()
	}

	var settled *Payment
	err := r.store.WithTx(ctx, func(uow UnitOfWork) error {
		settled = nil
		payment, err := uow.GetPaymentByChargeID(ctx, ev.ProcessorChargeID)
		if err != nil {
			return fmt.Errorf("load payment: %w", err)
		}
		if payment == nil {
			return NewNotFound("payment for charge", ev.ProcessorChargeID)
		}
		log = log.With(zap.String("payment_id", string(payment.ID)))

		if payment.Status != PaymentPending {
			log.Info("webhook for settled payment ignored", zap.String("status", string(payment.Status)))
			r.metrics.WebhookIgnored(IgnoredAlreadySettled)
			return nil
		}
		switch ev.Type {
		case ChargeSucceeded:
			r.checkAmount(ev, *payment, log)
			ok, err := uow.TransitionPayment(ctx, payment.ID, PaymentSucceeded, "")
			if err != nil {
				return fmt.Errorf("mark payment succeeded: %w", err)
			}
			if !ok {
				r.metrics.WebhookIgnored(IgnoredLostRace)
				return nil
			}
			if err := r.applyAllocations(ctx, uow, *payment, log); err != nil {
				return err
			}
			payment.Status = PaymentSucceeded

		case ChargeFailed:
			r.checkAmount(ev, *payment, log)
			code := ev.FailureCode
			if code == "" {
				code = UnknownFailureCode
			}
			ok, err := uow.TransitionPayment(ctx, payment.ID, PaymentFailed, code)
			if err != nil {
				return fmt.Errorf("mark payment failed: %w", err)
			}
			if !ok {
				r.metrics.WebhookIgnored(IgnoredLostRace)
				return nil
			}
			if _, err := r.credits.ReverseForPayment(ctx, uow, payment.ID); err != nil {
				return err
			}
			payment.Status = PaymentFailed
			payment.FailureCode = code

		default:
			log.Warn("unknown webhook type ignored")
			r.metrics.WebhookIgnored(IgnoredUnknownType)
			return nil
		}

		payment.UpdatedAt = r.now().UTC()
		settled = payment
		return nil
	})
	if err != nil {
		if IsNotFound(err) {
			log.Info("webhook for unknown charge", zap.Error(err))
		} else {
			log.Error("webhook reconciliation failed", zap.Error(err))
		}
		return err
	}
	if settled == nil {
		return nil
	}

	r.metrics.PaymentSettled(settled.Status)
	log.Info("payment settled", zap.String("status", string(settled.Status)), zap.String("failure_code", settled.FailureCode))

	eventType := EventPaymentSucceeded
	if settled.Status == PaymentFailed {
		eventType = EventPaymentFailed
	}
	r.publish(ctx, EventFor(eventType, *settled, settled.UpdatedAt))
	return nil
}

// checkAmount reports a webhook amount that differs from the payment. The
// stored payment amount stays authoritative.
func (r *Reconciler) checkAmount(ev WebhookEvent, payment Payment, log *zap.Logger) {
	if ev.Amount.IsZero() || ev.Amount.Equal(payment.Amount) {
		return
	}
	log.Warn("webhook amount differs from payment amount",
		zap.String("webhook_amount", ev.Amount.StringFixed(2)),
		zap.String("payment_amount", payment.Amount.StringFixed(2)),
	)
	r.metrics.WebhookAmountMismatch()
}

// applyAllocations pays down each allocated copay and credits any
// shortfall left by concurrent payments.
func (r *Reconciler) applyAllocations(ctx context.Context, uow UnitOfWork, payment Payment, log *zap.Logger) error {
	allocations, err := uow.ListAllocations(ctx, payment.ID)
	if err != nil {
		return fmt.Errorf("list allocations: %w", err)
	}

	shortfall := decimal.Zero
	for _, alloc := range allocations {
		missed, err := r.applyToCopay(ctx, uow, alloc)
		if err != nil {
			return err
		}
		if missed.IsPositive() {
			log.Warn("copay balance drained before settlement",
				zap.String("copay_id", string(alloc.CopayID)),
				zap.String("shortfall", missed.StringFixed(2)),
			)
			shortfall = shortfall.Add(missed)
		}
	}

	if shortfall.IsPositive() {
		if _, err := r.credits.Credit(ctx, uow, payment.PatientID, shortfall, payment.ID); err != nil {
			return err
		}
	}
	return nil
}

// applyToCopay returns the part of the allocation that could not be applied.
func (r *Reconciler) applyToCopay(ctx context.Context, uow UnitOfWork, alloc PaymentAllocation) (decimal.Decimal, error) {
	if !alloc.Amount.IsPositive() {
		return decimal.Zero, nil
	}

	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		copay, err := uow.GetCopay(ctx, alloc.CopayID)
		if err != nil {
			return decimal.Zero, fmt.Errorf("load copay %s: %w", alloc.CopayID, err)
		}
		if copay == nil {
			return decimal.Zero, fmt.Errorf("%w: allocation %s references missing copay %s",
				ErrLedgerInconsistent, alloc.ID, alloc.CopayID)
		}
		if copay.Status == CopayWriteOff {
			return alloc.Amount, nil
		}

		remaining := decimal.Max(copay.RemainingBalance, decimal.Zero)
		applied := decimal.Min(alloc.Amount, remaining)
		if applied.IsZero() {
			return alloc.Amount, nil
		}
		next := remaining.Sub(applied)
		status := DeriveStatus(copay.Amount, next, copay.Status)

		ok, err := uow.UpdateCopayBalance(ctx, copay.ID, next, status, copay.Version)
		if err != nil {
			return decimal.Zero, fmt.Errorf("update copay %s: %w", copay.ID, err)
		}
		if ok {
			return alloc.Amount.Sub(applied), nil
		}
	}
	return decimal.Zero, fmt.Errorf("copay %s: %w", alloc.CopayID, ErrConcurrentModification)
}
