package payments

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PROCESSOR GATEWAY
// =============================================================================

// Charge is what the engine asks the processor to collect.
type Charge struct {
	PaymentID PaymentID
	PatientID PatientID
	Amount    decimal.Decimal
	Currency  string
}

// Gateway submits charges to the payment processor. Dispatch returns the
// processor's charge id; the outcome arrives later as a WebhookEvent.
type Gateway interface {
	Dispatch(ctx context.Context, charge Charge) (string, error)
}

// =============================================================================
// WEBHOOK EVENTS
// =============================================================================

type WebhookEventType string

const (
	ChargeSucceeded WebhookEventType = "charge.succeeded"
	ChargeFailed    WebhookEventType = "charge.failed"
)

// WebhookEvent is the processor's asynchronous charge outcome.
type WebhookEvent struct {
	Type              WebhookEventType
	ProcessorChargeID string
	Amount            decimal.Decimal
	FailureCode       string
}

// =============================================================================
// PAYMENT STATE EVENTS
// =============================================================================

type PaymentEventType string

const (
	EventPaymentCreated   PaymentEventType = "payment.created"
	EventPaymentSucceeded PaymentEventType = "payment.succeeded"
	EventPaymentFailed    PaymentEventType = "payment.failed"
)

// PaymentEvent announces a committed payment state change.
type PaymentEvent struct {
	Type              PaymentEventType `json:"type"`
	PaymentID         PaymentID        `json:"paymentId"`
	PatientID         PatientID        `json:"patientId"`
	Status            PaymentStatus    `json:"status"`
	Amount            decimal.Decimal  `json:"amount"`
	Currency          string           `json:"currency"`
	ProcessorChargeID string           `json:"processorChargeId,omitempty"`
	FailureCode       string           `json:"failureCode,omitempty"`
	OccurredAt        time.Time        `json:"occurredAt"`
}

// EventFor builds the event describing p's current state.
func EventFor(typ PaymentEventType, p Payment, at time.Time) PaymentEvent {
	return PaymentEvent{
		Type:              typ,
		PaymentID:         p.ID,
		PatientID:         p.PatientID,
		Status:            p.Status,
		Amount:            p.Amount,
		Currency:          p.Currency,
		ProcessorChargeID: p.ProcessorChargeID,
		FailureCode:       p.FailureCode,
		OccurredAt:        at,
	}
}

// Publisher delivers payment events. Publishing happens after commit and
// a failure never undoes the state change.
type Publisher interface {
	Publish(ctx context.Context, event PaymentEvent) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, PaymentEvent) error { return nil }

// =============================================================================
// LOCKER
// =============================================================================

// Locker serializes webhook deliveries for the same charge across
// instances. acquired is false when another holder owns the key.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), acquired bool, err error)
}

// =============================================================================
// METRICS
// =============================================================================

// Metrics receives engine counters. telemetry.Metrics implements it with
// Prometheus.
type Metrics interface {
	PaymentSubmitted(status PaymentStatus)
	PaymentReplayed()
	PaymentSettled(status PaymentStatus)
	WebhookIgnored(reason string)
	WebhookAmountMismatch()
	CreditRecorded(typ CreditTransactionType, amount decimal.Decimal)
}

type nopMetrics struct{}

func (nopMetrics) PaymentSubmitted(PaymentStatus) {}
func (nopMetrics) PaymentReplayed() {}
func (nopMetrics) PaymentSettled(PaymentStatus) {}
func (nopMetrics) WebhookIgnored(string) {}
func (nopMetrics) WebhookAmountMismatch() {}
func (nopMetrics) CreditRecorded(CreditTransactionType, decimal.Decimal) {}
