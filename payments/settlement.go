/*
settlement.go - Payment submission

PURPOSE:
  Turns a client's payment request into a PENDING payment, its copay
  allocations, any overpayment credit, and a processor charge, all in one
  unit of work.

FLOW:
  1. Idempotency: a known request key returns the stored payment untouched
  2. Look up patient, payment method and copays, then check amounts
     and currency (missing resources win over bad amounts)
  3. Allocate (allocation.go)
  4. Insert payment, allocations and credit
  5. Dispatch the charge and store its charge id
  6. Commit, then publish payment.created

IDEMPOTENCY:
  Two submissions with the same request key racing each other both pass
  step 1. The store's unique index lets exactly one insert through; the
  loser rolls back and returns the winner's payment as a replay.

SEE ALSO:
  - reconciler.go: Completes the payment when the processor calls back
*/
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/warp/copay-engine/payments"

// =============================================================================
// OPTIONS
// =============================================================================

type options struct {
	logger    *zap.Logger
	publisher Publisher
	metrics   Metrics
	locker    Locker
	now       func() time.Time
}

// Option configures a Settlement or Reconciler.
type Option func(*options)

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }
func WithPublisher(p Publisher) Option { return func(o *options) { o.publisher = p } }
func WithMetrics(m Metrics) Option { return func(o *options) { o.metrics = m } }
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithLocker serializes webhook handling per charge. Ignored by Settlement.
func WithLocker(l Locker) Option { return func(o *options) { o.locker = l } }

func buildOptions(opts []Option) options {
	o := options{
		logger:    zap.NewNop(),
		publisher: nopPublisher{},
		metrics:   nopMetrics{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// SettlementConfig holds the billing rules.
type SettlementConfig struct {
	OverpaymentMultiplier decimal.Decimal
	// MergeDuplicateAllocations sums requests naming the same copay. When
	// false such a request is rejected as DUPLICATE_ALLOCATION.
	MergeDuplicateAllocations bool
}

// DefaultSettlementConfig returns the production rules.
func DefaultSettlementConfig() SettlementConfig {
	return SettlementConfig{
		OverpaymentMultiplier:     decimal.NewFromInt(DefaultOverpaymentMultiplier),
		MergeDuplicateAllocations: true,
	}
}

type SubmitPaymentInput struct {
	PatientID       PatientID
	PaymentMethodID PaymentMethodID
	Currency        string
	Allocations     []AllocationRequest
	// RequestKey deduplicates retries. Empty means a fresh key is generated.
	RequestKey string
}

type SubmitPaymentResult struct {
	PaymentID PaymentID
	Status    PaymentStatus
	// Replayed is true when the request key was already known.
	Replayed bool
}

// Settlement is the payment submission controller.
type Settlement struct {
	store   Store
	gateway Gateway
	credits *CreditLedger
	cfg     SettlementConfig
	tracer  trace.Tracer
	options
}

func NewSettlement(store Store, gateway Gateway, credits *CreditLedger, cfg SettlementConfig, opts ...Option) *Settlement {
	if !cfg.OverpaymentMultiplier.IsPositive() {
		cfg.OverpaymentMultiplier = decimal.NewFromInt(DefaultOverpaymentMultiplier)
	}
	return &Settlement{
		store:   store,
		gateway: gateway,
		credits: credits,
		cfg:     cfg,
		tracer:  otel.Tracer(tracerName),
		options: buildOptions(opts),
	}
}

// errReplay aborts a unit of work that lost the request key race.
var errReplay = errors.New("request key claimed concurrently")

// SubmitPayment records a payment and dispatches its charge.
func (s *Settlement) SubmitPayment(ctx context.Context, in SubmitPaymentInput) (SubmitPaymentResult, error) {
	if in.RequestKey == "" {
		in.RequestKey = NewID[string]()
	}
	ctx, span := s.tracer.Start(ctx, "settlement.SubmitPayment", trace.WithAttributes(
		attribute.String("patient.id", string(in.PatientID)),
		attribute.String("request.key", in.RequestKey),
	))
	defer span.End()

	result, err := s.submit(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SubmitPaymentResult{}, err
	}
	span.SetAttributes(attribute.String("payment.id", string(result.PaymentID)), attribute.Bool("replayed", result.Replayed))
	return result, nil
}

func (s *Settlement) submit(ctx context.Context, in SubmitPaymentInput) (SubmitPaymentResult, error) {
	log := s.logger.With(
		zap.String("patient_id", string(in.PatientID)),
		zap.String("request_key", in.RequestKey),
	)

	if replay, ok, err := s.lookupReplay(ctx, in.RequestKey); err != nil || ok {
		if ok {
			log.Info("duplicate payment request", zap.String("payment_id", string(replay.PaymentID)), zap.String("status", string(replay.Status)))
		}
		return replay, err
	}

	if len(in.Allocations) == 0 {
		return SubmitPaymentResult{}, newValidationError(CodeAllocationsRequired, "at least one allocation is required")
	}
	requests := in.Allocations
	if s.cfg.MergeDuplicateAllocations {
		requests = MergeDuplicates(requests)
	}

	var created Payment
	err := s.store.WithTx(ctx, func(uow UnitOfWork) error {
		copays, err := s.loadPayable(ctx, uow, in, requests)
		if err != nil {
			return err
		}
		// Checked on the unmerged requests.
		if err := ValidateAmounts(in.Allocations); err != nil {
			return err
		}
		if !strings.EqualFold(in.Currency, DefaultCurrency) {
			return newValidationError(CodeCurrencyUnsupported, "currency %q is not supported, only %s", in.Currency, DefaultCurrency)
		}

		allocation, err := Allocate(requests, copays, s.cfg.OverpaymentMultiplier)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		payment := Payment{
			ID:              NewID[PaymentID](),
			PatientID:       in.PatientID,
			PaymentMethodID: in.PaymentMethodID,
			Amount:          allocation.TotalRequested,
			Currency:        DefaultCurrency,
			Status:          PaymentPending,
			RequestKey:      in.RequestKey,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := uow.InsertPayment(ctx, payment); err != nil {
			if errors.Is(err, ErrDuplicateRequestKey) {
				return errReplay
			}
			return fmt.Errorf("insert payment: %w", err)
		}

		for _, applied := range allocation.Applied {
			err := uow.InsertAllocation(ctx, PaymentAllocation{
				ID:        NewID[AllocationID](),
				PaymentID: payment.ID,
				CopayID:   applied.CopayID,
				Amount:    applied.Applied,
				CreatedAt: now,
			})
			if errors.Is(err, ErrDuplicateAllocation) {
				return newValidationError(CodeDuplicateAllocation, "copay %s appears more than once", applied.CopayID)
			}
			if err != nil {
				return fmt.Errorf("insert allocation: %w", err)
			}
		}

		if allocation.TotalExcess.IsPositive() {
			if _, err := s.credits.Credit(ctx, uow, in.PatientID, allocation.TotalExcess, payment.ID); err != nil {
				return err
			}
		}

		chargeID, err := s.dispatch(ctx, uow, payment)
		if err != nil {
			return err
		}
		payment.ProcessorChargeID = chargeID
		created = payment
		return nil
	})

	if errors.Is(err, errReplay) {
		replay, ok, lookupErr := s.lookupReplay(ctx, in.RequestKey)
		if lookupErr != nil {
			return SubmitPaymentResult{}, lookupErr
		}
		if !ok {
			return SubmitPaymentResult{}, fmt.Errorf("request key %s: %w", in.RequestKey, ErrConcurrentModification)
		}
		log.Info("concurrent duplicate payment request", zap.String("payment_id", string(replay.PaymentID)))
		return replay, nil
	}
	if err != nil {
		if IsClientError(err) {
			log.Info("payment rejected", zap.Error(err))
		} else {
			log.Error("payment submission failed", zap.Error(err))
		}
		return SubmitPaymentResult{}, err
	}

	s.metrics.PaymentSubmitted(created.Status)
	log.Info("payment submitted",
		zap.String("payment_id", string(created.ID)),
		zap.String("charge_id", created.ProcessorChargeID),
		zap.String("amount", created.Amount.StringFixed(2)),
	)
	s.publish(ctx, EventFor(EventPaymentCreated, created, s.now().UTC()))

	return SubmitPaymentResult{PaymentID: created.ID, Status: created.Status}, nil
}

func (s *Settlement) lookupReplay(ctx context.Context, key string) (SubmitPaymentResult, bool, error) {
	existing, err := s.store.GetPaymentByRequestKey(ctx, key)
	if err != nil {
		return SubmitPaymentResult{}, false, fmt.Errorf("lookup request key: %w", err)
	}
	if existing == nil {
		return SubmitPaymentResult{}, false, nil
	}
	s.metrics.PaymentReplayed()
	return SubmitPaymentResult{PaymentID: existing.ID, Status: existing.Status, Replayed: true}, true, nil
}

// loadPayable checks the patient, the payment method and every copay.
func (s *Settlement) loadPayable(ctx context.Context, uow UnitOfWork, in SubmitPaymentInput, requests []AllocationRequest) (map[CopayID]Copay, error) {
	patient, err := uow.GetPatient(ctx, in.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if patient == nil {
		return nil, NewNotFound("patient", in.PatientID)
	}

	method, err := uow.GetPaymentMethod(ctx, in.PaymentMethodID)
	if err != nil {
		return nil, fmt.Errorf("load payment method: %w", err)
	}
	if method == nil || method.PatientID != in.PatientID || !method.Active {
		return nil, NewNotFound("payment method", in.PaymentMethodID)
	}

	copays := make(map[CopayID]Copay, len(requests))
	for _, req := range requests {
		if _, ok := copays[req.CopayID]; ok {
			continue
		}
		copay, err := uow.GetCopay(ctx, req.CopayID)
		if err != nil {
			return nil, fmt.Errorf("load copay: %w", err)
		}
		if copay == nil || copay.PatientID != in.PatientID || !copay.Status.IsPayable() {
			return nil, NewNotFound("copay", req.CopayID)
		}
		copays[copay.ID] = *copay
	}
	return copays, nil
}

func (s *Settlement) dispatch(ctx context.Context, uow UnitOfWork, payment Payment) (string, error) {
	chargeID, err := s.gateway.Dispatch(ctx, Charge{
		PaymentID: payment.ID,
		PatientID: payment.PatientID,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
	})
	if err != nil {
		return "", fmt.Errorf("dispatch payment %s: %w: %w", payment.ID, ErrGatewayUnavailable, err)
	}
	if err := uow.SetChargeID(ctx, payment.ID, chargeID); err != nil {
		return "", fmt.Errorf("store charge id for payment %s: %w", payment.ID, err)
	}
	return chargeID, nil
}

// Redispatch sends a charge for a PENDING payment that has no charge id.
// SubmitPayment never commits such a payment; they come from imports or
// writers outside this service. It returns the empty string when there
// was nothing to do.
func (s *Settlement) Redispatch(ctx context.Context, id PaymentID) (string, error) {
	var chargeID string
	err := s.store.WithTx(ctx, func(uow UnitOfWork) error {
		payment, err := uow.GetPayment(ctx, id)
		if err != nil {
			return fmt.Errorf("load payment: %w", err)
		}
		if payment == nil {
			return NewNotFound("payment", id)
		}
		if payment.Status != PaymentPending || payment.ProcessorChargeID != "" {
			return nil
		}
		chargeID, err = s.dispatch(ctx, uow, *payment)
		return err
	})
	if err != nil {
		return "", err
	}
	if chargeID != "" {
		s.logger.Info("payment redispatched", zap.String("payment_id", string(id)), zap.String("charge_id", chargeID))
	}
	return chargeID, nil
}

func (o options) publish(ctx context.Context, event PaymentEvent) {
	if err := o.publisher.Publish(ctx, event); err != nil {
		o.logger.Warn("publish payment event failed",
			zap.String("event", string(event.Type)),
			zap.String("payment_id", string(event.PaymentID)),
			zap.Error(err),
		)
	}
}
