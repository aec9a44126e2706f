/*
Package processor simulates the external payment processor.

PURPOSE:
  Implements payments.Gateway the way a card processor behaves: Dispatch
  returns a charge id immediately and the outcome arrives later as a
  charge.succeeded or charge.failed webhook.

DELIVERY:
  InProcess hands the event straight to the reconciler. HTTPDelivery
  POSTs it to the webhook endpoint. Either way a delivery that fails with
  a retryable error is retried with exponential backoff, which also
  covers a callback racing ahead of the submitting transaction's commit.

OUTCOMES:
  RandomOutcome succeeds with the configured probability and otherwise
  picks one of FailureCodes.
*/
package processor

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/copay-engine/payments"
)

// FailureCodes are the decline reasons the simulator reports.
var FailureCodes = []string{
	"card_declined",
	"insufficient_funds",
	"card_expired",
	"processing_error",
	"network_error",
}

// Outcome is the processor's decision for one charge.
type Outcome struct {
	Succeeded   bool
	FailureCode string
}

// OutcomeFunc decides how a charge ends.
type OutcomeFunc func(payments.Charge) Outcome

// RandomOutcome succeeds with probability successRate.
func RandomOutcome(successRate float64, rng *rand.Rand) OutcomeFunc {
	var mu sync.Mutex
	return func(payments.Charge) Outcome {
		mu.Lock()
		defer mu.Unlock()
		if rng.Float64() < successRate {
			return Outcome{Succeeded: true}
		}
		return Outcome{FailureCode: FailureCodes[rng.Intn(len(FailureCodes))]}
	}
}

// AlwaysSucceed and AlwaysFail are deterministic outcomes for tests and demos.
func AlwaysSucceed() OutcomeFunc {
	return func(payments.Charge) Outcome { return Outcome{Succeeded: true} }
}

func AlwaysFail(code string) OutcomeFunc {
	return func(payments.Charge) Outcome { return Outcome{FailureCode: code} }
}

// Delivery sends a webhook event to the engine.
type Delivery interface {
	Deliver(ctx context.Context, event payments.WebhookEvent) error
}

// Config controls timing and retries.
type Config struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	// MaxElapsed bounds the retry window for one webhook.
	MaxElapsed time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinDelay:   2 * time.Second,
		MaxDelay:   5 * time.Second,
		MaxElapsed: 2 * time.Minute,
	}
}

// Simulator implements payments.Gateway.
type Simulator struct {
	cfg      Config
	delivery Delivery
	outcome  OutcomeFunc
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	rng *rand.Rand
}

var _ payments.Gateway = (*Simulator)(nil)

func NewSimulator(cfg Config, delivery Delivery, outcome OutcomeFunc, logger *zap.Logger) *Simulator {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = DefaultConfig().MaxElapsed
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Simulator{
		cfg:      cfg,
		delivery: delivery,
		outcome:  outcome,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewChargeID returns "ch_" followed by eight hex characters.
func NewChargeID() string {
	return "ch_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Dispatch accepts the charge and schedules its webhook.
func (s *Simulator) Dispatch(ctx context.Context, charge payments.Charge) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.ctx.Err(); err != nil {
		return "", errors.New("processor simulator is shut down")
	}

	chargeID := NewChargeID()
	outcome := s.outcome(charge)
	event := payments.WebhookEvent{
		Type:              payments.ChargeSucceeded,
		ProcessorChargeID: chargeID,
		Amount:            charge.Amount,
	}
	if !outcome.Succeeded {
		event.Type = payments.ChargeFailed
		event.FailureCode = outcome.FailureCode
	}

	s.logger.Info("charge accepted",
		zap.String("payment_id", string(charge.PaymentID)),
		zap.String("charge_id", chargeID),
		zap.String("amount", charge.Amount.StringFixed(2)),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.callback(event)
	}()
	return chargeID, nil
}

func (s *Simulator) delay() time.Duration {
	spread := s.cfg.MaxDelay - s.cfg.MinDelay
	if spread <= 0 {
		return s.cfg.MinDelay
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MinDelay + time.Duration(s.rng.Int63n(int64(spread)))
}

func (s *Simulator) callback(event payments.WebhookEvent) {
	log := s.logger.With(zap.String("charge_id", event.ProcessorChargeID), zap.String("event", string(event.Type)))

	timer := time.NewTimer(s.delay())
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		log.Warn("webhook dropped on shutdown")
		return
	case <-timer.C:
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = s.cfg.MaxElapsed

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := s.delivery.Deliver(s.ctx, event)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		log.Debug("webhook delivery retry", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, backoff.WithContext(policy, s.ctx))

	if err != nil {
		log.Error("webhook delivery failed", zap.Int("attempts", attempt), zap.Error(err))
		return
	}
	log.Info("webhook delivered", zap.Int("attempts", attempt))
}

// Close stops pending callbacks and waits for running ones.
func (s *Simulator) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every scheduled callback has finished.
func (s *Simulator) Wait() {
	s.wg.Wait()
}

// Retryable reports whether a delivery error is worth another attempt.
// Unknown charges are retried because the submitting transaction may not
// have committed yet.
func Retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	switch {
	case payments.IsNotFound(err), payments.IsRetryable(err):
		return true
	case payments.IsClientError(err), errors.Is(err, payments.ErrLedgerInconsistent):
		return false
	}
	return true
}

// =============================================================================
// IN-PROCESS DELIVERY
// =============================================================================

// OutcomeHandler is satisfied by *payments.Reconciler.
type OutcomeHandler interface {
	HandleOutcome(ctx context.Context, event payments.WebhookEvent) error
}

// InProcess delivers webhooks by calling the reconciler directly.
type InProcess struct {
	Handler OutcomeHandler
}

func (d InProcess) Deliver(ctx context.Context, event payments.WebhookEvent) error {
	return d.Handler.HandleOutcome(ctx, event)
}
