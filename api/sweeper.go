/*
sweeper.go - Stale PENDING payment sweeper

PURPOSE:
  Periodically looks for payments stuck in PENDING. A payment normally
  leaves PENDING when its webhook arrives; one that lingers means the
  processor never called back or the charge was never dispatched.

DESIGN:
  - Runs in the serve errgroup with a configurable interval
  - PENDING payments older than StaleAfter are counted and logged
  - Payments without a processor charge id are redispatched. Submission
    dispatches inside its own transaction, so these only come from rows
    written outside SubmitPayment (imports, older releases, manual fixes)
  - The stale count is exported as a gauge for alerting
  - Never settles anything itself; only webhooks move money

CONFIGURATION:
  - Interval:   How often to check (SWEEPER_INTERVAL, default 1m)
  - StaleAfter: Age at which PENDING is suspicious (default 10m)

SEE ALSO:
  - payments/settlement.go: Redispatch
  - telemetry/metrics.go: StalePending gauge
*/
package api

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/warp/copay-engine/payments"
)

// PendingSweeper watches for payments stuck in PENDING.
type PendingSweeper struct {
	Store      payments.Reader
	Settlement *payments.Settlement
	Interval   time.Duration
	StaleAfter time.Duration
	Gauge      prometheus.Gauge // optional
	Logger     *zap.Logger

	now func() time.Time
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Stale        int
	Redispatched int
	Failed       int
}

func NewPendingSweeper(store payments.Reader, settlement *payments.Settlement, interval, staleAfter time.Duration, logger *zap.Logger) *PendingSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PendingSweeper{
		Store:      store,
		Settlement: settlement,
		Interval:   interval,
		StaleAfter: staleAfter,
		Logger:     logger.Named("sweeper"),
		now:        time.Now,
	}
}

// Run sweeps immediately and then every Interval until ctx is done.
func (s *PendingSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.Logger.Info("sweeper started", zap.Duration("interval", s.Interval), zap.Duration("stale_after", s.StaleAfter))
	s.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			s.Logger.Info("sweeper stopped")
			return nil
		}
	}
}

// RunNow performs one pass.
func (s *PendingSweeper) RunNow(ctx context.Context) SweepResult {
	var result SweepResult
	cutoff := s.now().Add(-s.StaleAfter)

	stale, err := s.Store.ListPendingPayments(ctx, cutoff)
	if err != nil {
		s.Logger.Error("list pending payments", zap.Error(err))
		return result
	}
	result.Stale = len(stale)
	if s.Gauge != nil {
		s.Gauge.Set(float64(len(stale)))
	}

	for _, p := range stale {
		log := s.Logger.With(
			zap.String("payment_id", string(p.ID)),
			zap.Duration("age", s.now().Sub(p.CreatedAt)),
		)
		if p.ProcessorChargeID != "" {
			log.Warn("payment awaiting processor webhook", zap.String("charge_id", p.ProcessorChargeID))
			continue
		}

		chargeID, err := s.Settlement.Redispatch(ctx, p.ID)
		if err != nil {
			result.Failed++
			log.Error("redispatch failed", zap.Error(err))
			continue
		}
		if chargeID != "" {
			result.Redispatched++
		}
	}

	if result.Stale > 0 {
		s.Logger.Info("sweep completed",
			zap.Int("stale", result.Stale),
			zap.Int("redispatched", result.Redispatched),
			zap.Int("failed", result.Failed),
		)
	}
	return result
}
