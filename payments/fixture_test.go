package payments_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/copay-engine/payments"
	"github.com/warp/copay-engine/payments/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	patientID    payments.PatientID       = "pat-1"
	otherPatient payments.PatientID       = "pat-2"
	methodID     payments.PaymentMethodID = "pm-1"
	inactiveID   payments.PaymentMethodID = "pm-inactive"
	foreignID    payments.PaymentMethodID = "pm-foreign"
	copayA       payments.CopayID         = "cp-a"
	copayB       payments.CopayID         = "cp-b"
	copayPaid    payments.CopayID         = "cp-paid"
	copayForeign payments.CopayID         = "cp-foreign"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	store      *store.Memory
	gateway    *fakeGateway
	publisher  *recordingPublisher
	metrics    *countingMetrics
	credits    *payments.CreditLedger
	settlement *payments.Settlement
	reconciler *payments.Reconciler
}

func newFixture(t *testing.T, cfg payments.SettlementConfig, opts ...payments.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	mem := store.NewMemory()
	seed(t, ctx, mem)

	f := &fixture{
		store:     mem,
		gateway:   &fakeGateway{},
		publisher: &recordingPublisher{},
		metrics:   &countingMetrics{ignored: map[string]int{}},
	}
	f.credits = payments.NewCreditLedger(mem, logger, f.metrics)
	base := []payments.Option{
		payments.WithLogger(logger),
		payments.WithPublisher(f.publisher),
		payments.WithMetrics(f.metrics),
	}
	opts = append(base, opts...)
	f.settlement = payments.NewSettlement(mem, f.gateway, f.credits, cfg, opts...)
	f.reconciler = payments.NewReconciler(mem, f.credits, opts...)
	return f
}

func seed(t *testing.T, ctx context.Context, s payments.Seeder) {
	t.Helper()
	visitDate := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.SavePatient(ctx, payments.Patient{ID: patientID, FirstName: "Ada", LastName: "Lovelace"}))
	require.NoError(t, s.SavePatient(ctx, payments.Patient{ID: otherPatient, FirstName: "Alan", LastName: "Turing"}))
	require.NoError(t, s.SavePaymentMethod(ctx, payments.PaymentMethod{ID: methodID, PatientID: patientID, Type: payments.MethodCard, Active: true}))
	require.NoError(t, s.SavePaymentMethod(ctx, payments.PaymentMethod{ID: inactiveID, PatientID: patientID, Type: payments.MethodCard, Active: false}))
	require.NoError(t, s.SavePaymentMethod(ctx, payments.PaymentMethod{ID: foreignID, PatientID: otherPatient, Type: payments.MethodCard, Active: true}))

	visit := payments.Visit{ID: "v-1", PatientID: patientID, VisitDate: visitDate, DoctorName: "Dr. Smith", VisitType: payments.VisitOffice}
	foreignVisit := payments.Visit{ID: "v-2", PatientID: otherPatient, VisitDate: visitDate, VisitType: payments.VisitTelehealth}
	require.NoError(t, s.SaveVisit(ctx, visit))
	require.NoError(t, s.SaveVisit(ctx, foreignVisit))

	require.NoError(t, s.SaveCopay(ctx, payments.NewCopay(copayA, visit, dec("25.00"))))
	require.NoError(t, s.SaveCopay(ctx, payments.NewCopay(copayB, visit, dec("30.00"))))
	paid := payments.NewCopay(copayPaid, visit, dec("40.00"))
	paid.RemainingBalance = decimal.Zero
	paid.Status = payments.CopayPaid
	require.NoError(t, s.SaveCopay(ctx, paid))
	require.NoError(t, s.SaveCopay(ctx, payments.NewCopay(copayForeign, foreignVisit, dec("20.00"))))
}

func (f *fixture) submit(t *testing.T, key string, allocs ...payments.AllocationRequest) payments.SubmitPaymentResult {
	t.Helper()
	result, err := f.settlement.SubmitPayment(context.Background(), payments.SubmitPaymentInput{
		PatientID:       patientID,
		PaymentMethodID: methodID,
		Currency:        "USD",
		Allocations:     allocs,
		RequestKey:      key,
	})
	require.NoError(t, err)
	return result
}

func (f *fixture) payment(t *testing.T, id payments.PaymentID) payments.Payment {
	t.Helper()
	p, err := f.store.GetPayment(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return *p
}

func (f *fixture) copay(t *testing.T, id payments.CopayID) payments.Copay {
	t.Helper()
	c, err := f.store.GetCopay(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, c)
	return *c
}

func (f *fixture) creditBalance(t *testing.T) decimal.Decimal {
	t.Helper()
	statement, err := f.credits.Balance(context.Background(), patientID)
	require.NoError(t, err)
	return statement.Balance
}

func (f *fixture) deliver(t *testing.T, typ payments.WebhookEventType, id payments.PaymentID, failureCode string) error {
	t.Helper()
	p := f.payment(t, id)
	return f.reconciler.HandleOutcome(context.Background(), payments.WebhookEvent{
		Type:              typ,
		ProcessorChargeID: p.ProcessorChargeID,
		Amount:            p.Amount,
		FailureCode:       failureCode,
	})
}

func alloc(id payments.CopayID, amount string) payments.AllocationRequest {
	return payments.AllocationRequest{CopayID: id, Amount: dec(amount)}
}

// =============================================================================
// FAKES
// =============================================================================

type fakeGateway struct {
	mu      sync.Mutex
	charges []payments.Charge
	err     error
}

func (g *fakeGateway) Dispatch(_ context.Context, charge payments.Charge) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.charges = append(g.charges, charge)
	return fmt.Sprintf("ch_test%04d", len(g.charges)), nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []payments.PaymentEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e payments.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []payments.PaymentEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]payments.PaymentEventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type countingMetrics struct {
	mu         sync.Mutex
	submitted  int
	replayed   int
	settled    map[payments.PaymentStatus]int
	ignored    map[string]int
	mismatches int
}

func (m *countingMetrics) PaymentSubmitted(payments.PaymentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted++
}

func (m *countingMetrics) PaymentReplayed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replayed++
}

func (m *countingMetrics) PaymentSettled(s payments.PaymentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled == nil {
		m.settled = map[payments.PaymentStatus]int{}
	}
	m.settled[s]++
}

func (m *countingMetrics) WebhookIgnored(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ignored[reason]++
}

func (m *countingMetrics) WebhookAmountMismatch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mismatches++
}

func (m *countingMetrics) CreditRecorded(payments.CreditTransactionType, decimal.Decimal) {}

type heldLocker struct{}

func (heldLocker) TryLock(context.Context, string) (func(), bool, error) {
	return func() {}, false, nil
}

var errProcessorDown = errors.New("processor down")
