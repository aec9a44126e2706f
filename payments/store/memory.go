// Package store provides an in-memory payments.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/copay-engine/payments"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps all rows in maps guarded by one mutex. A unit of work runs
// against a private copy that replaces the live state on commit.
type Memory struct {
	mu    sync.RWMutex
	state *state
}

var (
	_ payments.Store  = (*Memory)(nil)
	_ payments.Seeder = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

// WithTx executes fn against a snapshot. Units of work are serialized.
func (m *Memory) WithTx(ctx context.Context, fn func(payments.UnitOfWork) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	working := m.state.clone()
	if err := fn(working); err != nil {
		return err
	}
	m.state = working
	return nil
}

func (m *Memory) read() *state {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Readers outside a unit of work see the last committed state. Committed
// states are never mutated, so holding a reference without the lock is safe.

func (m *Memory) GetPatient(ctx context.Context, id payments.PatientID) (*payments.Patient, error) {
	return m.read().GetPatient(ctx, id)
}

func (m *Memory) GetPaymentMethod(ctx context.Context, id payments.PaymentMethodID) (*payments.PaymentMethod, error) {
	return m.read().GetPaymentMethod(ctx, id)
}

func (m *Memory) GetCopay(ctx context.Context, id payments.CopayID) (*payments.Copay, error) {
	return m.read().GetCopay(ctx, id)
}

func (m *Memory) ListCopays(ctx context.Context, patientID payments.PatientID, status *payments.CopayStatus) ([]payments.CopayView, error) {
	return m.read().ListCopays(ctx, patientID, status)
}

func (m *Memory) GetPayment(ctx context.Context, id payments.PaymentID) (*payments.Payment, error) {
	return m.read().GetPayment(ctx, id)
}

func (m *Memory) GetPaymentByRequestKey(ctx context.Context, key string) (*payments.Payment, error) {
	return m.read().GetPaymentByRequestKey(ctx, key)
}

func (m *Memory) GetPaymentByChargeID(ctx context.Context, chargeID string) (*payments.Payment, error) {
	return m.read().GetPaymentByChargeID(ctx, chargeID)
}

func (m *Memory) ListPendingPayments(ctx context.Context, createdBefore time.Time) ([]payments.Payment, error) {
	return m.read().ListPendingPayments(ctx, createdBefore)
}

func (m *Memory) ListAllocations(ctx context.Context, paymentID payments.PaymentID) ([]payments.PaymentAllocation, error) {
	return m.read().ListAllocations(ctx, paymentID)
}

func (m *Memory) GetCredit(ctx context.Context, patientID payments.PatientID) (*payments.PatientCredit, error) {
	return m.read().GetCredit(ctx, patientID)
}

func (m *Memory) ListCreditTransactions(ctx context.Context, patientID payments.PatientID) ([]payments.CreditTransaction, error) {
	return m.read().ListCreditTransactions(ctx, patientID)
}

func (m *Memory) ListPaymentCreditTransactions(ctx context.Context, paymentID payments.PaymentID, typ payments.CreditTransactionType) ([]payments.CreditTransaction, error) {
	return m.read().ListPaymentCreditTransactions(ctx, paymentID, typ)
}

// =============================================================================
// SEEDING
// =============================================================================

func (m *Memory) SavePatient(_ context.Context, p payments.Patient) error {
	return m.mutate(func(s *state) { s.patients[p.ID] = p })
}

func (m *Memory) SavePaymentMethod(_ context.Context, pm payments.PaymentMethod) error {
	return m.mutate(func(s *state) { s.methods[pm.ID] = pm })
}

func (m *Memory) SaveVisit(_ context.Context, v payments.Visit) error {
	return m.mutate(func(s *state) { s.visits[v.ID] = v })
}

func (m *Memory) SaveCopay(_ context.Context, c payments.Copay) error {
	return m.mutate(func(s *state) { s.copays[c.ID] = c })
}

func (m *Memory) mutate(fn func(*state)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	working := m.state.clone()
	fn(working)
	m.state = working
	return nil
}

// =============================================================================
// STATE - One consistent version of every table
// =============================================================================

type state struct {
	patients     map[payments.PatientID]payments.Patient
	methods      map[payments.PaymentMethodID]payments.PaymentMethod
	visits       map[payments.VisitID]payments.Visit
	copays       map[payments.CopayID]payments.Copay
	payments     map[payments.PaymentID]payments.Payment
	byRequestKey map[string]payments.PaymentID
	byChargeID   map[string]payments.PaymentID
	allocations  map[payments.PaymentID][]payments.PaymentAllocation
	credits      map[payments.PatientID]payments.PatientCredit
	creditLog    []payments.CreditTransaction
}

func newState() *state {
	return &state{
		patients:     make(map[payments.PatientID]payments.Patient),
		methods:      make(map[payments.PaymentMethodID]payments.PaymentMethod),
		visits:       make(map[payments.VisitID]payments.Visit),
		copays:       make(map[payments.CopayID]payments.Copay),
		payments:     make(map[payments.PaymentID]payments.Payment),
		byRequestKey: make(map[string]payments.PaymentID),
		byChargeID:   make(map[string]payments.PaymentID),
		allocations:  make(map[payments.PaymentID][]payments.PaymentAllocation),
		credits:      make(map[payments.PatientID]payments.PatientCredit),
	}
}

func (s *state) clone() *state {
	c := &state{
		patients:     cloneMap(s.patients),
		methods:      cloneMap(s.methods),
		visits:       cloneMap(s.visits),
		copays:       cloneMap(s.copays),
		payments:     cloneMap(s.payments),
		byRequestKey: cloneMap(s.byRequestKey),
		byChargeID:   cloneMap(s.byChargeID),
		allocations:  make(map[payments.PaymentID][]payments.PaymentAllocation, len(s.allocations)),
		credits:      cloneMap(s.credits),
		creditLog:    append([]payments.CreditTransaction(nil), s.creditLog...),
	}
	for k, v := range s.allocations {
		c.allocations[k] = append([]payments.PaymentAllocation(nil), v...)
	}
	return c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func ptr[T any](v T, ok bool) *T {
	if !ok {
		return nil
	}
	return &v
}

func (s *state) GetPatient(_ context.Context, id payments.PatientID) (*payments.Patient, error) {
	p, ok := s.patients[id]
	return ptr(p, ok), nil
}

func (s *state) GetPaymentMethod(_ context.Context, id payments.PaymentMethodID) (*payments.PaymentMethod, error) {
	pm, ok := s.methods[id]
	return ptr(pm, ok), nil
}

func (s *state) GetCopay(_ context.Context, id payments.CopayID) (*payments.Copay, error) {
	c, ok := s.copays[id]
	return ptr(c, ok), nil
}

func (s *state) ListCopays(_ context.Context, patientID payments.PatientID, status *payments.CopayStatus) ([]payments.CopayView, error) {
	var views []payments.CopayView
	for _, c := range s.copays {
		if c.PatientID != patientID {
			continue
		}
		if status != nil && c.Status != *status {
			continue
		}
		views = append(views, payments.CopayView{Copay: c, Visit: s.visits[c.VisitID]})
	}
	sort.Slice(views, func(i, j int) bool {
		if !views[i].Visit.VisitDate.Equal(views[j].Visit.VisitDate) {
			return views[i].Visit.VisitDate.After(views[j].Visit.VisitDate)
		}
		return views[i].ID < views[j].ID
	})
	return views, nil
}

func (s *state) GetPayment(_ context.Context, id payments.PaymentID) (*payments.Payment, error) {
	p, ok := s.payments[id]
	return ptr(p, ok), nil
}

func (s *state) GetPaymentByRequestKey(ctx context.Context, key string) (*payments.Payment, error) {
	id, ok := s.byRequestKey[key]
	if !ok {
		return nil, nil
	}
	return s.GetPayment(ctx, id)
}

func (s *state) GetPaymentByChargeID(ctx context.Context, chargeID string) (*payments.Payment, error) {
	id, ok := s.byChargeID[chargeID]
	if !ok {
		return nil, nil
	}
	return s.GetPayment(ctx, id)
}

func (s *state) ListPendingPayments(_ context.Context, createdBefore time.Time) ([]payments.Payment, error) {
	var out []payments.Payment
	for _, p := range s.payments {
		if p.Status == payments.PaymentPending && p.CreatedAt.Before(createdBefore) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *state) ListAllocations(_ context.Context, paymentID payments.PaymentID) ([]payments.PaymentAllocation, error) {
	return append([]payments.PaymentAllocation(nil), s.allocations[paymentID]...), nil
}

func (s *state) GetCredit(_ context.Context, patientID payments.PatientID) (*payments.PatientCredit, error) {
	c, ok := s.credits[patientID]
	return ptr(c, ok), nil
}

func (s *state) ListCreditTransactions(_ context.Context, patientID payments.PatientID) ([]payments.CreditTransaction, error) {
	var out []payments.CreditTransaction
	for i := len(s.creditLog) - 1; i >= 0; i-- {
		if s.creditLog[i].PatientID == patientID {
			out = append(out, s.creditLog[i])
		}
	}
	return out, nil
}

func (s *state) ListPaymentCreditTransactions(_ context.Context, paymentID payments.PaymentID, typ payments.CreditTransactionType) ([]payments.CreditTransaction, error) {
	var out []payments.CreditTransaction
	for _, tx := range s.creditLog {
		if tx.PaymentID == paymentID && tx.Type == typ {
			out = append(out, tx)
		}
	}
	return out, nil
}

// =============================================================================
// WRITES - Only reachable through WithTx
// =============================================================================

func (s *state) InsertPayment(_ context.Context, p payments.Payment) error {
	if _, ok := s.byRequestKey[p.RequestKey]; ok {
		return payments.ErrDuplicateRequestKey
	}
	if p.ProcessorChargeID != "" {
		if _, ok := s.byChargeID[p.ProcessorChargeID]; ok {
			return payments.ErrDuplicateChargeID
		}
		s.byChargeID[p.ProcessorChargeID] = p.ID
	}
	s.payments[p.ID] = p
	s.byRequestKey[p.RequestKey] = p.ID
	return nil
}

func (s *state) InsertAllocation(_ context.Context, a payments.PaymentAllocation) error {
	for _, existing := range s.allocations[a.PaymentID] {
		if existing.CopayID == a.CopayID {
			return payments.ErrDuplicateAllocation
		}
	}
	s.allocations[a.PaymentID] = append(s.allocations[a.PaymentID], a)
	return nil
}

func (s *state) SetChargeID(_ context.Context, id payments.PaymentID, chargeID string) error {
	p, ok := s.payments[id]
	if !ok {
		return payments.NewNotFound("payment", id)
	}
	if owner, taken := s.byChargeID[chargeID]; taken && owner != id {
		return payments.ErrDuplicateChargeID
	}
	if p.ProcessorChargeID != "" {
		delete(s.byChargeID, p.ProcessorChargeID)
	}
	p.ProcessorChargeID = chargeID
	p.UpdatedAt = time.Now().UTC()
	s.payments[id] = p
	s.byChargeID[chargeID] = id
	return nil
}

func (s *state) TransitionPayment(_ context.Context, id payments.PaymentID, status payments.PaymentStatus, failureCode string) (bool, error) {
	p, ok := s.payments[id]
	if !ok || p.Status != payments.PaymentPending {
		return false, nil
	}
	p.Status = status
	p.FailureCode = failureCode
	p.UpdatedAt = time.Now().UTC()
	s.payments[id] = p
	return true, nil
}

func (s *state) UpdateCopayBalance(_ context.Context, id payments.CopayID, remaining decimal.Decimal, status payments.CopayStatus, expectedVersion int64) (bool, error) {
	c, ok := s.copays[id]
	if !ok || c.Version != expectedVersion {
		return false, nil
	}
	c.RemainingBalance = remaining
	c.Status = status
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	s.copays[id] = c
	return true, nil
}

func (s *state) EnsureCredit(_ context.Context, patientID payments.PatientID) (payments.PatientCredit, error) {
	c, ok := s.credits[patientID]
	if !ok {
		c = payments.PatientCredit{PatientID: patientID, Amount: decimal.Zero, UpdatedAt: time.Now().UTC()}
		s.credits[patientID] = c
	}
	return c, nil
}

func (s *state) UpdateCreditBalance(_ context.Context, patientID payments.PatientID, amount decimal.Decimal, expectedVersion int64) (bool, error) {
	c, ok := s.credits[patientID]
	if !ok || c.Version != expectedVersion {
		return false, nil
	}
	c.Amount = amount
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	s.credits[patientID] = c
	return true, nil
}

func (s *state) InsertCreditTransaction(_ context.Context, tx payments.CreditTransaction) error {
	s.creditLog = append(s.creditLog, tx)
	return nil
}
