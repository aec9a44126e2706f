package payments_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/copay-engine/payments"
)

// =============================================================================
// SUBMISSION
// =============================================================================

func TestSubmitPayment_Overpayment_CreatesPendingPaymentAndCredit(t *testing.T) {
	// GIVEN: Copay A with $25 remaining
	// WHEN: The patient pays $35 against it
	// THEN: Payment is PENDING for $35, allocation applies $25,
	//       $10 patient credit with one OVERPAYMENT_CREDIT entry

	f := newFixture(t, payments.DefaultSettlementConfig())
	ctx := context.Background()

	result := f.submit(t, "key-1", alloc(copayA, "35.00"))
	assert.Equal(t, payments.PaymentPending, result.Status)
	assert.False(t, result.Replayed)

	p := f.payment(t, result.PaymentID)
	assert.True(t, p.Amount.Equal(dec("35.00")))
	assert.Equal(t, "key-1", p.RequestKey)
	assert.Equal(t, "ch_test0001", p.ProcessorChargeID)
	assert.Equal(t, "USD", p.Currency)

	allocs, err := f.store.ListAllocations(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.True(t, allocs[0].Amount.Equal(dec("25.00")))

	statement, err := f.credits.Balance(ctx, patientID)
	require.NoError(t, err)
	assert.True(t, statement.Balance.Equal(dec("10.00")))
	require.Len(t, statement.Transactions, 1)
	assert.Equal(t, payments.CreditOverpayment, statement.Transactions[0].Type)
	assert.Equal(t, p.ID, statement.Transactions[0].PaymentID)
	assert.Equal(t, "Overpayment credit from payment "+string(p.ID), statement.Transactions[0].Description)

	// Copays only change when the processor confirms.
	a := f.copay(t, copayA)
	assert.True(t, a.RemainingBalance.Equal(dec("25.00")))
	assert.Equal(t, payments.CopayPayable, a.Status)

	require.Equal(t, 1, f.gateway.calls())
	assert.True(t, f.gateway.charges[0].Amount.Equal(dec("35.00")))
	assert.Equal(t, []payments.PaymentEventType{payments.EventPaymentCreated}, f.publisher.types())
}

func TestSubmitPayment_SameRequestKey_ReturnsOriginal(t *testing.T) {
	// GIVEN: A payment submitted with key K
	// WHEN: The same request is submitted again with K
	// THEN: Same payment id, no second charge, no second credit

	f := newFixture(t, payments.DefaultSettlementConfig())

	first := f.submit(t, "key-1", alloc(copayA, "35.00"))
	second := f.submit(t, "key-1", alloc(copayA, "35.00"))

	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, payments.PaymentPending, second.Status)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, f.gateway.calls())
	assert.True(t, f.creditBalance(t).Equal(dec("10.00")))
	assert.Equal(t, 1, f.metrics.replayed)
}

func TestSubmitPayment_SameRequestKey_AfterFailure_ReturnsFailed(t *testing.T) {
	f := newFixture(t, payments.DefaultSettlementConfig())

	first := f.submit(t, "key-1", alloc(copayA, "15.00"))
	require.NoError(t, f.deliver(t, payments.ChargeFailed, first.PaymentID, "card_declined"))

	again := f.submit(t, "key-1", alloc(copayA, "15.00"))
	assert.Equal(t, first.PaymentID, again.PaymentID)
	assert.Equal(t, payments.PaymentFailed, again.Status)
	assert.Equal(t, 1, f.gateway.calls())
}

func TestSubmitPayment_SameRequestKey_DifferentBody_ReturnsOriginal(t *testing.T) {
	f := newFixture(t, payments.DefaultSettlementConfig())

	first := f.submit(t, "key-1", alloc(copayA, "15.00"))
	second := f.submit(t, "key-1", alloc(copayB, "30.00"))

	assert.Equal(t, first.PaymentID, second.PaymentID)
	p := f.payment(t, first.PaymentID)
	assert.True(t, p.Amount.Equal(dec("15.00")))
}

func TestSubmitPayment_ConcurrentSameKey_OnePayment(t *testing.T) {
	// GIVEN: 10 concurrent submissions with the same key
	// THEN: All return one payment id and exactly one charge is dispatched

	f := newFixture(t, payments.DefaultSettlementConfig())

	const n = 10
	ids := make([]payments.PaymentID, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.settlement.SubmitPayment(context.Background(), payments.SubmitPaymentInput{
				PatientID:       patientID,
				PaymentMethodID: methodID,
				Currency:        "USD",
				Allocations:     []payments.AllocationRequest{alloc(copayA, "35.00")},
				RequestKey:      "shared-key",
			})
			ids[i], errs[i] = r.PaymentID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, f.gateway.calls())
	assert.True(t, f.creditBalance(t).Equal(dec("10.00")))
}

func TestSubmitPayment_EmptyRequestKey_GeneratesKey(t *testing.T) {
	f := newFixture(t, payments.DefaultSettlementConfig())

	first := f.submit(t, "", alloc(copayA, "5.00"))
	second := f.submit(t, "", alloc(copayA, "5.00"))

	assert.NotEqual(t, first.PaymentID, second.PaymentID)
	assert.NotEmpty(t, f.payment(t, first.PaymentID).RequestKey)
	assert.Equal(t, 2, f.gateway.calls())
}

func TestSubmitPayment_MultipleAllocations_SumsRequested(t *testing.T) {
	f := newFixture(t, payments.DefaultSettlementConfig())

	result := f.submit(t, "key-1", alloc(copayA, "15.00"), alloc(copayB, "30.00"))
	p := f.payment(t, result.PaymentID)
	assert.True(t, p.Amount.Equal(dec("45.00")))

	allocs, err := f.store.ListAllocations(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Len(t, allocs, 2)

	credit, err := f.store.GetCredit(context.Background(), patientID)
	require.NoError(t, err)
	assert.Nil(t, credit, "no excess means no credit row")
}

func TestSubmitPayment_LowercaseCurrency_Accepted(t *testing.T) {
	f := newFixture(t, payments.DefaultSettlementConfig())

	result, err := f.settlement.SubmitPayment(context.Background(), payments.SubmitPaymentInput{
		PatientID:       patientID,
		PaymentMethodID: methodID,
		Currency:        "usd",
		Allocations:     []payments.AllocationRequest{alloc(copayA, "5.00")},
	})
	require.NoError(t, err)
	assert.Equal(t, "USD", f.payment(t, result.PaymentID).Currency)
}

// =============================================================================
// DUPLICATE COPAY IDS
// =============================================================================

func TestSubmitPayment_DuplicateCopay_MergedByDefault(t *testing.T) {
	f := newFixture(t, payments.DefaultSettlementConfig())

	result := f.submit(t, "key-1", alloc(copayA, "20.00"), alloc(copayA, "10.00"))

	allocs, err := f.store.ListAllocations(context.Background(), result.PaymentID)
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.True(t, allocs[0].Amount.Equal(dec("25.00")))
	assert.True(t, f.creditBalance(t).Equal(dec("5.00")))
}

func TestSubmitPayment_DuplicateCopay_RejectedWhenMergeDisabled(t *testing.T) {
	cfg := payments.DefaultSettlementConfig()
	cfg.MergeDuplicateAllocations = false
	f := newFixture(t, cfg)

	_, err := f.settlement.SubmitPayment(context.Background(), payments.SubmitPaymentInput{
		PatientID:       patientID,
		PaymentMethodID: methodID,
		Currency:        "USD",
		Allocations:     []payments.AllocationRequest{alloc(copayA, "20.00"), alloc(copayA, "10.00")},
		RequestKey:      "key-1",
	})

	var verr *payments.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, payments.CodeDuplicateAllocation, verr.Code)

	p, err := f.store.GetPaymentByRequestKey(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Nil(t, p)
}

// =============================================================================
// REJECTIONS - Nothing is written
// =============================================================================

func TestSubmitPayment_Rejections_NoWrites(t *testing.T) {
	tests := []struct {
		name  string
		input payments.SubmitPaymentInput
		check func(t *testing.T, err error)
	}{
		{
			name: "non-positive amount anywhere in batch",
			input: payments.SubmitPaymentInput{PatientID: patientID, PaymentMethodID: methodID, Currency: "USD",
				Allocations: []payments.AllocationRequest{alloc(copayA, "10.00"), alloc(copayB, "0")}},
			check: func(t *testing.T, err error) {
				var verr *payments.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, payments.CodeAmountNegative, verr.Code)
			},
		},
		{
			name: "fraction of a cent",
			input: payments.SubmitPaymentInput{PatientID: patientID, PaymentMethodID: methodID, Currency: "USD",
				Allocations: []payments.AllocationRequest{alloc(copayA, "10.00"), alloc(copayB, "29.995")}},
			check: func(t *testing.T, err error) {
				var verr *payments.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, payments.CodeAmountPrecision, verr.Code)
			},
		},
		{
			name: "unknown patient wins over bad amount",
			input: payments.SubmitPaymentInput{PatientID: "pat-missing", PaymentMethodID: methodID, Currency: "USD",
				Allocations: []payments.AllocationRequest{alloc(copayA, "-5.00")}},
			check: notFound,
		},
		{
			name: "unknown copay wins over bad amount",
			input: payments.SubmitPaymentInput{PatientID: patientID, PaymentMethodID: methodID, Currency: "USD",
				Allocations: []payments.AllocationRequest{alloc("cp-missing", "0.004")}},
			check: notFound,
		},
		{
			name: "negative amount hidden by merge",
			input: payments.SubmitPaymentInput{PatientID: patientID, PaymentMethodID: methodID, Currency: "USD",
				Allocations: []payments.AllocationRequest{alloc(copayA, "10.00"), alloc(copayA, "-5.00")}},
			check: func(t *testing.T, err error) {
				var verr *payments.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, payments.CodeAmountNegative, verr.Code)
			},
		},
		{
			name: "allocation above multiplier",
			input: payments.SubmitPaymentInput{PatientID: patientID, PaymentMethodID: methodID, Currency: "USD",
				Allocations: []payments.AllocationRequest{alloc(copayA, "200.00")}},
			check: func(t *testing.T, err error) {
				var verr *payments.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, payments.CodeAllocationExcessive, verr.Code)
			},
		},
		{
			name: "no allocations",
			input: payments.SubmitPaymentInput{PatientID: patientID, PaymentMethodID: methodID, Currency: "USD"},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, payments.ErrBusinessValidation)
			},
		},
		{
			name: "unsupported currency",
			input: payments.SubmitPaymentInput{PatientID: patientID, PaymentMethodID: methodID, Currency: "EUR",
				Allocations: []payments.AllocationRequest{alloc(copayA, "10.00")}},
			check: func(t *testing.T, err error) {
				var verr *payments.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, payments.CodeCurrencyUnsupported, verr.Code)
			},
		},
		{
			name: "unknown patient",
			input: payments.SubmitPaymentInput{PatientID: "pat-missing", PaymentMethodID: methodID, Currency: "USD",
				Allocations: []payments.AllocationRequest{alloc(copayA, "10.00")}},
			check: notFound,
		},
		{
			name: "inactive payment method",
			input: payments.SubmitPaymentInput{PatientID: patientID, PaymentMethodID: inactiveID, Currency: "USD",
				Allocations: []payments.AllocationRequest{alloc(copayA, "10.00")}},
			check: notFound,
		},
		{
			name: "payment method of another patient",
			input: payments.SubmitPaymentInput{PatientID: patientID, PaymentMethodID: foreignID, Currency: "USD",
				Allocations: []payments.AllocationRequest{alloc(copayA, "10.00")}},
			check: notFound,
		},
		{
			name: "unknown copay",
			input: payments.SubmitPaymentInput{PatientID: patientID, PaymentMethodID: methodID, Currency: "USD",
				Allocations: []payments.AllocationRequest{alloc(copayA, "10.00"), alloc("cp-missing", "5.00")}},
			check: notFound,
		},
		{
			name: "copay already paid",
			input: payments.SubmitPaymentInput{PatientID: patientID, PaymentMethodID: methodID, Currency: "USD",
				Allocations: []payments.AllocationRequest{alloc(copayPaid, "10.00")}},
			check: notFound,
		},
		{
			name: "copay of another patient",
			input: payments.SubmitPaymentInput{PatientID: patientID, PaymentMethodID: methodID, Currency: "USD",
				Allocations: []payments.AllocationRequest{alloc(copayForeign, "10.00")}},
			check: notFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, payments.DefaultSettlementConfig())
			ctx := context.Background()
			tt.input.RequestKey = "key-reject"

			_, err := f.settlement.SubmitPayment(ctx, tt.input)
			require.Error(t, err)
			assert.True(t, payments.IsClientError(err))
			tt.check(t, err)

			p, err := f.store.GetPaymentByRequestKey(ctx, "key-reject")
			require.NoError(t, err)
			assert.Nil(t, p)
			assert.Zero(t, f.gateway.calls())
			assert.Empty(t, f.publisher.types())
		})
	}
}

func notFound(t *testing.T, err error) {
	assert.True(t, payments.IsNotFound(err), "expected not found, got %v", err)
}

func TestSubmitPayment_GatewayError_RollsBack(t *testing.T) {
	// GIVEN: The processor is down
	// WHEN: An overpayment is submitted
	// THEN: Retryable error, no payment, no credit

	f := newFixture(t, payments.DefaultSettlementConfig())
	f.gateway.err = errProcessorDown
	ctx := context.Background()

	_, err := f.settlement.SubmitPayment(ctx, payments.SubmitPaymentInput{
		PatientID:       patientID,
		PaymentMethodID: methodID,
		Currency:        "USD",
		Allocations:     []payments.AllocationRequest{alloc(copayA, "35.00")},
		RequestKey:      "key-1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, payments.ErrGatewayUnavailable)
	assert.ErrorIs(t, err, errProcessorDown)
	assert.True(t, payments.IsRetryable(err))

	p, err := f.store.GetPaymentByRequestKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.True(t, f.creditBalance(t).IsZero())

	// Retrying with the same key succeeds once the processor is back.
	f.gateway.err = nil
	result := f.submit(t, "key-1", alloc(copayA, "35.00"))
	assert.False(t, result.Replayed)
}

func TestSubmitPayment_PublishError_DoesNotFail(t *testing.T) {
	f := newFixture(t, payments.DefaultSettlementConfig())
	f.publisher.err = errProcessorDown

	result := f.submit(t, "key-1", alloc(copayA, "10.00"))
	assert.Equal(t, payments.PaymentPending, result.Status)
}

// =============================================================================
// REDISPATCH
// =============================================================================

func TestRedispatch_PaymentWithoutCharge_Dispatches(t *testing.T) {
	f := newFixture(t, payments.DefaultSettlementConfig())
	ctx := context.Background()

	stuck := payments.Payment{
		ID: "pay-stuck", PatientID: patientID, PaymentMethodID: methodID,
		Amount: dec("10.00"), Currency: "USD", Status: payments.PaymentPending, RequestKey: "key-stuck",
	}
	require.NoError(t, f.store.WithTx(ctx, func(uow payments.UnitOfWork) error {
		return uow.InsertPayment(ctx, stuck)
	}))

	chargeID, err := f.settlement.Redispatch(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, "ch_test0001", chargeID)
	assert.Equal(t, chargeID, f.payment(t, stuck.ID).ProcessorChargeID)

	// A payment that already has a charge is left alone.
	chargeID, err = f.settlement.Redispatch(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Empty(t, chargeID)
	assert.Equal(t, 1, f.gateway.calls())
}
