/*
allocation.go - Splitting a payment across copays

PURPOSE:
  Pure allocation math. Given the client's requested amount per copay and
  the copays' current balances, compute how much is applied to each copay
  and how much spills over as patient credit.

RULES:
  - Every request is validated before anything is computed; one bad
    request rejects the whole batch.
  - requested <= 0                         -> AMOUNT_NEGATIVE
  - requested finer than whole cents       -> AMOUNT_PRECISION
  - requested > copay.Amount * multiplier  -> ALLOCATION_EXCESSIVE
  - applied = min(requested, remaining), excess = requested - applied

EXAMPLE:
  Copay $25 remaining, request $35 -> applied $25, excess $10.
  Copay $25 remaining, request $15 -> applied $15, excess $0.

SEE ALSO:
  - settlement.go: Persists the result
*/
package payments

import (
	"github.com/shopspring/decimal"
)

// AllocationRequest is the client's instruction for one copay.
type AllocationRequest struct {
	CopayID CopayID
	Amount  decimal.Decimal
}

// AppliedAllocation is one request after capping.
type AppliedAllocation struct {
	CopayID   CopayID
	Requested decimal.Decimal
	Applied   decimal.Decimal
	Excess    decimal.Decimal
}

// AllocationResult is the outcome of Allocate, in request order.
type AllocationResult struct {
	Applied        []AppliedAllocation
	TotalExcess    decimal.Decimal
	TotalRequested decimal.Decimal
}

// TotalApplied is the sum of applied amounts.
func (r AllocationResult) TotalApplied() decimal.Decimal {
	return r.TotalRequested.Sub(r.TotalExcess)
}

// Allocate computes applied and excess amounts for each request.
//
// Requests naming the same copay twice are each evaluated against the same
// starting balance; callers that want them combined use MergeDuplicates
// first. A multiplier <= 0 falls back to DefaultOverpaymentMultiplier.
func Allocate(requests []AllocationRequest, copays map[CopayID]Copay, multiplier decimal.Decimal) (AllocationResult, error) {
	if !multiplier.IsPositive() {
		multiplier = decimal.NewFromInt(DefaultOverpaymentMultiplier)
	}

	if err := ValidateAmounts(requests); err != nil {
		return AllocationResult{}, err
	}
	for _, req := range requests {
		copay, ok := copays[req.CopayID]
		if !ok {
			return AllocationResult{}, NewNotFound("copay", req.CopayID)
		}
		limit := copay.Amount.Mul(multiplier)
		if req.Amount.GreaterThan(limit) {
			return AllocationResult{}, newValidationError(CodeAllocationExcessive,
				"allocation %s for copay %s exceeds %s times its amount %s", req.Amount, req.CopayID, multiplier, copay.Amount)
		}
	}

	result := AllocationResult{
		Applied:        make([]AppliedAllocation, 0, len(requests)),
		TotalExcess:    decimal.Zero,
		TotalRequested: decimal.Zero,
	}
	for _, req := range requests {
		remaining := copays[req.CopayID].RemainingBalance
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		applied := decimal.Min(req.Amount, remaining)
		excess := req.Amount.Sub(applied)

		result.Applied = append(result.Applied, AppliedAllocation{
			CopayID:   req.CopayID,
			Requested: req.Amount,
			Applied:   applied,
			Excess:    excess,
		})
		result.TotalExcess = result.TotalExcess.Add(excess)
		result.TotalRequested = result.TotalRequested.Add(req.Amount)
	}
	return result, nil
}

// ValidateAmounts rejects the batch if any requested amount is <= 0 or
// carries fractions of a cent.
func ValidateAmounts(requests []AllocationRequest) error {
	for _, req := range requests {
		if !req.Amount.IsPositive() {
			return newValidationError(CodeAmountNegative,
				"allocation amount for copay %s must be positive, got %s", req.CopayID, req.Amount)
		}
		if !WholeCents(req.Amount) {
			return newValidationError(CodeAmountPrecision,
				"allocation amount for copay %s has more than two decimal places: %s", req.CopayID, req.Amount)
		}
	}
	return nil
}

// WholeCents reports whether d has at most two significant decimal
// places. Trailing zeros do not count, so 10.500 is accepted.
func WholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

// MergeDuplicates sums requests that name the same copay, keeping the
// position of the first occurrence.
func MergeDuplicates(requests []AllocationRequest) []AllocationRequest {
	index := make(map[CopayID]int, len(requests))
	merged := make([]AllocationRequest, 0, len(requests))
	for _, req := range requests {
		if i, ok := index[req.CopayID]; ok {
			merged[i].Amount = merged[i].Amount.Add(req.Amount)
			continue
		}
		index[req.CopayID] = len(merged)
		merged = append(merged, req)
	}
	return merged
}
