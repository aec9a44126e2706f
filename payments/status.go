package payments

import "github.com/shopspring/decimal"

// DeriveStatus computes a copay's status from its balance.
//
// WRITE_OFF is terminal and set out of band, so it is never overridden.
// A remaining balance outside (0, amount) other than exactly 0 or exactly
// amount leaves the current status untouched.
func DeriveStatus(amount, remaining decimal.Decimal, current CopayStatus) CopayStatus {
	if current == CopayWriteOff {
		return current
	}
	switch {
	case remaining.IsZero():
		return CopayPaid
	case remaining.IsPositive() && remaining.LessThan(amount):
		return CopayPartiallyPaid
	case remaining.Equal(amount):
		return CopayPayable
	}
	return current
}
