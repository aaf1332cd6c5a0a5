package values

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FeeSchedule describes how a processor prices a transaction:
// a percentage of the amount plus a fixed per-transaction fee.
type FeeSchedule struct {
	Percentage decimal.Decimal
	Fixed      Money
}

// NewFeeSchedule creates a fee schedule. Percentage is expressed as a
// fraction (0.029 for 2.9%).
func NewFeeSchedule(percentage string, fixed Money) (FeeSchedule, error) {
	pct, err := decimal.NewFromString(percentage)
	if err != nil {
		return FeeSchedule{}, fmt.Errorf("invalid percentage: %w", err)
	}
	if pct.IsNegative() {
		return FeeSchedule{}, fmt.Errorf("percentage must be non-negative, got %s", pct)
	}

	return FeeSchedule{Percentage: pct, Fixed: fixed}, nil
}

// Fee computes the fee owed on the given amount, rounded to cents.
func (f FeeSchedule) Fee(amount Money) (Money, error) {
	if amount.Currency() != f.Fixed.Currency() {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", amount.Currency(), f.Fixed.Currency())
	}

	variable := amount.Amount().Mul(f.Percentage).Round(2)
	fee, err := NewMoney(variable, amount.Currency())
	if err != nil {
		return Money{}, err
	}
	return fee.Add(f.Fixed)
}

// Net returns the amount remaining after fees are deducted.
func (f FeeSchedule) Net(amount Money) (Money, error) {
	fee, err := f.Fee(amount)
	if err != nil {
		return Money{}, err
	}
	net, err := NewMoney(amount.Amount().Sub(fee.Amount()), amount.Currency())
	if err != nil {
		return Money{}, err
	}
	return net, nil
}
