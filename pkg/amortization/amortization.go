// Package amortization converts loan terms into a flat installment plan and
// derives outstanding figures from the amount paid so far.
//
// Interest is simple interest on the original principal for the full period:
//
//	interest     = principal * years * rate / 100
//	total        = round(principal + interest, 2)
//	installment  = round((principal + interest) / (years * 12), 2)
//
// The installment is divided from the unrounded sum, not from total.
// Rounding is half away from zero, which is what decimal.Round does.
package amortization

import (
	"fmt"

	"github.com/mcclellann/loanLedger/pkg/apperrors"
	"github.com/shopspring/decimal"
)

// CurrencyPlaces is the number of decimal places money is kept at.
const CurrencyPlaces = 2

var (
	hundred        = decimal.NewFromInt(100)
	monthsPerYear  = decimal.NewFromInt(12)
	DefaultRatePct = decimal.NewFromInt(7)
)

// Plan is the result of amortizing a loan.
type Plan struct {
	TotalInterest      decimal.Decimal
	TotalPayable       decimal.Decimal
	MonthlyInstallment decimal.Decimal
	Installments       int
}

// Calculate returns the plan for principal borrowed over periodYears at
// annualRatePct percent simple interest.
func Calculate(principal decimal.Decimal, periodYears int, annualRatePct decimal.Decimal) (Plan, error) {
	if principal.LessThanOrEqual(decimal.Zero) {
		return Plan{}, fmt.Errorf("%w: principal must be positive, got %s", apperrors.ErrInvalidLoanTerms, principal)
	}
	if !IsCurrencyAmount(principal) {
		return Plan{}, fmt.Errorf("%w: principal %s has more than %d decimal places", apperrors.ErrInvalidLoanTerms, principal, CurrencyPlaces)
	}
	if periodYears <= 0 {
		return Plan{}, fmt.Errorf("%w: period must be positive, got %d years", apperrors.ErrInvalidLoanTerms, periodYears)
	}
	if annualRatePct.IsNegative() {
		return Plan{}, fmt.Errorf("%w: interest rate must not be negative, got %s", apperrors.ErrInvalidLoanTerms, annualRatePct)
	}

	years := decimal.NewFromInt(int64(periodYears))
	interest := principal.Mul(years).Mul(annualRatePct.Div(hundred))
	exact := principal.Add(interest)
	total := exact.Round(CurrencyPlaces)
	installments := periodYears * 12
	installment := exact.Div(years.Mul(monthsPerYear)).Round(CurrencyPlaces)

	if !installment.IsPositive() {
		return Plan{}, fmt.Errorf("%w: installment rounds to zero for principal %s", apperrors.ErrInvalidLoanTerms, principal)
	}

	return Plan{
		TotalInterest:      total.Sub(principal),
		TotalPayable:       total,
		MonthlyInstallment: installment,
		Installments:       installments,
	}, nil
}

// Outstanding derives the remaining balance and installments left. The balance
// is clamped at zero when more than totalPayable has been paid.
func Outstanding(totalPayable, installment, totalPaid decimal.Decimal) (balance decimal.Decimal, emisLeft int64) {
	balance = totalPayable.Sub(totalPaid)
	if balance.IsNegative() {
		balance = decimal.Zero
	}
	if balance.IsZero() || !installment.IsPositive() {
		return balance, 0
	}
	return balance, balance.Div(installment).Ceil().IntPart()
}

// Sum adds up amounts. Order does not affect the result.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// IsCurrencyAmount reports whether d is representable at currency precision.
func IsCurrencyAmount(d decimal.Decimal) bool {
	return d.Equal(d.Round(CurrencyPlaces))
}
