package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanStatusActive LoanStatus = "ACTIVE"
	LoanStatusClosed LoanStatus = "CLOSED" // reserved; no operation sets it yet
)

// Loan is the loan header. TotalPayable and MonthlyInstallment are fixed at
// creation and never recomputed.
type Loan struct {
	ID                 string          `json:"loan_id"`
	CustomerID         string          `json:"customer_id"` // Owner, as supplied by the auth collaborator
	Principal          decimal.Decimal `json:"principal"`
	InterestRate       decimal.Decimal `json:"interest_rate"` // Annual simple-interest percent, e.g. 7
	PeriodYears        int             `json:"loan_period_years"`
	TotalPayable       decimal.Decimal `json:"total_amount"`
	MonthlyInstallment decimal.Decimal `json:"monthly_emi"`
	Status             LoanStatus      `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
}

// TotalInterest is the simple interest charged over the whole period.
func (l *Loan) TotalInterest() decimal.Decimal {
	return l.TotalPayable.Sub(l.Principal)
}

type TransactionType string

const (
	TransactionTypeEMI     TransactionType = "EMI"
	TransactionTypeLumpSum TransactionType = "LUMP_SUM"
)

// Valid reports whether t is one of the known payment types.
func (t TransactionType) Valid() bool {
	return t == TransactionTypeEMI || t == TransactionTypeLumpSum
}

// Transaction is an immutable payment against a loan.
type Transaction struct {
	ID        string          `json:"transaction_id"`
	LoanID    string          `json:"loan_id"`
	Amount    decimal.Decimal `json:"amount"`
	Type      TransactionType `json:"type"`
	Timestamp time.Time       `json:"date"`
}
