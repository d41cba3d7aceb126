// Package events publishes ledger changes to downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/mcclellann/loanLedger/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	TypeLoanCreated     = "loan.created"
	TypePaymentRecorded = "loan.payment_recorded"
)

// Event is the envelope written to the bus. Payload is one of the *Payload types.
type Event struct {
	Type       string    `json:"type"`
	LoanID     string    `json:"loan_id"`
	CustomerID string    `json:"customer_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

type LoanCreatedPayload struct {
	Principal          decimal.Decimal `json:"principal"`
	PeriodYears        int             `json:"loan_period_years"`
	InterestRate       decimal.Decimal `json:"interest_rate"`
	TotalPayable       decimal.Decimal `json:"total_amount"`
	MonthlyInstallment decimal.Decimal `json:"monthly_emi"`
}

type PaymentRecordedPayload struct {
	TransactionID    string                 `json:"transaction_id"`
	Amount           decimal.Decimal        `json:"amount"`
	Type             models.TransactionType `json:"transaction_type"`
	RemainingBalance decimal.Decimal        `json:"remaining_balance"`
	EMIsLeft         int64                  `json:"emis_left"`
}

// LoanCreated describes a newly stored loan.
func LoanCreated(loan *models.Loan) Event {
	return Event{
		Type:       TypeLoanCreated,
		LoanID:     loan.ID,
		CustomerID: loan.CustomerID,
		OccurredAt: loan.CreatedAt,
		Payload: LoanCreatedPayload{
			Principal:          loan.Principal,
			PeriodYears:        loan.PeriodYears,
			InterestRate:       loan.InterestRate,
			TotalPayable:       loan.TotalPayable,
			MonthlyInstallment: loan.MonthlyInstallment,
		},
	}
}

// PaymentRecorded describes txn and the loan's figures right after it.
func PaymentRecorded(customerID string, txn *models.Transaction, balance decimal.Decimal, emisLeft int64) Event {
	return Event{
		Type:       TypePaymentRecorded,
		LoanID:     txn.LoanID,
		CustomerID: customerID,
		OccurredAt: txn.Timestamp,
		Payload: PaymentRecordedPayload{
			TransactionID:    txn.ID,
			Amount:           txn.Amount,
			Type:             txn.Type,
			RemainingBalance: balance,
			EMIsLeft:         emisLeft,
		},
	}
}

// Publisher delivers events. Callers treat delivery as best effort.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
